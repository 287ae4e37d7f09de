package main // Entry point package

import (
	"context"
	"errors"
	"log" // Logging library for fatal startup errors
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"                      // .env loading for local runs
	"github.com/labstack/echo/v4"                   // Echo web framework
	echomw "github.com/labstack/echo/v4/middleware" // Echo's bundled middleware
	"github.com/redis/go-redis/v9"                  // Redis client for Pub/Sub and rate limiting
	"golang.org/x/sync/errgroup"                    // run the background loops together

	"github.com/iliyamo/cinema-seat-realtime/internal/clock"
	"github.com/iliyamo/cinema-seat-realtime/internal/config" // Internal config loader
	"github.com/iliyamo/cinema-seat-realtime/internal/database"
	"github.com/iliyamo/cinema-seat-realtime/internal/handler"
	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/middleware"
	"github.com/iliyamo/cinema-seat-realtime/internal/queue"
	"github.com/iliyamo/cinema-seat-realtime/internal/realtime"
	"github.com/iliyamo/cinema-seat-realtime/internal/router" // Internal router setup
	"github.com/iliyamo/cinema-seat-realtime/internal/service"
)

func main() {
	_ = godotenv.Load() // .env is optional; real deployments use the environment

	cfg := config.Load()                  // Load environment config
	rtCfg := config.LoadRealtimeConfig()  // Hub, lock and fan-out tuning
	rlCfg := config.LoadRateLimitConfig() // Token bucket settings
	lg := logger.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg)
	if err != nil {
		log.Fatal(err) // Log and exit if the database is unreachable
	}
	defer db.Close()

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		lg.Warn("redis unavailable; rate limiting off and events stay in-process", "error", err)
		rdb = nil
	}
	var broker realtime.Broker = realtime.NewLocalBroker()
	if rdb != nil {
		defer rdb.Close()
		broker = realtime.NewRedisBroker(rdb, rtCfg.PubSubPrefix, lg)
	}

	var (
		events service.EventPublisher = service.NopPublisher{}
		pub    *service.AMQPPublisher
	)
	if cfg.AMQPURL != "" && rtCfg.PublishSeatEvents {
		pub = service.NewAMQPPublisher(cfg.AMQPURL, service.DefaultEventBuffer, lg)
		events = pub
	}

	authority := service.NewSeatService(db, rtCfg.LockTTL, clock.NewSystem(), events, lg)
	hub := realtime.NewHub(authority, broker, lg)
	sweeper := realtime.NewSweeper(authority, hub, rtCfg.SweepInterval, lg)

	checks := map[string]handler.Pinger{"mysql": db, "redis": nil}
	if rdb != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(requestLogger(lg))

	connCfg := realtime.ConnConfig{SendBuffer: rtCfg.SendBuffer, PingInterval: rtCfg.PingInterval}
	router.RegisterRoutes(e, handler.NewHealthHandler(checks)) // Register application routes
	router.RegisterSeats(e, cfg.JWTSecret,
		rateLimiter(rlCfg, rdb, lg),
		handler.NewSeatHandler(hub, lg),
		handler.NewRealtimeHandler(ctx, hub, connCfg, rtCfg.AllowedOrigins, lg),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broker.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if pub != nil {
		g.Go(func() error { return pub.Run(gctx) })
	}
	if cfg.AMQPURL != "" && rtCfg.ConsumeBookings {
		g.Go(func() error {
			return queue.StartBookingConsumer(gctx, cfg.AMQPURL, hub.HandleBookingConfirmed, lg)
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.Port                             // Address string with port
		lg.Info("listening", "addr", addr, "env", cfg.Env) // Print startup info
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal(err) // Log and exit if a component fails
	}
	lg.Info("shutdown complete")
}

func rateLimiter(cfg config.RateLimitConfig, rdb *redis.Client, lg *logger.Logger) echo.MiddlewareFunc {
	if rdb == nil {
		return nil
	}
	return middleware.NewTokenBucket(cfg, rdb, lg)
}

// requestLogger feeds Echo's request logger into slog.
func requestLogger(lg *logger.Logger) echo.MiddlewareFunc {
	httpLog := lg.With("http")
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			httpLog.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}
