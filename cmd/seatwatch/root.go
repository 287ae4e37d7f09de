package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/iliyamo/cinema-seat-realtime/internal/client"
	"github.com/iliyamo/cinema-seat-realtime/internal/config"
	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
)

var cfg config.ClientConfig

var rootCmd = &cobra.Command{
	Use:           "seatwatch",
	Short:         "Live seat maps for cinema showtimes",
	Long:          `Watch seat availability of a showtime as it changes and lock or release seats.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	_ = godotenv.Load()
	cfg = config.LoadClientConfig()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "HTTP API root including /v1")
	flags.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "websocket endpoint")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "bearer access token")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	rootCmd.AddCommand(snapshotCmd, watchCmd, lockCmd, releaseCmd, tokenCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *logger.Logger {
	return logger.NewWithWriter(os.Stderr, "dev", cfg.LogLevel)
}

func newFetcher() *client.SnapshotFetcher {
	return client.NewSnapshotFetcher(nil, cfg.BaseURL, cfg.Token)
}

func newDialer(log *logger.Logger) *client.WSDialer {
	return &client.WSDialer{URL: cfg.WSURL, Token: cfg.Token, Logger: log}
}

// subscribe opens a session configured from cfg.
func subscribe(cmd *cobra.Command, showtimeID uint64, log *logger.Logger) (*client.Session, error) {
	backoff := &client.Backoff{Initial: cfg.BackoffInitial, Factor: cfg.BackoffFactor, Max: cfg.BackoffMax}
	return client.Subscribe(cmd.Context(), showtimeID, newDialer(log), newFetcher(),
		client.WithSnapshotGrace(cfg.SnapshotGrace),
		client.WithConfirmTimeout(cfg.ConfirmTimeout),
		client.WithLogger(log),
		client.WithManagerOptions(client.WithBackoff(backoff)),
	)
}

func parseID(name, v string) (uint64, error) {
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return id, nil
}

func formatUntil(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(time.TimeOnly)
}
