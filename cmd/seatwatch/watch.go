package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/cinema-seat-realtime/internal/client"
)

var watchClear bool

var watchCmd = &cobra.Command{
	Use:   "watch <showtime-id>",
	Short: "Follow the seat map live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showtimeID, err := parseID("showtime id", args[0])
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		log := newLogger()
		s, err := subscribe(cmd, showtimeID, log)
		if err != nil {
			return err
		}
		defer closeSession(s)

		render := func() {
			if watchClear {
				fmt.Fprint(os.Stdout, "\033[H\033[2J")
			}
			caption := fmt.Sprintf("%s  %s", s.State(), time.Now().Format(time.TimeOnly))
			if s.Stale() {
				caption += "  (stale)"
			}
			renderSeatMap(os.Stdout, s.CurrentState(), caption)
		}
		render()
		for {
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-s.Updates():
				if !ok {
					return nil
				}
				render()
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchClear, "clear", true, "clear the screen before each redraw")
}

func closeSession(s *client.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.Close(ctx)
}
