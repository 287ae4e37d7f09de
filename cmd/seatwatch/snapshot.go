package main

import (
	"os"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <showtime-id>",
	Short: "Print the current seat map once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showtimeID, err := parseID("showtime id", args[0])
		if err != nil {
			return err
		}
		m, err := newFetcher().Fetch(cmd.Context(), showtimeID)
		if err != nil {
			return err
		}
		renderSeatMap(os.Stdout, m, "")
		return nil
	},
}
