package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/iliyamo/cinema-seat-realtime/internal/model"
)

var statusColors = map[model.SeatStatus]text.Colors{
	model.StatusAvailable: {text.FgGreen},
	model.StatusLocked:    {text.FgYellow},
	model.StatusSold:      {text.FgRed},
}

// renderSeatMap prints one row per seat ordered by row and number, with
// the status counts in the footer.
func renderSeatMap(w io.Writer, m *model.ShowtimeSeatMap, caption string) {
	seats := m.Seats()
	sort.SliceStable(seats, func(i, j int) bool {
		if seats[i].RowCode != seats[j].RowCode {
			if len(seats[i].RowCode) != len(seats[j].RowCode) {
				return len(seats[i].RowCode) < len(seats[j].RowCode)
			}
			return seats[i].RowCode < seats[j].RowCode
		}
		return seats[i].SeatNumber < seats[j].SeatNumber
	})

	rowConfigAutoMerge := table.RowConfig{AutoMerge: true}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Showtime %d (seq %d)", m.ShowtimeID, m.Seq))
	t.AppendHeader(table.Row{"Row", "Seat", "ID", "Type", "Status", "Locked until"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, AutoMerge: true},
		{Number: 5, Transformer: colorStatus},
	})
	for _, s := range seats {
		t.AppendRow(table.Row{s.RowCode, s.SeatNumber, s.SeatID, s.SeatTypeID, s.Status, formatUntil(s.LockedUntil)}, rowConfigAutoMerge)
	}
	counts := m.Counts()
	t.AppendFooter(table.Row{"", "", "", "available", counts[model.StatusAvailable], ""})
	t.AppendFooter(table.Row{"", "", "", "locked", counts[model.StatusLocked], ""})
	t.AppendFooter(table.Row{"", "", "", "sold", counts[model.StatusSold], ""})
	if caption != "" {
		t.SetCaption(caption)
	}
	t.Render()
}

func colorStatus(v interface{}) string {
	s, ok := v.(model.SeatStatus)
	if !ok {
		return fmt.Sprint(v)
	}
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}
