package model

import (
	"fmt"
	"sort"
)

// ShowtimeSeatMap is the full seat state of one showtime keyed by seat ID.
// The zero value is not usable; call NewShowtimeSeatMap.
type ShowtimeSeatMap struct {
	ShowtimeID uint64
	// Seq is the sequence number of the snapshot this map was built from.
	// Zero means the source did not carry sequence numbers.
	Seq   uint64
	seats map[uint64]Seat
}

// NewShowtimeSeatMap builds a map from a seat list.  Seat IDs must be unique
// and every seat must satisfy the lock invariant.
func NewShowtimeSeatMap(showtimeID uint64, seats []Seat) (*ShowtimeSeatMap, error) {
	m := &ShowtimeSeatMap{ShowtimeID: showtimeID, seats: make(map[uint64]Seat, len(seats))}
	for _, s := range seats {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.seats[s.SeatID]; dup {
			return nil, fmt.Errorf("%w: duplicate seat_id %d", ErrInvalidSeat, s.SeatID)
		}
		m.seats[s.SeatID] = s.Clone()
	}
	return m, nil
}

// Len returns the number of seats.
func (m *ShowtimeSeatMap) Len() int { return len(m.seats) }

// Get returns a copy of the seat with the given ID.
func (m *ShowtimeSeatMap) Get(seatID uint64) (Seat, bool) {
	s, ok := m.seats[seatID]
	if !ok {
		return Seat{}, false
	}
	return s.Clone(), true
}

// Put stores s, replacing any previous record with the same ID.
func (m *ShowtimeSeatMap) Put(s Seat) { m.seats[s.SeatID] = s.Clone() }

// Seats returns copies of all seats ordered by seat ID.
func (m *ShowtimeSeatMap) Seats() []Seat {
	out := make([]Seat, 0, len(m.seats))
	for _, s := range m.seats {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out
}

// Clone returns a deep copy that shares nothing with m.
func (m *ShowtimeSeatMap) Clone() *ShowtimeSeatMap {
	c := &ShowtimeSeatMap{ShowtimeID: m.ShowtimeID, Seq: m.Seq, seats: make(map[uint64]Seat, len(m.seats))}
	for id, s := range m.seats {
		c.seats[id] = s.Clone()
	}
	return c
}

// Counts returns the number of seats per status.
func (m *ShowtimeSeatMap) Counts() map[SeatStatus]int {
	out := map[SeatStatus]int{StatusAvailable: 0, StatusLocked: 0, StatusSold: 0}
	for _, s := range m.seats {
		out[s.Status]++
	}
	return out
}
