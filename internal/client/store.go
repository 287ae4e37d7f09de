package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/iliyamo/cinema-seat-realtime/internal/model"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
)

var (
	// ErrUnknownSeat is returned for a delta naming a seat the store has no
	// record of.  The delta is dropped; callers should fetch a snapshot.
	ErrUnknownSeat = errors.New("delta for unknown seat")
	// ErrWrongShowtime is returned for frames addressed to another showtime.
	ErrWrongShowtime = errors.New("frame for another showtime")
	// ErrOutOfOrder is returned for a delta older than the last one applied
	// to the same seat.  The delta is dropped.
	ErrOutOfOrder = errors.New("out-of-order delta")
)

// Store is the client-local mirror of one showtime's seats.  It is written
// by a single subscription and read by any number of goroutines; readers
// always see whole deltas.
type Store struct {
	showtimeID uint64

	mu    sync.RWMutex
	seats *model.ShowtimeSeatMap
	seqs  map[uint64]uint64 // last applied seq per seat
	stale bool
}

// NewStore returns an empty store.  It is stale until the first snapshot.
func NewStore(showtimeID uint64) *Store {
	return &Store{showtimeID: showtimeID, seqs: map[uint64]uint64{}, stale: true}
}

// ShowtimeID returns the showtime this store mirrors.
func (s *Store) ShowtimeID() uint64 { return s.showtimeID }

// ApplySnapshot replaces the whole state with m and clears staleness.
func (s *Store) ApplySnapshot(m *model.ShowtimeSeatMap) error {
	_, err := s.applySnapshot(m, false)
	return err
}

// ApplySnapshotIfNewer is ApplySnapshot unless the store already applied a
// higher seq than m carries.  Unnumbered snapshots always apply.  It
// reports whether m was applied.
func (s *Store) ApplySnapshotIfNewer(m *model.ShowtimeSeatMap) (bool, error) {
	return s.applySnapshot(m, true)
}

func (s *Store) applySnapshot(m *model.ShowtimeSeatMap, onlyIfNewer bool) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("%w: nil snapshot", model.ErrInvalidSeat)
	}
	if m.ShowtimeID != s.showtimeID {
		return false, fmt.Errorf("%w: got %d, want %d", ErrWrongShowtime, m.ShowtimeID, s.showtimeID)
	}
	next := m.Clone()
	seqs := make(map[uint64]uint64, next.Len())
	for _, seat := range next.Seats() {
		seqs[seat.SeatID] = next.Seq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if onlyIfNewer && s.seats != nil && next.Seq > 0 && next.Seq < s.seats.Seq {
		return false, nil
	}
	s.seats = next
	s.seqs = seqs
	s.stale = false
	return true, nil
}

// ResetSeq forgets the seq baseline while keeping the seats.  Sequence
// numbers are only comparable within one connection: a server restarted
// without Redis numbers from zero again.  The next snapshot sets a new
// baseline.
func (s *Store) ResetSeq() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seats != nil {
		s.seats.Seq = 0
	}
	s.seqs = map[uint64]uint64{}
}

// Apply routes a decoded server event to ApplySnapshot or ApplyDelta.
// Error frames are ignored.
func (s *Store) Apply(ev protocol.ServerEvent) error {
	switch {
	case ev.Type == protocol.TypeSnapshot:
		m, err := model.NewShowtimeSeatMap(ev.ShowtimeID, ev.Seats)
		if err != nil {
			return err
		}
		m.Seq = ev.Seq
		return s.ApplySnapshot(m)
	case ev.IsDelta():
		return s.ApplyDelta(ev)
	}
	return nil
}

// ApplyDelta sets exactly one seat to the value carried by ev.  Applying the
// same delta twice leaves the same state as applying it once.
func (s *Store) ApplyDelta(ev protocol.ServerEvent) error {
	if !ev.IsDelta() {
		return fmt.Errorf("%w: %s is not a delta", protocol.ErrMalformed, ev.Type)
	}
	if ev.ShowtimeID != 0 && ev.ShowtimeID != s.showtimeID {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongShowtime, ev.ShowtimeID, s.showtimeID)
	}
	if ev.Type == protocol.TypeSeatLocked && ev.LockedUntil == nil {
		return fmt.Errorf("%w: seat_locked without locked_until", protocol.ErrMalformed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seats == nil {
		return fmt.Errorf("%w: seat %d (no snapshot yet)", ErrUnknownSeat, ev.SeatID)
	}
	seat, ok := s.seats.Get(ev.SeatID)
	if !ok {
		return fmt.Errorf("%w: seat %d", ErrUnknownSeat, ev.SeatID)
	}
	if ev.Seq > 0 && ev.Seq < s.seqs[ev.SeatID] {
		return fmt.Errorf("%w: seat %d seq %d < %d", ErrOutOfOrder, ev.SeatID, ev.Seq, s.seqs[ev.SeatID])
	}

	switch ev.Type {
	case protocol.TypeSeatLocked:
		seat = seat.Locked(*ev.LockedUntil)
	case protocol.TypeSeatReleased:
		seat = seat.Released()
	case protocol.TypeSeatSold:
		seat = seat.Sold()
	}
	s.seats.Put(seat)
	if ev.Seq > s.seqs[ev.SeatID] {
		s.seqs[ev.SeatID] = ev.Seq
	}
	if ev.Seq > s.seats.Seq {
		s.seats.Seq = ev.Seq
	}
	return nil
}

// Seq returns the highest seq applied so far, 0 before the first snapshot
// or when the server does not number its events.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seats == nil {
		return 0
	}
	return s.seats.Seq
}

// CurrentState returns a deep copy of the present seat map.  Before the
// first snapshot it is an empty map for the showtime.
func (s *Store) CurrentState() *model.ShowtimeSeatMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seats == nil {
		m, _ := model.NewShowtimeSeatMap(s.showtimeID, nil)
		return m
	}
	return s.seats.Clone()
}

// Seat returns the current record of one seat.
func (s *Store) Seat(seatID uint64) (model.Seat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seats == nil {
		return model.Seat{}, false
	}
	return s.seats.Get(seatID)
}

// Loaded reports whether at least one snapshot has been applied.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seats != nil
}

// Stale reports whether events may have been missed since the last
// snapshot.  A stale store keeps serving its last known state.
func (s *Store) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// MarkStale flags the state as untrusted until the next snapshot.
func (s *Store) MarkStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}
