package realtime

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/model"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
	"github.com/iliyamo/cinema-seat-realtime/internal/repository"
	"github.com/iliyamo/cinema-seat-realtime/internal/service"
)

type fakeSeat struct {
	seat   model.Seat
	holder uint64
}

// fakeAuthority keeps seats in memory with the same rules as SeatService.
type fakeAuthority struct {
	mu         sync.Mutex
	now        time.Time
	ttl        time.Duration
	shows      map[uint64]map[uint64]*fakeSeat
	onSnapshot func()
}

var _ service.SeatAuthority = (*fakeAuthority)(nil)

func newFakeAuthority() *fakeAuthority {
	a := &fakeAuthority{
		now:   time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC),
		ttl:   5 * time.Minute,
		shows: map[uint64]map[uint64]*fakeSeat{},
	}
	a.addShow(67, 11, 12, 13)
	return a
}

func (a *fakeAuthority) addShow(showID uint64, seatIDs ...uint64) {
	seats := map[uint64]*fakeSeat{}
	for i, id := range seatIDs {
		seats[id] = &fakeSeat{seat: model.Seat{
			SeatID: id, RowCode: "C", SeatNumber: uint32(i + 1), SeatTypeID: "STANDARD", Status: model.StatusAvailable,
		}}
	}
	a.shows[showID] = seats
}

func (a *fakeAuthority) advance(d time.Duration) {
	a.mu.Lock()
	a.now = a.now.Add(d)
	a.mu.Unlock()
}

func (a *fakeAuthority) expired(s *fakeSeat) bool {
	return s.seat.Status == model.StatusLocked && !s.seat.LockedUntil.After(a.now)
}

func (a *fakeAuthority) Snapshot(_ context.Context, showID uint64) ([]model.Seat, error) {
	a.mu.Lock()
	hook := a.onSnapshot
	a.mu.Unlock()
	if hook != nil {
		hook()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	seats, ok := a.shows[showID]
	if !ok {
		return nil, repository.ErrShowNotFound
	}
	out := make([]model.Seat, 0, len(seats))
	for _, s := range seats {
		if a.expired(s) {
			out = append(out, s.seat.Released())
			continue
		}
		out = append(out, s.seat.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out, nil
}

func (a *fakeAuthority) seat(showID, seatID uint64) (*fakeSeat, error) {
	seats, ok := a.shows[showID]
	if !ok {
		return nil, repository.ErrShowNotFound
	}
	s, ok := seats[seatID]
	if !ok {
		return nil, repository.ErrSeatNotFound
	}
	return s, nil
}

func (a *fakeAuthority) Lock(_ context.Context, showID, seatID, userID uint64) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.seat(showID, seatID)
	if err != nil {
		return time.Time{}, err
	}
	switch {
	case s.seat.Status == model.StatusSold:
		return time.Time{}, service.ErrSeatUnavailable
	case s.seat.Status == model.StatusLocked && s.holder != userID && !a.expired(s):
		return time.Time{}, service.ErrSeatUnavailable
	}
	until := a.now.Add(a.ttl)
	s.seat = s.seat.Locked(until)
	s.holder = userID
	return until, nil
}

func (a *fakeAuthority) Release(_ context.Context, showID, seatID, userID uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.seat(showID, seatID)
	if err != nil {
		return err
	}
	if s.seat.Status != model.StatusLocked {
		return service.ErrNotLocked
	}
	if s.holder != userID && !a.expired(s) {
		return service.ErrNotHolder
	}
	s.seat, s.holder = s.seat.Released(), 0
	return nil
}

func (a *fakeAuthority) MarkSold(_ context.Context, showID uint64, seatIDs []uint64) ([]uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sold []uint64
	for _, id := range seatIDs {
		s, err := a.seat(showID, id)
		if err != nil || s.seat.Status == model.StatusSold {
			continue
		}
		s.seat, s.holder = s.seat.Sold(), 0
		sold = append(sold, id)
	}
	return sold, nil
}

func (a *fakeAuthority) ExpireLocks(context.Context) (map[uint64][]uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[uint64][]uint64{}
	for showID, seats := range a.shows {
		for id, s := range seats {
			if a.expired(s) {
				s.seat, s.holder = s.seat.Released(), 0
				out[showID] = append(out[showID], id)
			}
		}
	}
	return out, nil
}

// fakeSub records frames; with limit > 0 Send fails once limit frames
// are queued.
type fakeSub struct {
	id     string
	userID uint64
	limit  int

	mu     sync.Mutex
	frames []protocol.ServerEvent
	closed bool
}

func newFakeSub(id string, userID uint64) *fakeSub {
	return &fakeSub{id: id, userID: userID}
}

func (s *fakeSub) ID() string     { return s.id }
func (s *fakeSub) UserID() uint64 { return s.userID }

func (s *fakeSub) Send(frame []byte) bool {
	ev, err := protocol.DecodeServerEvent(frame)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.limit > 0 && len(s.frames) >= s.limit) {
		return false
	}
	s.frames = append(s.frames, ev)
	return true
}

func (s *fakeSub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSub) Frames() []protocol.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ServerEvent(nil), s.frames...)
}

func (s *fakeSub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) last(t *testing.T) protocol.ServerEvent {
	t.Helper()
	frames := s.Frames()
	if len(frames) == 0 {
		t.Fatalf("subscriber %s received nothing", s.id)
	}
	return frames[len(frames)-1]
}

func newTestHub(t *testing.T) (*Hub, *fakeAuthority, *LocalBroker) {
	t.Helper()
	auth := newFakeAuthority()
	broker := NewLocalBroker()
	return NewHub(auth, broker, nil), auth, broker
}
