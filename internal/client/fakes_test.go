package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/model"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
)

// fakeChannel records every call and lets the test push server events.
type fakeChannel struct {
	events chan protocol.ServerEvent

	mu      sync.Mutex
	calls   []string
	closed  bool
	err     error
	sendErr error
	onLock  func(seatID uint64)
	onRel   func(seatID uint64)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan protocol.ServerEvent, 16)}
}

func (c *fakeChannel) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeChannel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) Events() <-chan protocol.ServerEvent { return c.events }

func (c *fakeChannel) Join(context.Context) error {
	c.record("join")
	return nil
}

func (c *fakeChannel) Leave(context.Context) error {
	c.record("leave")
	return nil
}

func (c *fakeChannel) Lock(_ context.Context, seatID uint64) error {
	c.record("lock")
	c.mu.Lock()
	err, hook := c.sendErr, c.onLock
	c.mu.Unlock()
	if err == nil && hook != nil {
		hook(seatID)
	}
	return err
}

func (c *fakeChannel) Release(_ context.Context, seatID uint64) error {
	c.record("release")
	c.mu.Lock()
	err, hook := c.sendErr, c.onRel
	c.mu.Unlock()
	if err == nil && hook != nil {
		hook(seatID)
	}
	return err
}

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.record("close")
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// drop ends the channel as if the network failed.
func (c *fakeChannel) drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.err = err
		c.closed = true
		close(c.events)
	}
}

func (c *fakeChannel) push(ev protocol.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

// fakeDialer hands out queued channels; a nil entry fails the attempt.
type fakeDialer struct {
	mu    sync.Mutex
	queue []*fakeChannel
	dials int
}

var errDialRefused = errors.New("connection refused")

func (d *fakeDialer) Dial(context.Context, uint64) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.queue) == 0 {
		return nil, errDialRefused
	}
	ch := d.queue[0]
	d.queue = d.queue[1:]
	if ch == nil {
		return nil, errDialRefused
	}
	return ch, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeTimer records requested delays and fires immediately.
type fakeTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	block  bool
}

func (f *fakeTimer) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	c := make(chan time.Time, 1)
	if !f.block {
		c <- time.Time{}
	}
	return c
}

func (f *fakeTimer) Delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

// fakeSource serves queued snapshots, repeating the last one.
type fakeSource struct {
	mu    sync.Mutex
	maps  []*model.ShowtimeSeatMap
	err   error
	calls int
}

func (f *fakeSource) Fetch(context.Context, uint64) (*model.ShowtimeSeatMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.maps) == 0 {
		return nil, errors.New("no snapshot")
	}
	m := f.maps[0]
	if len(f.maps) > 1 {
		f.maps = f.maps[1:]
	}
	return m.Clone(), nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// eventually polls cond for up to two seconds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var lockUntil = time.Date(2025, 3, 1, 18, 5, 0, 0, time.UTC)

// showtime67 is a three seat map; seat 12 is the one the scenarios fight over.
func showtime67(t *testing.T, seq uint64) *model.ShowtimeSeatMap {
	t.Helper()
	m, err := model.NewShowtimeSeatMap(67, []model.Seat{
		{SeatID: 11, RowCode: "C", SeatNumber: 3, SeatTypeID: "STANDARD", Status: model.StatusAvailable},
		{SeatID: 12, RowCode: "C", SeatNumber: 4, SeatTypeID: "STANDARD", Status: model.StatusAvailable},
		{SeatID: 13, RowCode: "C", SeatNumber: 5, SeatTypeID: "VIP", Status: model.StatusSold},
	})
	if err != nil {
		t.Fatalf("build seat map: %v", err)
	}
	m.Seq = seq
	return m
}

func withSeq(ev protocol.ServerEvent, seq uint64) protocol.ServerEvent {
	ev.Seq = seq
	return ev
}
