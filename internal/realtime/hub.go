package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iliyamo/cinema-seat-realtime/internal/logger"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
	"github.com/iliyamo/cinema-seat-realtime/internal/queue"
	"github.com/iliyamo/cinema-seat-realtime/internal/repository"
	"github.com/iliyamo/cinema-seat-realtime/internal/service"
)

// Error codes sent in error frames.
const (
	CodeMalformed       = "malformed"
	CodeNotJoined       = "not_joined"
	CodeUnknownShowtime = "unknown_showtime"
	CodeSeatNotFound    = "seat_not_found"
	CodeSeatUnavailable = "seat_unavailable"
	CodeNotLocked       = "not_locked"
	CodeNotHolder       = "not_holder"
	CodeInternal        = "internal"
)

// Subscriber is one websocket connection as the hub sees it.
type Subscriber interface {
	ID() string
	UserID() uint64
	// Send queues a frame without blocking.  It returns false when the
	// subscriber cannot keep up or is gone; the hub then drops it.
	Send(frame []byte) bool
	Close()
}

// member is a subscriber inside one room.  While syncing, frames are held
// back so they reach the subscriber after its join snapshot.
type member struct {
	sub     Subscriber
	syncing bool
	backlog [][]byte
}

// Hub keeps one room per showtime and turns commands into authority calls
// and broadcasts.
type Hub struct {
	authority service.SeatAuthority
	broker    Broker
	log       *logger.Logger

	mu    sync.Mutex
	rooms map[uint64]map[string]*member
	subs  map[string]map[uint64]struct{} // subscriber -> joined showtimes
}

// NewHub creates a hub and attaches it to broker.
func NewHub(authority service.SeatAuthority, broker Broker, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	h := &Hub{
		authority: authority,
		broker:    broker,
		log:       log.With("hub"),
		rooms:     map[uint64]map[string]*member{},
		subs:      map[string]map[uint64]struct{}{},
	}
	broker.Attach(h.dispatch)
	return h
}

// Snapshot reads the full seat map of a showtime.  The seq is read before
// the seats so that any change missing from the seats carries a higher seq
// and is applied on top by the client.
func (h *Hub) Snapshot(ctx context.Context, showtimeID uint64) (protocol.SnapshotResponse, error) {
	seq, err := h.broker.Seq(ctx, showtimeID)
	if err != nil {
		h.log.Warn("seq unavailable, sending unnumbered snapshot", "showtime_id", showtimeID, "error", err)
		seq = 0
	}
	seats, err := h.authority.Snapshot(ctx, showtimeID)
	if err != nil {
		return protocol.SnapshotResponse{}, err
	}
	return protocol.SnapshotResponse{ShowtimeID: showtimeID, Seq: seq, Seats: seats}, nil
}

// Join adds sub to the showtime's room and sends it a fresh snapshot
// followed by anything broadcast in the meantime.  Joining twice resends
// the snapshot.
func (h *Hub) Join(ctx context.Context, sub Subscriber, showtimeID uint64) error {
	m := &member{sub: sub, syncing: true}
	h.mu.Lock()
	room := h.rooms[showtimeID]
	if room == nil {
		room = map[string]*member{}
		h.rooms[showtimeID] = room
	}
	room[sub.ID()] = m
	if h.subs[sub.ID()] == nil {
		h.subs[sub.ID()] = map[uint64]struct{}{}
	}
	h.subs[sub.ID()][showtimeID] = struct{}{}
	h.mu.Unlock()

	snap, err := h.Snapshot(ctx, showtimeID)
	if err != nil {
		h.Leave(sub, showtimeID)
		return err
	}
	frame, err := protocol.EncodeServerEvent(protocol.Snapshot(showtimeID, snap.Seq, snap.Seats))
	if err != nil {
		h.Leave(sub, showtimeID)
		return err
	}

	h.mu.Lock()
	if h.rooms[showtimeID][sub.ID()] != m {
		// Left or rejoined while the snapshot was built.
		h.mu.Unlock()
		return nil
	}
	ok := sub.Send(frame)
	for _, f := range m.backlog {
		if !ok {
			break
		}
		ok = sub.Send(f)
	}
	m.backlog, m.syncing = nil, false
	h.mu.Unlock()

	if !ok {
		h.drop(sub, "send buffer full during join")
		return nil
	}
	h.log.Debug("joined", "showtime_id", showtimeID, "subscriber", sub.ID(), "user_id", sub.UserID(), "seats", len(snap.Seats))
	return nil
}

// Leave removes sub from one room.
func (h *Hub) Leave(sub Subscriber, showtimeID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub.ID(), showtimeID)
}

// LeaveAll removes sub from every room it joined.
func (h *Hub) LeaveAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for showtimeID := range h.subs[sub.ID()] {
		h.removeLocked(sub.ID(), showtimeID)
	}
	delete(h.subs, sub.ID())
}

func (h *Hub) removeLocked(subID string, showtimeID uint64) {
	if room := h.rooms[showtimeID]; room != nil {
		delete(room, subID)
		if len(room) == 0 {
			delete(h.rooms, showtimeID)
		}
	}
	if joined := h.subs[subID]; joined != nil {
		delete(joined, showtimeID)
		if len(joined) == 0 {
			delete(h.subs, subID)
		}
	}
}

// Joined reports whether sub is in the showtime's room.
func (h *Hub) Joined(sub Subscriber, showtimeID uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[showtimeID][sub.ID()]
	return ok
}

// RoomSize returns the number of subscribers of a showtime.
func (h *Hub) RoomSize(showtimeID uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[showtimeID])
}

// HandleCommand executes one client command.  Failures are reported to the
// subscriber as error frames; successes are only visible as broadcasts.
func (h *Hub) HandleCommand(ctx context.Context, sub Subscriber, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.TypeJoin:
		if err := h.Join(ctx, sub, cmd.ShowtimeID); err != nil {
			h.reply(sub, cmd.ShowtimeID, err)
		}
	case protocol.TypeLeave:
		h.Leave(sub, cmd.ShowtimeID)
	case protocol.TypeLock:
		if !h.Joined(sub, cmd.ShowtimeID) {
			h.sendError(sub, cmd.ShowtimeID, CodeNotJoined, "join the showtime before locking seats")
			return
		}
		until, err := h.authority.Lock(ctx, cmd.ShowtimeID, cmd.SeatID, sub.UserID())
		if err != nil {
			h.reply(sub, cmd.ShowtimeID, err)
			return
		}
		h.broadcast(ctx, protocol.SeatLocked(cmd.ShowtimeID, cmd.SeatID, until))
	case protocol.TypeRelease:
		if !h.Joined(sub, cmd.ShowtimeID) {
			h.sendError(sub, cmd.ShowtimeID, CodeNotJoined, "join the showtime before releasing seats")
			return
		}
		if err := h.authority.Release(ctx, cmd.ShowtimeID, cmd.SeatID, sub.UserID()); err != nil {
			h.reply(sub, cmd.ShowtimeID, err)
			return
		}
		h.broadcast(ctx, protocol.SeatReleased(cmd.ShowtimeID, cmd.SeatID))
	default:
		h.sendError(sub, cmd.ShowtimeID, CodeMalformed, fmt.Sprintf("unsupported command %q", cmd.Type))
	}
}

// HandleBookingConfirmed marks the booked seats sold and broadcasts
// seat_sold for each seat that changed.
func (h *Hub) HandleBookingConfirmed(ctx context.Context, ev queue.BookingConfirmedEvent) error {
	sold, err := h.authority.MarkSold(ctx, ev.ShowID, ev.SeatIDs)
	if err != nil {
		return fmt.Errorf("mark sold reservation %d: %w", ev.ReservationID, err)
	}
	for _, seatID := range sold {
		h.broadcast(ctx, protocol.SeatSold(ev.ShowID, seatID))
	}
	return nil
}

// Broadcast publishes ev through the broker.
func (h *Hub) Broadcast(ctx context.Context, ev protocol.ServerEvent) error {
	return h.broker.Publish(ctx, ev)
}

func (h *Hub) broadcast(ctx context.Context, ev protocol.ServerEvent) {
	if err := h.Broadcast(ctx, ev); err != nil {
		// The change is committed; clients converge on their next snapshot.
		h.log.Error("broadcast failed", "type", ev.Type, "showtime_id", ev.ShowtimeID, "seat_id", ev.SeatID, "error", err)
	}
}

// dispatch delivers a numbered event to the local room.
func (h *Hub) dispatch(ev protocol.ServerEvent) {
	frame, err := protocol.EncodeServerEvent(ev)
	if err != nil {
		h.log.Error("encode event", "type", ev.Type, "error", err)
		return
	}
	var slow []Subscriber
	h.mu.Lock()
	for _, m := range h.rooms[ev.ShowtimeID] {
		if m.syncing {
			m.backlog = append(m.backlog, frame)
			continue
		}
		if !m.sub.Send(frame) {
			slow = append(slow, m.sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range slow {
		h.drop(sub, "send buffer full")
	}
}

// drop disconnects a subscriber; it reconnects and resyncs from a snapshot.
func (h *Hub) drop(sub Subscriber, reason string) {
	h.log.Warn("dropping subscriber", "subscriber", sub.ID(), "reason", reason)
	h.LeaveAll(sub)
	sub.Close()
}

// reply maps an authority error to an error frame.
func (h *Hub) reply(sub Subscriber, showtimeID uint64, err error) {
	code := CodeInternal
	switch {
	case errors.Is(err, repository.ErrShowNotFound):
		code = CodeUnknownShowtime
	case errors.Is(err, repository.ErrSeatNotFound):
		code = CodeSeatNotFound
	case errors.Is(err, service.ErrNotHolder):
		code = CodeNotHolder
	case errors.Is(err, service.ErrNotLocked):
		code = CodeNotLocked
	case errors.Is(err, service.ErrSeatUnavailable):
		code = CodeSeatUnavailable
	default:
		h.log.Error("command failed", "showtime_id", showtimeID, "subscriber", sub.ID(), "error", err)
		h.sendError(sub, showtimeID, code, "internal error")
		return
	}
	h.log.Info("command rejected", "showtime_id", showtimeID, "subscriber", sub.ID(), "code", code)
	h.sendError(sub, showtimeID, code, err.Error())
}

func (h *Hub) sendError(sub Subscriber, showtimeID uint64, code, msg string) {
	frame, err := protocol.EncodeServerEvent(protocol.Error(showtimeID, code, msg))
	if err != nil {
		return
	}
	if !sub.Send(frame) {
		h.drop(sub, "send buffer full")
	}
}
