// Package protocol defines the JSON frames exchanged over the realtime seat
// channel.  Every frame is an Envelope; server events carry their payload in
// Data, client commands are flat.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/iliyamo/cinema-seat-realtime/internal/model"
)

// MessageType tags a frame.
type MessageType string

// Server -> client.
const (
	TypeSnapshot     MessageType = "snapshot"
	TypeSeatLocked   MessageType = "seat_locked"
	TypeSeatReleased MessageType = "seat_released"
	TypeSeatSold     MessageType = "seat_sold"
	TypeError        MessageType = "error"
)

// Client -> server.
const (
	TypeJoin    MessageType = "join"
	TypeLeave   MessageType = "leave"
	TypeLock    MessageType = "lock"
	TypeRelease MessageType = "release"
)

// ErrMalformed is returned for frames that cannot be decoded or that miss
// required fields.
var ErrMalformed = errors.New("malformed frame")

// Envelope is the outer shape of every server frame.
type Envelope struct {
	Type       MessageType     `json:"type"`
	ShowtimeID uint64          `json:"showtime_id"`
	Seq        uint64          `json:"seq,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// SnapshotData is the payload of a snapshot frame.
type SnapshotData struct {
	Seats []model.Seat `json:"seats"`
}

// SeatLockedData is the payload of a seat_locked frame.
type SeatLockedData struct {
	SeatID      uint64    `json:"seat_id"`
	LockedUntil time.Time `json:"locked_until"`
}

// SeatData is the payload of seat_released and seat_sold frames.
type SeatData struct {
	SeatID uint64 `json:"seat_id"`
}

// ErrorData is the payload of an error frame.  Error frames are
// informational; clients log them and carry on.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerEvent is the decoded form of a server frame.  Only the fields that
// belong to Type are set.
type ServerEvent struct {
	Type        MessageType
	ShowtimeID  uint64
	Seq         uint64
	Seats       []model.Seat // snapshot
	SeatID      uint64       // seat_locked, seat_released, seat_sold
	LockedUntil *time.Time   // seat_locked
	Error       *ErrorData   // error
}

// IsDelta reports whether e changes exactly one seat.
func (e ServerEvent) IsDelta() bool {
	switch e.Type {
	case TypeSeatLocked, TypeSeatReleased, TypeSeatSold:
		return true
	}
	return false
}

// Snapshot builds a snapshot event.
func Snapshot(showtimeID, seq uint64, seats []model.Seat) ServerEvent {
	return ServerEvent{Type: TypeSnapshot, ShowtimeID: showtimeID, Seq: seq, Seats: seats}
}

// SeatLocked builds a seat_locked event.
func SeatLocked(showtimeID, seatID uint64, until time.Time) ServerEvent {
	u := until.UTC()
	return ServerEvent{Type: TypeSeatLocked, ShowtimeID: showtimeID, SeatID: seatID, LockedUntil: &u}
}

// SeatReleased builds a seat_released event.
func SeatReleased(showtimeID, seatID uint64) ServerEvent {
	return ServerEvent{Type: TypeSeatReleased, ShowtimeID: showtimeID, SeatID: seatID}
}

// SeatSold builds a seat_sold event.
func SeatSold(showtimeID, seatID uint64) ServerEvent {
	return ServerEvent{Type: TypeSeatSold, ShowtimeID: showtimeID, SeatID: seatID}
}

// Error builds an error event.
func Error(showtimeID uint64, code, message string) ServerEvent {
	return ServerEvent{Type: TypeError, ShowtimeID: showtimeID, Error: &ErrorData{Code: code, Message: message}}
}

// EncodeServerEvent serialises e into an Envelope.
func EncodeServerEvent(e ServerEvent) ([]byte, error) {
	var data any
	switch e.Type {
	case TypeSnapshot:
		seats := e.Seats
		if seats == nil {
			seats = []model.Seat{}
		}
		data = SnapshotData{Seats: seats}
	case TypeSeatLocked:
		if e.LockedUntil == nil {
			return nil, fmt.Errorf("%w: seat_locked without locked_until", ErrMalformed)
		}
		data = SeatLockedData{SeatID: e.SeatID, LockedUntil: e.LockedUntil.UTC()}
	case TypeSeatReleased, TypeSeatSold:
		data = SeatData{SeatID: e.SeatID}
	case TypeError:
		if e.Error == nil {
			return nil, fmt.Errorf("%w: error frame without payload", ErrMalformed)
		}
		data = e.Error
	default:
		return nil, fmt.Errorf("%w: unknown server type %q", ErrMalformed, e.Type)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(Envelope{Type: e.Type, ShowtimeID: e.ShowtimeID, Seq: e.Seq, Data: raw})
}

// DecodeServerEvent parses a server frame.
func DecodeServerEvent(b []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev := ServerEvent{Type: env.Type, ShowtimeID: env.ShowtimeID, Seq: env.Seq}
	switch env.Type {
	case TypeSnapshot:
		var d SnapshotData
		if err := decodeData(env, &d); err != nil {
			return ServerEvent{}, err
		}
		ev.Seats = d.Seats
	case TypeSeatLocked:
		var d SeatLockedData
		if err := decodeData(env, &d); err != nil {
			return ServerEvent{}, err
		}
		if d.SeatID == 0 || d.LockedUntil.IsZero() {
			return ServerEvent{}, fmt.Errorf("%w: seat_locked needs seat_id and locked_until", ErrMalformed)
		}
		u := d.LockedUntil.UTC()
		ev.SeatID, ev.LockedUntil = d.SeatID, &u
	case TypeSeatReleased, TypeSeatSold:
		var d SeatData
		if err := decodeData(env, &d); err != nil {
			return ServerEvent{}, err
		}
		if d.SeatID == 0 {
			return ServerEvent{}, fmt.Errorf("%w: %s needs seat_id", ErrMalformed, env.Type)
		}
		ev.SeatID = d.SeatID
	case TypeError:
		var d ErrorData
		if err := decodeData(env, &d); err != nil {
			return ServerEvent{}, err
		}
		ev.Error = &d
	default:
		return ServerEvent{}, fmt.Errorf("%w: unknown server type %q", ErrMalformed, env.Type)
	}
	return ev, nil
}

func decodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s frame without data", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

// Command is a client -> server frame.
type Command struct {
	Type       MessageType `json:"type" validate:"required,oneof=join leave lock release"`
	ShowtimeID uint64      `json:"showtime_id" validate:"required"`
	SeatID     uint64      `json:"seat_id,omitempty" validate:"required_if=Type lock,required_if=Type release"`
	ID         string      `json:"id,omitempty" validate:"omitempty,uuid"`
}

var validate = validator.New()

// NewCommand builds a command with a fresh message ID.
func NewCommand(t MessageType, showtimeID, seatID uint64) Command {
	return Command{Type: t, ShowtimeID: showtimeID, SeatID: seatID, ID: uuid.NewString()}
}

// Validate checks required fields for the command type.
func (c Command) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeCommand validates and serialises c.
func EncodeCommand(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// DecodeCommand parses and validates a client frame.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// SnapshotResponse is the body of GET /v1/showtimes/:id/seats.
type SnapshotResponse struct {
	ShowtimeID uint64       `json:"showtime_id"`
	Seq        uint64       `json:"seq"`
	Seats      []model.Seat `json:"seats"`
}
