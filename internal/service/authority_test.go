package service

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/iliyamo/cinema-seat-realtime/internal/clock"
	q "github.com/iliyamo/cinema-seat-realtime/internal/queue"
	"github.com/iliyamo/cinema-seat-realtime/internal/repository"
)

var (
	testNow   = time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)
	testUntil = testNow.Add(5 * time.Minute)
)

const (
	sqlSeatStatus   = `SELECT status FROM show_seats WHERE show_id = ? AND seat_id = ? FOR UPDATE`
	sqlSetStatus    = `UPDATE show_seats SET status = ?, version = version + 1 WHERE show_id = ? AND seat_id = ? AND status = ?`
	sqlBulkStatus   = `UPDATE show_seats SET status = ?, version = version + 1 WHERE show_id = ? AND seat_id IN (`
	sqlActiveHold   = `FROM seat_holds WHERE show_id = ? AND seat_id = ? AND expires_at > UTC_TIMESTAMP()`
	sqlDeleteHolds  = `DELETE FROM seat_holds WHERE show_id = ? AND seat_id IN (`
	sqlInsertHold   = `INSERT INTO seat_holds (user_id, show_id, seat_id, hold_token, expires_at)`
	sqlExpiredShows = `SELECT DISTINCT show_id FROM seat_holds WHERE expires_at <= UTC_TIMESTAMP()`
	sqlExpiredSeats = `SELECT seat_id FROM seat_holds WHERE show_id = ? AND expires_at <= UTC_TIMESTAMP() FOR UPDATE`
	sqlDropExpired  = `DELETE FROM seat_holds WHERE show_id = ? AND expires_at <= UTC_TIMESTAMP()`
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []q.SeatEventMessage
}

func (r *recordingPublisher) PublishSeatEvent(_ context.Context, ev q.SeatEventMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestService(t *testing.T) (*SeatService, sqlmock.Sqlmock, *recordingPublisher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	pub := &recordingPublisher{}
	return NewSeatService(db, 5*time.Minute, clock.NewFixed(testNow), pub, nil), mock, pub
}

func quote(s string) string { return regexp.QuoteMeta(s) }

func expectStatus(mock sqlmock.Sqlmock, seatID uint64, status string) {
	mock.ExpectQuery(quote(sqlSeatStatus)).
		WithArgs(67, seatID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(status))
}

func expectHold(mock sqlmock.Sqlmock, seatID, userID uint64) {
	rows := sqlmock.NewRows([]string{"id", "user_id", "show_id", "seat_id", "hold_token", "expires_at", "created_at"})
	if userID != 0 {
		rows.AddRow(5, userID, 67, seatID, "token", testNow.Add(time.Minute), testNow.Add(-4*time.Minute))
	}
	mock.ExpectQuery(quote(sqlActiveHold)).WithArgs(67, seatID).WillReturnRows(rows)
}

func expectInsertHold(mock sqlmock.Sqlmock, seatID, userID uint64) {
	mock.ExpectExec(quote(sqlInsertHold)).
		WithArgs(userID, 67, seatID, sqlmock.AnyArg(), "2025-03-01 18:05:00").
		WillReturnResult(sqlmock.NewResult(99, 1))
}

func TestSeatServiceLock(t *testing.T) {
	t.Parallel()

	t.Run("free seat becomes held", func(t *testing.T) {
		svc, mock, pub := newTestService(t)
		mock.ExpectBegin()
		expectStatus(mock, 12, repository.SeatFree)
		mock.ExpectExec(quote(sqlSetStatus)).
			WithArgs(repository.SeatHeld, 67, 12, repository.SeatFree).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectInsertHold(mock, 12, 7)
		mock.ExpectCommit()

		until, err := svc.Lock(context.Background(), 67, 12, 7)
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
		if !until.Equal(testUntil) {
			t.Fatalf("expected lock until %v, got %v", testUntil, until)
		}
		if got := pub.types(); len(got) != 1 || got[0] != "seat_locked" {
			t.Fatalf("expected one seat_locked event, got %v", got)
		}
	})

	t.Run("concurrent lock wins the row first", func(t *testing.T) {
		svc, mock, pub := newTestService(t)
		mock.ExpectBegin()
		expectStatus(mock, 12, repository.SeatFree)
		mock.ExpectExec(quote(sqlSetStatus)).
			WithArgs(repository.SeatHeld, 67, 12, repository.SeatFree).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		if _, err := svc.Lock(context.Background(), 67, 12, 7); !errors.Is(err, ErrSeatUnavailable) {
			t.Fatalf("expected ErrSeatUnavailable, got %v", err)
		}
		if got := pub.types(); len(got) != 0 {
			t.Fatalf("failed lock must not publish, got %v", got)
		}
	})

	t.Run("held by another user", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectBegin()
		expectStatus(mock, 12, repository.SeatHeld)
		expectHold(mock, 12, 8)
		mock.ExpectRollback()

		if _, err := svc.Lock(context.Background(), 67, 12, 7); !errors.Is(err, ErrSeatUnavailable) {
			t.Fatalf("expected ErrSeatUnavailable, got %v", err)
		}
	})

	t.Run("own hold is extended", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectBegin()
		expectStatus(mock, 12, repository.SeatHeld)
		expectHold(mock, 12, 7)
		mock.ExpectExec(quote(sqlDeleteHolds)).WithArgs(67, 12).WillReturnResult(sqlmock.NewResult(0, 1))
		expectInsertHold(mock, 12, 7)
		mock.ExpectCommit()

		until, err := svc.Lock(context.Background(), 67, 12, 7)
		if err != nil || !until.Equal(testUntil) {
			t.Fatalf("expected extension until %v, got %v, %v", testUntil, until, err)
		}
	})

	t.Run("expired hold is taken over", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectBegin()
		expectStatus(mock, 12, repository.SeatHeld)
		expectHold(mock, 12, 0)
		mock.ExpectExec(quote(sqlDeleteHolds)).WithArgs(67, 12).WillReturnResult(sqlmock.NewResult(0, 1))
		expectInsertHold(mock, 12, 9)
		mock.ExpectCommit()

		if _, err := svc.Lock(context.Background(), 67, 12, 9); err != nil {
			t.Fatalf("expected takeover of expired hold, got %v", err)
		}
	})

	t.Run("sold seat", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectBegin()
		expectStatus(mock, 13, repository.SeatReserved)
		mock.ExpectRollback()

		if _, err := svc.Lock(context.Background(), 67, 13, 7); !errors.Is(err, ErrSeatUnavailable) {
			t.Fatalf("expected ErrSeatUnavailable, got %v", err)
		}
	})

	t.Run("unknown seat", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(quote(sqlSeatStatus)).WithArgs(67, 404).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		if _, err := svc.Lock(context.Background(), 67, 404, 7); !errors.Is(err, repository.ErrSeatNotFound) {
			t.Fatalf("expected ErrSeatNotFound, got %v", err)
		}
	})
}

func TestSeatServiceRelease(t *testing.T) {
	t.Parallel()

	t.Run("holder releases", func(t *testing.T) {
		svc, mock, pub := newTestService(t)
		mock.ExpectBegin()
		expectStatus(mock, 12, repository.SeatHeld)
		expectHold(mock, 12, 7)
		mock.ExpectExec(quote(sqlDeleteHolds)).WithArgs(67, 12).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(quote(sqlSetStatus)).
			WithArgs(repository.SeatFree, 67, 12, repository.SeatHeld).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := svc.Release(context.Background(), 67, 12, 7); err != nil {
			t.Fatalf("release: %v", err)
		}
		if got := pub.types(); len(got) != 1 || got[0] != "seat_released" {
			t.Fatalf("expected one seat_released event, got %v", got)
		}
	})

	t.Run("someone else's lock", func(t *testing.T) {
		svc, mock, pub := newTestService(t)
		mock.ExpectBegin()
		expectStatus(mock, 12, repository.SeatHeld)
		expectHold(mock, 12, 8)
		mock.ExpectRollback()

		if err := svc.Release(context.Background(), 67, 12, 7); !errors.Is(err, ErrNotHolder) {
			t.Fatalf("expected ErrNotHolder, got %v", err)
		}
		if len(pub.types()) != 0 {
			t.Fatal("refused release must not publish")
		}
	})

	t.Run("seat not locked", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectBegin()
		expectStatus(mock, 11, repository.SeatFree)
		mock.ExpectRollback()

		if err := svc.Release(context.Background(), 67, 11, 7); !errors.Is(err, ErrNotLocked) {
			t.Fatalf("expected ErrNotLocked, got %v", err)
		}
	})
}

func TestSeatServiceMarkSold(t *testing.T) {
	t.Parallel()

	svc, mock, pub := newTestService(t)
	mock.ExpectBegin()
	expectStatus(mock, 11, repository.SeatFree)
	expectStatus(mock, 12, repository.SeatHeld)
	expectStatus(mock, 13, repository.SeatReserved)
	mock.ExpectQuery(quote(sqlSeatStatus)).WithArgs(67, 14).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(quote(sqlBulkStatus)).
		WithArgs(repository.SeatReserved, 67, 11, 12).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(quote(sqlDeleteHolds)).WithArgs(67, 11, 12).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sold, err := svc.MarkSold(context.Background(), 67, []uint64{11, 12, 13, 14})
	if err != nil {
		t.Fatalf("mark sold: %v", err)
	}
	if len(sold) != 2 || sold[0] != 11 || sold[1] != 12 {
		t.Fatalf("expected seats 11 and 12 to change, got %v", sold)
	}
	if got := pub.types(); len(got) != 2 || got[0] != "seat_sold" {
		t.Fatalf("expected two seat_sold events, got %v", got)
	}
}

func TestSeatServiceExpireLocks(t *testing.T) {
	t.Parallel()

	svc, mock, pub := newTestService(t)
	mock.ExpectQuery(quote(sqlExpiredShows)).
		WillReturnRows(sqlmock.NewRows([]string{"show_id"}).AddRow(67))
	mock.ExpectBegin()
	mock.ExpectQuery(quote(sqlExpiredSeats)).WithArgs(67).
		WillReturnRows(sqlmock.NewRows([]string{"seat_id"}).AddRow(12).AddRow(11))
	mock.ExpectExec(quote(sqlDropExpired)).WithArgs(67).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(quote(sqlSetStatus)).
		WithArgs(repository.SeatFree, 67, 12, repository.SeatHeld).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Seat 11 was already freed by its holder.
	mock.ExpectExec(quote(sqlSetStatus)).
		WithArgs(repository.SeatFree, 67, 11, repository.SeatHeld).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	freed, err := svc.ExpireLocks(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got := freed[67]; len(got) != 1 || got[0] != 12 {
		t.Fatalf("expected only seat 12 freed, got %v", freed)
	}
	if got := pub.types(); len(got) != 1 || got[0] != "seat_released" {
		t.Fatalf("expected one seat_released event, got %v", got)
	}
}

func TestSeatServiceSnapshotUnknownShow(t *testing.T) {
	t.Parallel()

	svc, mock, _ := newTestService(t)
	mock.ExpectQuery(quote(`SELECT id FROM shows WHERE id = ?`)).
		WithArgs(999).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := svc.Snapshot(context.Background(), 999); !errors.Is(err, repository.ErrShowNotFound) {
		t.Fatalf("expected ErrShowNotFound, got %v", err)
	}
}
