package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/model"
)

func TestSnapshotFetcher(t *testing.T) {
	t.Parallel()

	const body = `{"showtime_id":67,"seq":4,"seats":[
		{"seat_id":12,"row_code":"C","seat_number":4,"seat_type_id":"STANDARD","status":"LOCKED","locked_until":"2025-03-01T18:05:00Z"},
		{"seat_id":13,"row_code":"C","seat_number":5,"seat_type_id":"VIP","status":"SOLD","locked_until":null}]}`

	fast := func(f *SnapshotFetcher) *SnapshotFetcher {
		f.retryBase = time.Millisecond
		f.retryCap = 2 * time.Millisecond
		return f
	}

	t.Run("decodes seats and seq", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/showtimes/67/seats" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("unexpected auth header %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}))
		defer srv.Close()

		m, err := NewSnapshotFetcher(srv.Client(), srv.URL+"/v1/", "tok").Fetch(context.Background(), 67)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if m.Seq != 4 || m.Len() != 2 {
			t.Fatalf("unexpected map seq=%d len=%d", m.Seq, m.Len())
		}
		seat, _ := m.Get(12)
		if seat.Status != model.StatusLocked || seat.LockedUntil == nil {
			t.Fatalf("unexpected seat %+v", seat)
		}
	})

	t.Run("retries server errors", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&hits, 1) < 3 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(body))
		}))
		defer srv.Close()

		if _, err := fast(NewSnapshotFetcher(srv.Client(), srv.URL, "")).Fetch(context.Background(), 67); err != nil {
			t.Fatalf("expected success on third attempt, got %v", err)
		}
		if atomic.LoadInt32(&hits) != 3 {
			t.Fatalf("expected 3 attempts, got %d", hits)
		}
	})

	t.Run("gives up as transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := fast(NewSnapshotFetcher(srv.Client(), srv.URL, "")).Fetch(context.Background(), 67)
		if !errors.Is(err, ErrTransientFetch) {
			t.Fatalf("expected ErrTransientFetch, got %v", err)
		}
	})

	t.Run("404 is not retried", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			http.Error(w, `{"error":"showtime not found"}`, http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := fast(NewSnapshotFetcher(srv.Client(), srv.URL, "")).Fetch(context.Background(), 67)
		if !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
		if atomic.LoadInt32(&hits) != 1 {
			t.Fatalf("expected a single attempt, got %d", hits)
		}
	})

	t.Run("rejects snapshot of another showtime", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"showtime_id":68,"seq":1,"seats":[]}`))
		}))
		defer srv.Close()

		_, err := NewSnapshotFetcher(srv.Client(), srv.URL, "").Fetch(context.Background(), 67)
		if !errors.Is(err, ErrWrongShowtime) {
			t.Fatalf("expected ErrWrongShowtime, got %v", err)
		}
	})

	t.Run("rejects broken lock invariant", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"showtime_id":67,"seats":[{"seat_id":1,"status":"LOCKED","locked_until":null}]}`))
		}))
		defer srv.Close()

		_, err := NewSnapshotFetcher(srv.Client(), srv.URL, "").Fetch(context.Background(), 67)
		if !errors.Is(err, model.ErrInvalidSeat) {
			t.Fatalf("expected ErrInvalidSeat, got %v", err)
		}
	})
}
