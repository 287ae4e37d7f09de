package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-realtime/internal/model"
	"github.com/iliyamo/cinema-seat-realtime/internal/protocol"
)

const (
	defaultFetchAttempts  = 3
	defaultFetchRetryBase = 200 * time.Millisecond
	defaultFetchRetryCap  = 1200 * time.Millisecond
	maxSnapshotBody       = 8 << 20
)

// ErrTransientFetch wraps snapshot failures that may succeed on a later
// call: network errors, 5xx and 429 after all attempts were used.
var ErrTransientFetch = errors.New("transient snapshot fetch failure")

// APIError is returned when the seat API responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Status     string
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	if e == nil {
		return "seat api error"
	}
	return fmt.Sprintf("seat api error: %s: %s", e.Status, e.Body)
}

// IsNotFound reports whether the error represents a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// SnapshotSource loads the full seat map of a showtime.  Implementations
// must be free of side effects so callers can retry at will.
type SnapshotSource interface {
	Fetch(ctx context.Context, showtimeID uint64) (*model.ShowtimeSeatMap, error)
}

// SnapshotFetcher reads GET {baseURL}/showtimes/{id}/seats.
type SnapshotFetcher struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
}

// NewSnapshotFetcher creates a fetcher.  baseURL includes the API prefix,
// e.g. http://localhost:8080/v1.  If httpClient is nil a default client with
// a 10s timeout is used.
func NewSnapshotFetcher(httpClient *http.Client, baseURL, token string) *SnapshotFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SnapshotFetcher{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		maxAttempts: defaultFetchAttempts,
		retryBase:   defaultFetchRetryBase,
		retryCap:    defaultFetchRetryCap,
	}
}

// Fetch returns the current seat map of the showtime.
func (f *SnapshotFetcher) Fetch(ctx context.Context, showtimeID uint64) (*model.ShowtimeSeatMap, error) {
	if showtimeID == 0 {
		return nil, errors.New("showtime id is required")
	}
	endpoint := fmt.Sprintf("%s/showtimes/%d/seats", f.baseURL, showtimeID)

	var body protocol.SnapshotResponse
	if err := f.getJSON(ctx, endpoint, &body); err != nil {
		return nil, err
	}
	if body.ShowtimeID != 0 && body.ShowtimeID != showtimeID {
		return nil, fmt.Errorf("%w: snapshot for showtime %d", ErrWrongShowtime, body.ShowtimeID)
	}
	m, err := model.NewShowtimeSeatMap(showtimeID, body.Seats)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	m.Seq = body.Seq
	return m, nil
}

func (f *SnapshotFetcher) getJSON(ctx context.Context, endpoint string, out any) error {
	attempts := f.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		retry, err := f.doJSON(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.retryDelay(attempt)):
		}
	}
	return fmt.Errorf("%w: %v", ErrTransientFetch, lastErr)
}

// doJSON performs one request and reports whether a failure is retryable.
func (f *SnapshotFetcher) doJSON(ctx context.Context, endpoint string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Endpoint:   endpoint,
			Body:       strings.TrimSpace(string(b)),
		}
		return isRetryableStatus(resp.StatusCode), apiErr
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSnapshotBody)).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (f *SnapshotFetcher) retryDelay(attempt int) time.Duration {
	d := f.retryBase << (attempt - 1)
	if f.retryCap > 0 && d > f.retryCap {
		d = f.retryCap
	}
	if d <= 0 {
		return 0
	}
	// up to 20% jitter so concurrent viewers do not refetch in lockstep
	return d - time.Duration(rand.Int63n(int64(d)/5+1))
}
