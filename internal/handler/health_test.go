package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHealth(t *testing.T) {
	t.Parallel()

	up := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("refused") })

	tests := []struct {
		name           string
		checks         map[string]Pinger
		expectedStatus int
		expectedDeps   map[string]string
	}{
		{
			name:           "all up",
			checks:         map[string]Pinger{"mysql": up, "redis": up},
			expectedStatus: http.StatusOK,
			expectedDeps:   map[string]string{"mysql": "up", "redis": "up"},
		},
		{
			name:           "redis disabled",
			checks:         map[string]Pinger{"mysql": up, "redis": nil},
			expectedStatus: http.StatusOK,
			expectedDeps:   map[string]string{"mysql": "up", "redis": "disabled"},
		},
		{
			name:           "database down",
			checks:         map[string]Pinger{"mysql": down},
			expectedStatus: http.StatusServiceUnavailable,
			expectedDeps:   map[string]string{"mysql": "down"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/healthz", nil), rec)
			if err := NewHealthHandler(tt.checks).Health(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			var body struct {
				Status       string            `json:"status"`
				Dependencies map[string]string `json:"dependencies"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			for name, want := range tt.expectedDeps {
				if body.Dependencies[name] != want {
					t.Fatalf("%s: expected %q, got %q", name, want, body.Dependencies[name])
				}
			}
		})
	}
}
