package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestActor(t *testing.T) {
	var got string
	h := Actor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ActorFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, " alice ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "alice" {
		t.Errorf("expected actor alice, got %q", got)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got != "" {
		t.Errorf("expected empty actor, got %q", got)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/tenants/t1/activations", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log line: %v", err)
	}
	if entry["level"] != "ERROR" {
		t.Errorf("expected ERROR level for 503, got %v", entry["level"])
	}
	if entry["status"] != float64(503) {
		t.Errorf("expected status 503, got %v", entry["status"])
	}
	if entry["bytes"] != float64(4) {
		t.Errorf("expected 4 bytes, got %v", entry["bytes"])
	}
	if entry["path"] != "/v1/tenants/t1/activations" {
		t.Errorf("unexpected path %v", entry["path"])
	}
}
