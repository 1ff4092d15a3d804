package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"resilink/internal/metrics"
	"resilink/internal/orchestrator"
	"resilink/internal/queue"
	"resilink/internal/recovery"
)

func newTestServer(t *testing.T, sources Sources) *DiagnosticsServer {
	t.Helper()
	m := metrics.New("resilink_test")
	server, err := NewDiagnosticsServer(nil, m.Registry(), sources, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create diagnostics server: %v", err)
	}
	return server
}

func get(t *testing.T, server *DiagnosticsServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestValidateDiagnosticsConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DiagnosticsConfig)
		wantErr bool
	}{
		{"defaults", func(*DiagnosticsConfig) {}, false},
		{"zero port", func(c *DiagnosticsConfig) { c.Port = 0 }, true},
		{"port too large", func(c *DiagnosticsConfig) { c.Port = 70000 }, true},
		{"zero read timeout", func(c *DiagnosticsConfig) { c.ReadTimeout = 0 }, true},
		{"zero write timeout", func(c *DiagnosticsConfig) { c.WriteTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultDiagnosticsConfig()
			tt.mutate(config)
			err := validateDiagnosticsConfig(config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateDiagnosticsConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHealthEndpointReflectsConnection(t *testing.T) {
	snapshot := orchestrator.Snapshot{
		Connected: true,
		Quality:   "good",
		Breaker:   recovery.BreakerSnapshot{StateLabel: "closed"},
	}
	server := newTestServer(t, Sources{Snapshot: func() orchestrator.Snapshot { return snapshot }})

	rec := get(t, server, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while connected, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health response is not JSON: %v", err)
	}
	if body["connected"] != true {
		t.Errorf("expected connected=true in body: %v", body)
	}

	snapshot.Connected = false
	if rec = get(t, server, "/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while disconnected, got %d", rec.Code)
	}

	snapshot.Connected = true
	snapshot.Breaker.StateLabel = "open"
	if rec = get(t, server, "/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while the breaker is open, got %d", rec.Code)
	}
}

func TestQueueEndpoint(t *testing.T) {
	server := newTestServer(t, Sources{
		QueueStats: func() queue.Stats {
			return queue.Stats{TotalQueued: 7, Depth: 3}
		},
	})

	rec := get(t, server, "/queue")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats queue.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("queue response is not JSON: %v", err)
	}
	if stats.TotalQueued != 7 || stats.Depth != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestErrorsEndpointEmptyHistory(t *testing.T) {
	server := newTestServer(t, Sources{
		ErrorHistory: func() []*recovery.ErrorInstance { return nil },
	})

	rec := get(t, server, "/errors")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("expected an empty JSON array, got %q", got)
	}
}

func TestMissingSourcesUnavailable(t *testing.T) {
	server := newTestServer(t, Sources{})
	for _, path := range []string{"/health", "/queue", "/errors"} {
		if rec := get(t, server, path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503 without a source, got %d", path, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("resilink_test")
	m.Reconnects.Inc()
	server, err := NewDiagnosticsServer(nil, m.Registry(), Sources{}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create diagnostics server: %v", err)
	}

	rec := get(t, server, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "resilink_test") {
		t.Error("expected namespaced metrics in the exposition")
	}
}
