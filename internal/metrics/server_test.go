package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %s, want :9090", cfg.Addr)
	}
	if cfg.MetricsPath != "/metrics" {
		t.Errorf("MetricsPath = %s, want /metrics", cfg.MetricsPath)
	}
	if cfg.HealthPath != "/health" {
		t.Errorf("HealthPath = %s, want /health", cfg.HealthPath)
	}
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]string
		wantStatus string
		wantCode   int
	}{
		{"no checks", nil, StatusHealthy, http.StatusOK},
		{"all healthy", map[string]string{"queue": StatusHealthy, "venue": StatusHealthy}, StatusHealthy, http.StatusOK},
		{"degraded", map[string]string{"queue": StatusHealthy, "feed": StatusDegraded}, StatusDegraded, http.StatusOK},
		{"unhealthy wins", map[string]string{"feed": StatusDegraded, "venue": StatusUnhealthy}, StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), nil)
			for name, st := range tt.checks {
				st := st
				s.RegisterHealthCheck(name, func() Check { return Check{Status: st} })
			}

			w := get(t, s, "/health")
			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}

			var status HealthStatus
			if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", status.Status, tt.wantStatus)
			}
			if len(status.Checks) != len(tt.checks) {
				t.Errorf("checks count = %d, want %d", len(status.Checks), len(tt.checks))
			}
		})
	}
}

func TestServer_Ready(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.RegisterHealthCheck("feed", func() Check { return Check{Status: StatusDegraded, Message: "reconnecting"} })

	w := get(t, s, "/ready")
	if w.Code != http.StatusOK {
		t.Errorf("degraded /ready code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "ready" {
		t.Errorf("body = %s, want ready", w.Body.String())
	}

	s.RegisterHealthCheck("venue", func() Check { return Check{Status: StatusUnhealthy} })
	w = get(t, s, "/ready")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy /ready code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestServer_Live(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.RegisterHealthCheck("venue", func() Check { return Check{Status: StatusUnhealthy} })

	w := get(t, s, "/live")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "alive" {
		t.Errorf("body = %s, want alive", w.Body.String())
	}
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	NewRecorder().RecordDispatch("on_tickers", time.Millisecond)

	w := get(t, s, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "stgeng_events_dispatched_total") {
		t.Error("metrics output missing stgeng_events_dispatched_total")
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := NewServer(ServerConfig{
		Addr:        "127.0.0.1:19090",
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
