package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-chat/internal/config"
)

func TestHealthAlwaysOK(t *testing.T) {
	rt := New(config.Default(), "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestNotReadyBeforeServices(t *testing.T) {
	rt := New(config.Default(), "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	rt.ready.Store(true)
	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without bus and router, got %d", rec.Code)
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	cfg := config.Default()
	shutdown, handler, err := setupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	if handler == nil {
		t.Fatal("expected metrics handler")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
