package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"breaklock/internal/config"
	"breaklock/internal/engine"
)

func TestOpenSQLiteService(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	cfg.Auth.JWTSecret = "secret"
	cfg.Reaper.Interval = config.Duration{Duration: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	svc, err := Open(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	svc.Start(ctx)

	clock := time.Now().UTC()
	svc.Engine.Now = func() time.Time { return clock }
	actor := engine.Actor{Subject: "alice", Label: "Alice"}
	if _, err := svc.Engine.StartBreak(ctx, actor, time.Minute); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, err := svc.Engine.Status(ctx, "")
	if err != nil || len(st.Active) != 1 || st.Capacity != cfg.Breaks.DefaultCapacity {
		t.Fatalf("unexpected status %+v %v", st, err)
	}

	handler, err := svc.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}

	cancel()
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "mysql"
	if _, err := Open(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected invalid driver to be rejected")
	}
}
