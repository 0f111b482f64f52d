package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"breaklock/internal/config"
	"breaklock/internal/db"
	"breaklock/internal/engine"
	"breaklock/internal/migrate"
	"breaklock/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newReaper(t *testing.T) (Reaper, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := &clock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	store := repo.NewSQLite(conn, repo.Options{Now: c.Now})
	t.Cleanup(func() { _ = store.Close() })
	eng := engine.New(store, config.Default())
	eng.Now = c.Now
	return Reaper{Engine: eng, Interval: 10 * time.Millisecond, Log: zaptest.NewLogger(t)}, c
}

func TestSweepAcrossTenants(t *testing.T) {
	r, c := newReaper(t)
	ctx := context.Background()
	starts := []engine.Actor{
		{Subject: "a", TenantID: "acme"},
		{Subject: "b", TenantID: "acme"},
		{Subject: "c", TenantID: "globex"},
	}
	for i, actor := range starts {
		if _, err := r.Engine.StartBreak(ctx, actor, time.Duration(i+1)*time.Minute); err != nil {
			t.Fatalf("start %s: %v", actor.Subject, err)
		}
	}

	sum, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Expired != 0 || sum.Tenants != 0 {
		t.Fatalf("nothing is due yet, got %+v", sum)
	}

	c.Advance(2*time.Minute + time.Second)
	sum, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Expired != 2 || sum.Tenants != 1 || sum.Failed != 0 {
		t.Fatalf("expected a and b expired in acme, got %+v", sum)
	}

	c.Advance(time.Hour)
	sum, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Expired != 1 || sum.Tenants != 1 {
		t.Fatalf("expected c expired in globex, got %+v", sum)
	}
	sum, err = r.Sweep(ctx)
	if err != nil || sum.Expired != 0 {
		t.Fatalf("repeat sweep must be a no-op: %+v %v", sum, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, c := newReaper(t)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := r.Engine.StartBreak(ctx, engine.Actor{Subject: "z"}, time.Minute); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Advance(2 * time.Minute)

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		items, err := r.Engine.ListActive(context.Background(), "")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reaper did not expire the break")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
