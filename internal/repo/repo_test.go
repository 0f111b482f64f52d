package repo_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"breaklock/internal/db"
	"breaklock/internal/domain"
	"breaklock/internal/migrate"
	"breaklock/internal/repo"
)

var base = time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) repo.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.NewSQLite(conn, repo.Options{DefaultCapacity: 2, Now: func() time.Time { return base }})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openPostgres(t *testing.T) repo.Store {
	t.Helper()
	dsn := os.Getenv("BREAKLOCK_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("BREAKLOCK_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := migrate.Postgres(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.NewPostgres(pool, repo.Options{DefaultCapacity: 2, Now: func() time.Time { return base }})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, openSQLite)
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, openPostgres)
}

func runStoreSuite(t *testing.T, open func(*testing.T) repo.Store) {
	t.Run("lazy pool", func(t *testing.T) { testLazyPool(t, open(t)) })
	t.Run("insert and end", func(t *testing.T) { testInsertAndEnd(t, open(t)) })
	t.Run("one active per subject", func(t *testing.T) { testDuplicateActive(t, open(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("due and tenants", func(t *testing.T) { testDue(t, open(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, open(t)) })
	t.Run("events commit in id order", func(t *testing.T) { testEventCommitOrder(t, open(t)) })
}

func newBreak(subject string, startedAt time.Time, d time.Duration) domain.BreakRecord {
	return domain.BreakRecord{ID: uuid.NewString(), Subject: subject, Label: subject, StartedAt: startedAt, EndsAt: startedAt.Add(d)}
}

func tenant() string {
	return "t-" + uuid.NewString()[:8]
}

func testLazyPool(t *testing.T, store repo.Store) {
	ctx := context.Background()
	tn := tenant()
	pool, err := store.GetPool(ctx, tn)
	if err != nil || pool.Capacity != 2 {
		t.Fatalf("expected default pool before first write: %+v %v", pool, err)
	}
	err = store.InPool(ctx, tn, func(tx repo.Tx) error {
		p, err := tx.Pool(ctx)
		if err != nil {
			return err
		}
		if p.Capacity != 2 {
			t.Errorf("expected seeded capacity 2, got %d", p.Capacity)
		}
		return tx.SetCapacity(ctx, 4, base.Add(time.Minute))
	})
	if err != nil {
		t.Fatalf("in pool: %v", err)
	}
	pool, err = store.GetPool(ctx, tn)
	if err != nil || pool.Capacity != 4 || !pool.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("capacity not persisted: %+v %v", pool, err)
	}
}

func testInsertAndEnd(t *testing.T, store repo.Store) {
	ctx := context.Background()
	tn := tenant()
	b := newBreak("alice", base, 30*time.Minute)
	err := store.InPool(ctx, tn, func(tx repo.Tx) error {
		if err := tx.InsertBreak(ctx, b); err != nil {
			return err
		}
		n, err := tx.CountActive(ctx)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("expected 1 active, got %d", n)
		}
		got, err := tx.ActiveForSubject(ctx, "alice")
		if err != nil {
			return err
		}
		if got.ID != b.ID || !got.EndsAt.Equal(b.EndsAt) || got.TenantID != tn {
			t.Errorf("unexpected record %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	endedAt := base.Add(5 * time.Minute)
	var first, second bool
	err = store.InPool(ctx, tn, func(tx repo.Tx) error {
		var err error
		if first, err = tx.EndBreak(ctx, b.ID, endedAt, domain.EndManual); err != nil {
			return err
		}
		second, err = tx.EndBreak(ctx, b.ID, endedAt.Add(time.Minute), domain.EndExpired)
		return err
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if !first || second {
		t.Fatalf("conditional end must succeed once, got %v/%v", first, second)
	}
	err = store.InPool(ctx, tn, func(tx repo.Tx) error {
		got, err := tx.GetBreak(ctx, b.ID)
		if err != nil {
			return err
		}
		if got.EndedAt == nil || !got.EndedAt.Equal(endedAt) || got.EndReason != domain.EndManual {
			t.Errorf("first end must win: %+v", got)
		}
		if _, err := tx.ActiveForSubject(ctx, "alice"); !errors.Is(err, repo.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
		if _, err := tx.GetBreak(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	active, err := store.ListActive(ctx, tn)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active breaks: %v %v", active, err)
	}
	today, err := store.ListStartedSince(ctx, tn, base.Add(-time.Hour))
	if err != nil || len(today) != 1 {
		t.Fatalf("expected the ended break in history: %v %v", today, err)
	}
}

func testDuplicateActive(t *testing.T, store repo.Store) {
	ctx := context.Background()
	tn := tenant()
	err := store.InPool(ctx, tn, func(tx repo.Tx) error {
		if err := tx.InsertBreak(ctx, newBreak("bob", base, time.Minute)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	err = store.InPool(ctx, tn, func(tx repo.Tx) error {
		return tx.InsertBreak(ctx, newBreak("bob", base, time.Minute))
	})
	if !errors.Is(err, repo.ErrDuplicateActive) {
		t.Fatalf("expected duplicate active, got %v", err)
	}
	err = store.InPool(ctx, tenant(), func(tx repo.Tx) error {
		return tx.InsertBreak(ctx, newBreak("bob", base, time.Minute))
	})
	if err != nil {
		t.Fatalf("same subject in another tenant must be allowed: %v", err)
	}
}

func testRollback(t *testing.T, store repo.Store) {
	ctx := context.Background()
	tn := tenant()
	boom := errors.New("boom")
	err := store.InPool(ctx, tn, func(tx repo.Tx) error {
		if err := tx.InsertBreak(ctx, newBreak("carol", base, time.Minute)); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, domain.Event{TS: base, Type: "break.started", EntityKind: "break", ActorID: "carol", Payload: "{}"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	active, err := store.ListActive(ctx, tn)
	if err != nil || len(active) != 0 {
		t.Fatalf("insert must be rolled back: %v %v", active, err)
	}
	evts, err := store.LatestEvents(ctx, repo.EventFilter{TenantID: tn})
	if err != nil || len(evts) != 0 {
		t.Fatalf("event must be rolled back: %v %v", evts, err)
	}
}

func testDue(t *testing.T, store repo.Store) {
	ctx := context.Background()
	tn := tenant()
	short := newBreak("dave", base, 5*time.Minute)
	long := newBreak("erin", base, 50*time.Minute)
	err := store.InPool(ctx, tn, func(tx repo.Tx) error {
		if err := tx.InsertBreak(ctx, long); err != nil {
			return err
		}
		return tx.InsertBreak(ctx, short)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	active, err := store.ListActive(ctx, tn)
	if err != nil || len(active) != 2 || active[0].ID != short.ID {
		t.Fatalf("expected soonest ending first: %+v %v", active, err)
	}
	now := base.Add(5 * time.Minute)
	tenants, err := store.TenantsWithDue(ctx, now)
	if err != nil {
		t.Fatalf("tenants: %v", err)
	}
	found := false
	for _, x := range tenants {
		found = found || x == tn
	}
	if !found {
		t.Fatalf("expected %s among due tenants %v", tn, tenants)
	}
	err = store.InPool(ctx, tn, func(tx repo.Tx) error {
		due, err := tx.DueBreaks(ctx, now)
		if err != nil {
			return err
		}
		if len(due) != 1 || due[0].ID != short.ID {
			t.Errorf("ends_at == now must be due, got %+v", due)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("due: %v", err)
	}
}

func testEvents(t *testing.T, store repo.Store) {
	ctx := context.Background()
	tn := tenant()
	start, err := store.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	err = store.InPool(ctx, tn, func(tx repo.Tx) error {
		for i, typ := range []string{"break.started", "break.ended", "break.started"} {
			evt := domain.Event{TS: base.Add(time.Duration(i) * time.Second), Type: typ, EntityKind: "break", EntityID: "b1", ActorID: "alice", Payload: `{"n":1}`}
			if err := tx.AppendEvent(ctx, evt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	latest, err := store.LatestEvents(ctx, repo.EventFilter{TenantID: tn})
	if err != nil || len(latest) != 3 {
		t.Fatalf("expected 3 events: %v %v", latest, err)
	}
	if latest[0].ID < latest[2].ID || latest[0].TenantID != tn {
		t.Fatalf("expected newest first: %+v", latest)
	}
	started, err := store.LatestEvents(ctx, repo.EventFilter{TenantID: tn, Type: "break.started", Limit: 1})
	if err != nil || len(started) != 1 || started[0].ID != latest[0].ID {
		t.Fatalf("type filter with limit: %+v %v", started, err)
	}
	older, err := store.LatestEvents(ctx, repo.EventFilter{TenantID: tn, Cursor: latest[0].ID})
	if err != nil || len(older) != 2 {
		t.Fatalf("cursor page: %+v %v", older, err)
	}
	after, err := store.EventsAfter(ctx, start, 10)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(after) < 3 || after[0].ID > after[len(after)-1].ID {
		t.Fatalf("expected ascending events after cursor: %+v", after)
	}
	if !after[0].TS.Equal(base) {
		t.Fatalf("timestamp round trip: %v", after[0].TS)
	}
}

func testEventCommitOrder(t *testing.T, store repo.Store) {
	ctx := context.Background()
	first, second := tenant(), tenant()
	start, err := store.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	appendOne := func(tx repo.Tx, actor string) error {
		return tx.AppendEvent(ctx, domain.Event{TS: base, Type: "break.started", EntityKind: "break", EntityID: uuid.NewString(), ActorID: actor, Payload: `{}`})
	}
	ours := func() []domain.Event {
		t.Helper()
		after, err := store.EventsAfter(ctx, start, 100)
		if err != nil {
			t.Fatalf("after: %v", err)
		}
		var out []domain.Event
		for _, e := range after {
			if e.TenantID == first || e.TenantID == second {
				out = append(out, e)
			}
		}
		return out
	}

	appended := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- store.InPool(ctx, first, func(tx repo.Tx) error {
			if err := appendOne(tx, "alice"); err != nil {
				close(appended)
				return err
			}
			close(appended)
			<-release
			return nil
		})
	}()
	<-appended

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- store.InPool(ctx, second, func(tx repo.Tx) error {
			return appendOne(tx, "bob")
		})
	}()
	select {
	case err := <-secondDone:
		close(release)
		t.Fatalf("second append committed while an earlier one was open: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if got := ours(); len(got) != 0 {
		close(release)
		t.Fatalf("no event should be visible before the first commit, got %+v", got)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second append: %v", err)
	}
	got := ours()
	if len(got) != 2 || got[0].TenantID != first || got[1].TenantID != second || got[0].ID >= got[1].ID {
		t.Fatalf("expected first then second in id order, got %+v", got)
	}
}
