package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"breaklock/internal/domain"
)

// tsLayout is fixed width so lexical order on the TEXT columns matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const breakColumns = `id,tenant_id,subject,label,started_at,ends_at,ended_at,end_reason`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite is a Store backed by a single SQLite database. Writers are serialised
// in-process by mu and across processes by BEGIN IMMEDIATE.
type SQLite struct {
	DB   *sql.DB
	opts Options
	mu   sync.Mutex
}

func NewSQLite(db *sql.DB, opts Options) *SQLite {
	return &SQLite{DB: db, opts: opts}
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}

func (s *SQLite) InPool(ctx context.Context, tenantID string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	tx := sqliteTx{q: conn, tenant: tenantID}
	if _, err := conn.ExecContext(ctx, `INSERT INTO break_pools(tenant_id,capacity,updated_at) VALUES (?,?,?) ON CONFLICT(tenant_id) DO NOTHING`,
		tenantID, s.opts.capacity(), formatTS(s.opts.now())); err != nil {
		return fmt.Errorf("ensure pool: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (s *SQLite) GetPool(ctx context.Context, tenantID string) (domain.Pool, error) {
	p, err := scanPool(s.DB.QueryRowContext(ctx, `SELECT tenant_id,capacity,updated_at FROM break_pools WHERE tenant_id=?`, tenantID))
	if errors.Is(err, ErrNotFound) {
		return domain.Pool{TenantID: tenantID, Capacity: s.opts.capacity()}, nil
	}
	return p, err
}

func (s *SQLite) ListActive(ctx context.Context, tenantID string) ([]domain.BreakRecord, error) {
	return queryBreaks(ctx, s.DB, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=? AND ended_at IS NULL ORDER BY ends_at ASC, started_at ASC, id ASC`, tenantID)
}

func (s *SQLite) ListStartedSince(ctx context.Context, tenantID string, since time.Time) ([]domain.BreakRecord, error) {
	return queryBreaks(ctx, s.DB, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=? AND started_at>=? ORDER BY started_at ASC, id ASC`, tenantID, formatTS(since))
}

func (s *SQLite) TenantsWithDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM breaks WHERE ended_at IS NULL AND ends_at<=? ORDER BY tenant_id`, formatTS(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *SQLite) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := `SELECT id,ts,type,tenant_id,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit))
	return s.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (s *SQLite) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return s.queryEvents(ctx, `SELECT id,ts,type,tenant_id,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, normalizeLimit(limit))
}

func (s *SQLite) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLite) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if e.TS, err = parseTS(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type sqliteTx struct {
	q      querier
	tenant string
}

func (t sqliteTx) Pool(ctx context.Context) (domain.Pool, error) {
	return scanPool(t.q.QueryRowContext(ctx, `SELECT tenant_id,capacity,updated_at FROM break_pools WHERE tenant_id=?`, t.tenant))
}

func (t sqliteTx) SetCapacity(ctx context.Context, capacity int, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `UPDATE break_pools SET capacity=?, updated_at=? WHERE tenant_id=?`, capacity, formatTS(at), t.tenant)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t sqliteTx) CountActive(ctx context.Context) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT count(*) FROM breaks WHERE tenant_id=? AND ended_at IS NULL`, t.tenant).Scan(&n)
	return n, err
}

func (t sqliteTx) ActiveForSubject(ctx context.Context, subject string) (domain.BreakRecord, error) {
	return scanBreak(t.q.QueryRowContext(ctx, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=? AND subject=? AND ended_at IS NULL`, t.tenant, subject))
}

func (t sqliteTx) GetBreak(ctx context.Context, id string) (domain.BreakRecord, error) {
	return scanBreak(t.q.QueryRowContext(ctx, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=? AND id=?`, t.tenant, id))
}

func (t sqliteTx) InsertBreak(ctx context.Context, b domain.BreakRecord) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO breaks(id,tenant_id,subject,label,started_at,ends_at) VALUES (?,?,?,?,?,?)`,
		b.ID, t.tenant, b.Subject, b.Label, formatTS(b.StartedAt), formatTS(b.EndsAt))
	if isUniqueViolation(err) {
		return ErrDuplicateActive
	}
	return err
}

func (t sqliteTx) EndBreak(ctx context.Context, id string, endedAt time.Time, reason domain.EndReason) (bool, error) {
	res, err := t.q.ExecContext(ctx, `UPDATE breaks SET ended_at=?, end_reason=? WHERE tenant_id=? AND id=? AND ended_at IS NULL`,
		formatTS(endedAt), string(reason), t.tenant, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t sqliteTx) DueBreaks(ctx context.Context, now time.Time) ([]domain.BreakRecord, error) {
	return queryBreaks(ctx, t.q, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=? AND ended_at IS NULL AND ends_at<=? ORDER BY ends_at ASC, id ASC`, t.tenant, formatTS(now))
}

func (t sqliteTx) AppendEvent(ctx context.Context, evt domain.Event) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		formatTS(evt.TS), evt.Type, t.tenant, evt.EntityKind, nullable(evt.EntityID), evt.ActorID, evt.Payload)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (domain.Pool, error) {
	var p domain.Pool
	var updated string
	err := row.Scan(&p.TenantID, &p.Capacity, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.UpdatedAt, err = parseTS(updated)
	return p, err
}

func scanBreak(row rowScanner) (domain.BreakRecord, error) {
	var b domain.BreakRecord
	var started, ends string
	var ended, reason sql.NullString
	err := row.Scan(&b.ID, &b.TenantID, &b.Subject, &b.Label, &started, &ends, &ended, &reason)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if b.StartedAt, err = parseTS(started); err != nil {
		return b, err
	}
	if b.EndsAt, err = parseTS(ends); err != nil {
		return b, err
	}
	if ended.Valid {
		at, err := parseTS(ended.String)
		if err != nil {
			return b, err
		}
		b.EndedAt = &at
	}
	if reason.Valid {
		b.EndReason = domain.EndReason(reason.String)
	}
	return b, nil
}

func queryBreaks(ctx context.Context, q querier, query string, args ...any) ([]domain.BreakRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.BreakRecord{}
	for rows.Next() {
		b, err := scanBreak(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
