package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"breaklock/internal/domain"
)

const pgUniqueViolation = "23505"

// eventAppendLock serializes event appends across tenants so ids commit in id order
// for readers paging with id > cursor.
const eventAppendLock int64 = 0x62726b6c6f636b

// Postgres is a Store backed by pgx. Each InPool call locks the tenant's pool row
// with SELECT ... FOR UPDATE, so admission checks for one pool run one at a time.
type Postgres struct {
	Pool *pgxpool.Pool
	opts Options
}

func NewPostgres(pool *pgxpool.Pool, opts Options) *Postgres {
	return &Postgres{Pool: pool, opts: opts}
}

func (p *Postgres) Close() error {
	p.Pool.Close()
	return nil
}

func (p *Postgres) InPool(ctx context.Context, tenantID string, fn func(Tx) error) error {
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(context.Background())

	if _, err := tx.Exec(ctx, `INSERT INTO break_pools(tenant_id,capacity,updated_at) VALUES ($1,$2,$3) ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, p.opts.capacity(), p.opts.now()); err != nil {
		return fmt.Errorf("ensure pool: %w", err)
	}
	var locked string
	if err := tx.QueryRow(ctx, `SELECT tenant_id FROM break_pools WHERE tenant_id=$1 FOR UPDATE`, tenantID).Scan(&locked); err != nil {
		return fmt.Errorf("lock pool: %w", err)
	}
	if err := fn(pgTx{tx: tx, tenant: tenantID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) GetPool(ctx context.Context, tenantID string) (domain.Pool, error) {
	var pool domain.Pool
	err := p.Pool.QueryRow(ctx, `SELECT tenant_id,capacity,updated_at FROM break_pools WHERE tenant_id=$1`, tenantID).
		Scan(&pool.TenantID, &pool.Capacity, &pool.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Pool{TenantID: tenantID, Capacity: p.opts.capacity()}, nil
	}
	pool.UpdatedAt = pool.UpdatedAt.UTC()
	return pool, err
}

func (p *Postgres) ListActive(ctx context.Context, tenantID string) ([]domain.BreakRecord, error) {
	return pgQueryBreaks(ctx, p.Pool, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=$1 AND ended_at IS NULL ORDER BY ends_at ASC, started_at ASC, id ASC`, tenantID)
}

func (p *Postgres) ListStartedSince(ctx context.Context, tenantID string, since time.Time) ([]domain.BreakRecord, error) {
	return pgQueryBreaks(ctx, p.Pool, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=$1 AND started_at>=$2 ORDER BY started_at ASC, id ASC`, tenantID, since)
}

func (p *Postgres) TenantsWithDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.Pool.Query(ctx, `SELECT DISTINCT tenant_id FROM breaks WHERE ended_at IS NULL AND ends_at<=$1 ORDER BY tenant_id`, now)
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

func (p *Postgres) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id=$%d", f.TenantID)
	}
	if f.Type != "" {
		add("type=$%d", f.Type)
	}
	if f.EntityID != "" {
		add("entity_id=$%d", f.EntityID)
	}
	if f.Cursor > 0 {
		add("id<$%d", f.Cursor)
	}
	args = append(args, normalizeLimit(f.Limit))
	query := fmt.Sprintf(`SELECT id,ts,type,tenant_id,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT $%d`,
		strings.Join(clauses, " AND "), len(args))
	return p.queryEvents(ctx, query, args...)
}

func (p *Postgres) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return p.queryEvents(ctx, `SELECT id,ts,type,tenant_id,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>$1 ORDER BY id ASC LIMIT $2`,
		cursor, normalizeLimit(limit))
}

func (p *Postgres) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := p.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (p *Postgres) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.TS = e.TS.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx     pgx.Tx
	tenant string
}

func (t pgTx) Pool(ctx context.Context) (domain.Pool, error) {
	var pool domain.Pool
	err := t.tx.QueryRow(ctx, `SELECT tenant_id,capacity,updated_at FROM break_pools WHERE tenant_id=$1`, t.tenant).
		Scan(&pool.TenantID, &pool.Capacity, &pool.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pool, ErrNotFound
	}
	pool.UpdatedAt = pool.UpdatedAt.UTC()
	return pool, err
}

func (t pgTx) SetCapacity(ctx context.Context, capacity int, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE break_pools SET capacity=$1, updated_at=$2 WHERE tenant_id=$3`, capacity, at, t.tenant)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t pgTx) CountActive(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM breaks WHERE tenant_id=$1 AND ended_at IS NULL`, t.tenant).Scan(&n)
	return n, err
}

func (t pgTx) ActiveForSubject(ctx context.Context, subject string) (domain.BreakRecord, error) {
	return pgScanBreak(t.tx.QueryRow(ctx, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=$1 AND subject=$2 AND ended_at IS NULL`, t.tenant, subject))
}

func (t pgTx) GetBreak(ctx context.Context, id string) (domain.BreakRecord, error) {
	return pgScanBreak(t.tx.QueryRow(ctx, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=$1 AND id=$2`, t.tenant, id))
}

func (t pgTx) InsertBreak(ctx context.Context, b domain.BreakRecord) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO breaks(id,tenant_id,subject,label,started_at,ends_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		b.ID, t.tenant, b.Subject, b.Label, b.StartedAt, b.EndsAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateActive
	}
	return err
}

func (t pgTx) EndBreak(ctx context.Context, id string, endedAt time.Time, reason domain.EndReason) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE breaks SET ended_at=$1, end_reason=$2 WHERE tenant_id=$3 AND id=$4 AND ended_at IS NULL`,
		endedAt, string(reason), t.tenant, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t pgTx) DueBreaks(ctx context.Context, now time.Time) ([]domain.BreakRecord, error) {
	return pgQueryBreaks(ctx, t.tx, `SELECT `+breakColumns+` FROM breaks WHERE tenant_id=$1 AND ended_at IS NULL AND ends_at<=$2 ORDER BY ends_at ASC, id ASC`, t.tenant, now)
}

func (t pgTx) AppendEvent(ctx context.Context, evt domain.Event) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, eventAppendLock); err != nil {
		return fmt.Errorf("lock events: %w", err)
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		evt.TS, evt.Type, t.tenant, evt.EntityKind, nullable(evt.EntityID), evt.ActorID, evt.Payload)
	return err
}

func pgScanBreak(row pgx.Row) (domain.BreakRecord, error) {
	var b domain.BreakRecord
	var ended *time.Time
	var reason *string
	err := row.Scan(&b.ID, &b.TenantID, &b.Subject, &b.Label, &b.StartedAt, &b.EndsAt, &ended, &reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.StartedAt = b.StartedAt.UTC()
	b.EndsAt = b.EndsAt.UTC()
	if ended != nil {
		at := ended.UTC()
		b.EndedAt = &at
	}
	if reason != nil {
		b.EndReason = domain.EndReason(*reason)
	}
	return b, nil
}

func pgQueryBreaks(ctx context.Context, q pgQuerier, query string, args ...any) ([]domain.BreakRecord, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.BreakRecord{}
	for rows.Next() {
		b, err := pgScanBreak(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
