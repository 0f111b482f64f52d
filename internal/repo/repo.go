package repo

import (
	"context"
	"errors"
	"time"

	"breaklock/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateActive is returned by InsertBreak when the subject already holds an active break.
	ErrDuplicateActive = errors.New("subject already has an active break")
)

// Tx is the set of primitives available inside one pool transaction. Every call is
// scoped to the tenant the transaction was opened for.
type Tx interface {
	Pool(ctx context.Context) (domain.Pool, error)
	SetCapacity(ctx context.Context, capacity int, at time.Time) error
	CountActive(ctx context.Context) (int, error)
	ActiveForSubject(ctx context.Context, subject string) (domain.BreakRecord, error)
	GetBreak(ctx context.Context, id string) (domain.BreakRecord, error)
	InsertBreak(ctx context.Context, b domain.BreakRecord) error
	// EndBreak sets ended_at and end_reason only if the break is still active.
	// It reports whether this call performed the transition.
	EndBreak(ctx context.Context, id string, endedAt time.Time, reason domain.EndReason) (bool, error)
	DueBreaks(ctx context.Context, now time.Time) ([]domain.BreakRecord, error)
	AppendEvent(ctx context.Context, evt domain.Event) error
}

// Store is the durable break store. InPool runs fn atomically and serialised against
// every other InPool call for the same tenant; fn's error rolls the whole unit back.
type Store interface {
	InPool(ctx context.Context, tenantID string, fn func(Tx) error) error
	GetPool(ctx context.Context, tenantID string) (domain.Pool, error)
	ListActive(ctx context.Context, tenantID string) ([]domain.BreakRecord, error)
	ListStartedSince(ctx context.Context, tenantID string, since time.Time) ([]domain.BreakRecord, error)
	TenantsWithDue(ctx context.Context, now time.Time) ([]string, error)
	LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error)
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	Close() error
}

type EventFilter struct {
	TenantID string
	Type     string
	EntityID string
	Limit    int
	// Cursor returns events with ids strictly below it when > 0.
	Cursor int64
}

// Options configure both store implementations.
type Options struct {
	// DefaultCapacity seeds a tenant's pool the first time it is touched.
	DefaultCapacity int
	Now             func() time.Time
}

func (o Options) capacity() int {
	if o.DefaultCapacity <= 0 {
		return 2
	}
	return o.DefaultCapacity
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
