package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"breaklock/internal/config"
	"breaklock/internal/domain"
	"breaklock/internal/engine/auth"
	"breaklock/internal/events"
	"breaklock/internal/notify"
	"breaklock/internal/repo"
)

// DefaultTenant scopes callers that carry no tenant.
const DefaultTenant = "default"

const (
	defaultDuration = 30 * time.Minute
	defaultMax      = 2 * time.Hour
	reaperActor     = "reaper"
)

// Actor is the caller as asserted by the identity provider.
type Actor struct {
	Subject  string
	Label    string
	TenantID string
	Admin    bool
}

func (a Actor) tenant() string {
	return TenantOrDefault(a.TenantID)
}

func TenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return DefaultTenant
	}
	return tenantID
}

type Engine struct {
	Store    repo.Store
	Changes  notify.Publisher
	Outbound notify.Outbound
	Config   *config.Config
	Log      *zap.Logger
	Now      func() time.Time
}

func New(store repo.Store, cfg *config.Config) Engine {
	return Engine{
		Store:  store,
		Config: cfg,
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

// now is truncated to microseconds so values survive a Postgres round trip unchanged.
func (e Engine) now() time.Time {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	return now.UTC().Truncate(time.Microsecond)
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) events() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) breakDuration(d time.Duration) (time.Duration, error) {
	def, limit := defaultDuration, defaultMax
	if e.Config != nil {
		def = e.Config.Breaks.DefaultDuration.Duration
		limit = e.Config.Breaks.MaxDuration.Duration
	}
	if d == 0 {
		d = def
	}
	if d < 0 {
		return 0, admissionErr(KindInvalid, "duration must be positive")
	}
	if limit > 0 && d > limit {
		return 0, admissionErr(KindInvalid, "duration %s exceeds maximum %s", d, limit)
	}
	return d, nil
}

// DurationFromMinutes converts a requested break length in whole minutes, rejecting
// values outside the configured maximum before they can overflow a time.Duration.
func (e Engine) DurationFromMinutes(minutes int64) (time.Duration, error) {
	limit := defaultMax
	if e.Config != nil {
		limit = e.Config.Breaks.MaxDuration.Duration
	}
	if limit <= 0 {
		limit = math.MaxInt64
	}
	if minutes < 0 {
		return 0, admissionErr(KindInvalid, "duration must be positive")
	}
	if minutes > int64(limit/time.Minute) {
		return 0, admissionErr(KindInvalid, "duration %d minutes exceeds maximum %s", minutes, limit)
	}
	return time.Duration(minutes) * time.Minute, nil
}

func (e Engine) publish(tenantID, changeType, breakID string) {
	if e.Changes == nil {
		return
	}
	e.Changes.Publish(notify.Change{TenantID: tenantID, Type: changeType, BreakID: breakID, At: e.now()})
}

func (e Engine) notifySubject(ctx context.Context, msg notify.Message) {
	if e.Outbound == nil {
		return
	}
	if err := e.Outbound.Notify(ctx, msg); err != nil {
		e.log().Warn("notify subject failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func forbidden(action string) *AdmissionError {
	return &AdmissionError{
		Kind: KindForbidden,
		Msg:  fmt.Sprintf("%s requires the admin capability", action),
		Err:  auth.ForbiddenError{Capability: auth.ObjectBreaks + ":" + auth.ActionAdminister},
	}
}

// StartBreak admits the actor into the pool for d, or the configured default when d is 0.
// When the actor already holds a break the error is KindAlreadyActive and carries that break.
func (e Engine) StartBreak(ctx context.Context, actor Actor, d time.Duration) (domain.BreakRecord, error) {
	if actor.Subject == "" {
		return domain.BreakRecord{}, admissionErr(KindInvalid, "subject is required")
	}
	d, err := e.breakDuration(d)
	if err != nil {
		return domain.BreakRecord{}, err
	}
	tenant := actor.tenant()
	var rec domain.BreakRecord
	err = e.Store.InPool(ctx, tenant, func(tx repo.Tx) error {
		now := e.now()
		existing, err := tx.ActiveForSubject(ctx, actor.Subject)
		if err == nil {
			return &AdmissionError{Kind: KindAlreadyActive, Msg: "subject already on break", Break: &existing}
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		pool, err := tx.Pool(ctx)
		if err != nil {
			return err
		}
		active, err := tx.CountActive(ctx)
		if err != nil {
			return err
		}
		if active >= pool.Capacity {
			return admissionErr(KindCapacityReached, "all %d break slots are taken", pool.Capacity)
		}
		rec = domain.BreakRecord{
			ID:        uuid.NewString(),
			TenantID:  tenant,
			Subject:   actor.Subject,
			Label:     actor.Label,
			StartedAt: now,
			EndsAt:    now.Add(d),
		}
		if err := tx.InsertBreak(ctx, rec); err != nil {
			if errors.Is(err, repo.ErrDuplicateActive) {
				return admissionErr(KindAlreadyActive, "subject already on break")
			}
			return err
		}
		return e.events().Append(ctx, tx, events.BreakStarted, tenant, "break", rec.ID, actor.Subject, events.EventPayload{
			"subject":          rec.Subject,
			"ends_at":          rec.EndsAt,
			"duration_seconds": int64(d / time.Second),
		})
	})
	if err != nil {
		return domain.BreakRecord{}, classify(err)
	}
	e.publish(tenant, events.BreakStarted, rec.ID)
	return rec, nil
}

// EndBreak ends the actor's own active break.
func (e Engine) EndBreak(ctx context.Context, actor Actor) (domain.BreakRecord, error) {
	if actor.Subject == "" {
		return domain.BreakRecord{}, admissionErr(KindInvalid, "subject is required")
	}
	tenant := actor.tenant()
	var rec domain.BreakRecord
	err := e.Store.InPool(ctx, tenant, func(tx repo.Tx) error {
		now := e.now()
		var err error
		rec, err = tx.ActiveForSubject(ctx, actor.Subject)
		if errors.Is(err, repo.ErrNotFound) {
			return admissionErr(KindNotActive, "no active break")
		}
		if err != nil {
			return err
		}
		ok, err := tx.EndBreak(ctx, rec.ID, now, domain.EndManual)
		if err != nil {
			return err
		}
		if !ok {
			return admissionErr(KindNotActive, "no active break")
		}
		rec.EndedAt, rec.EndReason = &now, domain.EndManual
		return e.events().Append(ctx, tx, events.BreakEnded, tenant, "break", rec.ID, actor.Subject, events.EventPayload{
			"subject":    rec.Subject,
			"end_reason": string(domain.EndManual),
		})
	})
	if err != nil {
		return domain.BreakRecord{}, classify(err)
	}
	e.publish(tenant, events.BreakEnded, rec.ID)
	return rec, nil
}

// AdminOverrideEnd ends someone else's break. The affected subject is told afterwards;
// a delivery failure does not undo the end.
func (e Engine) AdminOverrideEnd(ctx context.Context, actor Actor, breakID string) (domain.BreakRecord, error) {
	if !actor.Admin {
		return domain.BreakRecord{}, forbidden("override")
	}
	if breakID == "" {
		return domain.BreakRecord{}, admissionErr(KindInvalid, "break id is required")
	}
	tenant := actor.tenant()
	var rec domain.BreakRecord
	err := e.Store.InPool(ctx, tenant, func(tx repo.Tx) error {
		now := e.now()
		var err error
		rec, err = tx.GetBreak(ctx, breakID)
		if errors.Is(err, repo.ErrNotFound) {
			return admissionErr(KindNotFound, "break %s not found", breakID)
		}
		if err != nil {
			return err
		}
		if !rec.Active() {
			return admissionErr(KindNotFound, "break %s already ended", breakID)
		}
		ok, err := tx.EndBreak(ctx, rec.ID, now, domain.EndAdminOverride)
		if err != nil {
			return err
		}
		if !ok {
			return admissionErr(KindNotFound, "break %s already ended", breakID)
		}
		rec.EndedAt, rec.EndReason = &now, domain.EndAdminOverride
		return e.events().Append(ctx, tx, events.BreakOverridden, tenant, "break", rec.ID, actor.Subject, events.EventPayload{
			"subject":    rec.Subject,
			"end_reason": string(domain.EndAdminOverride),
		})
	})
	if err != nil {
		return domain.BreakRecord{}, classify(err)
	}
	e.publish(tenant, events.BreakOverridden, rec.ID)
	e.notifySubject(ctx, notify.Message{
		TenantID: tenant,
		Subject:  rec.Subject,
		Label:    rec.Label,
		Title:    "Your break was ended",
		Body:     fmt.Sprintf("An administrator ended the break you started at %s UTC.", rec.StartedAt.Format("15:04")),
	})
	return rec, nil
}

// ListActive returns the tenant's active breaks, soonest-ending first.
func (e Engine) ListActive(ctx context.Context, tenantID string) ([]domain.BreakRecord, error) {
	items, err := e.Store.ListActive(ctx, TenantOrDefault(tenantID))
	if err != nil {
		return nil, classify(err)
	}
	domain.SortByEndsAt(items)
	return items, nil
}

// ListToday returns every break started since local midnight, oldest first.
func (e Engine) ListToday(ctx context.Context, tenantID string) ([]domain.BreakRecord, error) {
	loc := time.UTC
	if e.Config != nil {
		loc = e.Config.Location()
	}
	local := e.now().In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	items, err := e.Store.ListStartedSince(ctx, TenantOrDefault(tenantID), midnight.UTC())
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (e Engine) GetCapacity(ctx context.Context, tenantID string) (domain.Pool, error) {
	pool, err := e.Store.GetPool(ctx, TenantOrDefault(tenantID))
	if err != nil {
		return domain.Pool{}, classify(err)
	}
	return pool, nil
}

// SetCapacity changes the pool size. Lowering it leaves running breaks alone.
func (e Engine) SetCapacity(ctx context.Context, actor Actor, capacity int) (domain.Pool, error) {
	if !actor.Admin {
		return domain.Pool{}, forbidden("set capacity")
	}
	if capacity <= 0 {
		return domain.Pool{}, admissionErr(KindInvalid, "capacity must be greater than zero")
	}
	tenant := actor.tenant()
	var pool domain.Pool
	err := e.Store.InPool(ctx, tenant, func(tx repo.Tx) error {
		now := e.now()
		prev, err := tx.Pool(ctx)
		if err != nil {
			return err
		}
		if err := tx.SetCapacity(ctx, capacity, now); err != nil {
			return err
		}
		pool = domain.Pool{TenantID: tenant, Capacity: capacity, UpdatedAt: now}
		return e.events().Append(ctx, tx, events.CapacityUpdated, tenant, "pool", tenant, actor.Subject, events.EventPayload{
			"capacity": capacity,
			"previous": prev.Capacity,
		})
	})
	if err != nil {
		return domain.Pool{}, classify(err)
	}
	e.publish(tenant, events.CapacityUpdated, "")
	return pool, nil
}

// Status is the dashboard snapshot: capacity, who is out, and when the next slot frees.
func (e Engine) Status(ctx context.Context, tenantID string) (domain.PoolStatus, error) {
	pool, err := e.GetCapacity(ctx, tenantID)
	if err != nil {
		return domain.PoolStatus{}, err
	}
	active, err := e.ListActive(ctx, tenantID)
	if err != nil {
		return domain.PoolStatus{}, err
	}
	return domain.NewPoolStatus(pool, active), nil
}

// Events returns the tenant's change log, newest first.
func (e Engine) Events(ctx context.Context, tenantID string, f repo.EventFilter) ([]domain.Event, error) {
	f.TenantID = TenantOrDefault(tenantID)
	items, err := e.Store.LatestEvents(ctx, f)
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

type ExpireFailure struct {
	BreakID string
	Err     error
}

type ExpireResult struct {
	TenantID string
	Expired  []domain.BreakRecord
	Failed   []ExpireFailure
}

// ExpireDue ends every break in the tenant whose ends_at has passed. Each record is ended
// in its own unit, so one failure leaves the rest of the sweep intact. Records ended
// concurrently by someone else are skipped.
func (e Engine) ExpireDue(ctx context.Context, tenantID string) (ExpireResult, error) {
	tenant := TenantOrDefault(tenantID)
	res := ExpireResult{TenantID: tenant}
	now := e.now()
	var due []domain.BreakRecord
	err := e.Store.InPool(ctx, tenant, func(tx repo.Tx) error {
		var err error
		due, err = tx.DueBreaks(ctx, now)
		return err
	})
	if err != nil {
		return res, classify(err)
	}
	for _, b := range due {
		ended, err := e.expireOne(ctx, tenant, b.ID, now)
		if err != nil {
			e.log().Warn("expire break failed", zap.String("tenant", tenant), zap.String("break_id", b.ID), zap.Error(err))
			res.Failed = append(res.Failed, ExpireFailure{BreakID: b.ID, Err: classify(err)})
			continue
		}
		if !ended {
			continue
		}
		b.EndedAt, b.EndReason = &now, domain.EndExpired
		res.Expired = append(res.Expired, b)
		e.publish(tenant, events.BreakExpired, b.ID)
		e.notifySubject(ctx, notify.Message{
			TenantID: tenant,
			Subject:  b.Subject,
			Label:    b.Label,
			Title:    "Your break is over",
			Body:     fmt.Sprintf("Your break ended at %s UTC.", b.EndsAt.Format("15:04")),
		})
	}
	return res, nil
}

// RunReaper expires due breaks in the admin's own tenant on demand.
func (e Engine) RunReaper(ctx context.Context, actor Actor) (ExpireResult, error) {
	if !actor.Admin {
		return ExpireResult{TenantID: actor.tenant()}, forbidden("reaper run")
	}
	return e.ExpireDue(ctx, actor.tenant())
}

func (e Engine) expireOne(ctx context.Context, tenant, breakID string, now time.Time) (bool, error) {
	var ended bool
	err := e.Store.InPool(ctx, tenant, func(tx repo.Tx) error {
		ok, err := tx.EndBreak(ctx, breakID, now, domain.EndExpired)
		if err != nil || !ok {
			return err
		}
		if err := e.events().Append(ctx, tx, events.BreakExpired, tenant, "break", breakID, reaperActor, events.EventPayload{
			"end_reason": string(domain.EndExpired),
		}); err != nil {
			return err
		}
		ended = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ended, nil
}

// DueTenants lists tenants holding at least one break past its ends_at.
func (e Engine) DueTenants(ctx context.Context) ([]string, error) {
	tenants, err := e.Store.TenantsWithDue(ctx, e.now())
	if err != nil {
		return nil, classify(err)
	}
	return tenants, nil
}
