package domain

import (
	"sort"
	"time"
)

// EndReason records why an active break was closed.
type EndReason string

const (
	EndManual        EndReason = "manual"
	EndExpired       EndReason = "expired"
	EndAdminOverride EndReason = "admin_override"
)

// Valid reports whether r is one of the known end reasons.
func (r EndReason) Valid() bool {
	switch r {
	case EndManual, EndExpired, EndAdminOverride:
		return true
	}
	return false
}

// BreakRecord is one break held by a subject. It is created active and ended exactly once.
type BreakRecord struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Subject   string     `json:"subject"`
	Label     string     `json:"label,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndsAt    time.Time  `json:"ends_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason EndReason  `json:"end_reason,omitempty"`
}

// Active reports whether the break has not been ended yet.
func (b BreakRecord) Active() bool {
	return b.EndedAt == nil
}

// Remaining is the display-only time left until EndsAt. Expiry itself is enforced by the reaper.
func (b BreakRecord) Remaining(now time.Time) time.Duration {
	if !b.Active() {
		return 0
	}
	d := b.EndsAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Pool is the per-tenant capacity configuration.
type Pool struct {
	TenantID  string    `json:"tenant_id"`
	Capacity  int       `json:"capacity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PoolStatus is a dashboard snapshot of a pool.
type PoolStatus struct {
	TenantID   string        `json:"tenant_id"`
	Capacity   int           `json:"capacity"`
	Active     []BreakRecord `json:"active"`
	Locked     bool          `json:"locked"`
	NextFreeAt *time.Time    `json:"next_free_at,omitempty"`
}

// NewPoolStatus derives lock state and the soonest end time from an active list.
func NewPoolStatus(pool Pool, active []BreakRecord) PoolStatus {
	st := PoolStatus{
		TenantID: pool.TenantID,
		Capacity: pool.Capacity,
		Active:   active,
		Locked:   len(active) >= pool.Capacity,
	}
	if len(active) > 0 {
		soonest := active[0].EndsAt
		for _, b := range active[1:] {
			if b.EndsAt.Before(soonest) {
				soonest = b.EndsAt
			}
		}
		st.NextFreeAt = &soonest
	}
	return st
}

// SortByEndsAt orders breaks soonest-ending first, then by start time and id.
func SortByEndsAt(items []BreakRecord) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.EndsAt.Equal(b.EndsAt) {
			return a.EndsAt.Before(b.EndsAt)
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}
