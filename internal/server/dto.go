package server

import (
	"encoding/json"
	"time"

	"breaklock/internal/domain"
	"breaklock/internal/repo"
)

// Request payloads

type StartBreakRequest struct {
	DurationMinutes int `json:"duration_minutes,omitempty" minimum:"0" doc:"Break length; 0 or omitted uses the configured default"`
}

type SetCapacityRequest struct {
	Capacity int `json:"capacity" minimum:"1"`
}

type DevLoginRequest struct {
	Subject string   `json:"subject"`
	Email   string   `json:"email,omitempty"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type BreakResponse struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Subject          string     `json:"subject"`
	Label            string     `json:"label,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndsAt           time.Time  `json:"ends_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	EndReason        string     `json:"end_reason,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds" doc:"Advisory only; clients should count down from ends_at"`
}

type StartBreakResponse struct {
	Break         BreakResponse `json:"break"`
	AlreadyActive bool          `json:"already_active"`
}

type BreakListResponse struct {
	Items []BreakResponse `json:"items"`
}

type CapacityResponse struct {
	TenantID  string    `json:"tenant_id"`
	Capacity  int       `json:"capacity"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type StatusResponse struct {
	TenantID   string          `json:"tenant_id"`
	Capacity   int             `json:"capacity"`
	ActiveSize int             `json:"active_count"`
	Locked     bool            `json:"locked"`
	NextFreeAt *time.Time      `json:"next_free_at,omitempty"`
	Active     []BreakResponse `json:"active"`
	ServerTime time.Time       `json:"server_time"`
}

type ReaperRunResponse struct {
	TenantID string   `json:"tenant_id"`
	Expired  []string `json:"expired"`
	Failed   []string `json:"failed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	Subject  string   `json:"subject"`
	Email    string   `json:"email,omitempty"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	Admin    bool     `json:"admin"`
}

// SSE messages

type ChangeMessage struct {
	TenantID string    `json:"tenant_id"`
	Type     string    `json:"type"`
	BreakID  string    `json:"break_id,omitempty"`
	At       time.Time `json:"at"`
}

type PingMessage struct {
	At time.Time `json:"at"`
}

// Conversion helpers

func breakResponse(b domain.BreakRecord, now time.Time) BreakResponse {
	return BreakResponse{
		ID:               b.ID,
		TenantID:         b.TenantID,
		Subject:          b.Subject,
		Label:            b.Label,
		StartedAt:        b.StartedAt,
		EndsAt:           b.EndsAt,
		EndedAt:          b.EndedAt,
		EndReason:        string(b.EndReason),
		RemainingSeconds: int64(b.Remaining(now) / time.Second),
	}
}

func mapBreaks(items []domain.BreakRecord, now time.Time) []BreakResponse {
	out := make([]BreakResponse, 0, len(items))
	for _, b := range items {
		out = append(out, breakResponse(b, now))
	}
	return out
}

func capacityResponse(p domain.Pool) CapacityResponse {
	return CapacityResponse{TenantID: p.TenantID, Capacity: p.Capacity, UpdatedAt: p.UpdatedAt}
}

func statusResponse(st domain.PoolStatus, now time.Time) StatusResponse {
	return StatusResponse{
		TenantID:   st.TenantID,
		Capacity:   st.Capacity,
		ActiveSize: len(st.Active),
		Locked:     st.Locked,
		NextFreeAt: st.NextFreeAt,
		Active:     mapBreaks(st.Active, now),
		ServerTime: now,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TenantID:   e.TenantID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func eventFilter(tenantID, evtType, entityID string, limit int, cursor int64) repo.EventFilter {
	return repo.EventFilter{TenantID: tenantID, Type: evtType, EntityID: entityID, Limit: limit, Cursor: cursor}
}
