package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"breaklock/internal/domain"
)

// Event types written to the change log.
const (
	BreakStarted    = "break.started"
	BreakEnded      = "break.ended"
	BreakOverridden = "break.overridden"
	BreakExpired    = "break.expired"
	CapacityUpdated = "capacity.updated"
)

// Appender is implemented by store transactions.
type Appender interface {
	AppendEvent(ctx context.Context, evt domain.Event) error
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx Appender, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return tx.AppendEvent(ctx, domain.Event{
		TS:         w.Now().UTC(),
		Type:       evtType,
		TenantID:   tenantID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	})
}
