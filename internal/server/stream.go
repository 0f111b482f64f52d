package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"breaklock/internal/engine"
	"breaklock/internal/notify"
)

const defaultHeartbeat = 15 * time.Second

// Change types sent on the stream in addition to event types.
const (
	changeSubscribed = "subscribed"
)

// registerStream exposes GET /stream. A subscriber receives one "subscribed" change on
// connect, then one change per pool mutation, coalesced when it reads slowly.
// Clients refetch /status on every change.
func registerStream(api huma.API, broker *notify.Broker, e engine.Engine, heartbeat time.Duration) {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	sse.Register(api, huma.Operation{
		OperationID: "stream-changes",
		Method:      http.MethodGet,
		Path:        "/stream",
		Summary:     "Server-sent pool change notifications",
		Errors:      []int{http.StatusUnauthorized},
	}, map[string]any{
		"change": ChangeMessage{},
		"ping":   PingMessage{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return
		}
		changes, cancel := broker.Subscribe(p.TenantID)
		defer cancel()

		if err := send.Data(ChangeMessage{TenantID: p.TenantID, Type: changeSubscribed, At: nowUTC(e)}); err != nil {
			return
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				msg := ChangeMessage{TenantID: c.TenantID, Type: c.Type, BreakID: c.BreakID, At: c.At}
				if err := send.Data(msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := send.Data(PingMessage{At: nowUTC(e)}); err != nil {
					return
				}
			}
		}
	})
}
