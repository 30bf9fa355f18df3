package out

import (
	"context"

	"verifier_server/core/domain"
)

// RealtimePort pushes best-effort progress events to connected clients.
// Delivery is fire-and-forget; the core never waits on acknowledgment.
type RealtimePort interface {
	Subscribe(username string) <-chan *domain.RealtimeEvent
	Unsubscribe(username string, ch <-chan *domain.RealtimeEvent)
	Push(ctx context.Context, username string, event *domain.RealtimeEvent) error
	IsConnected(username string) bool
}
