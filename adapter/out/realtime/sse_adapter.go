// Package realtime provides the Server-Sent Events adapter for job
// progress delivery.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"verifier_server/core/domain"
	"verifier_server/core/port/out"
)

// SSEAdapter implements out.RealtimePort using Server-Sent Events.
// Delivery is best effort: a slow consumer loses events instead of
// slowing the run down.
type SSEAdapter struct {
	clients map[string]map[chan *domain.RealtimeEvent]struct{} // username -> channels
	mu      sync.RWMutex
	log     zerolog.Logger

	messagesSent    int64
	messagesDropped int64
	seqCounter      int64
}

// NewSSEAdapter creates a new SSE adapter.
func NewSSEAdapter(log zerolog.Logger) *SSEAdapter {
	return &SSEAdapter{
		clients: make(map[string]map[chan *domain.RealtimeEvent]struct{}),
		log:     log.With().Str("component", "sse_adapter").Logger(),
	}
}

// Subscribe creates a new subscription channel for a user.
func (a *SSEAdapter) Subscribe(username string) <-chan *domain.RealtimeEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan *domain.RealtimeEvent, 256)

	if a.clients[username] == nil {
		a.clients[username] = make(map[chan *domain.RealtimeEvent]struct{})
	}
	a.clients[username][ch] = struct{}{}

	a.log.Debug().
		Str("username", username).
		Int("total_connections", len(a.clients[username])).
		Msg("client subscribed")

	return ch
}

// Unsubscribe removes a subscription channel.
func (a *SSEAdapter) Unsubscribe(username string, ch <-chan *domain.RealtimeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if channels, ok := a.clients[username]; ok {
		for c := range channels {
			if c == ch {
				delete(channels, c)
				close(c)
				break
			}
		}
		if len(channels) == 0 {
			delete(a.clients, username)
		}
	}

	a.log.Debug().Str("username", username).Msg("client unsubscribed")
}

// Push sends an event to every connection of a user. Sequence numbers
// are global so clients can detect gaps after drops.
func (a *SSEAdapter) Push(ctx context.Context, username string, event *domain.RealtimeEvent) error {
	event.Seq = atomic.AddInt64(&a.seqCounter, 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	a.mu.RLock()
	channels, ok := a.clients[username]
	if !ok || len(channels) == 0 {
		a.mu.RUnlock()
		return nil
	}
	chList := make([]chan *domain.RealtimeEvent, 0, len(channels))
	for ch := range channels {
		chList = append(chList, ch)
	}
	a.mu.RUnlock()

	for _, ch := range chList {
		select {
		case ch <- event:
			atomic.AddInt64(&a.messagesSent, 1)
		default:
			// Channel full, drop the event.
			atomic.AddInt64(&a.messagesDropped, 1)
			a.log.Warn().
				Str("username", username).
				Str("event_type", string(event.Type)).
				Int64("seq", event.Seq).
				Msg("dropped event due to full buffer")
		}
	}
	return nil
}

// IsConnected checks if a user has active connections.
func (a *SSEAdapter) IsConnected(username string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	channels, ok := a.clients[username]
	return ok && len(channels) > 0
}

// ConnectedCount returns the number of connected users.
func (a *SSEAdapter) ConnectedCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients)
}

// Metrics returns adapter counters.
func (a *SSEAdapter) Metrics() SSEMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	totalConnections := 0
	for _, channels := range a.clients {
		totalConnections += len(channels)
	}
	return SSEMetrics{
		ConnectedUsers:   len(a.clients),
		TotalConnections: totalConnections,
		MessagesSent:     atomic.LoadInt64(&a.messagesSent),
		MessagesDropped:  atomic.LoadInt64(&a.messagesDropped),
	}
}

// SSEMetrics holds SSE adapter counters.
type SSEMetrics struct {
	ConnectedUsers   int   `json:"connected_users"`
	TotalConnections int   `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesDropped  int64 `json:"messages_dropped"`
}

// SerializeEvent converts a RealtimeEvent to the SSE data payload.
func SerializeEvent(event *domain.RealtimeEvent) ([]byte, error) {
	payload := map[string]interface{}{
		"type":      event.Type,
		"job_id":    event.JobID,
		"data":      event.Data,
		"seq":       event.Seq,
		"timestamp": event.Timestamp.Format(time.RFC3339),
	}
	if event.SessionID != "" {
		payload["session_id"] = event.SessionID
	}
	return json.Marshal(payload)
}

var _ out.RealtimePort = (*SSEAdapter)(nil)
