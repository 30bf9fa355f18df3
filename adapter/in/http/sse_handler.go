package http

import (
	"bufio"
	"time"

	"verifier_server/adapter/out/realtime"
	"verifier_server/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

const sseHeartbeatInterval = 30 * time.Second

// SSEHandler streams job progress events over Server-Sent Events.
type SSEHandler struct {
	hub *realtime.SSEAdapter
	log zerolog.Logger
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(hub *realtime.SSEAdapter, log zerolog.Logger) *SSEHandler {
	return &SSEHandler{
		hub: hub,
		log: log.With().Str("handler", "sse").Logger(),
	}
}

// Register registers SSE routes.
func (h *SSEHandler) Register(router fiber.Router) {
	router.Get("/events", h.Stream)
	router.Get("/events/status", h.Status)
}

// Stream handles an SSE connection. Events are best effort; a client
// that falls behind sees a gap in the seq field.
func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	username, err := GetUsername(c)
	if err != nil {
		return response.Error(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
	}

	events := h.hub.Subscribe(username)
	h.log.Info().Str("username", username).Msg("SSE client connected")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no") // disable nginx buffering

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(sseHeartbeatInterval)
		defer ticker.Stop()
		defer func() {
			h.hub.Unsubscribe(username, events)
			h.log.Info().Str("username", username).Msg("SSE client disconnected")
		}()

		w.WriteString("event: connected\n")
		w.WriteString("data: {\"status\":\"connected\"}\n\n")
		w.Flush()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}

				data, err := realtime.SerializeEvent(event)
				if err != nil {
					h.log.Error().Err(err).Msg("failed to serialize event")
					continue
				}

				w.WriteString("event: ")
				w.WriteString(string(event.Type))
				w.WriteString("\n")
				w.WriteString("data: ")
				w.Write(data)
				w.WriteString("\n\n")

				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during write")
					return
				}

			case <-ticker.C:
				w.WriteString(": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during heartbeat")
					return
				}
			}
		}
	})

	return nil
}

// Status reports the adapter's connection counters.
func (h *SSEHandler) Status(c *fiber.Ctx) error {
	username, err := GetUsername(c)
	if err != nil {
		return response.Error(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
	}

	return response.OK(c, fiber.Map{
		"connected": h.hub.IsConnected(username),
		"metrics":   h.hub.Metrics(),
	})
}
