package domain

import (
	"time"
)

// EventType names the realtime events pushed to clients.
type EventType string

const (
	EventJobProgress EventType = "job.progress"
	EventJobCounts   EventType = "job.counts"
	EventJobState    EventType = "job.state"
)

// RealtimeEvent is a fire-and-forget push event. Seq is assigned by the
// realtime adapter so clients can detect gaps.
type RealtimeEvent struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressPayload is the incremental progress body of a job.progress event.
type ProgressPayload struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// CountsPayload is the per-category delta body of a job.counts event.
type CountsPayload struct {
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
	Risky   int `json:"risky"`
	Unknown int `json:"unknown"`
}

// StatePayload is the body of a job.state event.
type StatePayload struct {
	State JobState `json:"state"`
	Phase JobPhase `json:"phase"`
	Error string   `json:"error,omitempty"`
}
