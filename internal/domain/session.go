package domain

import (
	"context"
	"time"
)

// EventType categorizes entries in a session's event log.
type EventType string

const (
	EventTypeSystem           EventType = "system"
	EventTypeUserMessage      EventType = "user_message"
	EventTypeAssistantMessage EventType = "assistant_message"
	EventTypeToolCall         EventType = "tool_call"
	EventTypeToolResult       EventType = "tool_result"
)

// Role identifies the speaker of a message or event.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Meta carries structured key-value context attached to an event,
// e.g. which backend mode produced a reply.
type Meta map[string]any

// Session is the durable record of one client's interaction lifetime,
// identified by a caller-supplied id. EndTime, DurationSeconds and
// Summary stay nil until the session is finalized.
type Session struct {
	SessionID       string     `json:"session_id"`
	UserID          *string    `json:"user_id,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	Summary         *string    `json:"summary,omitempty"`
}

// SessionEvent is one append-only entry in a session's event log.
// Events are ordered by (Timestamp, ID); the auto-increment id breaks
// same-timestamp ties.
type SessionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"ts"`
	EventType EventType `json:"event_type"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Meta      Meta      `json:"meta,omitempty"`
}

// TranscriptEntry is a normalized view of a logged event for replay
// and summarization. Role is never empty; events stored without a
// role read back as RoleSystem.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	EventType EventType `json:"event_type"`
}

// Message is an in-memory role/content pair accumulated per connection
// and handed to the reply engine on every turn. It is never persisted
// as a unit; the event log is authoritative.
type Message struct {
	Role    Role
	Content string
}

// SessionStore is the durable, append-only event store backing the relay.
type SessionStore interface {
	// UpsertSession inserts the session if absent. On conflict it
	// updates user_id only when the new value is non-nil, so a
	// reconnect never resets start_time and never nulls an existing
	// user id.
	UpsertSession(ctx context.Context, sessionID string, userID *string) error

	// LogEvent appends one event. An empty role is stored as NULL.
	LogEvent(ctx context.Context, sessionID string, eventType EventType, role Role, content string, meta Meta) error

	// GetSession returns the session record or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetTranscript returns all events for the session ordered by
	// (ts, id) ascending, normalized for replay.
	GetTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// FinalizeSession sets end_time to the store's current time,
	// computes duration_seconds server-side from start_time, and
	// stores the summary. Last writer wins.
	FinalizeSession(ctx context.Context, sessionID string, summary string) error
}
