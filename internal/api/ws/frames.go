package ws

import (
	"time"

	"github.com/gosuda/chatrelay/internal/domain"
)

// Outbound frames on a session connection. Per turn the client sees
// start, zero or more token frames, then exactly one done frame.

type startFrame struct {
	Type string `json:"type"`
	Role string `json:"role"`
}

type tokenFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type doneFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// watchEvent is the payload published per logged event for read-only
// watcher connections.
type watchEvent struct {
	EventType domain.EventType `json:"event_type"`
	Role      domain.Role      `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"ts"`
}
