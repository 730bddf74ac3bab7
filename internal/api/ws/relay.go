// Package ws owns the live websocket surfaces: the session relay
// connection and the read-only watcher feed.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/internal/domain"
	"github.com/gosuda/chatrelay/internal/metrics"
	"github.com/gosuda/chatrelay/internal/reply"
	"github.com/gosuda/chatrelay/internal/session"
	redisstore "github.com/gosuda/chatrelay/internal/store/redis"
)

// defaultUserID is assumed when the client omits the user_id query
// parameter.
const defaultUserID = "user-1"

// PubSub abstracts the Redis pub/sub operations the relay needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Relay owns one live connection's lifecycle per ServeSession call:
// Connecting -> Active -> {Disconnected, Failed}. The connection task
// is the sole writer to its in-memory history, so no locking is needed
// within a session.
type Relay struct {
	store     domain.SessionStore
	engine    reply.Engine
	finalizer *session.Finalizer
	pubsub    PubSub
	metrics   *metrics.Metrics
}

func NewRelay(store domain.SessionStore, engine reply.Engine, finalizer *session.Finalizer, pubsub PubSub, m *metrics.Metrics) *Relay {
	return &Relay{
		store:     store,
		engine:    engine,
		finalizer: finalizer,
		pubsub:    pubsub,
		metrics:   m,
	}
}

// ServeSession handles one long-lived bidirectional session
// connection. Inbound frames are raw user messages; each one drives a
// full turn streamed back as start/token*/done frames.
func (rl *Relay) ServeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = defaultUserID
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	rl.metrics.ActiveConnections.Inc()
	defer rl.metrics.ActiveConnections.Dec()

	ctx := r.Context()
	// Disconnect/failure bookkeeping must survive transport teardown.
	logCtx := context.WithoutCancel(ctx)

	connID := uuid.NewString()
	logger := log.With().Str("session_id", sessionID).Str("connection_id", connID).Logger()

	// Entering Active: upsert the session record and log the accept.
	err = rl.store.UpsertSession(ctx, sessionID, &userID)
	if err != nil {
		rl.fail(logCtx, conn, sessionID, err)
		return
	}

	err = rl.logEvent(ctx, sessionID, domain.EventTypeSystem, domain.RoleSystem,
		fmt.Sprintf("WebSocket connected for user_id=%s", userID),
		domain.Meta{"connection_id": connID})
	if err != nil {
		rl.fail(logCtx, conn, sessionID, err)
		return
	}

	logger.Info().Str("user_id", userID).Msg("session connected")

	var history []domain.Message

	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			if isCleanClose(readErr) {
				rl.disconnect(logCtx, sessionID)
				logger.Info().Msg("session disconnected")
				return
			}
			rl.fail(logCtx, conn, sessionID, readErr)
			logger.Warn().Err(readErr).Msg("session failed")
			return
		}

		history, err = rl.turn(ctx, conn, sessionID, userID, string(data), history)
		if err != nil {
			rl.fail(logCtx, conn, sessionID, err)
			logger.Warn().Err(err).Msg("session failed")
			return
		}
	}
}

// turn runs one user-input -> assistant-output cycle. Events are
// logged and frames forwarded strictly in the order they occur: the
// user message is logged before the engine is invoked, the assistant
// message after the stream is fully drained.
func (rl *Relay) turn(ctx context.Context, conn *websocket.Conn, sessionID, userID, userText string, history []domain.Message) ([]domain.Message, error) {
	err := rl.logEvent(ctx, sessionID, domain.EventTypeUserMessage, domain.RoleUser, userText, nil)
	if err != nil {
		return history, err
	}
	history = append(history, domain.Message{Role: domain.RoleUser, Content: userText})

	err = wsjson.Write(ctx, conn, startFrame{Type: "start", Role: "assistant"})
	if err != nil {
		return history, fmt.Errorf("ws.Relay.turn: write start: %w", err)
	}

	stream, err := rl.engine.StreamReply(ctx, history, userID)
	if err != nil {
		return history, fmt.Errorf("ws.Relay.turn: stream reply: %w", err)
	}

	for frag := range stream.Fragments() {
		err = wsjson.Write(ctx, conn, tokenFrame{Type: "token", Token: frag})
		if err != nil {
			return history, fmt.Errorf("ws.Relay.turn: write token: %w", err)
		}
		rl.metrics.FragmentsTotal.Inc()
	}

	// The engine owns assembly; Final returns the authoritative text
	// once the stream is drained.
	assistantText, err := stream.Final()
	if err != nil {
		return history, fmt.Errorf("ws.Relay.turn: drain stream: %w", err)
	}

	err = rl.logEvent(ctx, sessionID, domain.EventTypeAssistantMessage, domain.RoleAssistant, assistantText, stream.Meta())
	if err != nil {
		return history, err
	}
	history = append(history, domain.Message{Role: domain.RoleAssistant, Content: assistantText})

	err = wsjson.Write(ctx, conn, doneFrame{Type: "done", Text: assistantText})
	if err != nil {
		return history, fmt.Errorf("ws.Relay.turn: write done: %w", err)
	}

	rl.metrics.TurnsTotal.Inc()
	return history, nil
}

// disconnect handles a clean close: log it and fire finalization.
func (rl *Relay) disconnect(ctx context.Context, sessionID string) {
	err := rl.logEvent(ctx, sessionID, domain.EventTypeSystem, domain.RoleSystem, "WebSocket disconnected", nil)
	if err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("could not log disconnect")
	}
	rl.finalizer.Schedule(sessionID)
}

// fail handles any unexpected error: log the error class and message,
// attempt a best-effort abnormal close, and fire finalization. The
// client sees only the close code, never a structured error payload.
func (rl *Relay) fail(ctx context.Context, conn *websocket.Conn, sessionID string, cause error) {
	err := rl.logEvent(ctx, sessionID, domain.EventTypeSystem, domain.RoleSystem,
		fmt.Sprintf("Server error: %T: %v", cause, cause), nil)
	if err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("could not log server error")
	}

	_ = conn.Close(websocket.StatusInternalError, "internal error")

	rl.finalizer.Schedule(sessionID)
}

// logEvent appends to the durable event log, counts it, and fans it
// out to watchers. The watcher publish is best-effort.
func (rl *Relay) logEvent(ctx context.Context, sessionID string, eventType domain.EventType, role domain.Role, content string, meta domain.Meta) error {
	err := rl.store.LogEvent(ctx, sessionID, eventType, role, content, meta)
	if err != nil {
		return fmt.Errorf("ws.Relay.logEvent: %w", err)
	}
	rl.metrics.EventsLoggedTotal.WithLabelValues(string(eventType)).Inc()

	payload, err := json.Marshal(watchEvent{
		EventType: eventType,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("ws.Relay.logEvent: marshal watch event: %w", err)
	}

	err = rl.pubsub.Publish(ctx, redisstore.SessionChannel(sessionID), payload)
	if err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("watch publish failed")
	}

	return nil
}

// ServeWatch handles read-only observer connections. Subscribes to the
// session's Redis channel and forwards published event JSON.
func (rl *Relay) ServeWatch(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	messages, cleanup, err := rl.pubsub.Subscribe(ctx, redisstore.SessionChannel(sessionID))
	if err != nil {
		log.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}

// isCleanClose reports whether the read error represents the client
// closing the connection normally.
func isCleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
