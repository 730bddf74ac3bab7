// Package session holds the post-session processing that runs
// detached from any live connection.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatrelay/internal/domain"
	"github.com/gosuda/chatrelay/internal/metrics"
	"github.com/gosuda/chatrelay/internal/reply"
)

// summarizable are the event types rendered into the transcript blob.
var summarizable = map[domain.EventType]bool{
	domain.EventTypeUserMessage:      true,
	domain.EventTypeAssistantMessage: true,
	domain.EventTypeToolCall:         true,
	domain.EventTypeToolResult:       true,
	domain.EventTypeSystem:           true,
}

// Finalizer summarizes and closes out sessions after disconnect. Runs
// are single-flight per session: while one run is in flight, further
// Schedule calls set a pending bit and exactly one follow-up run
// starts when the current one finishes, so rapid reconnect cycles can
// never produce overlapping runs racing to write conflicting
// summaries.
type Finalizer struct {
	store   domain.SessionStore
	engine  reply.Engine
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]bool

	wg sync.WaitGroup
}

func NewFinalizer(store domain.SessionStore, engine reply.Engine, m *metrics.Metrics) *Finalizer {
	return &Finalizer{
		store:    store,
		engine:   engine,
		metrics:  m,
		inflight: make(map[string]bool),
		pending:  make(map[string]bool),
	}
}

// Schedule fires finalization for a session in the background and
// returns immediately. The caller never observes its outcome.
func (f *Finalizer) Schedule(sessionID string) {
	f.mu.Lock()
	if f.inflight[sessionID] {
		f.pending[sessionID] = true
		f.mu.Unlock()
		return
	}
	f.inflight[sessionID] = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.loop(sessionID)
}

// Wait blocks until all in-flight finalizer runs have completed.
func (f *Finalizer) Wait() {
	f.wg.Wait()
}

func (f *Finalizer) loop(sessionID string) {
	defer f.wg.Done()

	for {
		f.runOnce(sessionID)

		f.mu.Lock()
		if f.pending[sessionID] {
			delete(f.pending, sessionID)
			f.mu.Unlock()
			continue
		}
		delete(f.inflight, sessionID)
		f.mu.Unlock()
		return
	}
}

// runOnce executes one finalization attempt. Nothing may escape this
// boundary: failures are reduced to a best-effort system log event.
func (f *Finalizer) runOnce(sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session_id", sessionID).Any("panic", r).Msg("finalizer panicked")
			f.metrics.FinalizerRunsTotal.WithLabelValues("panic").Inc()
		}
	}()

	// Detached from the connection's lifetime on purpose.
	ctx := context.Background()

	err := f.finalize(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("post-session processing failed")
		f.metrics.FinalizerRunsTotal.WithLabelValues("error").Inc()

		logErr := f.store.LogEvent(ctx, sessionID, domain.EventTypeSystem, domain.RoleSystem,
			fmt.Sprintf("Post-session processing failed: %v", err), nil)
		if logErr != nil {
			log.Debug().Err(logErr).Str("session_id", sessionID).Msg("could not log finalizer failure")
		}
		return
	}

	f.metrics.FinalizerRunsTotal.WithLabelValues("ok").Inc()
}

func (f *Finalizer) finalize(ctx context.Context, sessionID string) error {
	entries, err := f.store.GetTranscript(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session.Finalizer: get transcript: %w", err)
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if !summarizable[e.EventType] {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", e.Role, e.Content))
	}
	transcript := strings.Join(lines, "\n")

	summary, err := f.engine.Summarize(ctx, transcript)
	if err != nil {
		return fmt.Errorf("session.Finalizer: summarize: %w", err)
	}

	err = f.store.FinalizeSession(ctx, sessionID, summary)
	if err != nil {
		return fmt.Errorf("session.Finalizer: finalize session: %w", err)
	}

	err = f.store.LogEvent(ctx, sessionID, domain.EventTypeSystem, domain.RoleSystem,
		"Session finalized with summary.", nil)
	if err != nil {
		return fmt.Errorf("session.Finalizer: log completion: %w", err)
	}

	return nil
}
