// Package reply orchestrates one request/response turn against a
// reply backend. The backend is chosen once at startup (mock when no
// OpenAI key is configured, real otherwise) and injected into the
// connection handler; modes are never mixed within a run.
package reply

import (
	"context"
	"strings"
	"sync"

	"github.com/gosuda/chatrelay/internal/config"
	"github.com/gosuda/chatrelay/internal/domain"
	"github.com/gosuda/chatrelay/internal/tools"
)

// Engine is the reply backend capability: produce a lazy fragment
// stream for one turn, and summarize a finished transcript.
type Engine interface {
	// StreamReply starts one turn over the accumulated message
	// history. The returned stream is single-pass and non-restartable.
	StreamReply(ctx context.Context, history []domain.Message, userID string) (*Stream, error)

	// Summarize produces a summary of a rendered transcript.
	Summarize(ctx context.Context, transcript string) (string, error)
}

// New selects the backend implementation from configuration.
func New(cfg config.BackendConfig, exec *tools.Executor) Engine {
	if cfg.Mock() {
		return NewMockEngine(cfg.MockChunkSize, cfg.MockStreamDelay)
	}
	return NewOpenAIEngine(cfg.OpenAIKey, cfg.Model, exec)
}

// Stream is one turn's fragment sequence. The engine owns assembly of
// the final text: every emitted fragment is accumulated internally and
// Final returns the authoritative result once the stream is drained,
// so no consumer ever needs to re-concatenate fragments.
type Stream struct {
	fragments chan string
	meta      domain.Meta
	done      chan struct{}

	mu  sync.Mutex
	buf strings.Builder
	err error
}

func newStream(meta domain.Meta) *Stream {
	return &Stream{
		fragments: make(chan string),
		meta:      meta,
		done:      make(chan struct{}),
	}
}

// Fragments yields incremental pieces of the reply in generation
// order. The channel closes when the turn is complete or failed.
func (s *Stream) Fragments() <-chan string {
	return s.fragments
}

// Final blocks until the stream is closed, then returns the assembled
// text trimmed of surrounding whitespace, and any stream-level error.
func (s *Stream) Final() (string, error) {
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.buf.String()), s.err
}

// Meta reports which mode/path produced the reply and, when tools were
// used, their names and parsed arguments. Audit only, never behavior.
func (s *Stream) Meta() domain.Meta {
	return s.meta
}

// emit delivers one fragment to the consumer and accumulates it.
func (s *Stream) emit(ctx context.Context, frag string) error {
	select {
	case s.fragments <- frag:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.buf.WriteString(frag)
	s.mu.Unlock()
	return nil
}

// finish closes the stream, recording a stream-level error if any.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if err != nil && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	close(s.fragments)
	close(s.done)
}
