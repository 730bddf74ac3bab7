package reply

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/chatrelay/internal/config"
	"github.com/gosuda/chatrelay/internal/domain"
	"github.com/gosuda/chatrelay/internal/tools"
)

func TestNew_SelectsBackendOnce(t *testing.T) {
	t.Parallel()

	exec := tools.NewExecutor(0)

	mock := New(config.BackendConfig{MockChunkSize: 3}, exec)
	assert.IsType(t, (*MockEngine)(nil), mock)

	real := New(config.BackendConfig{OpenAIKey: "sk-test", Model: "gpt-4o-mini"}, exec)
	assert.IsType(t, (*OpenAIEngine)(nil), real)
}

func TestStream_FinalIsAuthoritative(t *testing.T) {
	t.Parallel()

	s := newStream(domain.Meta{"mode": "test"})

	go func() {
		ctx := context.Background()
		_ = s.emit(ctx, "  hel")
		_ = s.emit(ctx, "lo ")
		s.finish(nil)
	}()

	var got string
	for frag := range s.Fragments() {
		got += frag
	}

	final, err := s.Final()
	require.NoError(t, err)
	assert.Equal(t, "  hello ", got)
	assert.Equal(t, "hello", final, "Final trims surrounding whitespace")
}

func TestStream_FinalBlocksUntilClosed(t *testing.T) {
	t.Parallel()

	s := newStream(nil)

	done := make(chan struct{})
	go func() {
		_, _ = s.Final()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Final returned before the stream was closed")
	case <-time.After(20 * time.Millisecond):
	}

	go func() {
		_ = s.emit(context.Background(), "x")
		s.finish(nil)
	}()
	for range s.Fragments() {
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Final did not return after close")
	}
}

func TestStream_FinishWithError(t *testing.T) {
	t.Parallel()

	s := newStream(nil)
	s.finish(context.DeadlineExceeded)

	for range s.Fragments() {
	}

	final, err := s.Final()
	assert.Empty(t, final)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
