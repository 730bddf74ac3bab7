package ws_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/chatrelay/internal/api/ws"
	"github.com/gosuda/chatrelay/internal/domain"
	"github.com/gosuda/chatrelay/internal/metrics"
	"github.com/gosuda/chatrelay/internal/reply"
	"github.com/gosuda/chatrelay/internal/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type loggedEvent struct {
	eventType domain.EventType
	role      domain.Role
	content   string
	meta      domain.Meta
}

type fakeStore struct {
	mu        sync.Mutex
	failOn    map[domain.EventType]error
	events    []loggedEvent
	upserts   []string
	summaries []string
}

var _ domain.SessionStore = (*fakeStore)(nil)

func (s *fakeStore) UpsertSession(_ context.Context, sessionID string, _ *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, sessionID)
	return nil
}

func (s *fakeStore) LogEvent(_ context.Context, _ string, eventType domain.EventType, role domain.Role, content string, meta domain.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[eventType]; err != nil {
		return err
	}
	s.events = append(s.events, loggedEvent{eventType: eventType, role: role, content: content, meta: meta})
	return nil
}

func (s *fakeStore) GetSession(_ context.Context, _ string) (*domain.Session, error) {
	return nil, domain.ErrNotFound
}

func (s *fakeStore) GetTranscript(_ context.Context, _ string) ([]domain.TranscriptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]domain.TranscriptEntry, 0, len(s.events))
	for _, e := range s.events {
		entries = append(entries, domain.TranscriptEntry{Role: e.role, Content: e.content, EventType: e.eventType})
	}
	return entries, nil
}

func (s *fakeStore) FinalizeSession(_ context.Context, _ string, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *fakeStore) loggedEvents() []loggedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]loggedEvent(nil), s.events...)
}

func (s *fakeStore) summaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.summaries)
}

type fakePubSub struct {
	mu        sync.Mutex
	published [][]byte
	feed      chan []byte
}

var _ ws.PubSub = (*fakePubSub)(nil)

func (p *fakePubSub) Publish(_ context.Context, _ string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, payload)
	return nil
}

func (p *fakePubSub) Subscribe(_ context.Context, _ string) (<-chan []byte, func(), error) {
	return p.feed, func() {}, nil
}

func (p *fakePubSub) publishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	store     *fakeStore
	pubsub    *fakePubSub
	finalizer *session.Finalizer
	server    *httptest.Server
}

func newHarness(t *testing.T, store *fakeStore) *harness {
	t.Helper()

	engine := reply.NewMockEngine(3, 0)
	m := metrics.New(prometheus.NewRegistry())
	finalizer := session.NewFinalizer(store, engine, m)
	pubsub := &fakePubSub{feed: make(chan []byte, 16)}

	relay := ws.NewRelay(store, engine, finalizer, pubsub, m)

	router := chi.NewRouter()
	router.Get("/ws/session/{sessionID}", relay.ServeSession)
	router.Get("/ws/watch/{sessionID}", relay.ServeWatch)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &harness{store: store, pubsub: pubsub, finalizer: finalizer, server: srv}
}

func (h *harness) dial(t *testing.T, ctx context.Context, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

// readTurn reads frames until a done frame arrives.
func readTurn(t *testing.T, ctx context.Context, conn *websocket.Conn) []map[string]any {
	t.Helper()

	var frames []map[string]any
	for {
		var frame map[string]any
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		frames = append(frames, frame)
		if frame["type"] == "done" {
			return frames
		}
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestServeSession_TurnFrameOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(t, &fakeStore{})
	conn := h.dial(t, ctx, "/ws/session/sess-1?user_id=alice")
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hello there")))

	frames := readTurn(t, ctx, conn)
	require.GreaterOrEqual(t, len(frames), 3)

	assert.Equal(t, "start", frames[0]["type"])
	assert.Equal(t, "assistant", frames[0]["role"])

	var tokens strings.Builder
	doneCount := 0
	for _, f := range frames[1 : len(frames)-1] {
		require.Equal(t, "token", f["type"])
		tokens.WriteString(f["token"].(string))
	}
	for _, f := range frames {
		if f["type"] == "done" {
			doneCount++
		}
	}

	done := frames[len(frames)-1]
	assert.Equal(t, 1, doneCount, "exactly one done per start")
	assert.Equal(t, strings.TrimSpace(tokens.String()), done["text"],
		"done text matches the concatenated token stream")
}

func TestServeSession_LogsEventsInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := &fakeStore{}
	h := newHarness(t, store)
	conn := h.dial(t, ctx, "/ws/session/sess-1?user_id=alice")
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("what is my balance?")))
	frames := readTurn(t, ctx, conn)
	finalText := frames[len(frames)-1]["text"].(string)

	events := store.loggedEvents()
	require.Len(t, events, 3)

	assert.Equal(t, domain.EventTypeSystem, events[0].eventType)
	assert.Contains(t, events[0].content, "user_id=alice")

	assert.Equal(t, domain.EventTypeUserMessage, events[1].eventType)
	assert.Equal(t, domain.RoleUser, events[1].role)
	assert.Equal(t, "what is my balance?", events[1].content)

	assert.Equal(t, domain.EventTypeAssistantMessage, events[2].eventType)
	assert.Equal(t, domain.RoleAssistant, events[2].role)
	assert.Equal(t, finalText, events[2].content)
	assert.Equal(t, "mock", events[2].meta["mode"])
}

func TestServeSession_MultipleTurnsAccumulateHistory(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := &fakeStore{}
	h := newHarness(t, store)
	conn := h.dial(t, ctx, "/ws/session/sess-1")
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("first message")))
	readTurn(t, ctx, conn)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("order status please")))
	frames := readTurn(t, ctx, conn)

	// Routing keys on the latest user message, not the first.
	assert.Contains(t, frames[len(frames)-1]["text"], "order status")

	var userEvents int
	for _, e := range store.loggedEvents() {
		if e.eventType == domain.EventTypeUserMessage {
			userEvents++
		}
	}
	assert.Equal(t, 2, userEvents)
}

func TestServeSession_CleanCloseFinalizesOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := &fakeStore{}
	h := newHarness(t, store)
	conn := h.dial(t, ctx, "/ws/session/sess-1")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hi")))
	readTurn(t, ctx, conn)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return store.summaryCount() == 1
	}, 5*time.Second, 10*time.Millisecond, "disconnect schedules exactly one finalizer run")
	h.finalizer.Wait()

	var disconnects, finalized int
	for _, e := range store.loggedEvents() {
		if strings.Contains(e.content, "WebSocket disconnected") {
			disconnects++
		}
		if strings.Contains(e.content, "finalized with summary") {
			finalized++
		}
	}
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, finalized)
	assert.Equal(t, 1, store.summaryCount())
}

func TestServeSession_StorageErrorFailsConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := &fakeStore{failOn: map[domain.EventType]error{
		domain.EventTypeUserMessage: assert.AnError,
	}}
	h := newHarness(t, store)
	conn := h.dial(t, ctx, "/ws/session/sess-1")
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hi")))

	// The server closes abnormally without a structured error payload.
	var frame map[string]any
	err := wsjson.Read(ctx, conn, &frame)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))

	// Failure still triggers finalization.
	require.Eventually(t, func() bool {
		return store.summaryCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A system event describing the error class was attempted; it is
	// recorded because only user_message logging fails.
	h.finalizer.Wait()
	var serverErrors int
	for _, e := range store.loggedEvents() {
		if strings.Contains(e.content, "Server error:") {
			serverErrors++
		}
	}
	assert.Equal(t, 1, serverErrors)
}

func TestServeSession_PublishesEventsForWatchers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(t, &fakeStore{})
	conn := h.dial(t, ctx, "/ws/session/sess-1")
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hi")))
	readTurn(t, ctx, conn)

	// connect + user_message + assistant_message
	assert.GreaterOrEqual(t, h.pubsub.publishedCount(), 3)
}

func TestServeWatch_ForwardsPublishedEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(t, &fakeStore{})
	conn := h.dial(t, ctx, "/ws/watch/sess-1")
	defer conn.CloseNow()

	h.pubsub.feed <- []byte(`{"event_type":"user_message","role":"user","content":"hi"}`)

	var got map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "user_message", got["event_type"])
	assert.Equal(t, "hi", got["content"])
}
