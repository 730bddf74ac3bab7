package reply

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosuda/chatrelay/internal/domain"
)

// MockEngine is the deterministic local backend used when no API key
// is configured. Response selection is keyword-driven on the latest
// user message; the chosen text is re-segmented into fixed-size
// fragments with an inter-fragment delay to simulate incremental
// generation. Fragmentation is purely presentational and never alters
// content.
type MockEngine struct {
	chunkSize int
	delay     time.Duration
}

var _ Engine = (*MockEngine)(nil)

func NewMockEngine(chunkSize int, delay time.Duration) *MockEngine {
	if chunkSize < 1 {
		chunkSize = 3
	}
	return &MockEngine{chunkSize: chunkSize, delay: delay}
}

func (m *MockEngine) StreamReply(ctx context.Context, history []domain.Message, _ string) (*Stream, error) {
	full := mockResponse(history)
	s := newStream(domain.Meta{"mode": "mock"})

	go func() {
		for i, frag := range chunkRunes(full, m.chunkSize) {
			if i > 0 && m.delay > 0 {
				if err := sleep(ctx, m.delay); err != nil {
					s.finish(err)
					return
				}
			}
			if err := s.emit(ctx, frag); err != nil {
				s.finish(err)
				return
			}
		}
		s.finish(nil)
	}()

	return s, nil
}

func (m *MockEngine) Summarize(_ context.Context, transcript string) (string, error) {
	var count int
	for _, ln := range strings.Split(transcript, "\n") {
		if strings.TrimSpace(ln) != "" {
			count++
		}
	}

	return strings.Join([]string{
		"- Session completed (mock mode).",
		fmt.Sprintf("- Total transcript lines: %d.", count),
		"- Key topics: realtime chat, streaming, persistence, and post-session summary.",
	}, "\n"), nil
}

// mockResponse picks the canned reply for the latest user message.
// Substring checks are case-insensitive and priority-ordered; the
// first match wins.
func mockResponse(history []domain.Message) string {
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			last = history[i].Content
			break
		}
	}

	lower := strings.ToLower(last)
	switch {
	case strings.Contains(lower, "balance"):
		return "I can help with that. Please share your user_id and I will fetch the balance."
	case strings.Contains(lower, "order") && strings.Contains(lower, "status"):
		return "Sure, share your order_id and I will fetch the latest order status."
	case strings.Contains(lower, "refund") && strings.Contains(lower, "policy"):
		return "Refunds go back to the original payment method within 5-10 business days after the return is received. Shipping fees are refunded only for faulty items."
	default:
		return "Got it. Here is a concise response based on your message: " + truncateRunes(last, 160)
	}
}

// chunkRunes splits s into fragments of at most size runes.
// Concatenating the fragments reconstructs s exactly.
func chunkRunes(s string, size int) []string {
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
