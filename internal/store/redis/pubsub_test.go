package redis_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	redisstore "github.com/gosuda/chatrelay/internal/store/redis"
)

func TestSessionChannel(t *testing.T) {
	t.Parallel()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		got := redisstore.SessionChannel("abc-123")
		assert.Equal(t, "session:abc-123", got)
	})

	t.Run("prefix", func(t *testing.T) {
		t.Parallel()

		got := redisstore.SessionChannel("demo")
		assert.True(t, strings.HasPrefix(got, "session:"), "expected prefix 'session:', got %q", got)
	})

	t.Run("empty session id", func(t *testing.T) {
		t.Parallel()

		got := redisstore.SessionChannel("")
		assert.Equal(t, "session:", got)
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, redisstore.SessionChannel("s1"), redisstore.SessionChannel("s1"))
	})
}
