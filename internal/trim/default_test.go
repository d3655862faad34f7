package trim

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/looplj/cacheproxy/internal/tokens"
	"github.com/looplj/cacheproxy/internal/upstream"
)

func TestDefaultUnderBudgetReturnsUnchanged(t *testing.T) {
	est := tokens.New()
	msgs := []upstream.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}

	out := Default(msgs, 1000, est)
	assert.Equal(t, msgs, out)
}

func TestDefaultShortHistoryReturnsUnchanged(t *testing.T) {
	est := tokens.New()
	msgs := []upstream.Message{
		{Role: "user", Content: strings.Repeat("x", 10000)},
	}

	out := Default(msgs, 1, est)
	assert.Equal(t, msgs, out)
}

func TestDefaultKeepsSystemAndLastAndFirstPair(t *testing.T) {
	est := tokens.New()
	long := strings.Repeat("word ", 200)
	msgs := []upstream.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: long},
		{Role: "assistant", Content: long},
		{Role: "user", Content: long},
		{Role: "assistant", Content: long},
		{Role: "user", Content: "final"},
	}

	out := Default(msgs, 50, est)

	assert.GreaterOrEqual(t, len(out), 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "final", out[len(out)-1].Content)
}

func TestDefaultFallsBackToLastTwoWhenResultTooSmall(t *testing.T) {
	est := tokens.New()
	huge := strings.Repeat("word ", 5000)
	// No user->assistant pair exists, so only the last message is kept
	// before the fallback kicks in.
	msgs := []upstream.Message{
		{Role: "user", Content: huge},
		{Role: "user", Content: huge},
		{Role: "user", Content: huge},
		{Role: "user", Content: huge},
	}

	out := Default(msgs, 1, est)
	assert.Len(t, out, 2)
	assert.Equal(t, msgs[2], out[0])
	assert.Equal(t, msgs[3], out[1])
}
