package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuestionIsLowercaseHex64(t *testing.T) {
	key := Question("hello")
	assert.Len(t, key, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", key)
}

func TestQuestionDeterministic(t *testing.T) {
	assert.Equal(t, Question("hello"), Question("hello"))
	assert.NotEqual(t, Question("hello"), Question("world"))
}

func TestAnswerIsLowercaseHex64(t *testing.T) {
	key := Answer([]byte{1, 2, 3})
	assert.Len(t, key, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", key)
}
