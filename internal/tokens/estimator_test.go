package tokens

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateEmpty(t *testing.T) {
	e := New()
	assert.Equal(t, 0, e.Estimate(""))
}

func TestEstimateShortWord(t *testing.T) {
	e := New()
	// "hi" is <=3 chars -> 1 token + overhead 3.
	assert.Equal(t, 4, e.Estimate("hi"))
}

func TestEstimateLongWord(t *testing.T) {
	e := New()
	// "hello" len 5 -> ceil(5*0.75)=4, + overhead 3 = 7.
	assert.Equal(t, 7, e.Estimate("hello"))
}

func TestEstimatePunctuationPerChar(t *testing.T) {
	e := New()
	// three punctuation chars -> 3 tokens + overhead.
	assert.Equal(t, 6, e.Estimate("!!!"))
}

func TestEstimateCJK(t *testing.T) {
	e := New()
	// two CJK chars -> 2*2=4 + overhead 3 = 7.
	assert.Equal(t, 7, e.Estimate("你好"))
}

func TestEstimateMemoized(t *testing.T) {
	e := New()
	s := "repeated content"

	first := e.Estimate(s)
	second := e.Estimate(s)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, e.Len())
}

func TestEstimateMemoCap(t *testing.T) {
	e := New()

	for i := 0; i < maxMemoEntries+10; i++ {
		e.Estimate(fmt.Sprintf("unique-content-%d", i))
	}

	assert.LessOrEqual(t, e.Len(), maxMemoEntries)
}

func TestClear(t *testing.T) {
	e := New()
	e.Estimate("hello")
	assert.Equal(t, 1, e.Len())

	e.Clear()
	assert.Equal(t, 0, e.Len())
}

func TestEstimateAll(t *testing.T) {
	e := New()
	total := e.EstimateAll([]string{"hi", "hi"})
	assert.Equal(t, 8, total)
}
