// Package tokens implements the heuristic token estimator used to budget
// conversation context before forwarding a request upstream.
package tokens

import (
	"math"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/width"
)

const (
	maxMemoEntries     = 10_000
	perMessageOverhead = 3
)

// cjkRange is an inclusive code point range charged at 2 tokens.
type cjkRange struct {
	lo, hi rune
}

var cjkRanges = []cjkRange{
	{0x4E00, 0x9FFF},
	{0x3400, 0x4DBF},
	{0x20000, 0x2A6DF},
	{0x3040, 0x309F},
	{0x30A0, 0x30FF},
	{0xAC00, 0xD7AF},
}

func isCJK(r rune) bool {
	for _, rg := range cjkRanges {
		if r >= rg.lo && r <= rg.hi {
			return true
		}
	}

	return false
}

func isASCIIAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// isWide reports whether r renders at double cell width (East Asian Wide or
// Fullwidth), the same runes that tend to cost more than one token.
func isWide(r rune) bool {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return true
	default:
		return false
	}
}

// Estimator estimates tokens per string with a bounded, process-wide
// memoization table keyed by the exact input string.
type Estimator struct {
	mu    sync.Mutex
	memo  map[string]int
}

// New returns a ready-to-use Estimator.
func New() *Estimator {
	return &Estimator{memo: make(map[string]int)}
}

// Estimate returns the heuristic token count for s, consulting and
// populating the memoization table.
func (e *Estimator) Estimate(s string) int {
	if s == "" {
		return 0
	}

	e.mu.Lock()
	if v, ok := e.memo[s]; ok {
		e.mu.Unlock()
		return v
	}
	e.mu.Unlock()

	v := computeTokens(s)

	e.mu.Lock()
	if len(e.memo) < maxMemoEntries {
		e.memo[s] = v
	}
	e.mu.Unlock()

	return v
}

// Clear empties the memoization table.
func (e *Estimator) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memo = make(map[string]int)
}

// Len reports the current memoization table size (test observability).
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.memo)
}

func computeTokens(s string) int {
	var (
		sum     int
		wordLen int
	)

	flushWord := func() {
		if wordLen == 0 {
			return
		}

		if wordLen <= 3 {
			sum++
		} else {
			sum += int(math.Ceil(float64(wordLen) * 0.75))
		}

		wordLen = 0
	}

	for _, r := range s {
		switch {
		case r < utf8.RuneSelf && isASCIIAlnum(r):
			wordLen++
		case r < utf8.RuneSelf:
			flushWord()
			sum++
		case isCJK(r):
			flushWord()
			sum += 2
		default:
			flushWord()

			switch {
			case isWide(r):
				sum += 3
			case utf8.RuneLen(r) > 2:
				sum += 3
			default:
				sum += 2
			}
		}
	}

	flushWord()

	if sum == 0 {
		sum = 1
	}

	return sum + perMessageOverhead
}

// EstimateAll sums Estimate over every content string, used by the context
// trimmer to compute a conversation's total token budget.
func (e *Estimator) EstimateAll(contents []string) int {
	total := 0
	for _, c := range contents {
		total += e.Estimate(c)
	}

	return total
}
