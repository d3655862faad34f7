// Package trim implements the two context-trimming strategies: a simple
// pair-preserving drop mode, and a summarization-based smart mode.
package trim

import (
	"strings"

	"github.com/looplj/cacheproxy/internal/tokens"
	"github.com/looplj/cacheproxy/internal/upstream"
)

// pair is a user message index paired with its immediately-following
// assistant reply index.
type pair struct {
	user, assistant int
}

func findPairs(messages []upstream.Message) []pair {
	var pairs []pair

	n := len(messages)

	i := 0
	for i < n {
		if !strings.EqualFold(messages[i].Role, "user") {
			i++
			continue
		}

		j := i + 1
		for j < n && !strings.EqualFold(messages[j].Role, "assistant") {
			j++
		}

		if j < n {
			pairs = append(pairs, pair{user: i, assistant: j})
		}

		i = j + 1
	}

	return pairs
}

func isPromptOrSystem(role string) bool {
	return strings.EqualFold(role, "system") || strings.EqualFold(role, "prompt")
}

// Default drops messages to fit max_tokens, preserving the last message, all
// system/prompt messages, and as many recent user/assistant pairs as the
// budget allows (always keeping the first pair). If fewer than two messages
// survive, the last two original messages are returned instead.
func Default(messages []upstream.Message, maxTokens int, est *tokens.Estimator) []upstream.Message {
	n := len(messages)
	if n == 0 {
		return nil
	}

	total := 0
	for _, m := range messages {
		total += est.Estimate(m.Content)
	}

	if total <= maxTokens {
		return messages
	}

	if n <= 2 {
		return messages
	}

	keep := make([]bool, n)
	keep[n-1] = true

	for i, m := range messages {
		if isPromptOrSystem(m.Role) {
			keep[i] = true
		}
	}

	pairs := findPairs(messages)
	if len(pairs) > 0 {
		keep[pairs[0].user] = true
		keep[pairs[0].assistant] = true
	}

	tokenCache := make([]int, n)
	for i, m := range messages {
		tokenCache[i] = est.Estimate(m.Content)
	}

	current := 0
	for i := range messages {
		if keep[i] {
			current += tokenCache[i]
		}
	}

	for idx := n - 1; idx >= 0; {
		if keep[idx] {
			idx--
			continue
		}

		role := messages[idx].Role

		switch {
		case strings.EqualFold(role, "assistant"):
			if idx >= 1 && strings.EqualFold(messages[idx-1].Role, "user") {
				cost := tokenCache[idx] + tokenCache[idx-1]
				if current+cost <= maxTokens {
					keep[idx] = true
					keep[idx-1] = true
					current += cost
				}

				idx -= 2

				continue
			}

			if current+tokenCache[idx] <= maxTokens {
				keep[idx] = true
				current += tokenCache[idx]
			}

			idx--
		case strings.EqualFold(role, "user"):
			if idx+1 < n && strings.EqualFold(messages[idx+1].Role, "assistant") {
				cost := tokenCache[idx] + tokenCache[idx+1]
				if current+cost <= maxTokens {
					keep[idx] = true
					keep[idx+1] = true
					current += cost
				}
			} else if current+tokenCache[idx] <= maxTokens {
				keep[idx] = true
				current += tokenCache[idx]
			}

			idx--
		default:
			if current+tokenCache[idx] <= maxTokens {
				keep[idx] = true
				current += tokenCache[idx]
			}

			idx--
		}
	}

	result := make([]upstream.Message, 0, n)

	for i, k := range keep {
		if k {
			result = append(result, messages[i])
		}
	}

	if len(result) < 2 {
		start := 0
		if n >= 2 {
			start = n - 2
		}

		return messages[start:]
	}

	return result
}
