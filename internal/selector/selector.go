// Package selector picks an upstream endpoint by weighted random choice,
// the same style of selection as a channel's API-key picker: cumulative
// weight bands over a single random draw.
package selector

import (
	"fmt"
	"math/rand/v2"
)

// Endpoint is one upstream target: a base URL, an API key, a cache-version
// stamp for answers it produces, and a selection weight.
type Endpoint struct {
	Name    string
	BaseURL string
	APIKey  string
	Version int
	Weight  int
}

// Selector draws endpoints from a fixed weighted population.
type Selector struct {
	endpoints []Endpoint
	total     int
}

// New returns a Selector over endpoints. Endpoints with Weight <= 0 are
// dropped; if that filter leaves nothing, the
// first endpoint passed in is kept unchanged rather than erroring, so an
// all-zero-weight config still has somewhere to dispatch to. Only a
// genuinely empty endpoints slice is an error.
func New(endpoints []Endpoint) (*Selector, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("selector: no endpoints configured")
	}

	s := &Selector{}

	for _, e := range endpoints {
		if e.Weight <= 0 {
			continue
		}

		s.endpoints = append(s.endpoints, e)
		s.total += e.Weight
	}

	if len(s.endpoints) == 0 {
		s.endpoints = []Endpoint{endpoints[0]}
		s.total = 0
	}

	return s, nil
}

// Pick draws one endpoint, probability proportional to its weight.
//
//nolint:gosec // not a security-sensitive selection, just load distribution.
func (s *Selector) Pick() Endpoint {
	if len(s.endpoints) == 1 {
		return s.endpoints[0]
	}

	draw := rand.IntN(s.total)

	cumulative := 0

	for _, e := range s.endpoints {
		cumulative += e.Weight
		if draw < cumulative {
			return e
		}
	}

	// Unreachable given total is the exact sum of weights, but guards
	// against floating drift if that ever changes.
	return s.endpoints[len(s.endpoints)-1]
}

// Endpoints returns the (weight-filtered) population, for diagnostics.
func (s *Selector) Endpoints() []Endpoint {
	out := make([]Endpoint, len(s.endpoints))
	copy(out, s.endpoints)

	return out
}
