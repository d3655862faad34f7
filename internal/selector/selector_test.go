package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmpty(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestNewDropsZeroWeight(t *testing.T) {
	s, err := New([]Endpoint{
		{Name: "a", Weight: 0},
		{Name: "b", Weight: 1},
	})
	require.NoError(t, err)
	assert.Len(t, s.Endpoints(), 1)
	assert.Equal(t, "b", s.Endpoints()[0].Name)
}

func TestNewAllZeroWeightFallsBackToFirstEndpoint(t *testing.T) {
	s, err := New([]Endpoint{
		{Name: "a", Weight: 0},
		{Name: "b", Weight: 0},
	})
	require.NoError(t, err)
	require.Len(t, s.Endpoints(), 1)
	assert.Equal(t, "a", s.Endpoints()[0].Name)
	assert.Equal(t, "a", s.Pick().Name)
}

func TestPickSingleEndpointAlwaysReturnsIt(t *testing.T) {
	s, err := New([]Endpoint{{Name: "only", Weight: 5}})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		assert.Equal(t, "only", s.Pick().Name)
	}
}

func TestPickRespectsWeightDistribution(t *testing.T) {
	s, err := New([]Endpoint{
		{Name: "heavy", Weight: 99},
		{Name: "light", Weight: 1},
	})
	require.NoError(t, err)

	counts := map[string]int{}

	for i := 0; i < 2000; i++ {
		counts[s.Pick().Name]++
	}

	assert.Greater(t, counts["heavy"], counts["light"])
	assert.Greater(t, counts["heavy"], 1500)
}

func TestPickOnlyReturnsKnownEndpoints(t *testing.T) {
	s, err := New([]Endpoint{
		{Name: "a", Weight: 1},
		{Name: "b", Weight: 1},
		{Name: "c", Weight: 1},
	})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		name := s.Pick().Name
		assert.Contains(t, []string{"a", "b", "c"}, name)
	}
}
