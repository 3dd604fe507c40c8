package gallery

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var query = []float64{1, 0}

// at returns a unit template whose cosine similarity with query is s.
func at(s float64) []float64 {
	return []float64{s, math.Sqrt(1 - s*s)}
}

func TestMatchPicksBestTemplateAcrossIdentities(t *testing.T) {
	identities := []Identity{
		{ID: "alice", Profile: Profile{Name: "Alice"}, Templates: [][]float64{at(0.55)}},
		{ID: "bob", Profile: Profile{Name: "Bob"}, Templates: [][]float64{at(0.7), at(0.9)}},
	}

	res := NewMatcher(DefaultThreshold).Match(query, identities)
	require.True(t, res.Matched())
	assert.Equal(t, "bob", res.Identity.ID)
	assert.Equal(t, "Bob", res.Identity.Profile.Name)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Zero(t, res.SkippedTemplates)
	assert.Equal(t, 2, res.Scanned)
}

func TestMatchBelowThreshold(t *testing.T) {
	identities := []Identity{{ID: "alice", Templates: [][]float64{at(0.59)}}}

	res := NewMatcher(DefaultThreshold).Match(query, identities)
	assert.False(t, res.Matched())
	assert.Zero(t, res.Confidence)
}

func TestMatchThresholdIsExclusive(t *testing.T) {
	// cos((1,0),(3,4)) is exactly 0.6
	identities := []Identity{{ID: "alice", Templates: [][]float64{{3, 4}}}}

	res := NewMatcher(0.6).Match(query, identities)
	assert.False(t, res.Matched())
}

func TestMatchToleratesLowScoringTemplates(t *testing.T) {
	identities := []Identity{
		{ID: "carol", Templates: [][]float64{at(0.1), at(-0.4), at(0.95), at(0.2)}},
		{ID: "dave", Templates: [][]float64{at(0.9)}},
	}

	res := NewMatcher(DefaultThreshold).Match(query, identities)
	require.True(t, res.Matched())
	assert.Equal(t, "carol", res.Identity.ID)
	assert.InDelta(t, 0.95, res.Confidence, 1e-9)
}

func TestMatchSkipsIdentitiesWithoutTemplates(t *testing.T) {
	identities := []Identity{
		{ID: "empty"},
		{ID: "also-empty", Templates: [][]float64{}},
	}

	res := NewMatcher(-1).Match(query, identities)
	assert.False(t, res.Matched())
	assert.Zero(t, res.Scanned)
}

func TestMatchSkipsMalformedTemplatesAndCountsThem(t *testing.T) {
	identities := []Identity{
		{ID: "broken", Templates: [][]float64{{1, 0, 0}, {0, 0}}, Malformed: 2},
		{ID: "erin", Templates: [][]float64{{0.2}, at(0.8)}},
	}

	res := NewMatcher(DefaultThreshold).Match(query, identities)
	require.True(t, res.Matched())
	assert.Equal(t, "erin", res.Identity.ID)
	assert.Equal(t, 5, res.SkippedTemplates)
	assert.Equal(t, map[string]int{"broken": 4, "erin": 1}, res.SkippedByIdentity)
}

func TestMatchSkippedByIdentityNilWhenClean(t *testing.T) {
	res := NewMatcher(DefaultThreshold).Match(query, []Identity{{ID: "erin", Templates: [][]float64{at(0.8)}}})
	assert.Zero(t, res.SkippedTemplates)
	assert.Nil(t, res.SkippedByIdentity)
}

func TestMatchAcceptsNonUnitTemplates(t *testing.T) {
	identities := []Identity{{ID: "frank", Templates: [][]float64{{10, 1}}}}

	res := NewMatcher(DefaultThreshold).Match([]float64{5, 0}, identities)
	require.True(t, res.Matched())
	assert.Greater(t, res.Confidence, 0.99)
}

func TestMatchHighestAboveThresholdWins(t *testing.T) {
	identities := []Identity{
		{ID: "a", Templates: [][]float64{at(0.65)}},
		{ID: "b", Templates: [][]float64{at(0.8)}},
		{ID: "c", Templates: [][]float64{at(0.75)}},
	}

	res := NewMatcher(DefaultThreshold).Match(query, identities)
	require.True(t, res.Matched())
	assert.Equal(t, "b", res.Identity.ID)
}

func TestMatchEmptyGallery(t *testing.T) {
	res := NewMatcher(DefaultThreshold).Match(query, nil)
	assert.False(t, res.Matched())
}
