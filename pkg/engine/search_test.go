package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch_EmptyQuery(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	results, err := e.Search(context.Background(), "  ", SearchOptions{K: 5, Hybrid: true})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_HybridFindsAddedMemory(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	mem := addOne(t, e, "Team prefers strict TypeScript mode", "standards.md", "")
	addOne(t, e, "Lunch orders arrive at noon", "office.md", "")

	results, err := e.Search(context.Background(), "TypeScript config", SearchOptions{K: 3, Hybrid: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	found := false
	for _, r := range results {
		if r.Memory.ID == mem.ID {
			found = true
			assert.Greater(t, r.Score, 0.0)
		}
	}
	assert.True(t, found, "expected the TypeScript memory in results")
}

func TestSearch_SourcePrefixRestricts(t *testing.T) {
	e, emb, cleanup := createTestEngine(t)
	defer cleanup()

	// Same pinned vector so both score identically on the vector side
	vec := make([]float32, 64)
	vec[0] = 1
	emb.Pin("shared fact teamside", vec)
	emb.Pin("shared fact elsewhere", vec)
	emb.Pin("shared fact", vec)

	teamMem := addOne(t, e, "shared fact teamside", "team/notes.md", "")
	addOne(t, e, "shared fact elsewhere", "personal/notes.md", "")

	results, err := e.Search(context.Background(), "shared fact", SearchOptions{
		K:            10,
		Hybrid:       true,
		SourcePrefix: "team/",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, teamMem.ID, r.Memory.ID)
	}
}

func TestSearch_PureVector(t *testing.T) {
	e, emb, cleanup := createTestEngine(t)
	defer cleanup()

	target := make([]float32, 64)
	target[0] = 1
	other := make([]float32, 64)
	other[1] = 1

	emb.Pin("close to the query", target)
	emb.Pin("far from the query", other)
	emb.Pin("the query", target)

	closeMem := addOne(t, e, "close to the query", "a.md", "")
	addOne(t, e, "far from the query", "a.md", "")

	results, err := e.Search(context.Background(), "the query", SearchOptions{K: 2, Hybrid: false})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, closeMem.ID, results[0].Memory.ID)
	assert.InDelta(t, 1.0, results[0].Score, 0.01)
	require.NotNil(t, results[0].VectorScore)
}

func TestSearch_ThresholdDropsWeakHits(t *testing.T) {
	e, emb, cleanup := createTestEngine(t)
	defer cleanup()

	target := make([]float32, 64)
	target[0] = 1
	orthogonal := make([]float32, 64)
	orthogonal[1] = 1

	emb.Pin("strong match", target)
	emb.Pin("weak match", orthogonal)
	emb.Pin("probe", target)

	addOne(t, e, "strong match", "a.md", "")
	addOne(t, e, "weak match", "a.md", "")

	results, err := e.Search(context.Background(), "probe", SearchOptions{
		K:         10,
		Hybrid:    false,
		Threshold: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "strong match", results[0].Memory.Text)
}

// rankOf returns the index of id in results, or -1.
func rankOf(results []SearchResult, id int64) int {
	for i, r := range results {
		if r.Memory.ID == id {
			return i
		}
	}
	return -1
}

func TestSearch_FusionWeightMonotonicity(t *testing.T) {
	e, emb, cleanup := createTestEngine(t)
	defer cleanup()

	queryVec := make([]float32, 64)
	queryVec[0] = 1
	// Vector favorite: aligned with the query, shares a keyword so it
	// appears in both candidate lists
	aligned := make([]float32, 64)
	aligned[0] = 1
	aligned[1] = 0.2
	// Keyword favorite: orthogonal vector, strong lexical overlap
	orthogonal := make([]float32, 64)
	orthogonal[2] = 1

	emb.Pin("database tuning guidance", aligned)
	emb.Pin("database database database tuning tuning notes", orthogonal)
	emb.Pin("database tuning", queryVec)

	vectorFav := addOne(t, e, "database tuning guidance", "a.md", "")
	addOne(t, e, "database database database tuning tuning notes", "a.md", "")

	lowWeight, err := e.Search(context.Background(), "database tuning", SearchOptions{
		K: 10, Hybrid: true, VectorWeight: 0.3,
	})
	require.NoError(t, err)
	highWeight, err := e.Search(context.Background(), "database tuning", SearchOptions{
		K: 10, Hybrid: true, VectorWeight: 0.9,
	})
	require.NoError(t, err)

	lowRank := rankOf(lowWeight, vectorFav.ID)
	highRank := rankOf(highWeight, vectorFav.ID)
	require.GreaterOrEqual(t, lowRank, 0)
	require.GreaterOrEqual(t, highRank, 0)

	// Raising vectorWeight never demotes the best pure-vector item
	assert.LessOrEqual(t, highRank, lowRank)
}

func TestSearch_DefaultsApplied(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	for i := 0; i < 15; i++ {
		addOne(t, e, "repeated filler fact variant", "a.md", "")
	}

	results, err := e.Search(context.Background(), "filler fact", SearchOptions{Hybrid: true})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 10)
}
