package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/pkg/embedding"
)

func createTestEngine(t *testing.T) (*Engine, *embedding.MockEmbedder, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "engine-test-*")
	require.NoError(t, err)

	emb := embedding.NewMockEmbedder(64)
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	e, err := New(Config{
		DBPath:    filepath.Join(dir, "test.db"),
		BackupDir: filepath.Join(dir, "backups"),
		Logger:    logger,
		Embedder:  emb,
	})
	require.NoError(t, err)

	cleanup := func() {
		e.Close()
		os.RemoveAll(dir)
	}
	return e, emb, cleanup
}

func addOne(t *testing.T, e *Engine, text, source, category string) *Memory {
	t.Helper()
	results, err := e.Add(context.Background(), []AddItem{{Text: text, Source: source, Category: category}}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	return results[0].Memory
}

func TestNew_InvalidConfig(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "empty db path",
			config: Config{Embedder: embedding.NewMockEmbedder(64), Logger: logger},
		},
		{
			name:   "missing embedder",
			config: Config{DBPath: "/tmp/test.db", Logger: logger},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.config)
			assert.Error(t, err)
			assert.Nil(t, e)
		})
	}
}

func TestAdd_AssignsSequentialIDs(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	first := addOne(t, e, "Team prefers strict TypeScript mode", "standards.md", "")
	second := addOne(t, e, "Deploys happen on Fridays", "ops/deploy.md", CategoryDecision)

	assert.Equal(t, int64(0), first.ID)
	assert.Equal(t, int64(1), second.ID)
	assert.Equal(t, CategoryDetail, first.Category)
	assert.Equal(t, CategoryDecision, second.Category)
	assert.False(t, first.CreatedAt.After(first.UpdatedAt))
}

func TestAdd_Validation(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	long := make([]byte, MaxTextLen+1)
	for i := range long {
		long[i] = 'a'
	}

	results, err := e.Add(context.Background(), []AddItem{
		{Text: "   "},
		{Text: string(long)},
		{Text: "valid fact"},
	}, false)
	require.NoError(t, err)

	assert.ErrorIs(t, results[0].Err, ErrEmptyText)
	assert.ErrorIs(t, results[1].Err, ErrTextTooLong)
	assert.NoError(t, results[2].Err)
	assert.NotNil(t, results[2].Memory)
}

func TestAdd_DedupIdempotence(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	text := "Team prefers strict TypeScript mode"

	results, err := e.Add(context.Background(), []AddItem{{Text: text, Source: "standards.md"}}, true)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	firstID := results[0].ID

	// Identical text again: no new ID
	results, err = e.Add(context.Background(), []AddItem{{Text: text, Source: "standards.md"}}, true)
	require.NoError(t, err)
	assert.True(t, results[0].Deduplicated)
	assert.Equal(t, firstID, results[0].DuplicateOf)
	assert.Nil(t, results[0].Memory)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LiveMemories)
}

func TestAdd_DedupDisabledAllowsDuplicates(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	text := "duplicate allowed"
	addOne(t, e, text, "a.md", "")
	addOne(t, e, text, "a.md", "")

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.LiveMemories)
}

func TestDelete_SparseIDStability(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	var ids []int64
	texts := []string{"alpha fact", "beta fact", "gamma fact"}
	for _, text := range texts {
		ids = append(ids, addOne(t, e, text, "notes.md", "").ID)
	}

	deleted, err := e.Delete(context.Background(), ids[1])
	require.NoError(t, err)
	assert.True(t, deleted)

	// Other IDs unchanged
	for _, id := range []int64{ids[0], ids[2]} {
		mem, err := e.Get(id)
		require.NoError(t, err)
		assert.Equal(t, id, mem.ID)
	}

	// Deleted ID gone
	_, err = e.Get(ids[1])
	assert.ErrorIs(t, err, ErrNotFound)

	// Search never returns the tombstoned ID
	results, err := e.Search(context.Background(), "beta fact", SearchOptions{K: 10, Hybrid: true})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, ids[1], r.Memory.ID)
	}

	// Tombstoned slot never reused
	next := addOne(t, e, "delta fact", "notes.md", "")
	assert.Equal(t, ids[2]+1, next.ID)
}

func TestDelete_Unknown(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	deleted, err := e.Delete(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestUpdate_RefreshesUpdatedAtOnly(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	mem := addOne(t, e, "original text", "a.md", "")
	created := mem.CreatedAt

	time.Sleep(1100 * time.Millisecond)

	newText := "revised text"
	updated, err := e.Update(context.Background(), mem.ID, &newText, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "revised text", updated.Text)
	assert.Equal(t, created.Unix(), updated.CreatedAt.Unix())
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	// Persisted
	got, err := e.Get(mem.ID)
	require.NoError(t, err)
	assert.Equal(t, "revised text", got.Text)
}

func TestUpdate_MetadataPatch(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	results, err := e.Add(context.Background(), []AddItem{{
		Text:     "fact with metadata",
		Source:   "a.md",
		Metadata: map[string]interface{}{"keep": "yes", "drop": "no"},
	}}, false)
	require.NoError(t, err)
	id := results[0].ID

	updated, err := e.Update(context.Background(), id, nil, nil, map[string]interface{}{
		"drop":  nil,
		"added": float64(7),
	})
	require.NoError(t, err)

	assert.Equal(t, "yes", updated.Metadata["keep"])
	assert.Equal(t, float64(7), updated.Metadata["added"])
	_, present := updated.Metadata["drop"]
	assert.False(t, present)
}

func TestUpdate_NotFound(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	text := "whatever"
	_, err := e.Update(context.Background(), 99, &text, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsert_CreateThenUpdate(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	mem, created, err := e.Upsert(context.Background(), "release cadence is weekly", "team/process", "release-cadence", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "release-cadence", mem.Metadata[MetaEntityKey])

	mem2, created, err := e.Upsert(context.Background(), "release cadence is biweekly", "team/process", "release-cadence", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, mem.ID, mem2.ID)
	assert.Equal(t, "release cadence is biweekly", mem2.Text)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LiveMemories)
}

func TestList_SourcePrefix(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	addOne(t, e, "fact one", "team/project/a.md", "")
	addOne(t, e, "fact two", "team/project/b.md", "")
	addOne(t, e, "fact three", "personal/c.md", "")

	memories, err := e.List("team/", 10)
	require.NoError(t, err)
	assert.Len(t, memories, 2)

	all, err := e.List("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStats(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	addOne(t, e, "a decision", "a.md", CategoryDecision)
	mem := addOne(t, e, "a detail", "a.md", CategoryDetail)
	_, err := e.Delete(context.Background(), mem.ID)
	require.NoError(t, err)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LiveMemories)
	assert.Equal(t, 1, stats.Tombstoned)
	assert.Equal(t, 1, stats.ByCategory[CategoryDecision])
}
