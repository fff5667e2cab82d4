package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, e *Engine, info BackupInfo) {
	t.Helper()
	raw, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(e.backupDir, info.Name+".json"), raw, 0644))
}

func TestBackup_RoundTrip(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	first := addOne(t, e, "alpha fact", "a.md", CategoryDecision)
	second := addOne(t, e, "beta fact", "b.md", "")

	info, err := e.Backup("manual")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.Name, "manual_"))
	assert.Equal(t, 2, info.MemoryCount)
	assert.Equal(t, 2, info.VectorCount)

	// Wipe everything
	for _, id := range []int64{first.ID, second.ID} {
		deleted, err := e.Delete(context.Background(), id)
		require.NoError(t, err)
		require.True(t, deleted)
	}
	stats, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.LiveMemories)

	require.NoError(t, e.Restore(info.Name))

	// Exact set of IDs, texts, and metadata restored
	got1, err := e.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha fact", got1.Text)
	assert.Equal(t, CategoryDecision, got1.Category)

	got2, err := e.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, "beta fact", got2.Text)

	stats, err = e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.LiveMemories)

	// Engine stays writable after the file swap
	next := addOne(t, e, "gamma fact", "c.md", "")
	assert.Greater(t, next.ID, second.ID)
}

func TestRestore_UnknownName(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	err := e.Restore("nope_20240101_000000")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestRestore_DimensionMismatchRejected(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	mem := addOne(t, e, "surviving fact", "a.md", "")

	info, err := e.Backup("manual")
	require.NoError(t, err)

	// Forge a manifest claiming a different dimension
	infos, err := e.ListBackups()
	require.NoError(t, err)
	require.NotEmpty(t, infos)

	forged := *info
	forged.Dimension = info.Dimension + 1
	writeManifest(t, e, forged)

	err = e.Restore(info.Name)
	assert.ErrorIs(t, err, ErrBackupInvalid)

	// Live state untouched
	got, err := e.Get(mem.ID)
	require.NoError(t, err)
	assert.Equal(t, "surviving fact", got.Text)
}

func TestBackup_RetentionEvictsOldest(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()
	e.maxBackups = 2

	addOne(t, e, "a fact", "a.md", "")

	var names []string
	for i := 0; i < 4; i++ {
		info, err := e.Backup("cycle")
		require.NoError(t, err)
		names = append(names, info.Name)
		time.Sleep(1100 * time.Millisecond)
	}

	infos, err := e.ListBackups()
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	// Newest retained, oldest evicted
	retained := make(map[string]bool)
	for _, info := range infos {
		retained[info.Name] = true
	}
	assert.True(t, retained[names[len(names)-1]])
	assert.False(t, retained[names[0]])
}

func TestBackup_InvalidPrefix(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	_, err := e.Backup("../escape")
	assert.Error(t, err)
}

func TestListBackups_Empty(t *testing.T) {
	e, _, cleanup := createTestEngine(t)
	defer cleanup()

	infos, err := e.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, infos)
}
