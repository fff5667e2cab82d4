package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo/internal/observability"
)

// BackupInfo describes one snapshot
type BackupInfo struct {
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	MemoryCount int       `json:"memory_count"`
	VectorCount int       `json:"vector_count"`
	Dimension   int       `json:"dimension"`
	Model       string    `json:"model"`
	SizeBytes   int64     `json:"size_bytes"`
}

var backupPrefixRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Backup snapshots the full store to a named file under the backup
// directory and evicts the oldest snapshots beyond the retention cap.
func (e *Engine) Backup(prefix string) (*BackupInfo, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.backupLocked(prefix)
}

// backupLocked performs the snapshot. Caller holds writeMu.
func (e *Engine) backupLocked(prefix string) (*BackupInfo, error) {
	if prefix == "" {
		prefix = "backup"
	}
	if !backupPrefixRe.MatchString(prefix) {
		return nil, fmt.Errorf("invalid backup prefix %q", prefix)
	}

	name := fmt.Sprintf("%s_%s", prefix, time.Now().Format("20060102_150405"))
	dbFile := filepath.Join(e.backupDir, name+".db")
	for i := 2; ; i++ {
		if _, err := os.Stat(dbFile); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s_%s-%d", prefix, time.Now().Format("20060102_150405"), i)
		dbFile = filepath.Join(e.backupDir, name+".db")
	}

	// VACUUM INTO writes a transactionally consistent copy
	if _, err := e.db.Exec("VACUUM INTO ?", dbFile); err != nil {
		return nil, fmt.Errorf("failed to snapshot database: %w", err)
	}

	var memoryCount, vectorCount int
	if err := e.db.QueryRow("SELECT COUNT(*) FROM memories WHERE deleted = 0").Scan(&memoryCount); err != nil {
		os.Remove(dbFile)
		return nil, err
	}
	if err := e.db.QueryRow("SELECT COUNT(*) FROM mem_vec").Scan(&vectorCount); err != nil {
		os.Remove(dbFile)
		return nil, err
	}

	stat, err := os.Stat(dbFile)
	if err != nil {
		return nil, err
	}

	info := &BackupInfo{
		Name:        name,
		CreatedAt:   time.Now().Truncate(time.Second),
		MemoryCount: memoryCount,
		VectorCount: vectorCount,
		Dimension:   e.embedder.Dimension(),
		Model:       e.embedder.Model(),
		SizeBytes:   stat.Size(),
	}

	manifest, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		os.Remove(dbFile)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(e.backupDir, name+".json"), manifest, 0644); err != nil {
		os.Remove(dbFile)
		return nil, fmt.Errorf("failed to write backup manifest: %w", err)
	}

	if err := e.enforceRetention(); err != nil {
		e.logger.Warn().Err(err).Msg("Backup retention sweep failed")
	}

	observability.RecordBackup()
	e.logger.Info().
		Str("name", name).
		Int("memories", memoryCount).
		Msg("Backup created")

	return info, nil
}

// ListBackups returns known snapshots, newest first
func (e *Engine) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(e.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var infos []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(e.backupDir, entry.Name()))
		if err != nil {
			continue
		}
		var info BackupInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			e.logger.Warn().Str("manifest", entry.Name()).Msg("Skipping unreadable backup manifest")
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// Restore validates a snapshot and atomically replaces live state with it.
// A failed validation leaves live state untouched. A pre-restore safety
// snapshot is taken first.
func (e *Engine) Restore(name string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	manifestPath := filepath.Join(e.backupDir, name+".json")
	dbFile := filepath.Join(e.backupDir, name+".db")

	raw, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return ErrBackupNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read backup manifest: %w", err)
	}
	var info BackupInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("%w: corrupt manifest", ErrBackupInvalid)
	}
	if _, err := os.Stat(dbFile); os.IsNotExist(err) {
		return ErrBackupNotFound
	}

	if info.Dimension != e.embedder.Dimension() {
		return fmt.Errorf("%w: snapshot dimension %d, current model dimension %d",
			ErrBackupInvalid, info.Dimension, e.embedder.Dimension())
	}

	if err := validateSnapshot(dbFile, info); err != nil {
		return err
	}

	if _, err := e.backupLocked("pre_restore"); err != nil {
		return fmt.Errorf("failed to take pre-restore snapshot: %w", err)
	}

	// Copy the snapshot next to the live file, then swap atomically
	tmpPath := e.dbPath + ".restore"
	if err := copyFile(dbFile, tmpPath); err != nil {
		return fmt.Errorf("failed to stage snapshot: %w", err)
	}

	if err := e.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close live database: %w", err)
	}

	// Stale WAL/SHM files would shadow the restored state
	os.Remove(e.dbPath + "-wal")
	os.Remove(e.dbPath + "-shm")

	if err := os.Rename(tmpPath, e.dbPath); err != nil {
		// Reopen whatever is on disk so the engine stays usable
		if db, openErr := openDB(e.dbPath); openErr == nil {
			e.db = db
		}
		return fmt.Errorf("failed to swap database file: %w", err)
	}

	db, err := openDB(e.dbPath)
	if err != nil {
		return fmt.Errorf("failed to reopen database after restore: %w", err)
	}
	e.db = db

	e.publishCounts()
	e.logger.Info().Str("name", name).Msg("Restore completed")
	return nil
}

// validateSnapshot opens the snapshot read-only and checks internal
// consistency against the manifest.
func validateSnapshot(path string, info BackupInfo) error {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("%w: cannot open snapshot", ErrBackupInvalid)
	}
	defer db.Close()

	var memoryCount, vectorCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM memories WHERE deleted = 0").Scan(&memoryCount); err != nil {
		return fmt.Errorf("%w: missing memories table", ErrBackupInvalid)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM mem_vec").Scan(&vectorCount); err != nil {
		return fmt.Errorf("%w: missing vector table", ErrBackupInvalid)
	}

	if vectorCount != memoryCount {
		return fmt.Errorf("%w: vector count %d does not match live memory count %d",
			ErrBackupInvalid, vectorCount, memoryCount)
	}
	if memoryCount != info.MemoryCount || vectorCount != info.VectorCount {
		return fmt.Errorf("%w: snapshot counts diverge from manifest", ErrBackupInvalid)
	}
	return nil
}

// enforceRetention evicts the oldest snapshots beyond maxBackups
func (e *Engine) enforceRetention() error {
	infos, err := e.ListBackups()
	if err != nil {
		return err
	}
	for _, info := range infos[min(len(infos), e.maxBackups):] {
		os.Remove(filepath.Join(e.backupDir, info.Name+".db"))
		os.Remove(filepath.Join(e.backupDir, info.Name+".json"))
		e.logger.Debug().Str("name", info.Name).Msg("Evicted old backup")
	}
	return nil
}

// maybeAutoBackup takes a rate-limited snapshot after writes
func (e *Engine) maybeAutoBackup() {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if time.Since(e.lastAutoBackup) < e.autoBackupEvery {
		return
	}
	e.lastAutoBackup = time.Now()

	if _, err := e.backupLocked("auto"); err != nil {
		e.logger.Warn().Err(err).Msg("Automatic backup failed")
	}
}

func copyFile(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, raw, 0644)
}
