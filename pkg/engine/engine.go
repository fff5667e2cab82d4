package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/mnemo-ai/mnemo/internal/observability"
	"github.com/mnemo-ai/mnemo/pkg/embedding"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

var (
	// ErrNotFound is returned for unknown memory IDs or backup names
	ErrNotFound = errors.New("memory not found")

	// ErrEmptyText is returned when a write carries no text
	ErrEmptyText = errors.New("text is empty")

	// ErrTextTooLong is returned when a write exceeds MaxTextLen
	ErrTextTooLong = errors.New("text exceeds maximum length")

	// ErrBackupNotFound is returned when a named snapshot does not exist
	ErrBackupNotFound = errors.New("backup not found")

	// ErrBackupInvalid is returned when a snapshot fails integrity
	// validation; live state is left untouched
	ErrBackupInvalid = errors.New("backup failed integrity validation")
)

// MaxTextLen bounds the length of a single memory's text.
const MaxTextLen = 4000

// Memory categories
const (
	CategoryDecision = "decision"
	CategoryLearning = "learning"
	CategoryDetail   = "detail"
)

// ValidCategory reports whether c is a known category.
func ValidCategory(c string) bool {
	return c == CategoryDecision || c == CategoryLearning || c == CategoryDetail
}

// Memory is the atomic unit of the store
type Memory struct {
	ID        int64                  `json:"id"`
	Text      string                 `json:"text"`
	Source    string                 `json:"source"`
	Category  string                 `json:"category"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Config holds engine configuration
type Config struct {
	DBPath           string
	BackupDir        string
	Logger           zerolog.Logger
	Embedder         embedding.Embedder
	NoveltyThreshold float64       // similarity above which an add is a duplicate
	MaxBackups       int           // snapshots retained, oldest evicted first
	AutoBackupEvery  time.Duration // min interval between post-write snapshots
}

// Engine owns the vector slots, lexical postings, and metadata for all
// memories, plus the retrieval log and backup snapshots. Mutations are
// serialized by a single writer lock; searches read concurrently through
// SQLite WAL and may observe a state mid-mutation.
type Engine struct {
	db       *sql.DB
	dbPath   string
	embedder embedding.Embedder
	logger   zerolog.Logger

	noveltyThreshold float64
	backupDir        string
	maxBackups       int
	autoBackupEvery  time.Duration

	writeMu sync.Mutex // serializes add/update/delete/restore/backup
	trackMu sync.Mutex // retrieval log only, independent of writeMu

	lastAutoBackup time.Time
}

// New creates a new engine backed by the database at cfg.DBPath
func New(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg.NoveltyThreshold == 0 {
		cfg.NoveltyThreshold = 0.88
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	if cfg.AutoBackupEvery == 0 {
		cfg.AutoBackupEvery = 10 * time.Minute
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.BackupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	db, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		db:               db,
		dbPath:           cfg.DBPath,
		embedder:         cfg.Embedder,
		logger:           cfg.Logger,
		noveltyThreshold: cfg.NoveltyThreshold,
		backupDir:        cfg.BackupDir,
		maxBackups:       cfg.MaxBackups,
		autoBackupEvery:  cfg.AutoBackupEvery,
		lastAutoBackup:   time.Now(),
	}

	if err := e.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	e.publishCounts()
	e.logger.Info().
		Str("db", cfg.DBPath).
		Int("dimension", cfg.Embedder.Dimension()).
		Msg("Engine initialized")
	return e, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// initSchema creates database tables
func (e *Engine) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			text TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT 'detail',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			deleted INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(source);
		CREATE INDEX IF NOT EXISTS idx_memories_deleted ON memories(deleted);

		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			mem_id UNINDEXED,
			text,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS retrievals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_id INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			query TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_retrievals_memory ON retrievals(memory_id);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	if _, err := e.db.Exec(schema); err != nil {
		return err
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS mem_vec USING vec0(
			memory_id INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, e.embedder.Dimension())
	if _, err := e.db.Exec(vectorSchema); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	// Seed the monotonic ID counter. Seeding from max(id) rather than the
	// live max keeps tombstoned slots permanently retired across restarts.
	var nextID int64
	err := e.db.QueryRow("SELECT value FROM meta WHERE key = 'next_id'").Scan(&nextID)
	if err == sql.ErrNoRows {
		var maxID sql.NullInt64
		if err := e.db.QueryRow("SELECT MAX(id) FROM memories").Scan(&maxID); err != nil {
			return err
		}
		if maxID.Valid {
			nextID = maxID.Int64 + 1
		}
		if _, err := e.db.Exec(
			"INSERT INTO meta (key, value) VALUES ('next_id', ?)",
			strconv.FormatInt(nextID, 10),
		); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if _, err := e.db.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('embedding_model', ?)",
		e.embedder.Model(),
	); err != nil {
		return err
	}
	if _, err := e.db.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('dimension', ?)",
		strconv.Itoa(e.embedder.Dimension()),
	); err != nil {
		return err
	}

	return nil
}

// nextID allocates the next memory ID inside tx. IDs are monotonic and
// never reused, so deleting a memory never renumbers the rest.
func (e *Engine) nextID(tx *sql.Tx) (int64, error) {
	var raw string
	if err := tx.QueryRow("SELECT value FROM meta WHERE key = 'next_id'").Scan(&raw); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt next_id value %q: %w", raw, err)
	}
	if _, err := tx.Exec(
		"UPDATE meta SET value = ? WHERE key = 'next_id'",
		strconv.FormatInt(id+1, 10),
	); err != nil {
		return 0, err
	}
	return id, nil
}

// NoveltyThreshold returns the similarity above which a new text is
// considered a duplicate of an existing memory.
func (e *Engine) NoveltyThreshold() float64 {
	return e.noveltyThreshold
}

// Stats summarizes the store
type Stats struct {
	LiveMemories    int            `json:"live_memories"`
	Tombstoned      int            `json:"tombstoned"`
	ByCategory      map[string]int `json:"by_category"`
	Backups         int            `json:"backups"`
	RetrievalEvents int            `json:"retrieval_events"`
}

// Stats returns store counts
func (e *Engine) Stats() (*Stats, error) {
	s := &Stats{ByCategory: make(map[string]int)}

	if err := e.db.QueryRow("SELECT COUNT(*) FROM memories WHERE deleted = 0").Scan(&s.LiveMemories); err != nil {
		return nil, err
	}
	if err := e.db.QueryRow("SELECT COUNT(*) FROM memories WHERE deleted = 1").Scan(&s.Tombstoned); err != nil {
		return nil, err
	}

	rows, err := e.db.Query("SELECT category, COUNT(*) FROM memories WHERE deleted = 0 GROUP BY category")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		s.ByCategory[cat] = n
	}

	if err := e.db.QueryRow("SELECT COUNT(*) FROM retrievals").Scan(&s.RetrievalEvents); err != nil {
		return nil, err
	}

	backups, err := e.ListBackups()
	if err != nil {
		return nil, err
	}
	s.Backups = len(backups)

	return s, nil
}

func (e *Engine) publishCounts() {
	var live, dead int
	e.db.QueryRow("SELECT COUNT(*) FROM memories WHERE deleted = 0").Scan(&live)
	e.db.QueryRow("SELECT COUNT(*) FROM memories WHERE deleted = 1").Scan(&dead)
	observability.SetMemoryCounts(live, dead)
}

// Close flushes and closes the engine
func (e *Engine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.logger.Info().Msg("Closing engine")
	return e.db.Close()
}
