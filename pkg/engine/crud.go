package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo/internal/observability"
	"github.com/mnemo-ai/mnemo/pkg/embedding"
)

// Metadata keys used for lineage
const (
	MetaSupersedes       = "supersedes"
	MetaConsolidatedFrom = "consolidatedFrom"
	MetaEntityKey        = "entityKey"
)

// AddItem is one memory to insert
type AddItem struct {
	Text     string
	Source   string
	Category string
	Metadata map[string]interface{}
}

// AddResult reports the outcome for one AddItem. Exactly one of ID (with
// Memory), Deduplicated (with DuplicateOf), or Err is meaningful.
type AddResult struct {
	ID           int64
	Memory       *Memory
	Deduplicated bool
	DuplicateOf  int64
	Err          error
}

// Add embeds and inserts memories. With deduplicate, each text is probed
// against the index first and skipped when its best match meets the
// novelty threshold. Embedding happens before the writer lock is taken.
func (e *Engine) Add(ctx context.Context, items []AddItem, deduplicate bool) ([]AddResult, error) {
	start := time.Now()
	defer func() { observability.RecordWrite(time.Since(start)) }()

	results := make([]AddResult, len(items))

	// Validate and collect texts needing embedding
	var texts []string
	var idx []int
	for i, item := range items {
		if err := validateText(item.Text); err != nil {
			results[i].Err = err
			continue
		}
		texts = append(texts, item.Text)
		idx = append(idx, i)
	}

	var vectors [][]float32
	if len(texts) > 0 {
		embedded, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed texts: %w", err)
		}
		vectors = make([][]float32, len(embedded))
		for i, v := range embedded {
			vectors[i] = embedding.Normalize(v)
		}
	}

	e.writeMu.Lock()
	for vi, i := range idx {
		item := items[i]
		vec := vectors[vi]

		if deduplicate {
			matchID, sim, err := e.bestVectorMatch(vec)
			if err == nil && matchID >= 0 && sim >= e.noveltyThreshold {
				results[i].Deduplicated = true
				results[i].DuplicateOf = matchID
				e.logger.Debug().
					Int64("duplicate_of", matchID).
					Float64("similarity", sim).
					Msg("Add deduplicated")
				continue
			}
		}

		mem, err := e.insert(item, vec)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].ID = mem.ID
		results[i].Memory = mem
	}
	e.writeMu.Unlock()

	e.publishCounts()
	e.maybeAutoBackup()
	return results, nil
}

// insert writes one memory inside its own transaction. Caller holds writeMu.
func (e *Engine) insert(item AddItem, vec []float32) (*Memory, error) {
	now := time.Now()
	category := item.Category
	if !ValidCategory(category) {
		category = CategoryDetail
	}
	metaJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id, err := e.nextID(tx)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		"INSERT INTO memories (id, text, source, category, created_at, updated_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, item.Text, item.Source, category, now.Unix(), now.Unix(), metaJSON,
	); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		"INSERT INTO memories_fts (mem_id, text) VALUES (?, ?)",
		id, item.Text,
	); err != nil {
		return nil, err
	}

	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO mem_vec (memory_id, embedding) VALUES (?, ?)",
		id, string(vecJSON),
	); err != nil {
		return nil, fmt.Errorf("failed to store embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Memory{
		ID:        id,
		Text:      item.Text,
		Source:    item.Source,
		Category:  category,
		CreatedAt: now.Truncate(time.Second),
		UpdatedAt: now.Truncate(time.Second),
		Metadata:  item.Metadata,
	}, nil
}

// Update patches a live memory. Text changes re-embed (before the writer
// lock) and refresh the vector and postings rows; createdAt is never
// touched; updatedAt always is. Metadata patch entries with nil values
// remove the key.
func (e *Engine) Update(ctx context.Context, id int64, text, source *string, metadataPatch map[string]interface{}) (*Memory, error) {
	start := time.Now()
	defer func() { observability.RecordWrite(time.Since(start)) }()

	cur, err := e.Get(id)
	if err != nil {
		return nil, err
	}

	var vec []float32
	textChanged := text != nil && *text != cur.Text
	if textChanged {
		if err := validateText(*text); err != nil {
			return nil, err
		}
		embedded, err := e.embedder.Embed(ctx, []string{*text})
		if err != nil {
			return nil, fmt.Errorf("failed to embed text: %w", err)
		}
		vec = embedding.Normalize(embedded[0])
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	// Re-read under the lock; the memory may have been deleted since
	cur, err = e.Get(id)
	if err != nil {
		return nil, err
	}

	newText := cur.Text
	if text != nil {
		newText = *text
	}
	newSource := cur.Source
	if source != nil {
		newSource = *source
	}
	newMeta := mergeMetadata(cur.Metadata, metadataPatch)
	metaJSON, err := marshalMetadata(newMeta)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	tx, err := e.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE memories SET text = ?, source = ?, metadata = ?, updated_at = ? WHERE id = ? AND deleted = 0",
		newText, newSource, metaJSON, now.Unix(), id,
	); err != nil {
		return nil, err
	}

	if textChanged {
		if _, err := tx.Exec("UPDATE memories_fts SET text = ? WHERE mem_id = ?", newText, id); err != nil {
			return nil, err
		}
		vecJSON, err := json.Marshal(vec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM mem_vec WHERE memory_id = ?", id); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(
			"INSERT INTO mem_vec (memory_id, embedding) VALUES (?, ?)",
			id, string(vecJSON),
		); err != nil {
			return nil, fmt.Errorf("failed to store embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	cur.Text = newText
	cur.Source = newSource
	cur.Metadata = newMeta
	cur.UpdatedAt = now.Truncate(time.Second)
	return cur, nil
}

// Upsert updates in place when a live memory with the same (source,
// entityKey) natural key exists, otherwise creates one. Returns the memory
// and whether it was created.
func (e *Engine) Upsert(ctx context.Context, text, source, key string, metadata map[string]interface{}) (*Memory, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("entity key is required")
	}
	meta := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[MetaEntityKey] = key

	var id int64
	err := e.db.QueryRow(
		"SELECT id FROM memories WHERE deleted = 0 AND source = ? AND json_extract(metadata, '$.entityKey') = ?",
		source, key,
	).Scan(&id)

	switch {
	case err == sql.ErrNoRows:
		results, err := e.Add(ctx, []AddItem{{Text: text, Source: source, Metadata: meta}}, false)
		if err != nil {
			return nil, false, err
		}
		if results[0].Err != nil {
			return nil, false, results[0].Err
		}
		return results[0].Memory, true, nil
	case err != nil:
		return nil, false, err
	}

	mem, err := e.Update(ctx, id, &text, nil, meta)
	if err != nil {
		return nil, false, err
	}
	return mem, false, nil
}

// Delete tombstones a memory slot. The vector and postings rows are
// removed so searches never see the ID again; other IDs are unaffected.
func (e *Engine) Delete(ctx context.Context, id int64) (bool, error) {
	start := time.Now()
	defer func() { observability.RecordWrite(time.Since(start)) }()

	e.writeMu.Lock()
	deleted, err := e.deleteLocked(id)
	e.writeMu.Unlock()

	if deleted {
		e.publishCounts()
	}
	return deleted, err
}

// deleteLocked tombstones one memory. Caller holds writeMu.
func (e *Engine) deleteLocked(id int64) (bool, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE memories SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0",
		time.Now().Unix(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.Exec("DELETE FROM memories_fts WHERE mem_id = ?", id); err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM mem_vec WHERE memory_id = ?", id); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// Get returns a live memory by ID
func (e *Engine) Get(id int64) (*Memory, error) {
	row := e.db.QueryRow(
		"SELECT id, text, source, category, created_at, updated_at, metadata FROM memories WHERE id = ? AND deleted = 0",
		id,
	)
	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return mem, err
}

// List returns live memories under a source prefix, newest first
func (e *Engine) List(sourcePrefix string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.Query(
		"SELECT id, text, source, category, created_at, updated_at, metadata FROM memories WHERE deleted = 0 AND source LIKE ? || '%' ORDER BY updated_at DESC, id DESC LIMIT ?",
		sourcePrefix, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mem)
	}
	return out, rows.Err()
}

// bestVectorMatch returns the live memory most similar to vec, or -1 when
// the index is empty.
func (e *Engine) bestVectorMatch(vec []float32) (int64, float64, error) {
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return -1, 0, err
	}

	var id int64
	var distance float64
	err = e.db.QueryRow(
		"SELECT memory_id, vec_distance_cosine(embedding, ?) AS distance FROM mem_vec ORDER BY distance ASC LIMIT 1",
		string(vecJSON),
	).Scan(&id, &distance)
	if err == sql.ErrNoRows {
		return -1, 0, nil
	}
	if err != nil {
		return -1, 0, err
	}
	return id, 1.0 - distance, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var mem Memory
	var createdAt, updatedAt int64
	var metaRaw string
	if err := row.Scan(&mem.ID, &mem.Text, &mem.Source, &mem.Category, &createdAt, &updatedAt, &metaRaw); err != nil {
		return nil, err
	}
	mem.CreatedAt = time.Unix(createdAt, 0)
	mem.UpdatedAt = time.Unix(updatedAt, 0)
	if metaRaw != "" && metaRaw != "{}" {
		if err := json.Unmarshal([]byte(metaRaw), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for memory %d: %w", mem.ID, err)
		}
	}
	return &mem, nil
}

func marshalMetadata(meta map[string]interface{}) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(raw), nil
}

func mergeMetadata(base, patch map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(patch) == 0 {
		return nil
	}
	merged := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if len(text) > MaxTextLen {
		return ErrTextTooLong
	}
	return nil
}
