package engine

import (
	"time"
)

// RetrievalCount pairs a memory with its usage stats
type RetrievalCount struct {
	MemoryID      int64     `json:"memory_id"`
	Count         int       `json:"count"`
	LastRetrieved time.Time `json:"last_retrieved"`
}

// recordRetrievals appends search hits to the retrieval log. The log has
// its own lock; it needs no cross-consistency with the index mutation
// path, so searches never contend with writers here.
func (e *Engine) recordRetrievals(results []SearchResult, query string) {
	if len(results) == 0 {
		return
	}

	e.trackMu.Lock()
	defer e.trackMu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to record retrievals")
		return
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, r := range results {
		if _, err := tx.Exec(
			"INSERT INTO retrievals (memory_id, ts, query, source) VALUES (?, ?, ?, ?)",
			r.Memory.ID, now, query, r.Memory.Source,
		); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to record retrieval")
			return
		}
	}

	if err := tx.Commit(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to commit retrieval records")
	}
}

// UnretrievedIDs returns the set of live memories never returned by any
// search. Pruning treats membership here as a requirement.
func (e *Engine) UnretrievedIDs() (map[int64]bool, error) {
	rows, err := e.db.Query(`
		SELECT id FROM memories
		WHERE deleted = 0
		AND id NOT IN (SELECT DISTINCT memory_id FROM retrievals)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// RetrievalCounts returns per-memory retrieval totals for live memories
func (e *Engine) RetrievalCounts() ([]RetrievalCount, error) {
	rows, err := e.db.Query(`
		SELECT r.memory_id, COUNT(*), MAX(r.ts)
		FROM retrievals r
		JOIN memories m ON m.id = r.memory_id
		WHERE m.deleted = 0
		GROUP BY r.memory_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []RetrievalCount
	for rows.Next() {
		var c RetrievalCount
		var last int64
		if err := rows.Scan(&c.MemoryID, &c.Count, &last); err != nil {
			return nil, err
		}
		c.LastRetrieved = time.Unix(last, 0)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
