package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo/internal/observability"
	"github.com/mnemo-ai/mnemo/pkg/embedding"
)

// rrfConstant is the standard reciprocal rank fusion constant.
const rrfConstant = 60

// candidateLimit bounds each sub-search before fusion.
const candidateLimit = 200

// SearchOptions configures search behavior
type SearchOptions struct {
	K            int     `json:"k"`
	Hybrid       bool    `json:"hybrid"`
	Threshold    float64 `json:"threshold"`
	VectorWeight float64 `json:"vectorWeight"`
	SourcePrefix string  `json:"sourcePrefix"`
}

// SearchResult is one ranked hit
type SearchResult struct {
	Memory       *Memory  `json:"memory"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

type vectorHit struct {
	id         int64
	similarity float64
}

type keywordHit struct {
	id        int64
	bm25Score float64
}

// Search ranks live memories against the query. Hybrid mode fuses vector
// and BM25 rankings by weighted reciprocal rank; otherwise ranking is pure
// vector similarity. Hits are appended to the retrieval log.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	start := time.Now()
	defer func() { observability.RecordSearch(time.Since(start)) }()

	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	if opts.K <= 0 {
		opts.K = 10
	}
	if opts.VectorWeight <= 0 {
		opts.VectorWeight = 0.7
	}
	if opts.VectorWeight > 1 {
		opts.VectorWeight = 1
	}

	embedded, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	queryVec := embedding.Normalize(embedded[0])

	var vectorHits []vectorHit
	var keywordHits []keywordHit
	var vectorErr, keywordErr error

	if opts.Hybrid {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			vectorHits, vectorErr = e.vectorSearch(ctx, queryVec, opts.SourcePrefix, candidateLimit)
		}()
		go func() {
			defer wg.Done()
			keywordHits, keywordErr = e.keywordSearch(query, opts.SourcePrefix, candidateLimit)
		}()
		wg.Wait()

		// Graceful degradation when one sub-search fails
		if vectorErr != nil {
			e.logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
		}
		if keywordErr != nil {
			e.logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
		}
		if vectorErr != nil && keywordErr != nil {
			return nil, fmt.Errorf("both search methods failed: %w", vectorErr)
		}
	} else {
		vectorHits, vectorErr = e.vectorSearch(ctx, queryVec, opts.SourcePrefix, candidateLimit)
		if vectorErr != nil {
			return nil, vectorErr
		}
	}

	var results []SearchResult
	if opts.Hybrid {
		results, err = e.fuse(vectorHits, keywordHits, opts)
	} else {
		results, err = e.rankVector(vectorHits, opts)
	}
	if err != nil {
		return nil, err
	}

	if len(results) > opts.K {
		results = results[:opts.K]
	}

	e.recordRetrievals(results, query)

	e.logger.Debug().
		Str("query", query).
		Bool("hybrid", opts.Hybrid).
		Int("results", len(results)).
		Msg("Search completed")

	return results, nil
}

// vectorSearch ranks live memories by cosine similarity to queryVec
func (e *Engine) vectorSearch(ctx context.Context, queryVec []float32, sourcePrefix string, limit int) ([]vectorHit, error) {
	vecJSON, err := json.Marshal(queryVec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	q := `
		SELECT v.memory_id, vec_distance_cosine(v.embedding, ?) AS distance
		FROM mem_vec v
		JOIN memories m ON m.id = v.memory_id
		WHERE m.deleted = 0 AND m.source LIKE ? || '%'
		ORDER BY distance ASC
		LIMIT ?
	`

	rows, err := e.db.QueryContext(ctx, q, string(vecJSON), sourcePrefix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var id int64
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		hits = append(hits, vectorHit{id: id, similarity: 1.0 - distance})
	}
	return hits, rows.Err()
}

// keywordSearch ranks live memories by BM25 over the postings index
func (e *Engine) keywordSearch(query, sourcePrefix string, limit int) ([]keywordHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	q := `
		SELECT f.mem_id, bm25(memories_fts) AS score
		FROM memories_fts f
		JOIN memories m ON m.id = f.mem_id
		WHERE memories_fts MATCH ? AND m.deleted = 0 AND m.source LIKE ? || '%'
		ORDER BY score
		LIMIT ?
	`

	rows, err := e.db.Query(q, match, sourcePrefix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var id int64
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		// BM25 scores from FTS5 are negative, lower is better
		hits = append(hits, keywordHit{id: id, bm25Score: -score})
	}
	return hits, rows.Err()
}

// ftsQuery sanitizes free text into an FTS5 OR query. Raw user input can
// contain FTS5 syntax characters that would fail the MATCH parse.
func ftsQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, " OR ")
}

// fuse combines the two rankings by weighted reciprocal rank fusion.
// Results under the threshold are dropped; ties break on raw vector
// similarity.
func (e *Engine) fuse(vectorHits []vectorHit, keywordHits []keywordHit, opts SearchOptions) ([]SearchResult, error) {
	type fusedScore struct {
		score       float64
		vectorSim   float64
		hasVector   bool
		keywordRank float64
		hasKeyword  bool
	}

	fusedByID := make(map[int64]*fusedScore)
	get := func(id int64) *fusedScore {
		f, ok := fusedByID[id]
		if !ok {
			f = &fusedScore{}
			fusedByID[id] = f
		}
		return f
	}

	for rank, hit := range vectorHits {
		f := get(hit.id)
		f.score += opts.VectorWeight / float64(rank+1+rrfConstant)
		f.vectorSim = hit.similarity
		f.hasVector = true
	}
	for rank, hit := range keywordHits {
		f := get(hit.id)
		f.score += (1 - opts.VectorWeight) / float64(rank+1+rrfConstant)
		f.keywordRank = hit.bm25Score
		f.hasKeyword = true
	}

	ids := make([]int64, 0, len(fusedByID))
	for id, f := range fusedByID {
		if f.score < opts.Threshold {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		fi, fj := fusedByID[ids[i]], fusedByID[ids[j]]
		if fi.score != fj.score {
			return fi.score > fj.score
		}
		return fi.vectorSim > fj.vectorSim
	})

	results := make([]SearchResult, 0, len(ids))
	for _, id := range ids {
		mem, err := e.Get(id)
		if err != nil {
			// May have been deleted mid-search; skip
			continue
		}
		f := fusedByID[id]
		r := SearchResult{Memory: mem, Score: f.score}
		if f.hasVector {
			v := f.vectorSim
			r.VectorScore = &v
		}
		if f.hasKeyword {
			k := f.keywordRank
			r.KeywordScore = &k
		}
		results = append(results, r)
	}
	return results, nil
}

// rankVector produces pure vector similarity results
func (e *Engine) rankVector(hits []vectorHit, opts SearchOptions) ([]SearchResult, error) {
	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		if hit.similarity < opts.Threshold {
			continue
		}
		mem, err := e.Get(hit.id)
		if err != nil {
			continue
		}
		v := hit.similarity
		results = append(results, SearchResult{
			Memory:      mem,
			Score:       hit.similarity,
			VectorScore: &v,
		})
	}
	return results, nil
}

// SimilarMemories returns live memories whose embeddings are within
// threshold cosine similarity of text, nearest first, optionally
// restricted to a source prefix. Unlike Search it leaves the retrieval
// log untouched, so maintenance scans do not mask pruning candidates.
func (e *Engine) SimilarMemories(ctx context.Context, text string, k int, threshold float64, sourcePrefix string) ([]SearchResult, error) {
	if strings.TrimSpace(text) == "" {
		return []SearchResult{}, nil
	}
	if k <= 0 {
		k = 10
	}

	vecs, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}

	hits, err := e.vectorSearch(ctx, vecs[0], sourcePrefix, k)
	if err != nil {
		return nil, err
	}
	return e.rankVector(hits, SearchOptions{Threshold: threshold})
}
