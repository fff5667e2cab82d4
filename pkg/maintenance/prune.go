package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/mnemo-ai/mnemo/internal/observability"
	"github.com/mnemo-ai/mnemo/pkg/engine"
)

// PruneCandidate is one memory eligible for removal
type PruneCandidate struct {
	ID       int64     `json:"id"`
	Category string    `json:"category"`
	Text     string    `json:"text"`
	AgeDays  int       `json:"age_days"`
	Created  time.Time `json:"created_at"`
}

// PruneReport summarizes one pruning pass
type PruneReport struct {
	Candidates []PruneCandidate `json:"candidates"`
	Pruned     int              `json:"pruned"`
	DryRun     bool             `json:"dry_run"`
}

// FindPruneCandidates returns live memories that have never been
// retrieved by any search AND have outlived their category's age limit.
// Either condition alone is not enough to prune.
func (s *Service) FindPruneCandidates(ctx context.Context) ([]PruneCandidate, error) {
	unretrieved, err := s.engine.UnretrievedIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to load retrieval log: %w", err)
	}

	memories, err := s.engine.List("", scanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}

	now := time.Now()
	var candidates []PruneCandidate
	for _, mem := range memories {
		if !unretrieved[mem.ID] {
			continue
		}
		age := now.Sub(mem.CreatedAt)
		if age <= s.maxAge(mem.Category) {
			continue
		}
		candidates = append(candidates, PruneCandidate{
			ID:       mem.ID,
			Category: mem.Category,
			Text:     mem.Text,
			AgeDays:  int(age.Hours() / 24),
			Created:  mem.CreatedAt,
		})
	}
	return candidates, nil
}

// Prune removes stale, never-retrieved memories. With dryRun the
// candidate list is returned without deleting anything.
func (s *Service) Prune(ctx context.Context, dryRun bool) (*PruneReport, error) {
	candidates, err := s.FindPruneCandidates(ctx)
	if err != nil {
		return nil, err
	}

	report := &PruneReport{Candidates: candidates, DryRun: dryRun}
	if dryRun {
		return report, nil
	}

	for _, c := range candidates {
		removed, err := s.engine.Delete(ctx, c.ID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("id", c.ID).Msg("Failed to prune memory")
			continue
		}
		if removed {
			report.Pruned++
		}
	}
	if report.Pruned > 0 {
		observability.RecordPruned(report.Pruned)
	}
	return report, nil
}

// maxAge maps a category to its retention window. Decisions and
// learnings persist longer than incidental detail.
func (s *Service) maxAge(category string) time.Duration {
	if category == engine.CategoryDetail {
		return s.detailMaxAge
	}
	return s.decisionMaxAge
}
