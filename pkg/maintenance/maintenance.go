package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mnemo-ai/mnemo/internal/observability"
	"github.com/mnemo-ai/mnemo/pkg/engine"
	"github.com/mnemo-ai/mnemo/pkg/provider"
)

const scanLimit = 10000

// Config holds maintenance configuration
type Config struct {
	Engine   *engine.Engine
	Provider provider.CompletionProvider
	Logger   zerolog.Logger

	SimilarityThreshold float64       // cluster membership cutoff
	MinClusterSize      int           // smallest cluster worth consolidating
	DetailMaxAge        time.Duration // prune age for detail memories
	DecisionMaxAge      time.Duration // prune age for decision and learning memories
	Schedule            string        // cron expression for the background cycle
}

// Service runs the self-maintenance cycle: consolidating near-duplicate
// clusters into single memories and pruning stale, never-retrieved ones.
type Service struct {
	engine   *engine.Engine
	provider provider.CompletionProvider
	logger   zerolog.Logger

	simThreshold   float64
	minClusterSize int
	detailMaxAge   time.Duration
	decisionMaxAge time.Duration
	schedule       string

	cron *cron.Cron
}

// New creates a maintenance service
func New(cfg Config) (*Service, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("completion provider is required")
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.80
	}
	if cfg.MinClusterSize == 0 {
		cfg.MinClusterSize = 3
	}
	if cfg.DetailMaxAge == 0 {
		cfg.DetailMaxAge = 60 * 24 * time.Hour
	}
	if cfg.DecisionMaxAge == 0 {
		cfg.DecisionMaxAge = 180 * 24 * time.Hour
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}

	observability.EnsureRegistered()

	return &Service{
		engine:         cfg.Engine,
		provider:       cfg.Provider,
		logger:         cfg.Logger,
		simThreshold:   cfg.SimilarityThreshold,
		minClusterSize: cfg.MinClusterSize,
		detailMaxAge:   cfg.DetailMaxAge,
		decisionMaxAge: cfg.DecisionMaxAge,
		schedule:       cfg.Schedule,
	}, nil
}

// Start schedules the background maintenance cycle
func (s *Service) Start() error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.runCycle); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info().Str("schedule", s.schedule).Msg("Maintenance cycle scheduled")
	return nil
}

// Stop halts the background cycle, waiting for a running one to finish
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// runCycle prunes before consolidating so stale memories are not merged
// into fresh ones first.
func (s *Service) runCycle() {
	ctx := context.Background()

	if report, err := s.Prune(ctx, false); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled pruning failed")
	} else if report.Pruned > 0 {
		s.logger.Info().Int("pruned", report.Pruned).Msg("Scheduled pruning completed")
	}

	if report, err := s.Consolidate(ctx, false, ""); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled consolidation failed")
	} else if len(report.Consolidations) > 0 {
		s.logger.Info().Int("clusters", len(report.Consolidations)).Msg("Scheduled consolidation completed")
	}
}

// Cluster is a group of mutually similar live memories
type Cluster struct {
	Members []*engine.Memory `json:"members"`
}

// FindClusters groups live memories by embedding similarity, optionally
// restricted to a source prefix. Each memory belongs to at most one
// cluster; membership goes to the first cluster that reaches it.
func (s *Service) FindClusters(ctx context.Context, sourcePrefix string) ([]Cluster, error) {
	memories, err := s.engine.List(sourcePrefix, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}

	// Oldest first so clusters form around the earliest occurrence
	sort.Slice(memories, func(i, j int) bool { return memories[i].ID < memories[j].ID })

	var clusters []Cluster
	claimed := make(map[int64]bool)

	for _, mem := range memories {
		if claimed[mem.ID] {
			continue
		}

		hits, err := s.engine.SimilarMemories(ctx, mem.Text, s.minClusterSize*4, s.simThreshold, sourcePrefix)
		if err != nil {
			s.logger.Warn().Err(err).Int64("id", mem.ID).Msg("Similarity scan failed")
			continue
		}

		var members []*engine.Memory
		for _, hit := range hits {
			if !claimed[hit.Memory.ID] {
				members = append(members, hit.Memory)
			}
		}
		if len(members) < s.minClusterSize {
			continue
		}

		for _, m := range members {
			claimed[m.ID] = true
		}
		clusters = append(clusters, Cluster{Members: members})
	}

	return clusters, nil
}

// Consolidation is one cluster merge, planned or applied
type Consolidation struct {
	MemberIDs  []int64 `json:"member_ids"`
	MergedText string  `json:"merged_text"`
	Category   string  `json:"category"`
	Source     string  `json:"source"`
	NewID      int64   `json:"new_id,omitempty"`
}

// ConsolidateReport summarizes one consolidation pass
type ConsolidateReport struct {
	Clusters       int             `json:"clusters"`
	Consolidations []Consolidation `json:"consolidations"`
	DryRun         bool            `json:"dry_run"`
}

// Consolidate merges each similarity cluster into a single memory using
// one completion call per cluster. With dryRun the merge plan is returned
// without mutating the store.
func (s *Service) Consolidate(ctx context.Context, dryRun bool, sourcePrefix string) (*ConsolidateReport, error) {
	clusters, err := s.FindClusters(ctx, sourcePrefix)
	if err != nil {
		return nil, err
	}

	report := &ConsolidateReport{Clusters: len(clusters), DryRun: dryRun}

	for _, cluster := range clusters {
		merged, err := s.mergeText(ctx, cluster.Members)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Cluster merge call failed, skipping cluster")
			continue
		}

		c := Consolidation{
			MemberIDs:  memberIDs(cluster.Members),
			MergedText: merged,
			Category:   majorityCategory(cluster.Members),
			Source:     cluster.Members[0].Source,
		}

		if !dryRun {
			newID, err := s.applyConsolidation(ctx, &c)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to apply consolidation")
				continue
			}
			c.NewID = newID
			observability.RecordConsolidation()
		}

		report.Consolidations = append(report.Consolidations, c)
	}

	return report, nil
}

// applyConsolidation stores the merged memory, then tombstones the
// members. The merged text is written first so a failure mid-apply loses
// no information.
func (s *Service) applyConsolidation(ctx context.Context, c *Consolidation) (int64, error) {
	from := make([]interface{}, len(c.MemberIDs))
	for i, id := range c.MemberIDs {
		from[i] = id
	}

	added, err := s.engine.Add(ctx, []engine.AddItem{{
		Text:     c.MergedText,
		Source:   c.Source,
		Category: c.Category,
		Metadata: map[string]interface{}{engine.MetaConsolidatedFrom: from},
	}}, false)
	if err != nil {
		return 0, err
	}
	if added[0].Err != nil {
		return 0, added[0].Err
	}

	for _, id := range c.MemberIDs {
		if _, err := s.engine.Delete(ctx, id); err != nil {
			s.logger.Warn().Err(err).Int64("id", id).Msg("Failed to tombstone consolidated member")
		}
	}
	return added[0].ID, nil
}

const consolidateSystemPrompt = `You merge several overlapping memory entries into one.

Write a single consolidated statement that preserves every distinct piece of information across the entries. Do not editorialize, do not add information, and do not drop specifics like names, numbers, or dates.

Respond with the consolidated statement only, no preamble.`

func (s *Service) mergeText(ctx context.Context, members []*engine.Memory) (string, error) {
	var b strings.Builder
	for i, m := range members {
		fmt.Fprintf(&b, "Entry %d: %s\n", i+1, m.Text)
	}

	completion, err := s.provider.Complete(ctx, consolidateSystemPrompt, b.String())
	if err != nil {
		observability.RecordProviderCall(s.provider.Provider(), "error")
		return "", err
	}
	observability.RecordProviderCall(s.provider.Provider(), "ok")

	merged := strings.TrimSpace(completion.Text)
	if merged == "" {
		return "", fmt.Errorf("provider returned an empty merge")
	}
	if len(merged) > engine.MaxTextLen {
		merged = merged[:engine.MaxTextLen]
	}
	return merged, nil
}

func memberIDs(members []*engine.Memory) []int64 {
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}

// majorityCategory picks the most common member category; ties go to the
// more durable one.
func majorityCategory(members []*engine.Memory) string {
	counts := make(map[string]int)
	for _, m := range members {
		counts[m.Category]++
	}
	best, bestN := engine.CategoryDetail, 0
	for _, cat := range []string{engine.CategoryDecision, engine.CategoryLearning, engine.CategoryDetail} {
		if counts[cat] > bestN {
			best, bestN = cat, counts[cat]
		}
	}
	return best
}
