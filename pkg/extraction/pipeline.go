package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mnemo-ai/mnemo/internal/observability"
	"github.com/mnemo-ai/mnemo/pkg/engine"
	"github.com/mnemo-ai/mnemo/pkg/provider"
)

// Fact is one durable statement extracted from a transcript
type Fact struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

// Result summarizes one pipeline run
type Result struct {
	Facts   []Fact   `json:"facts"`
	Actions []Action `json:"actions"`
	Stored  int      `json:"stored"`
	Updated int      `json:"updated"`
	Deleted int      `json:"deleted"`
}

// Config holds pipeline configuration
type Config struct {
	Provider      provider.CompletionProvider
	Engine        *engine.Engine
	Logger        zerolog.Logger
	MaxFacts      int // facts kept per run
	MaxFactLen    int // characters kept per fact
	MaxTranscript int // transcript characters sent to the provider
	NeighborK     int // hybrid-search neighbors per fact for reconciliation
}

// Pipeline turns raw conversation transcripts into curated memory
// mutations: one completion call extracts facts, a second reconciles them
// against the index (AUDN), and the resulting actions are executed.
// Total provider calls are bounded at two per run regardless of fact
// count.
type Pipeline struct {
	provider      provider.CompletionProvider
	engine        *engine.Engine
	logger        zerolog.Logger
	maxFacts      int
	maxFactLen    int
	maxTranscript int
	neighborK     int
}

// NewPipeline creates an extraction pipeline
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("completion provider is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.MaxFacts == 0 {
		cfg.MaxFacts = 20
	}
	if cfg.MaxFactLen == 0 {
		cfg.MaxFactLen = 500
	}
	if cfg.MaxTranscript == 0 {
		cfg.MaxTranscript = 60000
	}
	if cfg.NeighborK == 0 {
		cfg.NeighborK = 5
	}

	return &Pipeline{
		provider:      cfg.Provider,
		engine:        cfg.Engine,
		logger:        cfg.Logger,
		maxFacts:      cfg.MaxFacts,
		maxFactLen:    cfg.MaxFactLen,
		maxTranscript: cfg.MaxTranscript,
		neighborK:     cfg.NeighborK,
	}, nil
}

// Run executes extract, reconcile, and apply for one transcript
func (p *Pipeline) Run(ctx context.Context, conversation, source, extractionContext string) (*Result, error) {
	facts := p.ExtractFacts(ctx, conversation, extractionContext)
	if len(facts) == 0 {
		p.logger.Debug().Str("context", extractionContext).Msg("No durable facts extracted")
		return &Result{}, nil
	}

	actions := p.RunAUDN(ctx, facts, source)
	result := p.ExecuteActions(ctx, actions, facts, source)
	result.Facts = facts

	p.logger.Info().
		Str("source", source).
		Str("context", extractionContext).
		Int("facts", len(facts)).
		Int("stored", result.Stored).
		Int("updated", result.Updated).
		Int("deleted", result.Deleted).
		Msg("Extraction completed")

	return result, nil
}

// ExtractFacts asks the provider for durable facts in the transcript.
// Provider failure and unparseable output both degrade to an empty list.
func (p *Pipeline) ExtractFacts(ctx context.Context, conversation, extractionContext string) []Fact {
	conversation = strings.TrimSpace(conversation)
	if conversation == "" {
		return nil
	}
	if len(conversation) > p.maxTranscript {
		// Keep the tail; recent turns carry the decisions
		conversation = conversation[len(conversation)-p.maxTranscript:]
	}

	completion, err := p.provider.Complete(ctx, systemPromptFor(extractionContext), conversation)
	if err != nil {
		observability.RecordProviderCall(p.provider.Provider(), "error")
		p.logger.Warn().Err(err).Msg("Fact extraction call failed")
		return nil
	}
	observability.RecordProviderCall(p.provider.Provider(), "ok")

	facts := parseFacts(completion.Text)
	if len(facts) > p.maxFacts {
		facts = facts[:p.maxFacts]
	}
	for i := range facts {
		if len(facts[i].Text) > p.maxFactLen {
			facts[i].Text = facts[i].Text[:p.maxFactLen]
		}
		if !engine.ValidCategory(facts[i].Category) {
			facts[i].Category = engine.CategoryDetail
		}
	}
	return facts
}
