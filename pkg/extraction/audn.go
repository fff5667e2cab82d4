package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/mnemo-ai/mnemo/internal/observability"
	"github.com/mnemo-ai/mnemo/pkg/engine"
)

// ActionType is one reconciliation decision
type ActionType string

const (
	ActionAdd    ActionType = "add"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionNoop   ActionType = "noop"
	ActionError  ActionType = "error"
)

// Action ties one reconciliation decision to one extracted fact
type Action struct {
	Type      ActionType `json:"type"`
	FactIndex int        `json:"fact_index"`
	Text      string     `json:"text,omitempty"`
	Category  string     `json:"category,omitempty"`
	OldID     int64      `json:"old_id,omitempty"`
	NewID     int64      `json:"new_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// RunAUDN reconciles facts against the index. Structured providers get
// one batched completion call covering all facts and their hybrid-search
// neighbors; others degrade to a per-fact novelty check emitting only
// ADD and NOOP. Unusable reconciliation output fails safe as all-ADD.
func (p *Pipeline) RunAUDN(ctx context.Context, facts []Fact, source string) []Action {
	if len(facts) == 0 {
		return nil
	}

	if !p.provider.SupportsStructuredReconciliation() {
		return p.noveltyActions(ctx, facts)
	}

	prompt := p.buildReconcilePrompt(ctx, facts, source)

	completion, err := p.provider.Complete(ctx, reconcileSystemPrompt, prompt)
	if err != nil {
		observability.RecordProviderCall(p.provider.Provider(), "error")
		p.logger.Warn().Err(err).Msg("Reconciliation call failed, storing all facts")
		return addAll(facts)
	}
	observability.RecordProviderCall(p.provider.Provider(), "ok")

	raws, ok := parseActions(completion.Text, len(facts))
	if !ok {
		p.logger.Warn().Msg("Reconciliation output unparseable, storing all facts")
		return addAll(facts)
	}

	actions := make([]Action, len(facts))
	for i, raw := range raws {
		actions[i] = Action{FactIndex: i, Category: facts[i].Category}
		switch raw.Action {
		case "ADD":
			actions[i].Type = ActionAdd
			actions[i].Text = facts[i].Text
		case "UPDATE":
			actions[i].Type = ActionUpdate
			actions[i].OldID = raw.ID
			actions[i].Text = raw.Text
			if actions[i].Text == "" {
				actions[i].Text = facts[i].Text
			}
			if engine.ValidCategory(raw.Category) {
				actions[i].Category = raw.Category
			}
		case "DELETE":
			actions[i].Type = ActionDelete
			actions[i].OldID = raw.ID
		case "NOOP":
			actions[i].Type = ActionNoop
			actions[i].OldID = raw.ID
		}
	}
	return actions
}

// noveltyActions is the degraded reconciliation path: ADD below the
// novelty threshold, NOOP otherwise. No completion call is made.
func (p *Pipeline) noveltyActions(ctx context.Context, facts []Fact) []Action {
	actions := make([]Action, len(facts))
	for i, fact := range facts {
		actions[i] = Action{
			Type:      ActionAdd,
			FactIndex: i,
			Text:      fact.Text,
			Category:  fact.Category,
		}

		results, err := p.engine.Search(ctx, fact.Text, engine.SearchOptions{K: 1, Hybrid: false})
		if err != nil {
			p.logger.Warn().Err(err).Msg("Novelty probe failed, treating fact as new")
			continue
		}
		if len(results) > 0 && results[0].Score >= p.engine.NoveltyThreshold() {
			actions[i].Type = ActionNoop
			actions[i].Text = ""
			actions[i].OldID = results[0].Memory.ID
		}
	}
	return actions
}

// buildReconcilePrompt lists every fact with its nearest existing
// memories. Neighbor lookups use the engine's own hybrid search.
func (p *Pipeline) buildReconcilePrompt(ctx context.Context, facts []Fact, source string) string {
	var b strings.Builder
	for i, fact := range facts {
		fmt.Fprintf(&b, "Fact %d (%s): %s\n", i, fact.Category, fact.Text)

		neighbors, err := p.engine.Search(ctx, fact.Text, engine.SearchOptions{
			K:            p.neighborK,
			Hybrid:       true,
			SourcePrefix: source,
		})
		if err != nil {
			p.logger.Warn().Err(err).Int("fact", i).Msg("Neighbor lookup failed")
		}
		if len(neighbors) == 0 {
			b.WriteString("  (no similar memories)\n")
			continue
		}
		for _, n := range neighbors {
			fmt.Fprintf(&b, "  memory %d: %s\n", n.Memory.ID, n.Memory.Text)
		}
	}
	return b.String()
}

func addAll(facts []Fact) []Action {
	actions := make([]Action, len(facts))
	for i, fact := range facts {
		actions[i] = Action{
			Type:      ActionAdd,
			FactIndex: i,
			Text:      fact.Text,
			Category:  fact.Category,
		}
	}
	return actions
}

// ExecuteActions applies reconciliation decisions to the index. Each
// action's failure is recorded in place and does not abort the rest of
// the batch.
func (p *Pipeline) ExecuteActions(ctx context.Context, actions []Action, facts []Fact, source string) *Result {
	result := &Result{}

	for i := range actions {
		action := &actions[i]
		switch action.Type {
		case ActionAdd:
			// AUDN already decided novelty; dedup stays off
			added, err := p.engine.Add(ctx, []engine.AddItem{{
				Text:     action.Text,
				Source:   source,
				Category: action.Category,
			}}, false)
			if err != nil {
				p.failAction(action, err)
				continue
			}
			if added[0].Err != nil {
				p.failAction(action, added[0].Err)
				continue
			}
			action.NewID = added[0].ID
			result.Stored++

		case ActionUpdate:
			deleted, err := p.engine.Delete(ctx, action.OldID)
			if err != nil {
				p.failAction(action, err)
				continue
			}
			item := engine.AddItem{
				Text:     action.Text,
				Source:   source,
				Category: action.Category,
			}
			if deleted {
				// Audit trail, not an in-place edit
				item.Metadata = map[string]interface{}{engine.MetaSupersedes: action.OldID}
			}
			added, err := p.engine.Add(ctx, []engine.AddItem{item}, false)
			if err != nil {
				p.failAction(action, err)
				continue
			}
			if added[0].Err != nil {
				p.failAction(action, added[0].Err)
				continue
			}
			action.NewID = added[0].ID
			result.Updated++

		case ActionDelete:
			deleted, err := p.engine.Delete(ctx, action.OldID)
			if err != nil {
				p.failAction(action, err)
				continue
			}
			if !deleted {
				p.failAction(action, engine.ErrNotFound)
				continue
			}
			result.Deleted++

		case ActionNoop:
			// Recorded only
		}
	}

	result.Actions = actions
	return result
}

func (p *Pipeline) failAction(action *Action, err error) {
	p.logger.Warn().
		Err(err).
		Int("fact", action.FactIndex).
		Str("action", string(action.Type)).
		Msg("Action execution failed")
	action.Type = ActionError
	action.Error = err.Error()
}
