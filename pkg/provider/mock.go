package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a scripted CompletionProvider for testing. Each Complete
// call pops the next queued response; an exhausted script returns an error.
type MockProvider struct {
	mu         sync.Mutex
	responses  []string
	calls      []string // user prompts, in order
	structured bool
	healthy    bool
	err        error
}

func NewMockProvider(structured bool, responses ...string) *MockProvider {
	return &MockProvider{
		responses:  responses,
		structured: structured,
		healthy:    true,
	}
}

// FailWith makes every Complete call return err.
func (p *MockProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns the user prompts received so far.
func (p *MockProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *MockProvider) Provider() string {
	return "mock"
}

func (p *MockProvider) SupportsStructuredReconciliation() bool {
	return p.structured
}

func (p *MockProvider) HealthCheck(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *MockProvider) Complete(ctx context.Context, system, user string) (*Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, user)

	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("mock provider script exhausted")
	}

	text := p.responses[0]
	p.responses = p.responses[1:]

	return &Completion{
		Text:         text,
		InputTokens:  len(system+user) / 4,
		OutputTokens: len(text) / 4,
	}, nil
}
