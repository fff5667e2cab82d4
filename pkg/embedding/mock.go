package embedding

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
)

// MockEmbedder generates deterministic embeddings for testing. Identical
// text always yields the identical vector; distinct texts yield pseudo
// random unit vectors that are close to orthogonal. Specific texts can be
// pinned to fixed vectors to make similarity relationships explicit.
type MockEmbedder struct {
	dimension int
	mu        sync.Mutex
	pinned    map[string][]float32
	calls     int
}

func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{
		dimension: dimension,
		pinned:    make(map[string][]float32),
	}
}

// Pin fixes the vector returned for an exact text.
func (p *MockEmbedder) Pin(text string, vec []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned[text] = vec
}

// Calls returns how many Embed invocations have been made.
func (p *MockEmbedder) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockEmbedder) Dimension() int {
	return p.dimension
}

func (p *MockEmbedder) Model() string {
	return "mock"
}

func (p *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		p.mu.Lock()
		pinned, ok := p.pinned[text]
		p.mu.Unlock()
		if ok {
			out[i] = Normalize(pinned)
			continue
		}

		h := fnv.New64a()
		h.Write([]byte(text))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))

		vec := make([]float32, p.dimension)
		for j := range vec {
			vec[j] = float32(rng.NormFloat64())
		}
		out[i] = Normalize(vec)
	}
	return out, nil
}
