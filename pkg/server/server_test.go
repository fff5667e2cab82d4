package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/pkg/embedding"
	"github.com/mnemo-ai/mnemo/pkg/engine"
	"github.com/mnemo-ai/mnemo/pkg/extraction"
	"github.com/mnemo-ai/mnemo/pkg/jobs"
	"github.com/mnemo-ai/mnemo/pkg/maintenance"
	"github.com/mnemo-ai/mnemo/pkg/provider"
)

// blockingProvider parks every Complete call until released, keeping
// extraction workers busy so queue limits can be exercised.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingProvider) Complete(ctx context.Context, system, user string) (*provider.Completion, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &provider.Completion{Text: "[]"}, nil
}

func (b *blockingProvider) SupportsStructuredReconciliation() bool { return true }
func (b *blockingProvider) HealthCheck(ctx context.Context) bool   { return true }
func (b *blockingProvider) Provider() string                       { return "blocking" }

type testStack struct {
	server   *httptest.Server
	engine   *engine.Engine
	embedder *embedding.MockEmbedder
}

func createTestServer(t *testing.T, prov provider.CompletionProvider, jobsCfg jobs.Config) (*testStack, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "server-test-*")
	require.NoError(t, err)

	emb := embedding.NewMockEmbedder(64)
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	eng, err := engine.New(engine.Config{
		DBPath:   filepath.Join(dir, "test.db"),
		Logger:   logger,
		Embedder: emb,
	})
	require.NoError(t, err)

	pipe, err := extraction.NewPipeline(extraction.Config{
		Provider: prov,
		Engine:   eng,
		Logger:   logger,
	})
	require.NoError(t, err)

	jobsCfg.Pipeline = pipe
	jobsCfg.Logger = logger
	scheduler, err := jobs.New(jobsCfg)
	require.NoError(t, err)

	maint, err := maintenance.New(maintenance.Config{
		Engine:   eng,
		Provider: prov,
		Logger:   logger,
	})
	require.NoError(t, err)

	srv, err := New(Options{}, eng, scheduler, maint, prov, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	cleanup := func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		scheduler.Stop(ctx)
		eng.Close()
		os.RemoveAll(dir)
	}
	return &testStack{server: ts, engine: eng, embedder: emb}, cleanup
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAddSearchDedupScenario(t *testing.T) {
	stack, cleanup := createTestServer(t, provider.NewMockProvider(true), jobs.Config{})
	defer cleanup()

	resp, body := doJSON(t, http.MethodPost, stack.server.URL+"/memory/add", map[string]interface{}{
		"text":   "Team prefers strict TypeScript mode",
		"source": "standards.md",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(0), body["id"])

	// Hybrid search finds the memory through the keyword leg even though
	// the mock embedding of the query is unrelated.
	resp, body = doJSON(t, http.MethodPost, stack.server.URL+"/search", map[string]interface{}{
		"query": "TypeScript config", "k": 3, "hybrid": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]interface{})
	require.NotEmpty(t, results)
	first := results[0].(map[string]interface{})
	assert.Equal(t, float64(0), first["memory"].(map[string]interface{})["id"])
	assert.Greater(t, first["score"].(float64), 0.0)

	// Identical text with deduplicate set yields no new id
	resp, body = doJSON(t, http.MethodPost, stack.server.URL+"/memory/add", map[string]interface{}{
		"text":        "Team prefers strict TypeScript mode",
		"source":      "standards.md",
		"deduplicate": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["deduplicated"])
	assert.Equal(t, float64(0), body["duplicateOf"])
	assert.NotContains(t, body, "id")
}

func TestMemoryCRUDRoutes(t *testing.T) {
	stack, cleanup := createTestServer(t, provider.NewMockProvider(true), jobs.Config{})
	defer cleanup()
	base := stack.server.URL

	resp, body := doJSON(t, http.MethodPost, base+"/memory/add", map[string]interface{}{
		"text": "original", "source": "team/project/notes.md",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(body["id"].(float64))

	resp, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/memory/%d", base, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "original", body["text"])

	resp, body = doJSON(t, http.MethodPatch, fmt.Sprintf("%s/memory/%d", base, id), map[string]interface{}{
		"text": "revised",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "revised", body["text"])

	resp, body = doJSON(t, http.MethodGet, base+"/memory?sourcePrefix=team/project", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["memories"], 1)

	resp, _ = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/memory/%d", base, id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/memory/%d", base, id), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ReasonNotFound, body["error"])
}

func TestUpsertRoute(t *testing.T) {
	stack, cleanup := createTestServer(t, provider.NewMockProvider(true), jobs.Config{})
	defer cleanup()

	resp, body := doJSON(t, http.MethodPost, stack.server.URL+"/memory/upsert", map[string]interface{}{
		"text": "deploy target is us-east-1", "source": "infra.md", "key": "deploy-region",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["created"])
	firstID := body["memory"].(map[string]interface{})["id"]

	resp, body = doJSON(t, http.MethodPost, stack.server.URL+"/memory/upsert", map[string]interface{}{
		"text": "deploy target is eu-west-1", "source": "infra.md", "key": "deploy-region",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, firstID, body["memory"].(map[string]interface{})["id"])
	assert.Equal(t, "deploy target is eu-west-1", body["memory"].(map[string]interface{})["text"])
}

func TestValidationErrors(t *testing.T) {
	stack, cleanup := createTestServer(t, provider.NewMockProvider(true), jobs.Config{})
	defer cleanup()
	base := stack.server.URL

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"empty search query", http.MethodPost, "/search", map[string]interface{}{"query": "  "}},
		{"empty add text", http.MethodPost, "/memory/add", map[string]interface{}{"text": ""}},
		{"unknown category", http.MethodPost, "/memory/add", map[string]interface{}{"text": "x", "category": "opinion"}},
		{"unknown field", http.MethodPost, "/memory/add", map[string]interface{}{"text": "x", "bogus": 1}},
		{"upsert without key", http.MethodPost, "/memory/upsert", map[string]interface{}{"text": "x"}},
		{"patch without fields", http.MethodPatch, "/memory/0", map[string]interface{}{}},
		{"extract without messages", http.MethodPost, "/memory/extract", map[string]interface{}{"source": "cli"}},
		{"extract bad context", http.MethodPost, "/memory/extract", map[string]interface{}{
			"messages": []map[string]string{{"role": "user", "content": "hi"}}, "context": "whenever"}},
		{"restore without name", http.MethodPost, "/restore", map[string]interface{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, tt.method, base+tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, ReasonInvalidRequest, body["error"])
		})
	}
}

func TestBackupRoutes(t *testing.T) {
	stack, cleanup := createTestServer(t, provider.NewMockProvider(true), jobs.Config{})
	defer cleanup()
	base := stack.server.URL

	doJSON(t, http.MethodPost, base+"/memory/add", map[string]interface{}{"text": "keep me", "source": "a.md"})

	resp, body := doJSON(t, http.MethodPost, base+"/backup?prefix=manual", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	name := body["name"].(string)
	assert.Contains(t, name, "manual_")

	resp, body = doJSON(t, http.MethodGet, base+"/backups", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["backups"], 1)

	resp, _ = doJSON(t, http.MethodPost, base+"/restore", map[string]interface{}{"backupName": name})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, base+"/restore", map[string]interface{}{"backupName": "manual_19700101_000000"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ReasonNotFound, body["error"])
}

func TestExtractRoutes(t *testing.T) {
	prov := provider.NewMockProvider(true,
		`[{"category":"decision","text":"weekly deploys happen on tuesdays"}]`,
		`[{"action":"ADD"}]`)
	stack, cleanup := createTestServer(t, prov, jobs.Config{})
	defer cleanup()
	base := stack.server.URL

	resp, body := doJSON(t, http.MethodPost, base+"/memory/extract", map[string]interface{}{
		"messages": []map[string]string{
			{"role": "user", "content": "when do we deploy?"},
			{"role": "assistant", "content": "weekly deploys happen on tuesdays"},
		},
		"source":  "sessions/2026-08-31",
		"context": "session_end",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	var job map[string]interface{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, job = doJSON(t, http.MethodGet, base+"/memory/extract/"+jobID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if job["status"] == "completed" || job["status"] == "failed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, "completed", job["status"])
	assert.Equal(t, float64(1), job["result"].(map[string]interface{})["stored"])

	resp, body = doJSON(t, http.MethodGet, base+"/memory/extract/unknown-job", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ReasonNotFound, body["error"])
}

func TestExtractBackpressureReturns429(t *testing.T) {
	prov := newBlockingProvider()
	stack, cleanup := createTestServer(t, prov, jobs.Config{Concurrency: 1, QueueDepth: 1})
	defer cleanup()
	base := stack.server.URL
	payload := map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "remember something"}},
		"source":   "cli",
	}

	resp, _ := doJSON(t, http.MethodPost, base+"/memory/extract", payload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-prov.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/memory/extract", payload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, base+"/memory/extract", payload)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, ReasonBackpressure, body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Greater(t, body["retryAfterMs"].(float64), 0.0)

	close(prov.release)
}

func TestMaintenanceRoutes(t *testing.T) {
	prov := provider.NewMockProvider(true, "the api rate limit is 100 rps")
	stack, cleanup := createTestServer(t, prov, jobs.Config{})
	defer cleanup()
	base := stack.server.URL

	trio := []string{"limit is 100 rps", "api capped at 100 rps", "100 rps api ceiling"}
	vec := make([]float32, 64)
	vec[0] = 1
	for _, text := range trio {
		stack.embedder.Pin(text, vec)
		resp, _ := doJSON(t, http.MethodPost, base+"/memory/add", map[string]interface{}{"text": text, "source": "api.md"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, base+"/maintenance/consolidate?dryRun=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["dry_run"])
	assert.Len(t, body["consolidations"], 1)

	resp, body = doJSON(t, http.MethodPost, base+"/maintenance/prune?dryRun=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["dry_run"])
}

func TestHealthAndStats(t *testing.T) {
	stack, cleanup := createTestServer(t, provider.NewMockProvider(true), jobs.Config{})
	defer cleanup()
	base := stack.server.URL

	doJSON(t, http.MethodPost, base+"/memory/add", map[string]interface{}{"text": "something", "source": "a.md"})

	resp, body := doJSON(t, http.MethodGet, base+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["liveMemories"])
	assert.Equal(t, true, body["providerHealthy"])

	resp, body = doJSON(t, http.MethodGet, base+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["live_memories"])

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
