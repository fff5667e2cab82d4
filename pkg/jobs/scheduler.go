package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/mnemo-ai/mnemo/internal/observability"
	"github.com/mnemo-ai/mnemo/pkg/extraction"
)

// ErrQueueFull signals backpressure: the caller should retry later.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned for submissions after shutdown began.
var ErrStopped = errors.New("scheduler is stopped")

// Status is a job's position in its lifecycle
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one extraction unit of work
type Job struct {
	ID         string             `json:"id"`
	Status     Status             `json:"status"`
	Source     string             `json:"source"`
	Context    string             `json:"context"`
	Result     *extraction.Result `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

type jobRecord struct {
	job          Job
	conversation string
}

// Config holds scheduler configuration
type Config struct {
	Pipeline    *extraction.Pipeline
	Logger      zerolog.Logger
	Concurrency int           // worker pool size
	QueueDepth  int           // waiting jobs beyond the running set
	TTL         time.Duration // terminal job retention
	MaxRecords  int           // hard cap on stored job records
	AfterBurst  func()        // invoked when the queue drains, may be nil
}

// Scheduler runs extraction jobs on a bounded worker pool with a bounded
// queue. Submissions beyond capacity are rejected synchronously; terminal
// jobs are retained for polling until TTL or cap eviction.
type Scheduler struct {
	pipeline *extraction.Pipeline
	logger   zerolog.Logger

	concurrency int
	queueDepth  int
	ttl         time.Duration
	maxRecords  int
	afterBurst  func()

	mu      sync.Mutex
	records map[string]*jobRecord
	queue   chan string
	stopped bool

	wg         sync.WaitGroup
	janitorCtx context.Context
	janitorEnd context.CancelFunc
}

// New creates and starts a scheduler
func New(cfg Config) (*Scheduler, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("extraction pipeline is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 200
	}

	observability.EnsureRegistered()

	janitorCtx, janitorEnd := context.WithCancel(context.Background())
	s := &Scheduler{
		pipeline:    cfg.Pipeline,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		queueDepth:  cfg.QueueDepth,
		ttl:         cfg.TTL,
		maxRecords:  cfg.MaxRecords,
		afterBurst:  cfg.AfterBurst,
		records:     make(map[string]*jobRecord),
		queue:       make(chan string, cfg.QueueDepth),
		janitorCtx:  janitorCtx,
		janitorEnd:  janitorEnd,
	}

	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	go s.janitor()

	return s, nil
}

// Submit enqueues an extraction job. When the queue is full the job is
// rejected immediately with ErrQueueFull; it is never queued unboundedly.
func (s *Scheduler) Submit(conversation, source, extractionContext string) (*Job, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	rec := &jobRecord{
		job: Job{
			ID:        id,
			Status:    StatusQueued,
			Source:    source,
			Context:   extractionContext,
			CreatedAt: time.Now(),
		},
		conversation: conversation,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}

	// The enqueue attempt happens under the lock: Stop closes the queue
	// only after flipping stopped, so a send on a closed channel cannot
	// happen here.
	select {
	case s.queue <- id:
	default:
		s.mu.Unlock()
		observability.RecordJobRejected()
		s.logger.Warn().Str("source", source).Msg("Extraction job rejected, queue full")
		return nil, ErrQueueFull
	}

	s.evictOverCapLocked()
	s.records[id] = rec
	job := rec.job
	s.mu.Unlock()

	observability.SetJobQueueDepth(len(s.queue))
	return &job, nil
}

// Get returns a copy of a job's current state
func (s *Scheduler) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	job := rec.job
	return &job, true
}

// QueueDepth returns the number of jobs waiting to run
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// Stop rejects new submissions and waits for in-flight jobs until ctx
// expires. Jobs are not preempted mid-flight.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.queue)
	s.janitorEnd()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler drained")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Scheduler shutdown timed out with jobs in flight")
		return ctx.Err()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for id := range s.queue {
		s.run(id)
		observability.SetJobQueueDepth(len(s.queue))
		if len(s.queue) == 0 && s.afterBurst != nil {
			s.afterBurst()
		}
	}
}

func (s *Scheduler) run(id string) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.job.Status = StatusRunning
	conversation := rec.conversation
	source := rec.job.Source
	extractionContext := rec.job.Context
	s.mu.Unlock()

	start := time.Now()
	result, err := s.pipeline.Run(context.Background(), conversation, source, extractionContext)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop the transcript; only the result needs to outlive the run
	rec.conversation = ""
	now := time.Now()
	rec.job.FinishedAt = &now

	if err != nil {
		rec.job.Status = StatusFailed
		rec.job.Error = err.Error()
		observability.RecordJob("failed", time.Since(start))
		s.logger.Error().Err(err).Str("job", id).Msg("Extraction job failed")
		return
	}

	rec.job.Status = StatusCompleted
	rec.job.Result = result
	observability.RecordJob("completed", time.Since(start))
}

// evictOverCapLocked drops oldest-finished terminal jobs to stay under
// the record cap. Caller holds mu.
func (s *Scheduler) evictOverCapLocked() {
	if len(s.records) < s.maxRecords {
		return
	}

	type finished struct {
		id string
		at time.Time
	}
	var candidates []finished
	for id, rec := range s.records {
		if rec.job.Status.Terminal() && rec.job.FinishedAt != nil {
			candidates = append(candidates, finished{id: id, at: *rec.job.FinishedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].at.Before(candidates[j].at)
	})

	for _, c := range candidates {
		if len(s.records) < s.maxRecords {
			break
		}
		delete(s.records, c.id)
	}
}

// janitor evicts terminal jobs past the retention TTL
func (s *Scheduler) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorCtx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.ttl)
			s.mu.Lock()
			for id, rec := range s.records {
				if rec.job.Status.Terminal() && rec.job.FinishedAt != nil && rec.job.FinishedAt.Before(cutoff) {
					delete(s.records, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
