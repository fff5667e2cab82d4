package maintenance

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnemo-ai/mnemo/internal/observability"
)

// Reclaimer returns freed heap to the OS after bursty work, at most once
// per cooldown. sqlite-vec churn during extraction bursts leaves the
// process holding pages it no longer needs.
type Reclaimer struct {
	mu       sync.Mutex
	last     time.Time
	cooldown time.Duration
	logger   zerolog.Logger
}

// NewReclaimer creates a reclaimer with the given cooldown
func NewReclaimer(cooldown time.Duration, logger zerolog.Logger) *Reclaimer {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Reclaimer{cooldown: cooldown, logger: logger}
}

// Reclaim releases memory to the OS unless one ran within the cooldown
func (r *Reclaimer) Reclaim() {
	r.mu.Lock()
	if time.Since(r.last) < r.cooldown {
		r.mu.Unlock()
		return
	}
	r.last = time.Now()
	r.mu.Unlock()

	debug.FreeOSMemory()
	observability.RecordReclaim()
	r.logger.Debug().Msg("Returned freed memory to the OS")
}
