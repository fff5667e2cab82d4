package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mnemo-ai/mnemo/pkg/engine"
	"github.com/mnemo-ai/mnemo/pkg/jobs"
)

// Enumerable error reasons. Clients branch on these, not on message text.
const (
	ReasonInvalidRequest = "invalid_request"
	ReasonNotFound       = "not_found"
	ReasonBackpressure   = "backpressure"
	ReasonBackupInvalid  = "backup_invalid"
	ReasonBusy           = "busy"
	ReasonShuttingDown   = "shutting_down"
	ReasonInternal       = "internal"
)

// retryAfterSeconds is the hint returned with backpressure rejections
const retryAfterSeconds = 2

type errorResponse struct {
	Error        string `json:"error"`
	Detail       string `json:"detail,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

type searchRequest struct {
	Query        string  `json:"query"`
	K            int     `json:"k"`
	Hybrid       *bool   `json:"hybrid"`
	Threshold    float64 `json:"threshold"`
	VectorWeight float64 `json:"vectorWeight"`
	SourcePrefix string  `json:"sourcePrefix"`
}

type addRequest struct {
	Text        string                 `json:"text"`
	Source      string                 `json:"source"`
	Category    string                 `json:"category"`
	Deduplicate bool                   `json:"deduplicate"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type addResponse struct {
	ID           *int64         `json:"id,omitempty"`
	Memory       *engine.Memory `json:"memory,omitempty"`
	Deduplicated bool           `json:"deduplicated"`
	DuplicateOf  *int64         `json:"duplicateOf,omitempty"`
}

type updateRequest struct {
	Text          *string                `json:"text"`
	Source        *string                `json:"source"`
	MetadataPatch map[string]interface{} `json:"metadataPatch"`
}

type upsertRequest struct {
	Text     string                 `json:"text"`
	Source   string                 `json:"source"`
	Key      string                 `json:"key"`
	Metadata map[string]interface{} `json:"metadata"`
}

type upsertResponse struct {
	Memory  *engine.Memory `json:"memory"`
	Created bool           `json:"created"`
}

type restoreRequest struct {
	BackupName string `json:"backupName"`
}

// Message is one conversation turn submitted for extraction
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type extractRequest struct {
	Messages []Message `json:"messages"`
	Source   string    `json:"source"`
	Context  string    `json:"context"`
}

type extractAccepted struct {
	JobID string `json:"jobId"`
}

type healthResponse struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime"`
	LiveMemories    int     `json:"liveMemories"`
	ProviderHealthy bool    `json:"providerHealthy"`
	JobQueueDepth   int     `json:"jobQueueDepth"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeReason(w http.ResponseWriter, status int, reason, detail string) {
	writeJSON(w, status, errorResponse{Error: reason, Detail: detail})
}

// writeError maps sentinel errors onto the taxonomy: validation,
// not-found, backpressure, and integrity failures are distinguished from
// generic internal errors so callers know whether to retry.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, engine.ErrBackupNotFound):
		writeReason(w, http.StatusNotFound, ReasonNotFound, err.Error())
	case errors.Is(err, engine.ErrEmptyText), errors.Is(err, engine.ErrTextTooLong):
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
	case errors.Is(err, engine.ErrBackupInvalid):
		writeReason(w, http.StatusConflict, ReasonBackupInvalid, err.Error())
	case errors.Is(err, jobs.ErrQueueFull):
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:        ReasonBackpressure,
			Detail:       err.Error(),
			RetryAfterMs: retryAfterSeconds * 1000,
		})
	default:
		writeReason(w, http.StatusInternalServerError, ReasonInternal, err.Error())
	}
}
