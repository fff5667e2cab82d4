package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo/pkg/engine"
	"github.com/mnemo-ai/mnemo/pkg/extraction"
)

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid memory id %q", r.PathValue("id"))
	}
	return id, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "query is required")
		return
	}

	hybrid := true
	if req.Hybrid != nil {
		hybrid = *req.Hybrid
	}

	results, err := s.engine.Search(r.Context(), req.Query, engine.SearchOptions{
		K:            req.K,
		Hybrid:       hybrid,
		Threshold:    req.Threshold,
		VectorWeight: req.VectorWeight,
		SourcePrefix: req.SourcePrefix,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decodeBody(r, &req); err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}
	if req.Category != "" && !engine.ValidCategory(req.Category) {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, fmt.Sprintf("unknown category %q", req.Category))
		return
	}

	results, err := s.engine.Add(r.Context(), []engine.AddItem{{
		Text:     req.Text,
		Source:   req.Source,
		Category: req.Category,
		Metadata: req.Metadata,
	}}, req.Deduplicate)
	if err != nil {
		writeError(w, err)
		return
	}

	res := results[0]
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	if res.Deduplicated {
		dup := res.DuplicateOf
		writeJSON(w, http.StatusOK, addResponse{Deduplicated: true, DuplicateOf: &dup})
		return
	}
	id := res.ID
	writeJSON(w, http.StatusCreated, addResponse{ID: &id, Memory: res.Memory})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}
	var req updateRequest
	if err := decodeBody(r, &req); err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}
	if req.Text == nil && req.Source == nil && req.MetadataPatch == nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "no fields to update")
		return
	}

	mem, err := s.engine.Update(r.Context(), id, req.Text, req.Source, req.MetadataPatch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := decodeBody(r, &req); err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}
	if req.Key == "" {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "key is required")
		return
	}

	mem, created, err := s.engine.Upsert(r.Context(), req.Text, req.Source, req.Key, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, upsertResponse{Memory: mem, Created: created})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}

	removed, err := s.engine.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeReason(w, http.StatusNotFound, ReasonNotFound, fmt.Sprintf("memory %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}

	mem, err := s.engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	memories, err := s.engine.List(r.URL.Query().Get("sourcePrefix"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if memories == nil {
		memories = []*engine.Memory{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": memories})
}

func (s *Server) handleExtractSubmit(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeBody(r, &req); err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "messages are required")
		return
	}
	if req.Context == "" {
		req.Context = extraction.ContextStop
	}
	if !extraction.ValidContext(req.Context) {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, fmt.Sprintf("unknown extraction context %q", req.Context))
		return
	}

	var b strings.Builder
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}

	job, err := s.scheduler.Submit(b.String(), req.Source, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, extractAccepted{JobID: job.ID})
}

func (s *Server) handleExtractPoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobId")
	job, ok := s.scheduler.Get(id)
	if !ok {
		writeReason(w, http.StatusNotFound, ReasonNotFound, fmt.Sprintf("job %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Backup(r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	infos, err := s.engine.ListBackups()
	if err != nil {
		writeError(w, err)
		return
	}
	if infos == nil {
		infos = []engine.BackupInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": infos})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decodeBody(r, &req); err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, err.Error())
		return
	}
	if req.BackupName == "" {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest, "backupName is required")
		return
	}

	if err := s.engine.Restore(req.BackupName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"restored": req.BackupName})
}

// Maintenance runs are serialized; a second request while one is in
// flight is refused rather than queued.
func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	if !s.maintenanceMu.TryLock() {
		writeReason(w, http.StatusConflict, ReasonBusy, "a maintenance run is already in flight")
		return
	}
	defer s.maintenanceMu.Unlock()

	dryRun := r.URL.Query().Get("dryRun") == "true"
	report, err := s.maintenance.Consolidate(r.Context(), dryRun, r.URL.Query().Get("sourcePrefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if !s.maintenanceMu.TryLock() {
		writeReason(w, http.StatusConflict, ReasonBusy, "a maintenance run is already in flight")
		return
	}
	defer s.maintenanceMu.Unlock()

	dryRun := r.URL.Query().Get("dryRun") == "true"
	report, err := s.maintenance.Prune(r.Context(), dryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		UptimeSeconds:   time.Since(s.startTime).Seconds(),
		LiveMemories:    stats.LiveMemories,
		ProviderHealthy: s.provider.HealthCheck(r.Context()),
		JobQueueDepth:   s.scheduler.QueueDepth(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
