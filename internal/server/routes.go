package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lowkeylabs/stratum/internal/engine"
	"github.com/lowkeylabs/stratum/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrCycle):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, engine.ErrUnknownActionType):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func warningStrings(warnings []error) []string {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = w.Error()
	}
	return out
}

func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project      string         `json:"project"`
		Summary      string         `json:"summary"`
		Tags         []string       `json:"tags"`
		Source       string         `json:"source"`
		Metadata     map[string]any `json:"metadata"`
		ActionType   string         `json:"action_type"`
		Rationale    string         `json:"rationale"`
		CausedBy     string         `json:"caused_by"`
		Dependencies []string       `json:"dependencies"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Project == "" {
		http.Error(w, `{"error":"project required"}`, http.StatusBadRequest)
		return
	}

	snap := &store.Snapshot{
		Project:      req.Project,
		Summary:      req.Summary,
		Tags:         req.Tags,
		Source:       req.Source,
		Metadata:     req.Metadata,
		ActionType:   req.ActionType,
		Rationale:    req.Rationale,
		CausedBy:     req.CausedBy,
		Dependencies: req.Dependencies,
	}
	if err := s.engine.Create(r.Context(), snap); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// handleGetSnapshot fetches a snapshot. The fetch counts as a qualifying
// read and updates access bookkeeping unless ?peek=1 is set.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")

	var snap *store.Snapshot
	var err error
	if r.URL.Query().Get("peek") != "" {
		snap, err = s.engine.Get(r.Context(), id)
	} else {
		snap, err = s.engine.Touch(r.Context(), id)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")

	if err := s.engine.Delete(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRecordCausality(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")

	var req struct {
		CausedBy     string   `json:"caused_by"`
		Dependencies []string `json:"dependencies"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	if err := s.engine.RecordCausality(r.Context(), id, req.CausedBy, req.Dependencies); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")

	direction, err := engine.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	walker, err := s.engine.GetChain(r.Context(), id, direction)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	chain, err := walker.Collect()
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"direction": direction,
		"chain":     chain,
		"warnings":  warningStrings(walker.Warnings()),
	})
}

func (s *Server) handleGetDependencies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")

	deps, err := s.engine.GetDependencies(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	limit := queryInt(r, "limit", 0)
	cursor := r.URL.Query().Get("cursor")

	page, next, err := s.engine.List(r.Context(), project, cursor, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": page,
		"cursor":    next,
	})
}

func (s *Server) handleTopPredicted(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	limit := queryInt(r, "limit", 10)

	ranked, err := s.engine.TopPredicted(r.Context(), project, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": ranked})
}

func (s *Server) handleLeastRecentlyUsed(w http.ResponseWriter, r *http.Request) {
	tier := chi.URLParam(r, "tier")
	project := r.URL.Query().Get("project")
	limit := queryInt(r, "limit", 10)

	candidates, err := s.engine.LeastRecentlyUsed(r.Context(), tier, project, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": candidates})
}

func (s *Server) handleReclassify(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	cursor := r.URL.Query().Get("cursor")

	report, err := s.engine.ReclassifyAll(r.Context(), project, cursor)
	if err != nil {
		// Partial progress is still a result the caller can resume from.
		writeJSON(w, http.StatusOK, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	dryRun := r.URL.Query().Get("dry_run") != "false"

	report, err := s.engine.Prune(r.Context(), project, dryRun)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (s *Server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	cursor := r.URL.Query().Get("cursor")

	var staleness time.Duration // zero = engine default
	if raw := r.URL.Query().Get("staleness"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		staleness = parsed
	}

	report, err := s.engine.PredictBatch(r.Context(), project, staleness, cursor)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}
