package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lowkeylabs/stratum/internal/engine"
	"github.com/lowkeylabs/stratum/internal/store"
)

// Server is the stratum HTTP API server. It is a thin JSON surface over
// the engine's four contracts; no engine logic lives here.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over the given store and engine.
func New(db *store.DB, eng *engine.Engine, version string) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Post("/snapshots", s.handleCreateSnapshot)
		r.Get("/snapshots/{snapshotID}", s.handleGetSnapshot)
		r.Delete("/snapshots/{snapshotID}", s.handleDeleteSnapshot)
		r.Post("/snapshots/{snapshotID}/causality", s.handleRecordCausality)
		r.Get("/snapshots/{snapshotID}/chain", s.handleGetChain)
		r.Get("/snapshots/{snapshotID}/dependencies", s.handleGetDependencies)

		r.Get("/projects/{project}/snapshots", s.handleListSnapshots)
		r.Get("/projects/{project}/predicted", s.handleTopPredicted)

		r.Get("/tiers/{tier}/lru", s.handleLeastRecentlyUsed)

		r.Post("/sweep/reclassify", s.handleReclassify)
		r.Post("/sweep/prune", s.handlePrune)
		r.Post("/sweep/predict", s.handlePredictBatch)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")

	total, err := s.db.CountSnapshots(project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	tiers, err := s.db.TierCounts(project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": total,
		"tiers":     tiers,
	})
}
