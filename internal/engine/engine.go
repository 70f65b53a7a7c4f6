package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowkeylabs/stratum/internal/config"
	"github.com/lowkeylabs/stratum/internal/store"
)

// recognizedActionTypes is the documented enumeration. The enumeration is
// open: with strict mode off, anything else is stored as-is.
var recognizedActionTypes = map[string]bool{
	"":             true,
	"conversation": true,
	"decision":     true,
	"file_edit":    true,
	"tool_use":     true,
	"research":     true,
}

// Engine implements the three layers over the snapshot store: causal
// provenance tracking, tier classification with access bookkeeping, and
// relevance prediction.
//
// Per-snapshot mutation is serialized on a per-id lock table; there is no
// global lock, so operations on different snapshots run concurrently.
// Batches page through the store and stop between rows on context
// cancellation; already-applied row updates remain valid.
type Engine struct {
	DB *store.DB

	tiers      config.TierConfig
	prediction config.PredictionConfig
	pageSize   int
	strict     bool

	now   func() time.Time
	locks idLocks
}

// New creates an Engine over the given store with the given
// configuration. Callers are expected to have run cfg.Validate; the two
// settings whose zero values would break score arithmetic or paging are
// clamped anyway.
func New(db *store.DB, cfg config.Config) *Engine {
	if cfg.Prediction.CentralityCap < 1 {
		cfg.Prediction.CentralityCap = 1
	}
	if cfg.Engine.BatchPageSize < 1 {
		cfg.Engine.BatchPageSize = 1
	}
	return &Engine{
		DB:         db,
		tiers:      cfg.Tiers,
		prediction: cfg.Prediction,
		pageSize:   cfg.Engine.BatchPageSize,
		strict:     cfg.Engine.StrictActionTypes,
		now:        time.Now,
		locks:      idLocks{held: make(map[string]*idLock)},
	}
}

// Create records a new snapshot. The caller fills the opaque content
// fields and optionally the causal fields; Create assigns the id,
// creation timestamp and initial tier, then persists the row.
func (e *Engine) Create(ctx context.Context, s *store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Project == "" {
		return fmt.Errorf("project is required")
	}
	if e.strict && !recognizedActionTypes[s.ActionType] {
		return fmt.Errorf("action_type %q: %w", s.ActionType, ErrUnknownActionType)
	}

	// A fresh id cannot appear in any existing ancestor chain, so the
	// caused_by link needs no cycle check here. A caused_by or dependency
	// id unknown to the local store is allowed: forward references are
	// lenient.
	s.ID = uuid.NewString()
	s.Timestamp = e.now().UnixMilli()
	s.MemoryTier = e.TierFor(0)

	if err := e.DB.CreateSnapshot(s); err != nil {
		return err
	}
	return nil
}

// Get fetches a snapshot without recording an access. Reads that should
// count toward relevance go through Touch instead.
func (e *Engine) Get(ctx context.Context, id string) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := e.DB.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s, nil
}

// List returns one page of snapshots with a continuation cursor, empty
// project meaning all projects.
func (e *Engine) List(ctx context.Context, project, cursor string, limit int) ([]store.Snapshot, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > e.pageSize {
		limit = e.pageSize
	}
	afterTS, afterID, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	page, err := e.DB.ListSnapshots(project, afterTS, afterID, limit)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(page) == limit {
		last := page[len(page)-1]
		next = batchCursor(last.Timestamp, last.ID)
	}
	return page, next, nil
}

// Delete removes a snapshot at the caller's explicit request. Children
// keep their caused_by reference; chain walks report the dangle as
// "ancestor pruned" rather than failing.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.withLock(id, func() error {
		deleted, err := e.DB.DeleteSnapshot(id)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// withLock runs fn while holding the per-id lock, mapping a store-level
// zero-rows result onto ErrNotFound.
func (e *Engine) withLock(id string, fn func() error) error {
	lk := e.locks.acquire(id)
	defer e.locks.release(id, lk)
	if err := fn(); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

// withLockPair runs fn holding the locks of both ids, acquired in a
// fixed order so two calls touching the same pair serialize regardless
// of argument order.
func (e *Engine) withLockPair(a, b string, fn func() error) error {
	if b == "" || b == a {
		return e.withLock(a, fn)
	}
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	lk := e.locks.acquire(first)
	defer e.locks.release(first, lk)
	return e.withLock(second, fn)
}

// idLocks serializes mutation at snapshot-id granularity. Entries are
// created on demand and removed when the last holder releases, so the
// table stays proportional to in-flight operations, not store size.
type idLocks struct {
	mu   sync.Mutex
	held map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func (l *idLocks) acquire(id string) *idLock {
	l.mu.Lock()
	lk, ok := l.held[id]
	if !ok {
		lk = &idLock{}
		l.held[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return lk
}

func (l *idLocks) release(id string, lk *idLock) {
	lk.mu.Unlock()

	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.held, id)
	}
	l.mu.Unlock()
}
