package engine

import (
	"context"
	"fmt"

	"github.com/lowkeylabs/stratum/internal/store"
)

// Direction selects which way a chain walk traverses the causal forest.
type Direction string

const (
	// DirectionUp follows caused_by links toward the root.
	DirectionUp Direction = "up"
	// DirectionDown walks reverse caused_by edges breadth-first.
	DirectionDown Direction = "down"
)

// ParseDirection validates a direction string from an external surface.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionUp, DirectionDown:
		return Direction(s), nil
	}
	return "", fmt.Errorf("direction must be %q or %q, got %q", DirectionUp, DirectionDown, s)
}

// RecordCausality attaches provenance to an existing snapshot: at most
// one caused_by parent and an ordered dependency list. The parent link is
// rejected with ErrCycle if following caused_by links upward from the
// proposed parent would reach id itself; on rejection nothing is written.
// Dependency ids are not required to resolve locally.
//
// Both endpoints of the proposed link are locked, so two concurrent
// calls linking the same pair in opposite directions cannot both pass
// the cycle check.
func (e *Engine) RecordCausality(ctx context.Context, id, causedBy string, dependencies []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.withLockPair(id, causedBy, func() error {
		s, err := e.DB.GetSnapshot(id)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}

		if causedBy != "" {
			if err := e.ensureNoCycle(ctx, id, causedBy); err != nil {
				return err
			}
		}
		return e.DB.UpdateCausality(id, causedBy, dependencies)
	})
}

// ensureNoCycle walks caused_by links upward from parent and fails with
// ErrCycle if the walk reaches id. The visited set bounds the walk even
// when stored data already violates the forest invariant; a revisit of
// some other node means the pre-existing loop does not pass through id,
// so the new link is still safe.
func (e *Engine) ensureNoCycle(ctx context.Context, id, parent string) error {
	if parent == id {
		return fmt.Errorf("%s caused_by itself: %w", id, ErrCycle)
	}

	visited := make(map[string]bool)
	current := parent
	for current != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		if current == id {
			return fmt.Errorf("%s is an ancestor of proposed parent %s: %w", id, parent, ErrCycle)
		}
		if visited[current] {
			return nil
		}
		visited[current] = true

		s, err := e.DB.GetSnapshot(current)
		if err != nil {
			return err
		}
		if s == nil {
			// Unresolved ancestor: tolerated, the chain just ends here.
			return nil
		}
		current = s.CausedBy
	}
	return nil
}

// ChainWalker is a lazy, finite walk over a causal chain. Each Next call
// fetches at most one snapshot; the walk is restartable by calling
// GetChain again. Walks always terminate: revisits are detected and
// reported through Warnings rather than looped on.
type ChainWalker struct {
	engine    *Engine
	ctx       context.Context
	direction Direction
	queue     []string
	visited   map[string]bool
	warnings  []error
}

// GetChain starts a walk from id. direction up yields id and then its
// ancestors following caused_by until the root; direction down yields id
// and then its descendants breadth-first, each node once.
func (e *Engine) GetChain(ctx context.Context, id string, direction Direction) (*ChainWalker, error) {
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
	return &ChainWalker{
		engine:    e,
		ctx:       ctx,
		direction: direction,
		queue:     []string{id},
		visited:   make(map[string]bool),
	}, nil
}

// Next returns the next snapshot in the walk, or (nil, nil) when the walk
// is exhausted. Recoverable conditions encountered along the way are
// available from Warnings after exhaustion.
func (w *ChainWalker) Next() (*store.Snapshot, error) {
	for len(w.queue) > 0 {
		if err := w.ctx.Err(); err != nil {
			return nil, err
		}

		id := w.queue[0]
		w.queue = w.queue[1:]

		if w.visited[id] {
			w.warnings = append(w.warnings, fmt.Errorf("%s: %w", id, ErrCycleDetected))
			continue
		}
		w.visited[id] = true

		s, err := w.engine.DB.GetSnapshot(id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			// Only reachable through a dangling caused_by pointer.
			w.warnings = append(w.warnings, fmt.Errorf("%s: %w", id, ErrAncestorPruned))
			continue
		}

		switch w.direction {
		case DirectionUp:
			if s.CausedBy != "" {
				w.queue = append(w.queue, s.CausedBy)
			}
		case DirectionDown:
			children, err := w.engine.DB.Children(id)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				w.queue = append(w.queue, child.ID)
			}
		}
		return s, nil
	}
	return nil, nil
}

// Warnings reports recoverable conditions hit so far: ErrCycleDetected
// for revisits, ErrAncestorPruned for dangling parent links.
func (w *ChainWalker) Warnings() []error {
	return w.warnings
}

// Collect drains the walker into a slice.
func (w *ChainWalker) Collect() ([]store.Snapshot, error) {
	var chain []store.Snapshot
	for {
		s, err := w.Next()
		if err != nil {
			return chain, err
		}
		if s == nil {
			return chain, nil
		}
		chain = append(chain, *s)
	}
}

// Dependencies is the result of resolving a snapshot's dependency list
// against the local store.
type Dependencies struct {
	Resolved   []store.Snapshot `json:"resolved"`
	Unresolved []string         `json:"unresolved,omitempty"`
}

// GetDependencies resolves the dependency ids of a snapshot. Ids with no
// local row are reported in Unresolved, never as a failure: dependencies
// may name snapshots created later or held in another scope.
func (e *Engine) GetDependencies(ctx context.Context, id string) (*Dependencies, error) {
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

	deps := &Dependencies{}
	for _, depID := range s.Dependencies {
		dep, err := e.DB.GetSnapshot(depID)
		if err != nil {
			return nil, err
		}
		if dep == nil {
			deps.Unresolved = append(deps.Unresolved, depID)
			continue
		}
		deps.Resolved = append(deps.Resolved, *dep)
	}
	return deps, nil
}
