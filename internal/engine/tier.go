package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lowkeylabs/stratum/internal/store"
)

// TierFor classifies an age since last relevant activity into a memory
// tier, per the configured thresholds.
func (e *Engine) TierFor(age time.Duration) string {
	switch {
	case age < e.tiers.ActiveWithin:
		return store.TierActive
	case age < e.tiers.RecentWithin:
		return store.TierRecent
	case age < e.tiers.ArchivedWithin:
		return store.TierArchived
	default:
		return store.TierExpired
	}
}

// tierAt recomputes a snapshot's tier at the given instant from its
// stored timestamps. Access recency, not just creation, governs the tier.
func (e *Engine) tierAt(s *store.Snapshot, now time.Time) string {
	return e.TierFor(now.Sub(time.UnixMilli(s.LastActivity())))
}

// Touch records a qualifying read: last_accessed becomes now,
// access_count increments by one, and the tier is recomputed from the
// updated age. Since a just-read snapshot has zero age, a touch always
// lands it back in the youngest tier, whatever tier it had decayed to.
func (e *Engine) Touch(ctx context.Context, id string) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var touched *store.Snapshot
	err := e.withLock(id, func() error {
		now := e.now()
		if err := e.DB.TouchSnapshot(id, now.UnixMilli(), e.TierFor(0)); err != nil {
			return err
		}
		s, err := e.DB.GetSnapshot(id)
		if err != nil {
			return err
		}
		touched = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// ReclassifyAll recomputes memory_tier for every snapshot (optionally
// scoped to one project) without touching access bookkeeping. It pages
// through the store so a cancelled or crashed run leaves a valid, merely
// incomplete, state; the returned report carries a continuation cursor
// when the run stopped early.
func (e *Engine) ReclassifyAll(ctx context.Context, project, cursor string) (*BatchReport, error) {
	report := &BatchReport{}
	afterTS, afterID, err := parseCursor(cursor)
	if err != nil {
		return report, err
	}

	for {
		if err := ctx.Err(); err != nil {
			report.Cursor = batchCursor(afterTS, afterID)
			return report, err
		}

		page, err := e.DB.ListSnapshots(project, afterTS, afterID, e.pageSize)
		if err != nil {
			report.Cursor = batchCursor(afterTS, afterID)
			return report, err
		}
		if len(page) == 0 {
			return report, nil
		}

		now := e.now()
		for i := range page {
			s := &page[i]
			report.Examined++

			tier := e.tierAt(s, now)
			if tier == s.MemoryTier {
				continue
			}
			if err := e.withLock(s.ID, func() error {
				return e.DB.UpdateTier(s.ID, tier)
			}); err != nil {
				// A row pruned mid-sweep is not a failure.
				if isNotFound(err) {
					continue
				}
				log.Printf("reclassify: %s: %v", s.ID, err)
				report.fail(s.ID, err)
				continue
			}
			report.Updated++
		}

		last := page[len(page)-1]
		afterTS, afterID = last.Timestamp, last.ID
		if len(page) < e.pageSize {
			return report, nil
		}
	}
}

// Prune deletes every snapshot currently classified expired, or with
// dryRun only reports the candidate set. Deletion is conditioned on tier
// alone, with no secondary grace period, but each row's tier is
// re-checked from its timestamps immediately before the delete, so a
// snapshot re-activated by a concurrent touch survives the sweep.
func (e *Engine) Prune(ctx context.Context, project string, dryRun bool) (*PruneReport, error) {
	report := &PruneReport{DryRun: dryRun, Candidates: []string{}}
	afterTS, afterID := int64(-1), ""

	for {
		if err := ctx.Err(); err != nil {
			report.Cursor = batchCursor(afterTS, afterID)
			return report, err
		}

		page, err := e.DB.ListByTier(store.TierExpired, project, afterTS, afterID, e.pageSize)
		if err != nil {
			report.Cursor = batchCursor(afterTS, afterID)
			return report, err
		}
		if len(page) == 0 {
			return report, nil
		}

		for i := range page {
			s := &page[i]
			report.Candidates = append(report.Candidates, s.ID)
			if dryRun {
				continue
			}

			skipped := false
			err := e.withLock(s.ID, func() error {
				current, err := e.DB.GetSnapshot(s.ID)
				if err != nil {
					return err
				}
				if current == nil {
					return nil
				}
				if e.tierAt(current, e.now()) != store.TierExpired {
					skipped = true
					return nil
				}
				_, err = e.DB.DeleteSnapshot(s.ID)
				return err
			})
			if err != nil {
				log.Printf("prune: %s: %v", s.ID, err)
				report.fail(s.ID, err)
				continue
			}
			if skipped {
				report.Skipped++
				log.Printf("prune: skipping %s, re-activated since sweep", s.ID)
				continue
			}
			report.Deleted++
		}

		last := page[len(page)-1]
		afterTS, afterID = last.Timestamp, last.ID
		if len(page) < e.pageSize {
			return report, nil
		}
	}
}

// LeastRecentlyUsed returns up to limit snapshots of the given tier
// ordered by last_accessed ascending, never-accessed first. Inspection
// only: no access bookkeeping is updated.
func (e *Engine) LeastRecentlyUsed(ctx context.Context, tier, project string, limit int) ([]store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch tier {
	case store.TierActive, store.TierRecent, store.TierArchived, store.TierExpired:
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	if limit <= 0 {
		limit = e.pageSize
	}
	return e.DB.LeastRecentlyUsed(tier, project, limit)
}
