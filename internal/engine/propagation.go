package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lowkeylabs/stratum/internal/store"
)

// Reason codes recorded in propagation_reason for signals that
// contributed above their significance threshold. Scores are meant to be
// explainable, not opaque: every contributing signal is named.
const (
	ReasonHighAccessFrequency = "high_access_frequency"
	ReasonCausalHub           = "causal_hub"
	ReasonRecentlyActive      = "recently_active"
)

// tierWeights maps the stored tier onto the tier signal. Using the stored
// classification (rather than re-deriving from the clock) keeps Predict
// deterministic between sweeps: unchanged inputs, identical score.
var tierWeights = map[string]float64{
	store.TierActive:   1.0,
	store.TierRecent:   0.6,
	store.TierArchived: 0.2,
	store.TierExpired:  0.0,
}

// Predict computes the relevance-prediction score for one snapshot and
// persists score, reasons, last_predicted and predicted_next_access. The
// score is a weighted sum of three observable signals:
//
//   - access frequency: access_count normalized by the project's running
//     maximum
//   - causal centrality: direct descendant count, saturating at the
//     configured cap
//   - tier weight: active 1.0, recent 0.6, archived 0.2, expired 0.0
//
// Default weights are 0.5/0.3/0.2; they are configuration, validated to
// sum to 1.0, so the result always lies in [0,1].
func (e *Engine) Predict(ctx context.Context, id string) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var predicted *store.Snapshot
	err := e.withLock(id, func() error {
		s, err := e.DB.GetSnapshot(id)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		predicted, err = e.predictLocked(s)
		return err
	})
	if err != nil {
		return nil, err
	}
	return predicted, nil
}

// predictLocked computes and persists the prediction for s. Caller holds
// the per-id lock.
func (e *Engine) predictLocked(s *store.Snapshot) (*store.Snapshot, error) {
	maxAccess, err := e.DB.MaxAccessCount(s.Project)
	if err != nil {
		return nil, err
	}
	descendants, err := e.DB.CountChildren(s.ID)
	if err != nil {
		return nil, err
	}

	frequency := 0.0
	if maxAccess > 0 {
		frequency = float64(s.AccessCount) / float64(maxAccess)
	}
	ceiling := float64(e.prediction.CentralityCap)
	centrality := math.Min(float64(descendants), ceiling) / ceiling
	tier := tierWeights[s.MemoryTier]

	score := e.prediction.FrequencyWeight*frequency +
		e.prediction.CentralityWeight*centrality +
		e.prediction.TierWeight*tier
	score = math.Max(0, math.Min(1, score))

	// Reason order is fixed so identical inputs yield an identical set.
	var reasons []string
	if s.AccessCount >= e.prediction.MinAccessSignificance {
		reasons = append(reasons, ReasonHighAccessFrequency)
	}
	if descendants >= e.prediction.HubThreshold {
		reasons = append(reasons, ReasonCausalHub)
	}
	if s.MemoryTier == store.TierActive || s.MemoryTier == store.TierRecent {
		reasons = append(reasons, ReasonRecentlyActive)
	}

	// Expected next access: extrapolate the mean inter-access interval.
	// Unset until the snapshot has been read at least once.
	var nextAccess *int64
	if s.LastAccessed != nil && s.AccessCount > 0 {
		interval := (*s.LastAccessed - s.Timestamp) / int64(s.AccessCount)
		next := *s.LastAccessed + interval
		nextAccess = &next
	}

	if err := e.DB.UpdatePrediction(s.ID, score, e.now().UnixMilli(), nextAccess, reasons); err != nil {
		return nil, err
	}
	return e.DB.GetSnapshot(s.ID)
}

// PredictBatch recomputes predictions for snapshots whose last_predicted
// is unset or older than staleness, paging like the tier sweeps. A
// non-positive staleness falls back to the configured default. Returns
// the number recomputed; recomputation with unchanged inputs is
// idempotent.
func (e *Engine) PredictBatch(ctx context.Context, project string, staleness time.Duration, cursor string) (*BatchReport, error) {
	if staleness <= 0 {
		staleness = e.prediction.Staleness
	}
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

		cutoff := e.now().Add(-staleness).UnixMilli()
		for i := range page {
			s := &page[i]
			report.Examined++

			if s.LastPredicted != nil && *s.LastPredicted > cutoff {
				continue
			}
			skipped := false
			if err := e.withLock(s.ID, func() error {
				current, err := e.DB.GetSnapshot(s.ID)
				if err != nil {
					return err
				}
				if current == nil {
					// Deleted since the page was read.
					skipped = true
					return nil
				}
				_, err = e.predictLocked(current)
				return err
			}); err != nil {
				if isNotFound(err) {
					continue
				}
				log.Printf("predict: %s: %v", s.ID, err)
				report.fail(s.ID, err)
				continue
			}
			if skipped {
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

// TopPredicted returns up to limit snapshots ranked by prediction_score
// descending, most recent first on ties. Snapshots never predicted are
// excluded rather than ranked at zero.
func (e *Engine) TopPredicted(ctx context.Context, project string, limit int) ([]store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.pageSize
	}
	return e.DB.TopPredicted(project, limit)
}
