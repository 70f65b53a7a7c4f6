package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lowkeylabs/stratum/internal/config"
	"github.com/lowkeylabs/stratum/internal/store"
)

func TestPredictScoreBounds(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	s := create(t, e, "proj", time.Now())

	got, err := e.Predict(ctx, s.ID)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got.PredictionScore == nil {
		t.Fatal("expected prediction_score to be set")
	}
	if *got.PredictionScore < 0 || *got.PredictionScore > 1 {
		t.Errorf("score = %f, want within [0,1]", *got.PredictionScore)
	}
	if got.LastPredicted == nil {
		t.Error("expected last_predicted to be set")
	}
	// Never accessed: no basis for a next-access estimate.
	if got.PredictedNextAccess != nil {
		t.Error("predicted_next_access should stay unset without accesses")
	}
}

func TestPredictNotFound(t *testing.T) {
	e := testEngine(t)

	_, err := e.Predict(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPredictDeterministic(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	base := time.Now()

	parent := create(t, e, "proj", base)
	child := create(t, e, "proj", base.Add(time.Second))
	e.RecordCausality(ctx, child.ID, parent.ID, nil)
	setClock(e, base.Add(time.Minute))
	e.Touch(ctx, parent.ID)

	first, err := e.Predict(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	second, err := e.Predict(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Predict again: %v", err)
	}

	if *first.PredictionScore != *second.PredictionScore {
		t.Errorf("scores differ: %f vs %f", *first.PredictionScore, *second.PredictionScore)
	}
	if len(first.PropagationReason) != len(second.PropagationReason) {
		t.Fatalf("reason sets differ: %v vs %v", first.PropagationReason, second.PropagationReason)
	}
	for i := range first.PropagationReason {
		if first.PropagationReason[i] != second.PropagationReason[i] {
			t.Errorf("reason[%d] differs: %s vs %s", i, first.PropagationReason[i], second.PropagationReason[i])
		}
	}
}

// End-to-end: S1 with one descendant and three reads is a causal hub but
// not hot: three reads sit below the significance threshold.
func TestPredictHubNotHot(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	base := time.Now()

	s1 := create(t, e, "p", base)
	s2 := create(t, e, "p", base.Add(time.Second))
	if err := e.RecordCausality(ctx, s2.ID, s1.ID, nil); err != nil {
		t.Fatalf("RecordCausality: %v", err)
	}

	setClock(e, base.Add(time.Minute))
	for i := 0; i < 3; i++ {
		if _, err := e.Touch(ctx, s1.ID); err != nil {
			t.Fatalf("Touch: %v", err)
		}
	}
	got, _ := e.Get(ctx, s1.ID)
	if got.AccessCount != 3 {
		t.Fatalf("access_count = %d, want 3", got.AccessCount)
	}

	// Two hours pass with no further touches; the sweep demotes S1.
	setClock(e, base.Add(2*time.Hour))
	if _, err := e.ReclassifyAll(ctx, "p", ""); err != nil {
		t.Fatalf("ReclassifyAll: %v", err)
	}
	got, _ = e.Get(ctx, s1.ID)
	if got.MemoryTier != store.TierRecent {
		t.Fatalf("tier = %s, want recent after 2h", got.MemoryTier)
	}

	predicted, err := e.Predict(ctx, s1.ID)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	reasons := map[string]bool{}
	for _, r := range predicted.PropagationReason {
		reasons[r] = true
	}
	if !reasons[ReasonCausalHub] {
		t.Errorf("reasons = %v, want causal_hub (one descendant)", predicted.PropagationReason)
	}
	if reasons[ReasonHighAccessFrequency] {
		t.Errorf("reasons = %v, 3 reads is below the significance threshold", predicted.PropagationReason)
	}
	if !reasons[ReasonRecentlyActive] {
		t.Errorf("reasons = %v, want recently_active for recent tier", predicted.PropagationReason)
	}

	// 0.5·(3/3) + 0.3·(1/5) + 0.2·0.6 with the default weights.
	want := 0.5*1.0 + 0.3*0.2 + 0.2*0.6
	if math.Abs(*predicted.PredictionScore-want) > 1e-9 {
		t.Errorf("score = %f, want %f", *predicted.PredictionScore, want)
	}
}

func TestPredictHighAccessFrequency(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	base := time.Now()

	s := create(t, e, "proj", base)
	setClock(e, base.Add(time.Minute))
	for i := 0; i < 5; i++ {
		e.Touch(ctx, s.ID)
	}

	predicted, err := e.Predict(ctx, s.ID)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	found := false
	for _, r := range predicted.PropagationReason {
		if r == ReasonHighAccessFrequency {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %v, want high_access_frequency at 5 reads", predicted.PropagationReason)
	}
	if predicted.PredictedNextAccess == nil {
		t.Error("expected predicted_next_access after repeated reads")
	}
}

func TestPredictBatchSkipsFresh(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	base := time.Now()

	fresh := create(t, e, "proj", base)
	stale := create(t, e, "proj", base.Add(time.Second))
	never := create(t, e, "proj", base.Add(2*time.Second))

	setClock(e, base.Add(time.Minute))
	if _, err := e.Predict(ctx, fresh.ID); err != nil {
		t.Fatalf("Predict fresh: %v", err)
	}
	setClock(e, base.Add(-2*time.Hour))
	if _, err := e.Predict(ctx, stale.ID); err != nil {
		t.Fatalf("Predict stale: %v", err)
	}

	setClock(e, base.Add(2*time.Minute))
	report, err := e.PredictBatch(ctx, "proj", time.Hour, "")
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	if report.Examined != 3 {
		t.Errorf("examined = %d, want 3", report.Examined)
	}
	// Only the stale and the never-predicted rows are recomputed.
	if report.Updated != 2 {
		t.Errorf("updated = %d, want 2", report.Updated)
	}

	got, _ := e.Get(ctx, never.ID)
	if got.PredictionScore == nil {
		t.Error("never-predicted snapshot still has no score")
	}
}

func TestPredictBatchIdempotent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 4; i++ {
		create(t, e, "proj", base.Add(time.Duration(i)*time.Second))
	}

	setClock(e, base.Add(time.Minute))
	if _, err := e.PredictBatch(ctx, "proj", time.Hour, ""); err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	first, _, err := e.List(ctx, "proj", "", 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	// Force recomputation with unchanged inputs: identical scores.
	setClock(e, base.Add(2*time.Minute))
	if _, err := e.PredictBatch(ctx, "proj", time.Nanosecond, ""); err != nil {
		t.Fatalf("PredictBatch again: %v", err)
	}
	second, _, err := e.List(ctx, "proj", "", 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	for i := range first {
		if *first[i].PredictionScore != *second[i].PredictionScore {
			t.Errorf("%s: score changed with unchanged inputs: %f vs %f",
				first[i].ID, *first[i].PredictionScore, *second[i].PredictionScore)
		}
	}
}

func TestPredictBatchSkipsDeletedRow(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	base := time.Now()

	kept := create(t, e, "proj", base)
	doomed := create(t, e, "proj", base.Add(time.Second))

	// Delete the second row from under the batch after its page was
	// read: the first clock read happens between page fetch and the
	// per-row recompute.
	e.now = func() time.Time {
		e.DB.DeleteSnapshot(doomed.ID)
		return base.Add(time.Minute)
	}

	report, err := e.PredictBatch(ctx, "proj", time.Hour, "")
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	if report.Examined != 2 {
		t.Errorf("examined = %d, want 2", report.Examined)
	}
	if report.Updated != 1 {
		t.Errorf("updated = %d, want 1; a vanished row is not a recompute", report.Updated)
	}
	if len(report.Failures) != 0 {
		t.Errorf("failures = %v, want none", report.Failures)
	}

	got, _ := e.Get(ctx, kept.ID)
	if got.PredictionScore == nil {
		t.Error("surviving snapshot has no score")
	}
}

func TestPredictClampsCentralityCap(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Prediction.CentralityCap = 0
	e := New(db, cfg)

	s := create(t, e, "proj", time.Now())
	got, err := e.Predict(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got.PredictionScore == nil || math.IsNaN(*got.PredictionScore) {
		t.Fatalf("score = %v, want a finite value despite zero cap", got.PredictionScore)
	}
	if *got.PredictionScore < 0 || *got.PredictionScore > 1 {
		t.Errorf("score = %f, want within [0,1]", *got.PredictionScore)
	}
}

func TestTopPredicted(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	base := time.Now()

	hub := create(t, e, "proj", base)
	quiet := create(t, e, "proj", base.Add(time.Second))
	child := create(t, e, "proj", base.Add(2*time.Second))
	unscored := create(t, e, "proj", base.Add(3*time.Second))
	e.RecordCausality(ctx, child.ID, hub.ID, nil)

	setClock(e, base.Add(time.Minute))
	e.Touch(ctx, hub.ID)
	e.Predict(ctx, hub.ID)
	e.Predict(ctx, quiet.ID)
	e.Predict(ctx, child.ID)

	top, err := e.TopPredicted(ctx, "proj", 10)
	if err != nil {
		t.Fatalf("TopPredicted: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("top = %d rows, want 3 (unscored excluded)", len(top))
	}
	if top[0].ID != hub.ID {
		t.Errorf("top[0] = %s, want the hub %s", top[0].ID, hub.ID)
	}
	for _, s := range top {
		if s.ID == unscored.ID {
			t.Error("unscored snapshot ranked")
		}
	}
}
