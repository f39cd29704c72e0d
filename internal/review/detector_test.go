package review

import (
	"context"
	"strings"
	"testing"

	"schednerd/internal/patterns"
)

func newTestDetector(t *testing.T) (*UncertaintyDetector, *ReviewQueue) {
	t.Helper()
	q := newTestQueue(t)
	return NewUncertaintyDetector(q), q
}

// seenOften observes a pattern enough times that novelty no longer fires.
func seenOften(t *testing.T, q *ReviewQueue, query string) {
	t.Helper()
	fp := patterns.Fingerprint(query)
	for i := 0; i < novelSeenThreshold; i++ {
		if err := q.Tracker().Observe(fp, 0.9); err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
	}
}

func TestTwoWeakSignalsEnqueue(t *testing.T) {
	ctx := context.Background()
	d, q := newTestDetector(t)
	query := "why did job X fail?"
	seenOften(t, q, query)

	dec, err := d.Assess(ctx, AssessInput{
		Query:                    query,
		Response:                 "check the stdlist for details",
		ClassificationConfidence: 0.55,
		TopSimilarity:            0.62,
		EntityCount:              1,
	})
	if err != nil {
		t.Fatalf("Assess failed: %v", err)
	}

	if !dec.ShouldReview {
		t.Fatal("Two weak signals should trigger review")
	}
	if len(dec.Reasons) != 2 {
		t.Fatalf("Reasons = %v, want exactly 2", dec.Reasons)
	}
	if !hasReason(dec.Reasons, ReasonLowClassificationConfidence) || !hasReason(dec.Reasons, ReasonLowRAGRelevance) {
		t.Errorf("Reasons = %v", dec.Reasons)
	}
	if dec.ItemID == "" {
		t.Fatal("Enqueued decision must carry the item id")
	}

	item, found, err := q.Get(ctx, dec.ItemID)
	if err != nil || !found {
		t.Fatalf("Enqueued item missing: found=%v err=%v", found, err)
	}
	if item.Status != StatusPending || item.Query != query {
		t.Errorf("Item = %+v", item)
	}
	if item.Confidences["classification"] != 0.55 || item.Confidences["top_similarity"] != 0.62 {
		t.Errorf("Confidences = %v", item.Confidences)
	}
}

func TestSingleSignalWarnsWithoutEnqueue(t *testing.T) {
	ctx := context.Background()
	d, q := newTestDetector(t)

	dec, err := d.Assess(ctx, AssessInput{
		Query:                    "list job streams on CPU_MASTER",
		ClassificationConfidence: 0.85,
		TopSimilarity:            0.65,
		EntityCount:              2,
	})
	if err != nil {
		t.Fatalf("Assess failed: %v", err)
	}

	if dec.ShouldReview {
		t.Error("One weak signal should not trigger review")
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonLowRAGRelevance {
		t.Errorf("Reasons = %v, want only low relevance", dec.Reasons)
	}
	if !strings.Contains(dec.Warning, string(ReasonLowRAGRelevance)) {
		t.Errorf("Warning = %q", dec.Warning)
	}
	if dec.ItemID != "" {
		t.Error("Warning-only decision carried an item id")
	}

	pending, _ := q.Pending(ctx, 10, "")
	if len(pending) != 0 {
		t.Errorf("Queue has %d items, want 0", len(pending))
	}
}

func TestPastErrorAloneEnqueues(t *testing.T) {
	ctx := context.Background()
	d, q := newTestDetector(t)
	query := "how do I cancel job PAYROLL_RUN"
	seenOften(t, q, query)
	if err := q.Tracker().RecordErrorPattern(patterns.Fingerprint(query)); err != nil {
		t.Fatalf("RecordErrorPattern failed: %v", err)
	}

	dec, err := d.Assess(ctx, AssessInput{
		Query:                    query,
		ClassificationConfidence: 0.9,
		TopSimilarity:            0.9,
		EntityCount:              3,
	})
	if err != nil {
		t.Fatalf("Assess failed: %v", err)
	}

	if !dec.ShouldReview {
		t.Fatal("A past-error match alone should trigger review")
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonSimilarToPastError {
		t.Errorf("Reasons = %v", dec.Reasons)
	}
	if dec.ItemID == "" {
		t.Error("Enqueued decision must carry the item id")
	}
}

func TestCleanQueryNoAction(t *testing.T) {
	ctx := context.Background()
	d, q := newTestDetector(t)

	dec, err := d.Assess(ctx, AssessInput{
		Query:                    "show the status of job stream NIGHTLY",
		ClassificationConfidence: 0.9,
		TopSimilarity:            0.95,
		EntityCount:              2,
	})
	if err != nil {
		t.Fatalf("Assess failed: %v", err)
	}
	if dec.ShouldReview || dec.Warning != "" || len(dec.Reasons) != 0 {
		t.Errorf("Clean query produced %+v", dec)
	}

	pending, _ := q.Pending(ctx, 10, "")
	if len(pending) != 0 {
		t.Errorf("Queue has %d items, want 0", len(pending))
	}
}

func TestNovelPatternFadesWithObservations(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDetector(t)
	in := AssessInput{
		Query:                    "what does the FINAL job stream do",
		ClassificationConfidence: 0.75,
		TopSimilarity:            0.9,
		EntityCount:              1,
	}

	// The first sightings of a pattern are novel; each assessment also
	// observes it, so novelty wears off.
	for i := 0; i < novelSeenThreshold; i++ {
		dec, err := d.Assess(ctx, in)
		if err != nil {
			t.Fatalf("Assess %d failed: %v", i, err)
		}
		if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonNovelQueryPattern {
			t.Fatalf("Assess %d reasons = %v, want novelty only", i, dec.Reasons)
		}
		if dec.ShouldReview {
			t.Fatalf("Assess %d enqueued on novelty alone", i)
		}
	}

	dec, err := d.Assess(ctx, in)
	if err != nil {
		t.Fatalf("Final assess failed: %v", err)
	}
	if len(dec.Reasons) != 0 || dec.Warning != "" {
		t.Errorf("Worn-off pattern still flagged: %+v", dec)
	}
}

func TestAmbiguousIntents(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDetector(t)
	query := "rerun the failed batch"
	base := AssessInput{
		Query:                    query,
		ClassificationConfidence: 0.9,
		TopSimilarity:            0.9,
		EntityCount:              1,
	}

	in := base
	in.IntentCandidates = []float64{0.5, 0.45}
	dec, err := d.Assess(ctx, in)
	if err != nil {
		t.Fatalf("Assess failed: %v", err)
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonMultiplePossibleIntents {
		t.Errorf("Close candidates gave %v", dec.Reasons)
	}

	in = base
	in.IntentCandidates = []float64{0.9, 0.3}
	dec, err = d.Assess(ctx, in)
	if err != nil {
		t.Fatalf("Assess failed: %v", err)
	}
	if hasReason(dec.Reasons, ReasonMultiplePossibleIntents) {
		t.Errorf("Clear winner gave %v", dec.Reasons)
	}

	in = base
	in.IntentCandidates = []float64{0.9}
	dec, _ = d.Assess(ctx, in)
	if hasReason(dec.Reasons, ReasonMultiplePossibleIntents) {
		t.Errorf("Single candidate gave %v", dec.Reasons)
	}
}

func TestExplicitFlagsCombineToEnqueue(t *testing.T) {
	ctx := context.Background()
	d, q := newTestDetector(t)

	dec, err := d.Assess(ctx, AssessInput{
		Query:                    "is the maestro command still supported",
		ClassificationConfidence: 0.9,
		TopSimilarity:            0.9,
		EntityCount:              1,
		SourceConflict:           true,
		UserRequested:            true,
	})
	if err != nil {
		t.Fatalf("Assess failed: %v", err)
	}

	if !dec.ShouldReview {
		t.Fatal("Conflict plus explicit request should trigger review")
	}
	if !hasReason(dec.Reasons, ReasonConflictingSources) || !hasReason(dec.Reasons, ReasonUserRequested) {
		t.Errorf("Reasons = %v", dec.Reasons)
	}

	pending, _ := q.Pending(ctx, 10, ReasonUserRequested)
	if len(pending) != 1 {
		t.Errorf("Filtered pending = %d, want 1", len(pending))
	}
}

func TestAssessRequiresQuery(t *testing.T) {
	d, _ := newTestDetector(t)
	if _, err := d.Assess(context.Background(), AssessInput{}); err == nil {
		t.Error("Empty query should fail")
	}
}
