package feedback

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestFeedbackStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create feedback store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func secondsAgo(d time.Duration) float64 {
	return float64(time.Now().Add(-d).UnixNano()) / 1e9
}

func TestRecordValidation(t *testing.T) {
	s := newTestFeedbackStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Record{Query: "q", DocID: "", Rating: 1}); err == nil {
		t.Error("Empty doc id should fail")
	}
	if err := s.Record(ctx, Record{Query: "q", DocID: "d", Rating: 3}); err == nil {
		t.Error("Rating above +2 should fail")
	}
	if err := s.Record(ctx, Record{Query: "q", DocID: "d", Rating: -3}); err == nil {
		t.Error("Rating below -2 should fail")
	}
	if err := s.Record(ctx, Record{Query: "q", DocID: "d", Rating: 2, UserID: "u"}); err != nil {
		t.Errorf("Valid record failed: %v", err)
	}
}

func TestScoresSingleRating(t *testing.T) {
	s := newTestFeedbackStore(t)
	ctx := context.Background()

	// A single +1 on the same query: rating/2 = 0.5, within the clamp
	if err := s.Record(ctx, Record{Query: "job failed", DocID: "d1", Rating: 1, UserID: "u"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	scores, err := s.Scores(ctx, "job failed", []string{"d1"})
	if err != nil {
		t.Fatalf("Scores failed: %v", err)
	}
	if math.Abs(scores["d1"]-0.5) > 1e-9 {
		t.Errorf("d1 adjustment = %f, want 0.5", scores["d1"])
	}
}

func TestScoresClampNegative(t *testing.T) {
	s := newTestFeedbackStore(t)
	ctx := context.Background()

	// rating -2 maps to -1.0 before the clamp
	s.Record(ctx, Record{Query: "job failed", DocID: "d1", Rating: -2, UserID: "u"})

	scores, err := s.Scores(ctx, "job failed", []string{"d1"})
	if err != nil {
		t.Fatalf("Scores failed: %v", err)
	}
	if scores["d1"] != -0.5 {
		t.Errorf("d1 adjustment = %f, want clamped -0.5", scores["d1"])
	}
}

func TestScoresQuerySpecificOutweighsGlobal(t *testing.T) {
	s := newTestFeedbackStore(t)
	ctx := context.Background()

	// Specific -1 against global +2 on the same doc
	s.Record(ctx, Record{Query: "job failed on CPU_A", DocID: "d1", Rating: -1, UserID: "u1"})
	s.Record(ctx, Record{Query: "completely different question", DocID: "d1", Rating: 2, UserID: "u2"})

	scores, err := s.Scores(ctx, "job failed on CPU_A", []string{"d1"})
	if err != nil {
		t.Fatalf("Scores failed: %v", err)
	}
	// (1.0*(-0.5) + 0.4*(1.0)) / 1.4 = -0.0714...: the specific signal wins
	want := (-0.5 + 0.4) / 1.4
	if math.Abs(scores["d1"]-want) > 1e-3 {
		t.Errorf("d1 adjustment = %f, want about %f", scores["d1"], want)
	}
	if scores["d1"] >= 0 {
		t.Errorf("Specific negative should dominate the global positive, got %f", scores["d1"])
	}
}

func TestScoresDecayWindow(t *testing.T) {
	s := newTestFeedbackStore(t)
	ctx := context.Background()

	// A rating older than 30 days contributes nothing
	s.Record(ctx, Record{Query: "q", DocID: "stale", Rating: 2, UserID: "u", CreatedAt: secondsAgo(31 * 24 * time.Hour)})
	// Fresh and half-decayed ratings blend by age
	s.Record(ctx, Record{Query: "q", DocID: "mixed", Rating: 2, UserID: "u1"})
	s.Record(ctx, Record{Query: "q", DocID: "mixed", Rating: -2, UserID: "u2", CreatedAt: secondsAgo(15 * 24 * time.Hour)})

	scores, err := s.Scores(ctx, "q", []string{"stale", "mixed"})
	if err != nil {
		t.Fatalf("Scores failed: %v", err)
	}
	if _, ok := scores["stale"]; ok {
		t.Errorf("Fully decayed feedback should not score, got %f", scores["stale"])
	}
	// (1.0*1 + 0.5*(-1)) / 1.5 = 0.333: the fresh +2 outweighs the old -2
	want := (1.0 - 0.5) / 1.5
	if math.Abs(scores["mixed"]-want) > 0.01 {
		t.Errorf("mixed adjustment = %f, want about %f", scores["mixed"], want)
	}
}

func TestScoresOnlyRequestedDocs(t *testing.T) {
	s := newTestFeedbackStore(t)
	ctx := context.Background()

	s.Record(ctx, Record{Query: "q", DocID: "wanted", Rating: 1, UserID: "u"})
	s.Record(ctx, Record{Query: "q", DocID: "other", Rating: 2, UserID: "u"})

	scores, err := s.Scores(ctx, "q", []string{"wanted"})
	if err != nil {
		t.Fatalf("Scores failed: %v", err)
	}
	if len(scores) != 1 {
		t.Errorf("Scores = %v, want only the requested doc", scores)
	}

	empty, err := s.Scores(ctx, "q", nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("Empty doc list should score nothing: %v, %v", empty, err)
	}
}

func TestPruneAuditRecords(t *testing.T) {
	s := newTestFeedbackStore(t)
	ctx := context.Background()

	old := secondsAgo(48 * time.Hour)
	s.Record(ctx, Record{Query: "q", DocID: "d1", Rating: -2, UserID: "system:audit", CreatedAt: old})
	s.Record(ctx, Record{Query: "q", DocID: "d2", Rating: -2, UserID: "system:audit"})
	s.Record(ctx, Record{Query: "q", DocID: "d3", Rating: -2, UserID: "alice", CreatedAt: old})

	pruned, err := s.PruneAuditRecords(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneAuditRecords failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Pruned = %d, want only the old audit row", pruned)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	// Human feedback survives whatever its age
	if stats["total"].(int64) != 2 {
		t.Errorf("total = %v, want 2 surviving rows", stats["total"])
	}
	if stats["audit_rows"].(int64) != 1 {
		t.Errorf("audit_rows = %v, want 1", stats["audit_rows"])
	}
}

func TestStats(t *testing.T) {
	s := newTestFeedbackStore(t)
	ctx := context.Background()

	s.Record(ctx, Record{Query: "q1", DocID: "d1", Rating: 2, UserID: "u1"})
	s.Record(ctx, Record{Query: "q1", DocID: "d2", Rating: -1, UserID: "u1"})
	s.Record(ctx, Record{Query: "q2", DocID: "d1", Rating: 2, UserID: "u2"})

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["total"].(int64) != 3 {
		t.Errorf("total = %v, want 3", stats["total"])
	}
	if stats["distinct_docs"].(int64) != 2 {
		t.Errorf("distinct_docs = %v, want 2", stats["distinct_docs"])
	}
	byRating := stats["by_rating"].(map[string]int64)
	if byRating["+2"] != 2 || byRating["-1"] != 1 {
		t.Errorf("by_rating = %v", byRating)
	}
}
