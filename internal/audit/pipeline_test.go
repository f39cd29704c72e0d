package audit

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/goleak"

	"schednerd/internal/feedback"
	"schednerd/internal/kg"
	"schednerd/internal/patterns"
	"schednerd/internal/review"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testDeps struct {
	graph   *kg.KnowledgeGraph
	store   *feedback.Store
	tracker *review.PatternTracker
}

func newTestPipeline(t *testing.T, llm TripletExtractor) (*Pipeline, testDeps) {
	t.Helper()

	graphStore, err := kg.NewGraphStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to open graph store: %v", err)
	}
	t.Cleanup(func() { graphStore.Close() })
	graph, err := kg.NewKnowledgeGraph(graphStore)
	if err != nil {
		t.Fatalf("Failed to build graph: %v", err)
	}

	store, err := feedback.NewStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to open feedback store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue, err := review.NewReviewQueue(":memory:")
	if err != nil {
		t.Fatalf("Failed to open review queue: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	p, err := NewPipeline(patterns.Builtin(), graph, store, queue.Tracker(), llm, 3)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	return p, testDeps{graph: graph, store: store, tracker: queue.Tracker()}
}

func edgeBetween(t *testing.T, graph *kg.KnowledgeGraph, source, target, relType string) kg.Edge {
	t.Helper()
	for _, e := range graph.Neighbors(source, true) {
		if e.Source == source && e.Target == target && e.Type == relType {
			return e
		}
	}
	t.Fatalf("No edge (%s %s %s)", source, relType, target)
	return kg.Edge{}
}

func TestWrongRecommendationFinding(t *testing.T) {
	ctx := context.Background()
	p, deps := newTestPipeline(t, nil)

	result, err := p.ProcessFinding(ctx, Finding{
		Query:      "how do I fix job BATCH_A",
		Response:   "run conman to clear it",
		Reason:     "wrong recommendation for error code AWSBIS529",
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}

	if result.ErrorType != patterns.ErrorWrongRecommendation {
		t.Errorf("ErrorType = %s, want wrong_recommendation", result.ErrorType)
	}
	if result.EdgesAdded != 2 {
		t.Fatalf("EdgesAdded = %d, want 2", result.EdgesAdded)
	}

	jobEdge := edgeBetween(t, deps.graph, "BATCH_A", "AWSBIS529", kg.RelIncorrectSolutionFor)
	if !jobEdge.IsError {
		t.Error("Job edge not marked as error knowledge")
	}
	if jobEdge.Properties["confidence"] != 0.9 {
		t.Errorf("Edge confidence = %v, want 0.9", jobEdge.Properties["confidence"])
	}
	if jobEdge.Properties["reason"] != "wrong recommendation for error code AWSBIS529" {
		t.Errorf("Edge reason = %v", jobEdge.Properties["reason"])
	}
	if jobEdge.Properties["source"] != "audit" {
		t.Errorf("Edge source = %v", jobEdge.Properties["source"])
	}

	cmdEdge := edgeBetween(t, deps.graph, "conman", "AWSBIS529", kg.RelShouldNotUseFor)
	if !cmdEdge.IsError {
		t.Error("Command edge not marked as error knowledge")
	}

	// Error knowledge stays out of the positive view
	for _, e := range deps.graph.Neighbors("BATCH_A", false) {
		if e.IsError {
			t.Errorf("Error edge leaked into positive neighbors: %+v", e)
		}
	}
}

func TestSyntheticDocPenalties(t *testing.T) {
	ctx := context.Background()
	p, deps := newTestPipeline(t, nil)

	result, err := p.ProcessFinding(ctx, Finding{
		Query:      "how do I fix job BATCH_A",
		Response:   "run conman to clear it",
		Reason:     "wrong recommendation for error code AWSBIS529",
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}

	want := []string{"entity:job:BATCH_A", "entity:error_code:AWSBIS529", "entity:command:conman"}
	if len(result.DocsPenalized) != len(want) {
		t.Fatalf("DocsPenalized = %v, want %v", result.DocsPenalized, want)
	}
	for i, id := range want {
		if result.DocsPenalized[i] != id {
			t.Errorf("DocsPenalized[%d] = %s, want %s", i, result.DocsPenalized[i], id)
		}
	}

	stats, err := deps.store.Stats(ctx)
	if err != nil {
		t.Fatalf("Feedback stats failed: %v", err)
	}
	if stats["audit_rows"].(int64) != 3 {
		t.Errorf("audit_rows = %v, want 3", stats["audit_rows"])
	}

	// The query pattern is now a known error pattern for the detector
	if !deps.tracker.MatchesPastError(patterns.Fingerprint("how do I fix job BATCH_A")) {
		t.Error("Error pattern not recorded in the tracker")
	}
}

func TestReferencedDocsPenalizedDirectly(t *testing.T) {
	ctx := context.Background()
	p, deps := newTestPipeline(t, nil)

	result, err := p.ProcessFinding(ctx, Finding{
		Query:          "how do I fix job BATCH_A",
		Response:       "run conman to clear it",
		Reason:         "wrong recommendation for error code AWSBIS529",
		Confidence:     0.8,
		ReferencedDocs: []string{"doc-1", "doc-2"},
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}

	if len(result.DocsPenalized) != 2 || result.DocsPenalized[0] != "doc-1" || result.DocsPenalized[1] != "doc-2" {
		t.Errorf("DocsPenalized = %v, want the referenced docs", result.DocsPenalized)
	}

	stats, _ := deps.store.Stats(ctx)
	if stats["audit_rows"].(int64) != 2 {
		t.Errorf("audit_rows = %v, want 2", stats["audit_rows"])
	}
}

func TestHallucinationFallsBackToPatternNode(t *testing.T) {
	ctx := context.Background()
	p, deps := newTestPipeline(t, nil)

	result, err := p.ProcessFinding(ctx, Finding{
		Query:      "what does job NIGHTLY_ETL do",
		Response:   "it syncs the warehouse",
		Reason:     "mentions a nonexistent warehouse sync step",
		Confidence: 0.7,
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}

	if result.ErrorType != patterns.ErrorHallucination {
		t.Fatalf("ErrorType = %s, want hallucination", result.ErrorType)
	}
	if result.EdgesAdded != 1 {
		t.Fatalf("EdgesAdded = %d, want 1", result.EdgesAdded)
	}

	patternNode := "pattern:" + patterns.Fingerprint("what does job NIGHTLY_ETL do")
	edgeBetween(t, deps.graph, "NIGHTLY_ETL", patternNode, kg.RelIncorrectAssociation)

	node, ok := deps.graph.GetNode(patternNode)
	if !ok || node.Type != "query_pattern" {
		t.Errorf("Pattern node = %+v, ok=%v", node, ok)
	}
}

func TestDeprecatedInfoTargetsConcept(t *testing.T) {
	ctx := context.Background()
	p, deps := newTestPipeline(t, nil)

	result, err := p.ProcessFinding(ctx, Finding{
		Query:      "should I use composer for this",
		Response:   "yes, composer replace is the way",
		Reason:     "that composer syntax is deprecated",
		Confidence: 0.6,
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}

	if result.ErrorType != patterns.ErrorDeprecatedInfo {
		t.Fatalf("ErrorType = %s, want deprecated_info", result.ErrorType)
	}
	conceptNode := "concept:" + patterns.Fingerprint("should I use composer for this")
	edgeBetween(t, deps.graph, "composer", conceptNode, kg.RelDeprecatedInfo)
}

func TestContradictoryInfoPairsSameType(t *testing.T) {
	ctx := context.Background()
	p, deps := newTestPipeline(t, nil)

	result, err := p.ProcessFinding(ctx, Finding{
		Query:      "is it running on CPU1 or FTA2",
		Response:   "both statements were given",
		Reason:     "conflicting information about the workstation",
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}

	if result.ErrorType != patterns.ErrorContradictoryInfo {
		t.Fatalf("ErrorType = %s, want contradictory_info", result.ErrorType)
	}
	if result.EdgesAdded != 1 {
		t.Fatalf("EdgesAdded = %d, want exactly the first workstation pair", result.EdgesAdded)
	}
	edgeBetween(t, deps.graph, "CPU1", "FTA2", kg.RelConfusionWith)
}

func TestNoEntitiesStillTracksPattern(t *testing.T) {
	ctx := context.Background()
	p, deps := newTestPipeline(t, nil)

	result, err := p.ProcessFinding(ctx, Finding{
		Query:      "why is everything slow",
		Response:   "probably the network",
		Reason:     "a common mistake, the answer ignores the plan",
		Confidence: 0.5,
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}

	if result.ErrorType != patterns.ErrorCommon {
		t.Errorf("ErrorType = %s, want common_error", result.ErrorType)
	}
	if result.EdgesAdded != 0 || len(result.DocsPenalized) != 0 {
		t.Errorf("Entity-free finding produced edges=%d penalized=%v", result.EdgesAdded, result.DocsPenalized)
	}
	if !deps.tracker.MatchesPastError(patterns.Fingerprint("why is everything slow")) {
		t.Error("Pattern not tracked for an entity-free finding")
	}
}

func TestFindingValidation(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, nil)

	if _, err := p.ProcessFinding(ctx, Finding{Reason: "bad"}); err == nil {
		t.Error("Missing query should fail")
	}
	if _, err := p.ProcessFinding(ctx, Finding{Query: "q"}); err == nil {
		t.Error("Missing reason should fail")
	}
}

func TestAuditIDPreservedOrGenerated(t *testing.T) {
	ctx := context.Background()
	p, deps := newTestPipeline(t, nil)

	result, err := p.ProcessFinding(ctx, Finding{
		AuditID:    "aud-7",
		Query:      "how do I fix job BATCH_A",
		Response:   "",
		Reason:     "wrong recommendation for error code AWSBIS529",
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}
	if result.AuditID != "aud-7" {
		t.Errorf("AuditID = %s, want aud-7", result.AuditID)
	}
	edge := edgeBetween(t, deps.graph, "BATCH_A", "AWSBIS529", kg.RelIncorrectSolutionFor)
	if edge.Properties["audit_id"] != "aud-7" {
		t.Errorf("Edge audit_id = %v", edge.Properties["audit_id"])
	}

	generated, err := p.ProcessFinding(ctx, Finding{
		Query:      "what does job NIGHTLY_ETL do",
		Reason:     "mentions a nonexistent step",
		Confidence: 0.7,
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}
	if generated.AuditID == "" {
		t.Error("AuditID was not generated")
	}
}

// scriptedExtractor returns canned triplets or an error.
type scriptedExtractor struct {
	triplets []kg.Triplet
	err      error
	calls    int
}

func (s *scriptedExtractor) ExtractTriplets(ctx context.Context, query, response, reason string, max int) ([]kg.Triplet, error) {
	s.calls++
	return s.triplets, s.err
}

func TestLLMTripletsDiscountedAndCapped(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedExtractor{triplets: []kg.Triplet{
		{SubjectID: "JOB_ONE", SubjectType: "unknown", Predicate: kg.RelIncorrectAssociation, ObjectID: "CPU9", ObjectType: "unknown"},
		{SubjectID: "JOB_ONE", SubjectType: "unknown", Predicate: kg.RelDependsOn, ObjectID: "JOB_TWO", ObjectType: "unknown"},
		{SubjectID: "JOB_TWO", SubjectType: "unknown", Predicate: kg.RelNotRelevantTo, ObjectID: "CPU9", ObjectType: "unknown"},
		{SubjectID: "JOB_THREE", SubjectType: "unknown", Predicate: kg.RelConfusionWith, ObjectID: "JOB_FOUR", ObjectType: "unknown"},
		{SubjectID: "JOB_FIVE", SubjectType: "unknown", Predicate: kg.RelDeprecatedInfo, ObjectID: "JOB_SIX", ObjectType: "unknown"},
	}}
	p, deps := newTestPipeline(t, llm)

	result, err := p.ProcessFinding(ctx, Finding{
		Query:      "why is everything slow",
		Response:   "",
		Reason:     "a common mistake",
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}
	if llm.calls != 1 {
		t.Fatalf("Extractor called %d times, want 1", llm.calls)
	}

	// No rule triplets (no entities), so everything comes from the LLM:
	// the positive-relation proposal is dropped and the cap takes three.
	if len(result.Triplets) != 3 {
		t.Fatalf("Triplets = %d, want 3", len(result.Triplets))
	}
	for _, tr := range result.Triplets {
		if tr.Predicate == kg.RelDependsOn {
			t.Error("Positive relation accepted from LLM")
		}
		if math.Abs(tr.Confidence-0.9*0.7) > 1e-9 {
			t.Errorf("Triplet confidence = %f, want discounted 0.63", tr.Confidence)
		}
	}
	if result.Triplets[2].SubjectID != "JOB_THREE" {
		t.Errorf("Third accepted triplet = %+v", result.Triplets[2])
	}
	if result.EdgesAdded != 3 {
		t.Errorf("EdgesAdded = %d, want 3", result.EdgesAdded)
	}

	// Auto-created endpoints stay untyped
	node, ok := deps.graph.GetNode("JOB_ONE")
	if !ok || node.Type != "unknown" {
		t.Errorf("LLM endpoint node = %+v, ok=%v", node, ok)
	}
}

func TestLLMFailureSkipsExtrasOnly(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedExtractor{err: errors.New("model unavailable")}
	p, _ := newTestPipeline(t, llm)

	result, err := p.ProcessFinding(ctx, Finding{
		Query:      "how do I fix job BATCH_A",
		Response:   "run conman to clear it",
		Reason:     "wrong recommendation for error code AWSBIS529",
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("LLM failure must not fail the finding: %v", err)
	}
	if result.EdgesAdded != 2 {
		t.Errorf("EdgesAdded = %d, want the 2 rule-derived edges", result.EdgesAdded)
	}
	for _, tr := range result.Triplets {
		if math.Abs(tr.Confidence-0.9) > 1e-9 {
			t.Errorf("Rule triplet confidence = %f, want undiscounted 0.9", tr.Confidence)
		}
	}
}

func TestExistingNodeKeepsItsType(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedExtractor{triplets: []kg.Triplet{
		{SubjectID: "KNOWN_JOB", SubjectType: "unknown", Predicate: kg.RelNotRelevantTo, ObjectID: "other", ObjectType: "unknown"},
	}}
	p, deps := newTestPipeline(t, llm)

	if err := deps.graph.AddNode("KNOWN_JOB", "job", nil); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}

	if _, err := p.ProcessFinding(ctx, Finding{
		Query:      "why is everything slow",
		Reason:     "a common mistake",
		Confidence: 0.5,
	}); err != nil {
		t.Fatalf("ProcessFinding failed: %v", err)
	}

	node, ok := deps.graph.GetNode("KNOWN_JOB")
	if !ok || node.Type != "job" {
		t.Errorf("Node = %+v, want type job preserved", node)
	}
}
