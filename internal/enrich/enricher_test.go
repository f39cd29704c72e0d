package enrich

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"schednerd/internal/kg"
	"schednerd/internal/patterns"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStats(t *testing.T) *StatsStore {
	t.Helper()
	s, err := NewStatsStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to open stats store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestGraph(t *testing.T) *kg.KnowledgeGraph {
	t.Helper()
	store, err := kg.NewGraphStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to open graph store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	graph, err := kg.NewKnowledgeGraph(store)
	if err != nil {
		t.Fatalf("Failed to build graph: %v", err)
	}
	return graph
}

func newTestEnricher(t *testing.T, graph *kg.KnowledgeGraph, stats *StatsStore) *ContextEnricher {
	t.Helper()
	e, err := NewContextEnricher(patterns.Builtin(), graph, stats, 0, 0)
	if err != nil {
		t.Fatalf("Failed to build enricher: %v", err)
	}
	return e
}

func TestEnrichAddsJobStatsFragment(t *testing.T) {
	stats := newTestStats(t)
	ctx := context.Background()

	// 1 failure of 3 runs, 120s total
	if err := stats.RecordJobOutcome(ctx, "NIGHTLY_ETL", true, 30*time.Second, ""); err != nil {
		t.Fatalf("RecordJobOutcome failed: %v", err)
	}
	if err := stats.RecordJobOutcome(ctx, "NIGHTLY_ETL", true, 50*time.Second, ""); err != nil {
		t.Fatalf("RecordJobOutcome failed: %v", err)
	}
	if err := stats.RecordJobOutcome(ctx, "NIGHTLY_ETL", false, 40*time.Second, "AWSBHT001E"); err != nil {
		t.Fatalf("RecordJobOutcome failed: %v", err)
	}

	e := newTestEnricher(t, nil, stats)
	out, info := e.Enrich(ctx, "why did job NIGHTLY_ETL fail")

	want := "why did job NIGHTLY_ETL fail [context: NIGHTLY_ETL fails 33% of runs (avg 40s), often AWSBHT001E]"
	if out != want {
		t.Errorf("Enriched query = %q, want %q", out, want)
	}
	if !info.Enriched {
		t.Error("Info should mark the query enriched")
	}
	if len(info.Kinds) != 1 || info.Kinds[0] != "stats" {
		t.Errorf("Kinds = %v, want [stats]", info.Kinds)
	}
	if got := info.Entities[patterns.EntityJob]; len(got) != 1 || got[0] != "NIGHTLY_ETL" {
		t.Errorf("Extracted jobs = %v", got)
	}
}

func TestEnrichUnknownQueryUnchanged(t *testing.T) {
	e := newTestEnricher(t, newTestGraph(t), newTestStats(t))

	query := "how do I restart the scheduler"
	out, info := e.Enrich(context.Background(), query)
	if out != query {
		t.Errorf("Query changed: %q", out)
	}
	if info.Enriched || len(info.Fragments) != 0 {
		t.Errorf("Info should be empty: %+v", info)
	}
}

func TestEnrichEmptyQueryUnchanged(t *testing.T) {
	e := newTestEnricher(t, nil, nil)
	out, info := e.Enrich(context.Background(), "")
	if out != "" || info.Enriched {
		t.Errorf("Empty query should pass through, got %q %+v", out, info)
	}
}

func TestEnrichDependencyFanoutCap(t *testing.T) {
	graph := newTestGraph(t)
	for _, dep := range []string{"STAGE_ONE", "STAGE_TWO", "STAGE_THREE", "STAGE_FOUR", "STAGE_FIVE"} {
		if err := graph.AddEdge("NIGHTLY_ETL", dep, kg.RelDependsOn, nil); err != nil {
			t.Fatalf("AddEdge failed: %v", err)
		}
	}

	e := newTestEnricher(t, graph, nil)
	out, info := e.Enrich(context.Background(), "status of NIGHTLY_ETL")

	want := "status of NIGHTLY_ETL [context: NIGHTLY_ETL depends on STAGE_ONE, STAGE_TWO, STAGE_THREE]"
	if out != want {
		t.Errorf("Enriched query = %q, want %q", out, want)
	}
	if len(info.Kinds) != 1 || info.Kinds[0] != "dependencies" {
		t.Errorf("Kinds = %v, want [dependencies]", info.Kinds)
	}
}

func TestEnrichResourceFragmentSkipsErrorEdges(t *testing.T) {
	graph := newTestGraph(t)
	if err := graph.AddEdge("NIGHTLY_ETL", "DB_POOL", kg.RelUsesResource, nil); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := graph.AddEdge("NIGHTLY_ETL", "TMP_DISK", kg.RelUsesResource, nil); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	// Incoming and error edges must not show up as held resources.
	if err := graph.AddEdge("DOWNSTREAM_RPT", "NIGHTLY_ETL", kg.RelDependsOn, nil); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := graph.AddEdge("NIGHTLY_ETL", "BAD_ANSWER", kg.RelIncorrectAssociation, nil); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}

	e := newTestEnricher(t, graph, nil)
	out, _ := e.Enrich(context.Background(), "is NIGHTLY_ETL holding locks")

	if !strings.Contains(out, "[context: NIGHTLY_ETL uses DB_POOL, TMP_DISK]") {
		t.Errorf("Enriched query = %q", out)
	}
	if strings.Contains(out, "BAD_ANSWER") || strings.Contains(out, "DOWNSTREAM_RPT") {
		t.Errorf("Unwanted edge leaked into context: %q", out)
	}
}

func TestEnrichTemporalFragment(t *testing.T) {
	e := newTestEnricher(t, nil, nil)
	out, info := e.Enrich(context.Background(), "what failed overnight")

	want := "what failed overnight [context: timeframe: overnight]"
	if out != want {
		t.Errorf("Enriched query = %q, want %q", out, want)
	}
	if len(info.Kinds) != 1 || info.Kinds[0] != "temporal" {
		t.Errorf("Kinds = %v, want [temporal]", info.Kinds)
	}
}

func TestEnrichCombinesFragmentsInOrder(t *testing.T) {
	stats := newTestStats(t)
	graph := newTestGraph(t)
	ctx := context.Background()

	if err := stats.RecordJobOutcome(ctx, "NIGHTLY_ETL", false, 60*time.Second, "AWSBHT001E"); err != nil {
		t.Fatalf("RecordJobOutcome failed: %v", err)
	}
	if err := graph.AddEdge("NIGHTLY_ETL", "EXTRACT_RAW", kg.RelDependsOn, nil); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := graph.AddEdge("NIGHTLY_ETL", "DB_POOL", kg.RelUsesResource, nil); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}

	e := newTestEnricher(t, graph, stats)
	out, info := e.Enrich(ctx, "why did NIGHTLY_ETL fail overnight")

	want := "why did NIGHTLY_ETL fail overnight [context: " +
		"NIGHTLY_ETL fails 100% of runs (avg 60s), often AWSBHT001E; " +
		"NIGHTLY_ETL depends on EXTRACT_RAW; " +
		"NIGHTLY_ETL uses DB_POOL; " +
		"timeframe: overnight]"
	if out != want {
		t.Errorf("Enriched query = %q, want %q", out, want)
	}

	wantKinds := []string{"stats", "dependencies", "resources", "temporal"}
	if len(info.Kinds) != len(wantKinds) {
		t.Fatalf("Kinds = %v, want %v", info.Kinds, wantKinds)
	}
	for i, k := range wantKinds {
		if info.Kinds[i] != k {
			t.Errorf("Kinds[%d] = %s, want %s", i, info.Kinds[i], k)
		}
	}
}

func TestEnrichBudgetTruncation(t *testing.T) {
	graph := newTestGraph(t)
	if err := graph.AddEdge("NIGHTLY_ETL", "STAGE_ONE", kg.RelDependsOn, nil); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}

	e, err := NewContextEnricher(patterns.Builtin(), graph, nil, 20, 0)
	if err != nil {
		t.Fatalf("Failed to build enricher: %v", err)
	}

	out, info := e.Enrich(context.Background(), "status of NIGHTLY_ETL")
	want := "status of NIGHTLY_ETL [context: NIGHTLY_ETL depends]"
	if out != want {
		t.Errorf("Enriched query = %q, want %q", out, want)
	}
	if !info.Truncated {
		t.Error("Info should mark the context truncated")
	}
}

func TestEnrichWithoutSourcesStillWorks(t *testing.T) {
	// No graph, no stats store: only temporal fragments are possible.
	e := newTestEnricher(t, nil, nil)
	out, _ := e.Enrich(context.Background(), "did NIGHTLY_ETL run this morning")
	if !strings.Contains(out, "[context: timeframe: morning]") {
		t.Errorf("Enriched query = %q", out)
	}
}

func TestEnricherStats(t *testing.T) {
	e := newTestEnricher(t, nil, nil)
	ctx := context.Background()

	e.Enrich(ctx, "what failed overnight")
	e.Enrich(ctx, "how do I restart the scheduler")

	stats := e.Stats()
	if stats["queries"].(int64) != 2 {
		t.Errorf("queries = %v, want 2", stats["queries"])
	}
	if stats["enriched"].(int64) != 1 {
		t.Errorf("enriched = %v, want 1", stats["enriched"])
	}
	if rate := stats["enrichment_rate"].(float64); rate != 0.5 {
		t.Errorf("enrichment_rate = %v, want 0.5", rate)
	}
	byKind := stats["fragments_by_kind"].(map[string]int64)
	if byKind["temporal"] != 1 {
		t.Errorf("temporal fragments = %d, want 1", byKind["temporal"])
	}
}

func TestNewContextEnricherRequiresTable(t *testing.T) {
	if _, err := NewContextEnricher(nil, nil, nil, 0, 0); err == nil {
		t.Error("Nil pattern table should fail")
	}
}

func TestStatsStoreRoundTrip(t *testing.T) {
	s := newTestStats(t)
	ctx := context.Background()

	if err := s.RecordJobOutcome(ctx, "", true, time.Second, ""); err == nil {
		t.Error("Empty job name should fail")
	}

	if err := s.RecordJobOutcome(ctx, "PAYROLL_RUN", true, 30*time.Second, ""); err != nil {
		t.Fatalf("RecordJobOutcome failed: %v", err)
	}
	if err := s.RecordJobOutcome(ctx, "PAYROLL_RUN", false, 90*time.Second, "AWSJCL528E"); err != nil {
		t.Fatalf("RecordJobOutcome failed: %v", err)
	}

	st, ok, err := s.JobStats(ctx, "PAYROLL_RUN")
	if err != nil {
		t.Fatalf("JobStats failed: %v", err)
	}
	if !ok {
		t.Fatal("Stats should exist")
	}
	if st.Runs != 2 || st.Failures != 1 {
		t.Errorf("Runs/Failures = %d/%d, want 2/1", st.Runs, st.Failures)
	}
	if st.FailureRate != 0.5 {
		t.Errorf("FailureRate = %v, want 0.5", st.FailureRate)
	}
	if st.AvgDuration != 60 {
		t.Errorf("AvgDuration = %v, want 60", st.AvgDuration)
	}
	if len(st.CommonErrors) != 1 || st.CommonErrors[0] != "AWSJCL528E" {
		t.Errorf("CommonErrors = %v", st.CommonErrors)
	}

	if _, ok, err := s.JobStats(ctx, "NEVER_SEEN"); err != nil || ok {
		t.Errorf("Unknown job: ok=%v err=%v", ok, err)
	}
}

func TestStatsStoreCommonErrorRanking(t *testing.T) {
	s := newTestStats(t)
	ctx := context.Background()

	// AWSBHT001E twice, two singletons; top two are the frequent code
	// then the lexically first of the tied pair.
	outcomes := []string{"AWSBHT001E", "AWSJCL528E", "AWSBHT001E", "AWSBCV012E"}
	for _, code := range outcomes {
		if err := s.RecordJobOutcome(ctx, "FLAKY_LOAD", false, time.Second, code); err != nil {
			t.Fatalf("RecordJobOutcome failed: %v", err)
		}
	}

	st, _, err := s.JobStats(ctx, "FLAKY_LOAD")
	if err != nil {
		t.Fatalf("JobStats failed: %v", err)
	}
	if len(st.CommonErrors) != 2 || st.CommonErrors[0] != "AWSBHT001E" || st.CommonErrors[1] != "AWSBCV012E" {
		t.Errorf("CommonErrors = %v, want [AWSBHT001E AWSBCV012E]", st.CommonErrors)
	}
}

func TestStatsStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")
	ctx := context.Background()

	s, err := NewStatsStore(path)
	if err != nil {
		t.Fatalf("Failed to open stats store: %v", err)
	}
	if err := s.RecordJobOutcome(ctx, "NIGHTLY_ETL", false, 40*time.Second, "AWSBHT001E"); err != nil {
		t.Fatalf("RecordJobOutcome failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewStatsStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen stats store: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	st, ok, err := reopened.JobStats(ctx, "NIGHTLY_ETL")
	if err != nil || !ok {
		t.Fatalf("JobStats after reopen: ok=%v err=%v", ok, err)
	}
	if st.Runs != 1 || st.Failures != 1 || len(st.CommonErrors) != 1 {
		t.Errorf("Reopened stats = %+v", st)
	}

	totals, err := reopened.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if totals["entities"].(int64) != 1 || totals["total_runs"].(int64) != 1 {
		t.Errorf("Totals = %v", totals)
	}
}
