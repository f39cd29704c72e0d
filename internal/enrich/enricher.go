// Package enrich rewrites user queries into RAG-friendly queries by
// appending learned scheduler context: job run statistics, dependency
// and resource relationships from the knowledge graph, and temporal
// hints. A query that matches nothing passes through unchanged.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"schednerd/internal/kg"
	"schednerd/internal/logging"
	"schednerd/internal/metrics"
	"schednerd/internal/patterns"
)

const (
	defaultMaxContextChars = 500
	defaultMaxDependencies = 3
)

// Fragment kinds reported in stats and metrics.
const (
	kindStats        = "stats"
	kindDependencies = "dependencies"
	kindResources    = "resources"
	kindTemporal     = "temporal"
)

// EnrichmentInfo describes what Enrich did to one query.
type EnrichmentInfo struct {
	Enriched  bool                             `json:"enriched"`
	Fragments []string                         `json:"fragments,omitempty"`
	Kinds     []string                         `json:"kinds,omitempty"`
	Entities  map[patterns.EntityType][]string `json:"entities,omitempty"`
	Truncated bool                             `json:"truncated,omitempty"`
}

// TableSource yields the active pattern table. Both *patterns.Source
// (hot-reloadable) and a bare *patterns.Table satisfy it.
type TableSource interface {
	Table() *patterns.Table
}

// ContextEnricher builds the bracketed context tail. The graph and the
// stats store are optional; a nil source just contributes no fragments.
type ContextEnricher struct {
	tables TableSource
	graph  *kg.KnowledgeGraph
	stats  *StatsStore

	maxContextChars int
	maxDependencies int

	mu              sync.Mutex
	queries         int64
	enriched        int64
	fragmentsByKind map[string]int64
}

// NewContextEnricher wires the enricher to its context sources.
// maxContextChars and maxDependencies fall back to defaults when
// non-positive.
func NewContextEnricher(tables TableSource, graph *kg.KnowledgeGraph, stats *StatsStore, maxContextChars, maxDependencies int) (*ContextEnricher, error) {
	if tables == nil {
		return nil, fmt.Errorf("context enricher requires a pattern table")
	}
	if maxContextChars <= 0 {
		maxContextChars = defaultMaxContextChars
	}
	if maxDependencies <= 0 {
		maxDependencies = defaultMaxDependencies
	}
	return &ContextEnricher{
		tables:          tables,
		graph:           graph,
		stats:           stats,
		maxContextChars: maxContextChars,
		maxDependencies: maxDependencies,
		fragmentsByKind: make(map[string]int64),
	}, nil
}

// Enrich appends learned context to the query. It never fails: sources
// that error are skipped and the remaining fragments still apply. When
// no fragment is produced the query comes back untouched.
func (e *ContextEnricher) Enrich(ctx context.Context, query string) (string, EnrichmentInfo) {
	start := time.Now()

	e.mu.Lock()
	e.queries++
	e.mu.Unlock()

	info := EnrichmentInfo{}
	if strings.TrimSpace(query) == "" {
		return query, info
	}

	table := e.tables.Table()
	entities := table.Extract(query)
	info.Entities = entities
	jobs := entities[patterns.EntityJob]

	var fragments []string
	var kinds []string
	counts := make(map[string]int64)

	add := func(kind, fragment string) {
		fragments = append(fragments, fragment)
		if counts[kind] == 0 {
			kinds = append(kinds, kind)
		}
		counts[kind]++
	}

	for _, job := range jobs {
		if frag, ok := e.statsFragment(ctx, job); ok {
			add(kindStats, frag)
		}
	}
	for _, job := range jobs {
		if frag, ok := e.dependencyFragment(job); ok {
			add(kindDependencies, frag)
		}
	}
	for _, job := range jobs {
		if frag, ok := e.resourceFragment(job); ok {
			add(kindResources, frag)
		}
	}
	if hints := table.TemporalHints(query); len(hints) > 0 {
		add(kindTemporal, "timeframe: "+strings.Join(hints, ", "))
	}

	if len(fragments) == 0 {
		logging.EnrichDebug("No context for query (%d entities)", len(entities))
		return query, info
	}

	joined := strings.Join(fragments, "; ")
	if len([]rune(joined)) > e.maxContextChars {
		joined = strings.TrimRight(truncateRunes(joined, e.maxContextChars), " ;")
		info.Truncated = true
	}

	info.Enriched = true
	info.Fragments = fragments
	info.Kinds = kinds

	e.mu.Lock()
	e.enriched++
	for kind, n := range counts {
		e.fragmentsByKind[kind] += n
	}
	e.mu.Unlock()

	metrics.QueriesEnrichedTotal.Inc()
	for kind, n := range counts {
		metrics.EnrichFragmentsTotal.WithLabelValues(kind).Add(float64(n))
	}
	logging.OpsFor("enrich").QueryEnriched(int64(len(fragments)), kinds, time.Since(start).Milliseconds())
	logging.EnrichDebug("Enriched query with %d fragments (%s)", len(fragments), strings.Join(kinds, ","))

	return query + " [context: " + joined + "]", info
}

// statsFragment renders run statistics for one job, when recorded.
func (e *ContextEnricher) statsFragment(ctx context.Context, job string) (string, bool) {
	if e.stats == nil {
		return "", false
	}
	st, ok, err := e.stats.JobStats(ctx, job)
	if err != nil {
		logging.EnrichWarn("Skipping statistics for %s: %v", job, err)
		return "", false
	}
	if !ok || st.Runs == 0 {
		return "", false
	}

	frag := fmt.Sprintf("%s fails %.0f%% of runs (avg %.0fs)", job, st.FailureRate*100, st.AvgDuration)
	if len(st.CommonErrors) > 0 {
		frag += ", often " + strings.Join(st.CommonErrors, ", ")
	}
	return frag, true
}

// dependencyFragment renders the direct upstream dependencies of a job,
// capped at the configured fan-out.
func (e *ContextEnricher) dependencyFragment(job string) (string, bool) {
	if e.graph == nil {
		return "", false
	}
	deps := e.graph.DependencyChain(job, 1)
	if len(deps) == 0 {
		return "", false
	}
	if len(deps) > e.maxDependencies {
		deps = deps[:e.maxDependencies]
	}
	return job + " depends on " + strings.Join(deps, ", "), true
}

// resourceFragment renders the resources a job holds, capped at the
// configured fan-out. Error-knowledge edges never contribute.
func (e *ContextEnricher) resourceFragment(job string) (string, bool) {
	if e.graph == nil {
		return "", false
	}
	var resources []string
	for _, edge := range e.graph.Neighbors(job, false) {
		if edge.Source != job || edge.Type != kg.RelUsesResource {
			continue
		}
		resources = append(resources, edge.Target)
		if len(resources) == e.maxDependencies {
			break
		}
	}
	if len(resources) == 0 {
		return "", false
	}
	return job + " uses " + strings.Join(resources, ", "), true
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Stats reports enrichment counters: total queries seen, how many were
// enriched, the resulting rate, and fragment counts by kind.
func (e *ContextEnricher) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	rate := 0.0
	if e.queries > 0 {
		rate = float64(e.enriched) / float64(e.queries)
	}
	byKind := make(map[string]int64, len(e.fragmentsByKind))
	for kind, n := range e.fragmentsByKind {
		byKind[kind] = n
	}
	return map[string]interface{}{
		"queries":           e.queries,
		"enriched":          e.enriched,
		"enrichment_rate":   rate,
		"fragments_by_kind": byKind,
	}
}
