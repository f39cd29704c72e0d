// Package audit turns auditor findings about wrong responses into
// persistent negative knowledge. Each finding is classified, mined for
// scheduler entities, expressed as error-knowledge triplets in the
// knowledge graph, and fed back into the feedback store as penalties so
// retrieval stops surfacing the same mistake.
package audit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"schednerd/internal/feedback"
	"schednerd/internal/kg"
	"schednerd/internal/logging"
	"schednerd/internal/metrics"
	"schednerd/internal/patterns"
	"schednerd/internal/review"
)

const (
	// AuditUser marks feedback rows written by this pipeline.
	AuditUser = "system:audit"

	// LLM-proposed triplets are weaker evidence than rule-derived ones.
	llmConfidenceDiscount = 0.7

	defaultMaxLLMTriplets = 3
)

// Finding is one auditor judgment that a response was wrong.
type Finding struct {
	AuditID    string
	Query      string
	Response   string
	Reason     string
	Confidence float64
	// ReferencedDocs are the retrieval doc ids the response was built
	// from, when the caller knows them.
	ReferencedDocs []string
}

// Result summarizes what one finding produced.
type Result struct {
	AuditID       string
	ErrorType     patterns.ErrorType
	Entities      map[patterns.EntityType][]string
	Triplets      []kg.Triplet
	EdgesAdded    int
	DocsPenalized []string
}

// TableSource yields the active pattern table. Both *patterns.Source
// (hot-reloadable) and a bare *patterns.Table satisfy it.
type TableSource interface {
	Table() *patterns.Table
}

// Pipeline converts findings into error-knowledge edges and feedback
// penalties. It only ever writes negative knowledge; positive edges are
// never touched.
type Pipeline struct {
	tables  TableSource
	graph   *kg.KnowledgeGraph
	store   *feedback.Store
	tracker *review.PatternTracker
	llm     TripletExtractor

	maxLLMTriplets int
	processed      atomic.Int64
}

// NewPipeline wires the audit pipeline. The feedback store, pattern
// tracker, and LLM extractor may each be nil; the corresponding step is
// skipped.
func NewPipeline(tables TableSource, graph *kg.KnowledgeGraph, store *feedback.Store, tracker *review.PatternTracker, llm TripletExtractor, maxLLMTriplets int) (*Pipeline, error) {
	if tables == nil {
		return nil, fmt.Errorf("audit pipeline requires a pattern table")
	}
	if graph == nil {
		return nil, fmt.Errorf("audit pipeline requires a knowledge graph")
	}
	if maxLLMTriplets <= 0 {
		maxLLMTriplets = defaultMaxLLMTriplets
	}
	return &Pipeline{
		tables:         tables,
		graph:          graph,
		store:          store,
		tracker:        tracker,
		llm:            llm,
		maxLLMTriplets: maxLLMTriplets,
	}, nil
}

// ProcessFinding runs one finding through the full pipeline.
func (p *Pipeline) ProcessFinding(ctx context.Context, f Finding) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryAudit, "ProcessFinding")
	defer timer.Stop()
	start := time.Now()

	if f.Query == "" {
		return nil, fmt.Errorf("finding requires a query")
	}
	if f.Reason == "" {
		return nil, fmt.Errorf("finding requires a reason")
	}
	if f.AuditID == "" {
		f.AuditID = uuid.New().String()
	}

	table := p.tables.Table()
	errType := table.ClassifyError(f.Reason)
	entities := table.ExtractAll(f.Query, f.Response, f.Reason)
	fp := patterns.Fingerprint(f.Query)
	logging.AuditDebug("Finding %s classified as %s with %d entity types", f.AuditID, errType, len(entities))

	triplets := p.generateTriplets(errType, entities, fp, f.Confidence)
	triplets = append(triplets, p.llmTriplets(ctx, f)...)
	triplets = dedupeTriplets(triplets)

	edges, err := p.insertTriplets(triplets, f)
	if err != nil {
		return nil, err
	}

	penalized := p.penalizeDocs(ctx, f, errType, entities)

	if p.tracker != nil {
		if err := p.tracker.RecordErrorPattern(fp); err != nil {
			logging.AuditWarn("Failed to record error pattern for %s: %v", f.AuditID, err)
		}
	}

	p.processed.Add(1)
	metrics.FindingsProcessedTotal.WithLabelValues(string(errType)).Inc()
	logging.OpsFor("audit").FindingProcessed(f.AuditID, string(errType), int64(edges), int64(len(penalized)), time.Since(start).Milliseconds())
	logging.Audit("Finding %s: %s, %d triplets, %d edges, %d docs penalized",
		f.AuditID, errType, len(triplets), edges, len(penalized))

	return &Result{
		AuditID:       f.AuditID,
		ErrorType:     errType,
		Entities:      entities,
		Triplets:      triplets,
		EdgesAdded:    edges,
		DocsPenalized: penalized,
	}, nil
}

// generateTriplets applies the per-error-type rules. The pattern and
// concept nodes anchor knowledge that has no second scheduler entity.
func (p *Pipeline) generateTriplets(errType patterns.ErrorType, entities map[patterns.EntityType][]string, fp string, confidence float64) []kg.Triplet {
	patternNode := "pattern:" + fp
	conceptNode := "concept:" + fp
	var triplets []kg.Triplet

	add := func(subjID string, subjType patterns.EntityType, pred, objID, objType string) {
		triplets = append(triplets, kg.Triplet{
			SubjectID:      subjID,
			SubjectType:    string(subjType),
			Predicate:      pred,
			ObjectID:       objID,
			ObjectType:     objType,
			Confidence:     confidence,
			SourceMemoryID: "",
		})
	}

	switch errType {
	case patterns.ErrorWrongRecommendation:
		for _, job := range entities[patterns.EntityJob] {
			for _, code := range entities[patterns.EntityErrorCode] {
				add(job, patterns.EntityJob, kg.RelIncorrectSolutionFor, code, string(patterns.EntityErrorCode))
			}
		}
		for _, cmd := range entities[patterns.EntityCommand] {
			for _, code := range entities[patterns.EntityErrorCode] {
				add(cmd, patterns.EntityCommand, kg.RelShouldNotUseFor, code, string(patterns.EntityErrorCode))
			}
		}

	case patterns.ErrorTechnicalInaccuracy:
		for _, job := range entities[patterns.EntityJob] {
			for _, ws := range entities[patterns.EntityWorkstation] {
				add(job, patterns.EntityJob, kg.RelIncorrectAssociation, ws, string(patterns.EntityWorkstation))
			}
		}

	case patterns.ErrorIrrelevantResponse:
		for _, et := range patterns.AllEntityTypes {
			for _, name := range entities[et] {
				add(name, et, kg.RelNotRelevantTo, patternNode, "query_pattern")
			}
		}

	case patterns.ErrorContradictoryInfo:
		// The first two entities of a type are the ones being mixed up.
		for _, et := range patterns.AllEntityTypes {
			if names := entities[et]; len(names) >= 2 {
				add(names[0], et, kg.RelConfusionWith, names[1], string(et))
			}
		}

	case patterns.ErrorDeprecatedInfo:
		for _, et := range patterns.AllEntityTypes {
			for _, name := range entities[et] {
				add(name, et, kg.RelDeprecatedInfo, conceptNode, "concept")
			}
		}

	default:
		// hallucination, misleading_context, common_error: too vague to
		// name a second entity, so tie each entity to the query pattern.
		for _, et := range patterns.AllEntityTypes {
			for _, name := range entities[et] {
				add(name, et, kg.RelIncorrectAssociation, patternNode, "query_pattern")
			}
		}
	}

	return triplets
}

// llmTriplets asks the optional extractor for extra triplets. Any failure
// drops the whole batch; rule-derived triplets are unaffected.
func (p *Pipeline) llmTriplets(ctx context.Context, f Finding) []kg.Triplet {
	if p.llm == nil {
		return nil
	}

	proposed, err := p.llm.ExtractTriplets(ctx, f.Query, f.Response, f.Reason, p.maxLLMTriplets)
	if err != nil {
		logging.AuditDebug("LLM triplet extraction skipped for %s: %v", f.AuditID, err)
		return nil
	}

	var accepted []kg.Triplet
	for _, t := range proposed {
		if len(accepted) >= p.maxLLMTriplets {
			break
		}
		if t.SubjectID == "" || t.ObjectID == "" || !kg.IsErrorRelation(t.Predicate) {
			logging.AuditDebug("Dropping LLM triplet (%s %s %s)", t.SubjectID, t.Predicate, t.ObjectID)
			continue
		}
		t.Confidence = f.Confidence * llmConfidenceDiscount
		accepted = append(accepted, t)
	}
	return accepted
}

// insertTriplets writes nodes and error-knowledge edges. Non-error
// predicates never reach the graph from here.
func (p *Pipeline) insertTriplets(triplets []kg.Triplet, f Finding) (int, error) {
	edges := 0
	for _, t := range triplets {
		if !kg.IsErrorRelation(t.Predicate) {
			logging.AuditWarn("Refusing non-error predicate %s in finding %s", t.Predicate, f.AuditID)
			continue
		}
		// Typed endpoints are upserted; unknown-typed ones are left to
		// the edge auto-create so an existing node keeps its real type.
		if t.SubjectType != "" && t.SubjectType != "unknown" {
			if err := p.graph.AddNode(t.SubjectID, t.SubjectType, nil); err != nil {
				return edges, fmt.Errorf("failed to add subject %s: %w", t.SubjectID, err)
			}
		}
		if t.ObjectType != "" && t.ObjectType != "unknown" {
			if err := p.graph.AddNode(t.ObjectID, t.ObjectType, nil); err != nil {
				return edges, fmt.Errorf("failed to add object %s: %w", t.ObjectID, err)
			}
		}

		props := map[string]interface{}{
			"confidence": t.Confidence,
			"source":     "audit",
			"reason":     f.Reason,
			"audit_id":   f.AuditID,
			"created_at": float64(time.Now().Unix()),
		}
		if err := p.graph.AddEdge(t.SubjectID, t.ObjectID, t.Predicate, props); err != nil {
			return edges, fmt.Errorf("failed to add edge (%s %s %s): %w", t.SubjectID, t.Predicate, t.ObjectID, err)
		}
		edges++
	}
	return edges, nil
}

// penalizeDocs writes negative feedback for the docs behind the wrong
// response. Without referenced docs, synthetic per-entity ids keep the
// penalty attached to the entities the response talked about.
func (p *Pipeline) penalizeDocs(ctx context.Context, f Finding, errType patterns.ErrorType, entities map[patterns.EntityType][]string) []string {
	if p.store == nil {
		return nil
	}

	docIDs := f.ReferencedDocs
	if len(docIDs) == 0 {
		for _, et := range patterns.AllEntityTypes {
			for _, name := range entities[et] {
				docIDs = append(docIDs, fmt.Sprintf("entity:%s:%s", et, name))
			}
		}
	}

	var penalized []string
	for _, docID := range docIDs {
		rec := feedback.Record{
			Query:    f.Query,
			DocID:    docID,
			Rating:   feedback.MinRating,
			UserID:   AuditUser,
			Response: f.Response,
			Metadata: map[string]interface{}{
				"reason":     f.Reason,
				"confidence": f.Confidence,
				"audit_id":   f.AuditID,
				"error_type": string(errType),
			},
		}
		if err := p.store.Record(ctx, rec); err != nil {
			logging.AuditWarn("Failed to penalize %s for finding %s: %v", docID, f.AuditID, err)
			continue
		}
		penalized = append(penalized, docID)
	}
	return penalized
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() map[string]interface{} {
	return map[string]interface{}{
		"findings_processed": p.processed.Load(),
		"llm_enabled":        p.llm != nil,
		"max_llm_triplets":   int64(p.maxLLMTriplets),
	}
}

// dedupeTriplets drops repeats of the same (subject, predicate, object).
// Overlapping extraction rules can name the same pair twice.
func dedupeTriplets(triplets []kg.Triplet) []kg.Triplet {
	seen := make(map[string]bool, len(triplets))
	out := triplets[:0]
	for _, t := range triplets {
		key := t.SubjectID + "\x00" + t.Predicate + "\x00" + t.ObjectID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
