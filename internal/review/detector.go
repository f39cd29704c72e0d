package review

import (
	"context"
	"fmt"

	"schednerd/internal/logging"
	"schednerd/internal/patterns"
)

// Reason a query/response pair was flagged for review.
type Reason string

const (
	ReasonLowClassificationConfidence Reason = "LOW_CLASSIFICATION_CONFIDENCE"
	ReasonLowRAGRelevance             Reason = "LOW_RAG_RELEVANCE"
	ReasonNoEntitiesFound             Reason = "NO_ENTITIES_FOUND"
	ReasonSimilarToPastError          Reason = "SIMILAR_TO_PAST_ERROR"
	ReasonNovelQueryPattern           Reason = "NOVEL_QUERY_PATTERN"
	ReasonMultiplePossibleIntents     Reason = "MULTIPLE_POSSIBLE_INTENTS"
	ReasonConflictingSources          Reason = "CONFLICTING_SOURCES"
	ReasonUserRequested               Reason = "USER_REQUESTED"
)

const (
	// Classification confidence below this is suspect on its own.
	lowClassificationThreshold = 0.6
	// Best retrieval similarity below this means weak grounding.
	lowSimilarityThreshold = 0.7
	// A pattern seen fewer times than this still counts as novel.
	novelSeenThreshold = 3
	// Novelty only matters when the classifier is also unsure.
	novelConfidenceThreshold = 0.8
	// Intent candidates this close to the best are indistinguishable.
	intentAmbiguityBand = 0.1
)

// AssessInput carries the signals for one review decision.
type AssessInput struct {
	Query    string
	Response string

	// ClassificationConfidence is the intent classifier's score in [0,1].
	ClassificationConfidence float64
	// TopSimilarity is the best retrieval similarity in [0,1].
	TopSimilarity float64
	// EntityCount is how many scheduler entities were extracted.
	EntityCount int
	// PastErrorMatch lets callers report their own similarity check
	// against past errors; the tracker is consulted either way.
	PastErrorMatch bool
	// IntentCandidates holds the confidence of each candidate intent.
	IntentCandidates []float64
	// SourceConflict marks contradictory retrieval sources.
	SourceConflict bool
	// UserRequested marks an explicit review request.
	UserRequested bool
}

// Decision is the outcome of an assessment. When ShouldReview is true the
// item was enqueued and ItemID identifies it; when exactly one weak signal
// fired, Warning carries it without queueing.
type Decision struct {
	ShouldReview bool
	Reasons      []Reason
	Warning      string
	ItemID       string
}

// UncertaintyDetector turns confidence signals into review decisions and
// feeds the pattern tracker as a side effect.
type UncertaintyDetector struct {
	queue   *ReviewQueue
	tracker *PatternTracker
}

// NewUncertaintyDetector wires a detector to a queue and its tracker.
func NewUncertaintyDetector(queue *ReviewQueue) *UncertaintyDetector {
	return &UncertaintyDetector{queue: queue, tracker: queue.Tracker()}
}

// Assess collects review reasons for one query/response pair. Two or more
// reasons enqueue the pair; a past-error match enqueues it alone; a single
// other reason only produces a warning. The query pattern is observed in
// the tracker regardless of outcome.
func (d *UncertaintyDetector) Assess(ctx context.Context, in AssessInput) (Decision, error) {
	if in.Query == "" {
		return Decision{}, fmt.Errorf("assessment requires a query")
	}

	fp := patterns.Fingerprint(in.Query)
	var reasons []Reason

	if in.ClassificationConfidence < lowClassificationThreshold {
		reasons = append(reasons, ReasonLowClassificationConfidence)
	}
	if in.TopSimilarity < lowSimilarityThreshold {
		reasons = append(reasons, ReasonLowRAGRelevance)
	}
	if in.EntityCount < 1 {
		reasons = append(reasons, ReasonNoEntitiesFound)
	}
	if in.PastErrorMatch || d.tracker.MatchesPastError(fp) {
		reasons = append(reasons, ReasonSimilarToPastError)
	}
	// Seen count before this observation: the first few sightings of a
	// pattern are the novel ones.
	if d.tracker.SeenCount(fp) < novelSeenThreshold && in.ClassificationConfidence < novelConfidenceThreshold {
		reasons = append(reasons, ReasonNovelQueryPattern)
	}
	if ambiguousIntents(in.IntentCandidates) {
		reasons = append(reasons, ReasonMultiplePossibleIntents)
	}
	if in.SourceConflict {
		reasons = append(reasons, ReasonConflictingSources)
	}
	if in.UserRequested {
		reasons = append(reasons, ReasonUserRequested)
	}

	if err := d.tracker.Observe(fp, in.ClassificationConfidence); err != nil {
		logging.ReviewWarn("Failed to observe pattern %s: %v", fp, err)
	}

	dec := Decision{Reasons: reasons}
	switch {
	case len(reasons) >= 2 || hasReason(reasons, ReasonSimilarToPastError):
		dec.ShouldReview = true
		item, err := d.queue.Enqueue(ctx, in.Query, in.Response, reasons, map[string]float64{
			"classification": in.ClassificationConfidence,
			"top_similarity": in.TopSimilarity,
		})
		if err != nil {
			return dec, fmt.Errorf("review warranted but enqueue failed: %w", err)
		}
		dec.ItemID = item.ID
	case len(reasons) == 1:
		dec.Warning = fmt.Sprintf("single uncertainty signal: %s", reasons[0])
		logging.ReviewDebug("Warning only for pattern %s: %s", fp, reasons[0])
	}
	return dec, nil
}

// ambiguousIntents reports whether at least two intent candidates sit
// within the ambiguity band of the best one.
func ambiguousIntents(candidates []float64) bool {
	if len(candidates) < 2 {
		return false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c > best {
			best = c
		}
	}
	near := 0
	for _, c := range candidates {
		if best-c <= intentAmbiguityBand {
			near++
		}
	}
	return near >= 2
}
