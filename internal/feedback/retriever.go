package feedback

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
)

// Document is one retrieval result.
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Retriever is any base retrieval source the reranker can wrap.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, filters map[string]interface{}) ([]Document, error)
}

// candidateCap bounds the widened candidate fetch.
const candidateCap = 50

// Source is the slice of the feedback store the reranker needs. *Store
// satisfies it.
type Source interface {
	Scores(ctx context.Context, query string, docIDs []string) (map[string]float64, error)
	Record(ctx context.Context, rec Record) error
}

// FeedbackAwareRetriever wraps a base retriever and blends stored
// feedback into its scores. With weight zero the wrapper is strictly
// equivalent to the base retriever.
type FeedbackAwareRetriever struct {
	base   Retriever
	store  Source
	weight float64

	mu         sync.Mutex
	lastQuery  string
	lastWindow []Document

	reranked int64
	moved    int64
}

// NewFeedbackAwareRetriever clamps weight into [0, 1].
func NewFeedbackAwareRetriever(base Retriever, store Source, weight float64) *FeedbackAwareRetriever {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	return &FeedbackAwareRetriever{base: base, store: store, weight: weight}
}

// Retrieve fetches a widened candidate window, reranks it by stored
// feedback, and returns the top k. The returned window is remembered so
// RecordFeedback can resolve result indexes to doc ids.
func (r *FeedbackAwareRetriever) Retrieve(ctx context.Context, query string, topK int, filters map[string]interface{}) ([]Document, error) {
	if topK <= 0 {
		topK = 10
	}

	// Weight zero means pass-through: same call, same order, same scores
	if r.weight == 0 || r.store == nil {
		docs, err := r.base.Retrieve(ctx, query, topK, filters)
		if err != nil {
			return nil, err
		}
		r.remember(query, docs)
		return docs, nil
	}

	candidateK := 2 * topK
	if candidateK > candidateCap {
		candidateK = candidateCap
	}
	if candidateK < topK {
		candidateK = topK
	}

	docs, err := r.base.Retrieve(ctx, query, candidateK, filters)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		r.remember(query, docs)
		return docs, nil
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	adjustments, err := r.store.Scores(ctx, query, ids)
	if err != nil {
		// Feedback is an enhancement; a lookup failure degrades to the
		// base ordering rather than failing retrieval.
		logging.FeedbackWarn("Score lookup failed, returning base order: %v", err)
		if len(docs) > topK {
			docs = docs[:topK]
		}
		r.remember(query, docs)
		return docs, nil
	}

	before := make(map[string]int, len(docs))
	for i, d := range docs {
		before[d.ID] = i
	}

	for i := range docs {
		if adj, ok := adjustments[docs[i].ID]; ok && adj != 0 {
			docs[i].Score = docs[i].Score * (1 + adj*r.weight)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })

	if len(docs) > topK {
		docs = docs[:topK]
	}

	movedHere := int64(0)
	for i, d := range docs {
		if before[d.ID] != i {
			movedHere++
		}
	}

	r.mu.Lock()
	r.reranked++
	r.moved += movedHere
	r.lastQuery = query
	r.lastWindow = append([]Document(nil), docs...)
	r.mu.Unlock()

	metrics.RerankedQueriesTotal.Inc()
	logging.FeedbackDebug("Reranked %d candidates to top %d (%d moved)", len(ids), len(docs), movedHere)
	return docs, nil
}

func (r *FeedbackAwareRetriever) remember(query string, docs []Document) {
	r.mu.Lock()
	r.lastQuery = query
	r.lastWindow = append([]Document(nil), docs...)
	r.mu.Unlock()
}

// RecordFeedback records a rating against the document at the given index
// of the most recent result window.
func (r *FeedbackAwareRetriever) RecordFeedback(ctx context.Context, index, rating int, userID, response string) error {
	if r.store == nil {
		return fmt.Errorf("feedback store not configured")
	}

	r.mu.Lock()
	if index < 0 || index >= len(r.lastWindow) {
		n := len(r.lastWindow)
		r.mu.Unlock()
		return fmt.Errorf("result index %d outside the last window of %d", index, n)
	}
	docID := r.lastWindow[index].ID
	query := r.lastQuery
	r.mu.Unlock()

	return r.store.Record(ctx, Record{
		Query:    query,
		DocID:    docID,
		Rating:   rating,
		UserID:   userID,
		Response: response,
	})
}

// Stats reports rerank accounting.
func (r *FeedbackAwareRetriever) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"weight":      r.weight,
		"reranked":    r.reranked,
		"moved":       r.moved,
		"window_size": len(r.lastWindow),
	}
}
