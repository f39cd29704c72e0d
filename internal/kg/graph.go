package kg

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
)

// Relation types. The enum is closed: AddEdge rejects anything else.
const (
	RelDependsOn    = "DEPENDS_ON"
	RelRunsOn       = "RUNS_ON"
	RelUsesResource = "USES_RESOURCE"
	RelPartOf       = "PART_OF"
	RelFollows      = "FOLLOWS"

	RelIncorrectSolutionFor = "INCORRECT_SOLUTION_FOR"
	RelShouldNotUseFor      = "SHOULD_NOT_USE_FOR"
	RelIncorrectAssociation = "INCORRECT_ASSOCIATION"
	RelNotRelevantTo        = "NOT_RELEVANT_TO"
	RelConfusionWith        = "CONFUSION_WITH"
	RelDeprecatedInfo       = "DEPRECATED_INFO"
)

// ErrUnknownRelation is returned for edge types outside the closed enum.
var ErrUnknownRelation = errors.New("unknown relation type")

var positiveRelations = map[string]bool{
	RelDependsOn:    true,
	RelRunsOn:       true,
	RelUsesResource: true,
	RelPartOf:       true,
	RelFollows:      true,
}

var errorRelations = map[string]bool{
	RelIncorrectSolutionFor: true,
	RelShouldNotUseFor:      true,
	RelIncorrectAssociation: true,
	RelNotRelevantTo:        true,
	RelConfusionWith:        true,
	RelDeprecatedInfo:       true,
}

// KnownRelation reports whether the type is in the permitted enum.
func KnownRelation(relType string) bool {
	return positiveRelations[relType] || errorRelations[relType]
}

// IsErrorRelation reports whether the type records negative knowledge.
func IsErrorRelation(relType string) bool {
	return errorRelations[relType]
}

// Triplet is the edge-insertion input produced by the audit pipeline and
// the LLM extractor.
type Triplet struct {
	SubjectID      string  `json:"subject_id"`
	SubjectType    string  `json:"subject_type"`
	Predicate      string  `json:"predicate"`
	ObjectID       string  `json:"object_id"`
	ObjectType     string  `json:"object_type"`
	Confidence     float64 `json:"confidence"`
	SourceMemoryID string  `json:"source_memory_id,omitempty"`
}

// Traversals stop after this many visited nodes regardless of depth.
// Scheduler graphs contain cycles, so every walk must be bounded.
const maxTraversalVisits = 10000

const defaultTraversalDepth = 5

// KnowledgeGraph is the in-memory working copy over the persistent store.
// Writes hit SQLite first, then memory, so a rebuild from persistence
// always wins over racing writers.
type KnowledgeGraph struct {
	store *GraphStore

	mu    sync.RWMutex
	nodes map[string]*Node
	out   map[string][]*Edge
	in    map[string][]*Edge

	nodesAdded int64
	edgesAdded int64
	traversals atomic.Int64
}

// edgeCountLocked sums the out-adjacency sizes. Caller holds g.mu.
func (g *KnowledgeGraph) edgeCountLocked() int {
	total := 0
	for _, edges := range g.out {
		total += len(edges)
	}
	return total
}

// NewKnowledgeGraph wraps the store and loads the persisted graph into
// memory.
func NewKnowledgeGraph(store *GraphStore) (*KnowledgeGraph, error) {
	g := &KnowledgeGraph{
		store: store,
		nodes: make(map[string]*Node),
		out:   make(map[string][]*Edge),
		in:    make(map[string][]*Edge),
	}
	if err := g.Rebuild(); err != nil {
		return nil, err
	}
	return g, nil
}

// Rebuild replaces the in-memory copy with the persisted state. Used at
// startup and by the cache manager's refresh callback.
func (g *KnowledgeGraph) Rebuild() error {
	timer := logging.StartTimer(logging.CategoryKG, "Rebuild")
	defer timer.Stop()

	nodes, edges, err := g.store.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to rebuild graph: %w", err)
	}

	nodeMap := make(map[string]*Node, len(nodes))
	out := make(map[string][]*Edge)
	in := make(map[string][]*Edge)
	for i := range nodes {
		n := nodes[i]
		nodeMap[n.ID] = &n
	}
	for i := range edges {
		e := edges[i]
		out[e.Source] = append(out[e.Source], &e)
		in[e.Target] = append(in[e.Target], &e)
	}

	g.mu.Lock()
	g.nodes = nodeMap
	g.out = out
	g.in = in
	nodeCount, edgeCount := len(g.nodes), len(edges)
	g.mu.Unlock()

	metrics.KGNodesTotal.Set(float64(nodeCount))
	metrics.KGEdgesTotal.Set(float64(edgeCount))
	logging.KG("Graph rebuilt: %d nodes, %d edges", nodeCount, edgeCount)
	return nil
}

// AddNode upserts a node, merging properties. Reusing an id with a
// different type is allowed but warned, since it usually means two
// extractors disagree about an entity.
func (g *KnowledgeGraph) AddNode(id, nodeType string, properties map[string]interface{}) error {
	prevType, err := g.store.UpsertNode(id, nodeType, properties)
	if err != nil {
		return err
	}
	if prevType != "" {
		logging.KGWarn("Node %s changes type %s -> %s", id, prevType, nodeType)
	}

	g.mu.Lock()
	if existing, ok := g.nodes[id]; ok {
		existing.Type = nodeType
		if existing.Properties == nil {
			existing.Properties = make(map[string]interface{})
		}
		for k, v := range properties {
			existing.Properties[k] = v
		}
	} else {
		g.nodes[id] = &Node{ID: id, Type: nodeType, Properties: copyProperties(properties)}
		g.nodesAdded++
	}
	nodeCount := len(g.nodes)
	g.mu.Unlock()

	metrics.KGNodesTotal.Set(float64(nodeCount))
	return nil
}

// AddEdge inserts a directed edge. The relation must belong to the closed
// enum; endpoints missing from the graph are created with type "unknown".
// Error-knowledge edges never replace positive edges of the same
// source/target/type, the two coexist.
func (g *KnowledgeGraph) AddEdge(source, target, relType string, properties map[string]interface{}) error {
	if !KnownRelation(relType) {
		return fmt.Errorf("%w: %s", ErrUnknownRelation, relType)
	}

	for _, id := range []string{source, target} {
		g.mu.RLock()
		_, exists := g.nodes[id]
		g.mu.RUnlock()
		if !exists {
			logging.KGDebug("Auto-creating endpoint node %s for edge %s -[%s]-> %s", id, source, relType, target)
			if err := g.AddNode(id, "unknown", nil); err != nil {
				return err
			}
		}
	}

	edge := Edge{
		Source:     source,
		Target:     target,
		Type:       relType,
		Properties: copyProperties(properties),
		IsError:    IsErrorRelation(relType),
	}
	if err := g.store.InsertEdge(edge); err != nil {
		return err
	}

	g.mu.Lock()
	g.replaceOrAppendLocked(&edge)
	edgeCount := g.edgeCountLocked()
	g.mu.Unlock()

	metrics.KGEdgesTotal.Set(float64(edgeCount))
	return nil
}

// replaceOrAppendLocked mirrors the store's unique constraint: a repeat of
// (source, target, type, is_error_knowledge) replaces in place.
func (g *KnowledgeGraph) replaceOrAppendLocked(edge *Edge) {
	for i, e := range g.out[edge.Source] {
		if e.Target == edge.Target && e.Type == edge.Type && e.IsError == edge.IsError {
			g.out[edge.Source][i] = edge
			for j, in := range g.in[edge.Target] {
				if in.Source == edge.Source && in.Type == edge.Type && in.IsError == edge.IsError {
					g.in[edge.Target][j] = edge
					break
				}
			}
			return
		}
	}
	g.out[edge.Source] = append(g.out[edge.Source], edge)
	g.in[edge.Target] = append(g.in[edge.Target], edge)
	g.edgesAdded++
}

// AddTriplets inserts a batch of triplets, validating each predicate.
// Rejected triplets are counted and logged, not fatal to the batch.
func (g *KnowledgeGraph) AddTriplets(triplets []Triplet) (int, error) {
	added := 0
	for _, t := range triplets {
		if t.SubjectID == "" || t.ObjectID == "" {
			logging.KGWarn("Skipping triplet with empty subject or object")
			continue
		}
		if !KnownRelation(t.Predicate) {
			logging.KGWarn("Skipping triplet with unknown predicate %q", t.Predicate)
			continue
		}
		if err := g.AddNode(t.SubjectID, t.SubjectType, nil); err != nil {
			return added, err
		}
		if err := g.AddNode(t.ObjectID, t.ObjectType, nil); err != nil {
			return added, err
		}
		props := map[string]interface{}{
			"confidence": t.Confidence,
			"created_at": float64(time.Now().Unix()),
		}
		if t.SourceMemoryID != "" {
			props["source_memory_id"] = t.SourceMemoryID
		}
		if err := g.AddEdge(t.SubjectID, t.ObjectID, t.Predicate, props); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// RemoveNode deletes a node and all incident edges.
func (g *KnowledgeGraph) RemoveNode(id string) error {
	if err := g.store.DeleteNode(id); err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.nodes, id)
	for _, e := range g.out[id] {
		g.in[e.Target] = removeEdge(g.in[e.Target], e)
	}
	for _, e := range g.in[id] {
		g.out[e.Source] = removeEdge(g.out[e.Source], e)
	}
	delete(g.out, id)
	delete(g.in, id)
	nodeCount, edgeCount := len(g.nodes), g.edgeCountLocked()
	g.mu.Unlock()

	metrics.KGNodesTotal.Set(float64(nodeCount))
	metrics.KGEdgesTotal.Set(float64(edgeCount))
	return nil
}

// RemoveEdge deletes one edge row and its in-memory mirror.
func (g *KnowledgeGraph) RemoveEdge(source, target, relType string, isError bool) error {
	if err := g.store.DeleteEdge(source, target, relType, isError); err != nil {
		return err
	}

	g.mu.Lock()
	for _, e := range g.out[source] {
		if e.Target == target && e.Type == relType && e.IsError == isError {
			g.out[source] = removeEdge(g.out[source], e)
			g.in[target] = removeEdge(g.in[target], e)
			break
		}
	}
	edgeCount := g.edgeCountLocked()
	g.mu.Unlock()

	metrics.KGEdgesTotal.Set(float64(edgeCount))
	return nil
}

// DependencyChain walks DEPENDS_ON edges breadth-first from the job and
// returns the dependencies in visit order, the start excluded. Error
// edges are ignored. Depth and visit counts are bounded because real
// scheduler graphs contain cycles.
func (g *KnowledgeGraph) DependencyChain(job string, maxDepth int) []string {
	return g.walk(job, maxDepth, RelDependsOn, false)
}

// DownstreamJobs is the dual of DependencyChain: it follows DEPENDS_ON
// edges in reverse to find the jobs that depend on this one.
func (g *KnowledgeGraph) DownstreamJobs(job string, maxDepth int) []string {
	return g.walk(job, maxDepth, RelDependsOn, true)
}

func (g *KnowledgeGraph) walk(start string, maxDepth int, relType string, reverse bool) []string {
	timer := logging.StartTimer(logging.CategoryKG, "walk")
	defer timer.Stop()

	if maxDepth <= 0 {
		maxDepth = defaultTraversalDepth
	}

	g.traversals.Add(1)
	g.mu.RLock()
	defer g.mu.RUnlock()

	type queueItem struct {
		id    string
		depth int
	}
	visited := map[string]bool{start: true}
	queue := []queueItem{{id: start, depth: 0}}
	var order []string

	for len(queue) > 0 && len(visited) < maxTraversalVisits {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}
		for _, e := range g.neighborsLocked(current.id, relType, reverse) {
			next := e.Target
			if reverse {
				next = e.Source
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			order = append(order, next)
			queue = append(queue, queueItem{id: next, depth: current.depth + 1})
		}
	}
	return order
}

// neighborsLocked lists positive edges of one type from (or into) a node.
// Caller holds at least g.mu.RLock().
func (g *KnowledgeGraph) neighborsLocked(id, relType string, reverse bool) []*Edge {
	source := g.out[id]
	if reverse {
		source = g.in[id]
	}
	var result []*Edge
	for _, e := range source {
		if e.IsError || e.Type != relType {
			continue
		}
		result = append(result, e)
	}
	return result
}

// JobsUsingResource lists the sources of USES_RESOURCE edges pointing at
// the resource.
func (g *KnowledgeGraph) JobsUsingResource(resource string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var jobs []string
	for _, e := range g.in[resource] {
		if e.IsError || e.Type != RelUsesResource {
			continue
		}
		jobs = append(jobs, e.Source)
	}
	sort.Strings(jobs)
	return jobs
}

// CriticalJob pairs a node with its degree centrality.
type CriticalJob struct {
	ID     string `json:"id"`
	Degree int    `json:"degree"`
}

// CriticalJobs ranks job nodes by positive-edge degree, highest first.
func (g *KnowledgeGraph) CriticalJobs(topN int) []CriticalJob {
	if topN <= 0 {
		topN = 10
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	degrees := make(map[string]int)
	count := func(edges []*Edge) {
		for _, e := range edges {
			if e.IsError {
				continue
			}
			degrees[e.Source]++
			degrees[e.Target]++
		}
	}
	for _, edges := range g.out {
		count(edges)
	}

	var ranked []CriticalJob
	for id, degree := range degrees {
		n, ok := g.nodes[id]
		if !ok || n.Type != "job" {
			continue
		}
		ranked = append(ranked, CriticalJob{ID: id, Degree: degree})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Degree != ranked[j].Degree {
			return ranked[i].Degree > ranked[j].Degree
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

// Neighbors returns the edges touching a node in both directions. Error
// edges are included only when asked for explicitly.
func (g *KnowledgeGraph) Neighbors(id string, includeErrors bool) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var result []Edge
	for _, e := range g.out[id] {
		if e.IsError && !includeErrors {
			continue
		}
		result = append(result, *e)
	}
	for _, e := range g.in[id] {
		if e.IsError && !includeErrors {
			continue
		}
		result = append(result, *e)
	}
	return result
}

// GetNode returns a copy of the node, if present.
func (g *KnowledgeGraph) GetNode(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return Node{ID: n.ID, Type: n.Type, Properties: copyProperties(n.Properties)}, true
}

// ShortestPath finds a path between two nodes with BFS over positive
// edges, bounded by depth. Returns the edges along the path, or nil when
// no path exists within the bound.
func (g *KnowledgeGraph) ShortestPath(from, to string, maxDepth int) []Edge {
	timer := logging.StartTimer(logging.CategoryKG, "ShortestPath")
	defer timer.Stop()

	if maxDepth <= 0 {
		maxDepth = defaultTraversalDepth
	}

	g.traversals.Add(1)
	g.mu.RLock()
	defer g.mu.RUnlock()

	if from == to {
		return []Edge{}
	}

	// cameFrom maps a node to the edge that reached it; nil marks the start.
	type queueItem struct {
		id    string
		depth int
	}
	cameFrom := map[string]*Edge{from: nil}
	queue := []queueItem{{id: from, depth: 0}}

	for len(queue) > 0 && len(cameFrom) < maxTraversalVisits {
		current := queue[0]
		queue = queue[1:]

		if current.id == to {
			path := make([]Edge, 0, current.depth)
			for id := to; ; {
				e := cameFrom[id]
				if e == nil {
					break
				}
				path = append(path, *e)
				id = e.Source
			}
			// Backtracking built the path target-first
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			logging.KGDebug("Path %s -> %s found with %d hops (visited %d)", from, to, len(path), len(cameFrom))
			return path
		}
		if current.depth >= maxDepth {
			continue
		}
		for _, e := range g.out[current.id] {
			if e.IsError {
				continue
			}
			if _, seen := cameFrom[e.Target]; seen {
				continue
			}
			cameFrom[e.Target] = e
			queue = append(queue, queueItem{id: e.Target, depth: current.depth + 1})
		}
	}
	logging.KGDebug("No path %s -> %s within depth %d (visited %d)", from, to, maxDepth, len(cameFrom))
	return nil
}

// Statistics summarizes the in-memory graph.
func (g *KnowledgeGraph) Statistics() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	byType := make(map[string]int)
	for _, n := range g.nodes {
		byType[n.Type]++
	}
	edgesByType := make(map[string]int)
	errorEdges := 0
	total := 0
	for _, edges := range g.out {
		for _, e := range edges {
			edgesByType[e.Type]++
			total++
			if e.IsError {
				errorEdges++
			}
		}
	}

	return map[string]interface{}{
		"nodes":         len(g.nodes),
		"nodes_by_type": byType,
		"edges":         total,
		"edges_by_type": edgesByType,
		"error_edges":   errorEdges,
		"nodes_added":   g.nodesAdded,
		"edges_added":   g.edgesAdded,
		"traversals":    g.traversals.Load(),
	}
}

func copyProperties(properties map[string]interface{}) map[string]interface{} {
	if properties == nil {
		return nil
	}
	cp := make(map[string]interface{}, len(properties))
	for k, v := range properties {
		cp[k] = v
	}
	return cp
}

func removeEdge(edges []*Edge, target *Edge) []*Edge {
	for i, e := range edges {
		if e == target {
			return append(edges[:i], edges[i+1:]...)
		}
	}
	return edges
}
