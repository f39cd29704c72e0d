// Package kg implements the scheduling knowledge graph: a SQLite-backed
// node/edge store, an in-memory working copy for traversals, a staleness
// manager for that copy, and an incremental sync from the external
// scheduler state.
//
// Writes go to SQLite first and the in-memory copy second, so a refresh
// that rebuilds from persistence always wins over racing writers.
package kg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"schednerd/internal/logging"
)

// Node is a typed graph vertex. Properties is opaque JSON.
type Node struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Edge is a directed relation between two nodes. Error-knowledge edges
// carry IsError=true and coexist with positive edges of the same
// (source, target, type).
type Edge struct {
	Source     string                 `json:"source"`
	Target     string                 `json:"target"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	IsError    bool                   `json:"is_error_knowledge"`
}

// GraphStore persists nodes and edges in SQLite.
type GraphStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewGraphStore opens (or creates) the graph database at the given path.
func NewGraphStore(path string) (*GraphStore, error) {
	timer := logging.StartTimer(logging.CategoryKG, "NewGraphStore")
	defer timer.Stop()

	logging.KG("Opening graph store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create graph directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.KGDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.KGDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.KGDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &GraphStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.KGError("Failed to initialize graph schema: %v", err)
		db.Close()
		return nil, err
	}
	logging.KGDebug("Graph schema initialized")
	return s, nil
}

func (s *GraphStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS edges (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		source             TEXT NOT NULL,
		target             TEXT NOT NULL,
		type               TEXT NOT NULL,
		properties         TEXT NOT NULL DEFAULT '{}',
		is_error_knowledge INTEGER NOT NULL DEFAULT 0,
		UNIQUE(source, target, type, is_error_knowledge),
		FOREIGN KEY(source) REFERENCES nodes(id),
		FOREIGN KEY(target) REFERENCES nodes(id)
	);

	CREATE INDEX IF NOT EXISTS idx_edges_source_type ON edges(source, type);
	CREATE INDEX IF NOT EXISTS idx_edges_target_type ON edges(target, type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create graph schema: %w", err)
	}
	return nil
}

// UpsertNode inserts or updates a node, merging its property map into any
// existing one. Returns the previous type when the node already existed
// with a different one, so the caller can warn.
func (s *GraphStore) UpsertNode(id, nodeType string, properties map[string]interface{}) (string, error) {
	if id == "" || nodeType == "" {
		return "", fmt.Errorf("invalid node: id and type must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prevType, prevJSON string
	merged := properties
	err := s.db.QueryRow(`SELECT type, properties FROM nodes WHERE id = ?`, id).Scan(&prevType, &prevJSON)
	switch {
	case err == sql.ErrNoRows:
		prevType = ""
	case err != nil:
		return "", fmt.Errorf("failed to look up node %s: %w", id, err)
	default:
		prev := make(map[string]interface{})
		if unmarshalErr := json.Unmarshal([]byte(prevJSON), &prev); unmarshalErr != nil {
			logging.KGWarn("Node %s has corrupt properties, replacing: %v", id, unmarshalErr)
			prev = make(map[string]interface{})
		}
		for k, v := range properties {
			prev[k] = v
		}
		merged = prev
	}

	propJSON, err := marshalProperties(merged)
	if err != nil {
		return "", err
	}
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO nodes (id, type, properties) VALUES (?, ?, ?)`,
		id, nodeType, propJSON,
	); err != nil {
		logging.KGError("Failed to upsert node %s: %v", id, err)
		return "", err
	}
	logging.KGDebug("Upserted node %s (type=%s)", id, nodeType)
	if prevType != "" && prevType != nodeType {
		return prevType, nil
	}
	return "", nil
}

// InsertEdge writes an edge row. The unique constraint collapses repeats of
// the same (source, target, type, is_error_knowledge); error edges never
// collide with positive ones because the flag is part of the key.
func (s *GraphStore) InsertEdge(e Edge) error {
	if e.Source == "" || e.Target == "" || e.Type == "" {
		return fmt.Errorf("invalid edge: source/target/type must be non-empty")
	}

	propJSON, err := marshalProperties(e.Properties)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.KGDebug("Storing edge: %s -[%s]-> %s (error=%v)", e.Source, e.Type, e.Target, e.IsError)
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO edges (source, target, type, properties, is_error_knowledge)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Source, e.Target, e.Type, propJSON, boolToInt(e.IsError),
	); err != nil {
		logging.KGError("Failed to store edge %s -[%s]-> %s: %v", e.Source, e.Type, e.Target, err)
		return err
	}
	return nil
}

// DeleteNode removes a node and every edge touching it.
func (s *GraphStore) DeleteNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM edges WHERE source = ? OR target = ?`, id, id); err != nil {
		return fmt.Errorf("failed to delete edges for node %s: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", id, err)
	}
	logging.KGDebug("Deleted node %s and incident edges", id)
	return nil
}

// DeleteEdge removes one edge row.
func (s *GraphStore) DeleteEdge(source, target, edgeType string, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM edges WHERE source = ? AND target = ? AND type = ? AND is_error_knowledge = ?`,
		source, target, edgeType, boolToInt(isError),
	)
	if err != nil {
		return fmt.Errorf("failed to delete edge %s -[%s]-> %s: %w", source, edgeType, target, err)
	}
	return nil
}

// LoadAll reads every node and edge, for rebuilding the in-memory copy.
// Corrupt rows are skipped with a warning rather than failing the load.
func (s *GraphStore) LoadAll() ([]Node, []Edge, error) {
	timer := logging.StartTimer(logging.CategoryKG, "LoadAll")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	nodeRows, err := s.db.Query(`SELECT id, type, properties FROM nodes`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer nodeRows.Close()

	var nodes []Node
	for nodeRows.Next() {
		var n Node
		var propJSON string
		if err := nodeRows.Scan(&n.ID, &n.Type, &propJSON); err != nil {
			logging.KGWarn("Node row scan failed: %v", err)
			continue
		}
		n.Properties = unmarshalProperties(propJSON, "node "+n.ID)
		nodes = append(nodes, n)
	}

	edgeRows, err := s.db.Query(`SELECT source, target, type, properties, is_error_knowledge FROM edges`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []Edge
	for edgeRows.Next() {
		var e Edge
		var propJSON string
		var isError int
		if err := edgeRows.Scan(&e.Source, &e.Target, &e.Type, &propJSON, &isError); err != nil {
			logging.KGWarn("Edge row scan failed: %v", err)
			continue
		}
		e.Properties = unmarshalProperties(propJSON, fmt.Sprintf("edge %s->%s", e.Source, e.Target))
		e.IsError = isError != 0
		edges = append(edges, e)
	}

	logging.KGDebug("Loaded %d nodes and %d edges from persistence", len(nodes), len(edges))
	return nodes, edges, nil
}

// Counts returns the persisted node and edge totals.
func (s *GraphStore) Counts() (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes, edges int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&edges); err != nil {
		return 0, 0, err
	}
	return nodes, edges, nil
}

// Close releases the database handle.
func (s *GraphStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func marshalProperties(properties map[string]interface{}) (string, error) {
	if properties == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(properties)
	if err != nil {
		return "", fmt.Errorf("failed to marshal properties: %w", err)
	}
	return string(raw), nil
}

func unmarshalProperties(propJSON, what string) map[string]interface{} {
	if propJSON == "" || propJSON == "{}" {
		return nil
	}
	props := make(map[string]interface{})
	if err := json.Unmarshal([]byte(propJSON), &props); err != nil {
		logging.KGWarn("Properties unmarshal failed for %s: %v", what, err)
		return nil
	}
	return props
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
