package patterns

import (
	"fmt"
	"os"
	"sync"
	"time"

	"schednerd/internal/logging"
)

// Source holds the active pattern table and swaps it atomically on reload.
// Readers always see a complete table; a failed reload keeps the old one.
type Source struct {
	mu    sync.RWMutex
	table *Table
	path  string

	loadedAt time.Time
	reloads  int
	failures int
}

// NewSource builds a source from the built-in table, overlaid by the YAML
// file at path when it exists. An unreadable or invalid override file is
// logged and ignored.
func NewSource(path string) *Source {
	s := &Source{
		table:    Builtin(),
		path:     path,
		loadedAt: time.Now(),
	}

	if path == "" {
		return s
	}

	if err := s.Reload(); err != nil {
		logging.PatternsWarn("Pattern override %s not loaded: %v (using built-ins)", path, err)
	}

	return s
}

// Table returns the active table. The returned value is immutable.
func (s *Source) Table() *Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// Path returns the override file path, empty when built-ins only.
func (s *Source) Path() string {
	return s.path
}

// Reload reparses the override file and swaps the active table.
// On any error the previous table stays active.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		return fmt.Errorf("failed to read pattern table: %w", err)
	}

	table, err := Parse(data)
	if err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.table = table
	s.loadedAt = time.Now()
	s.reloads++
	s.mu.Unlock()

	logging.Patterns("Pattern table reloaded from %s", s.path)
	return nil
}

// Stats returns reload counters for diagnostics.
func (s *Source) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"path":      s.path,
		"loaded_at": s.loadedAt,
		"reloads":   s.reloads,
		"failures":  s.failures,
	}
}
