package kg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"schednerd/internal/logging"
)

// FileSchedulerSource reads scheduler state from a JSON export file. An
// external extraction job rewrites the file whole; each FetchState reads
// the latest copy. A missing file is an error, not an empty scheduler,
// so an absent export never produces a wave of delete changes.
type FileSchedulerSource struct {
	path string
}

// NewFileSchedulerSource points the source at an export file. The file
// does not need to exist yet.
func NewFileSchedulerSource(path string) *FileSchedulerSource {
	return &FileSchedulerSource{path: path}
}

// FetchState reads and parses the export file.
func (s *FileSchedulerSource) FetchState(ctx context.Context) (map[string]EntityState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("scheduler state not exported yet at %s: %w", s.path, err)
		}
		return nil, fmt.Errorf("failed to read scheduler state: %w", err)
	}

	var state map[string]EntityState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to parse scheduler state %s: %w", s.path, err)
	}
	return state, nil
}

// ApplySyncChanges mirrors scheduler deltas into the graph: creates and
// updates upsert the node under the entity's kind, deletes remove the
// node and its incident edges. Failures are collected so one bad change
// does not block the rest of the cycle.
func (g *KnowledgeGraph) ApplySyncChanges(changes []SyncChange) error {
	var errs []error
	for _, ch := range changes {
		var err error
		switch ch.ChangeType {
		case ChangeCreate, ChangeUpdate:
			err = g.AddNode(ch.EntityID, ch.EntityKind, ch.New)
		case ChangeDelete:
			err = g.RemoveNode(ch.EntityID)
		default:
			err = fmt.Errorf("unknown change type %q", ch.ChangeType)
		}
		if err != nil {
			logging.SyncWarn("Failed to apply %s for %s: %v", ch.ChangeType, ch.EntityID, err)
			errs = append(errs, fmt.Errorf("%s %s: %w", ch.ChangeType, ch.EntityID, err))
		}
	}
	return errors.Join(errs...)
}
