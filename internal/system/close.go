package system

import (
	"errors"
)

// Close releases everything a Substrate holds, in reverse boot order.
// Callers that started background loops should cancel their context
// before closing so no loop appends to the WAL mid-teardown. Safe to
// call on a partially booted instance.
func (s *Substrate) Close() error {
	if s == nil {
		return nil
	}

	var errs []error

	if s.KGSync != nil {
		s.KGSync.Stop()
		s.KGSync = nil
	}

	if s.KGCache != nil {
		s.KGCache.StopBackgroundRefresh()
		s.KGCache = nil
	}

	if s.EnrichStats != nil {
		if err := s.EnrichStats.Close(); err != nil {
			errs = append(errs, err)
		}
		s.EnrichStats = nil
	}

	if s.GraphStore != nil {
		if err := s.GraphStore.Close(); err != nil {
			errs = append(errs, err)
		}
		s.GraphStore = nil
	}

	if s.Reviews != nil {
		if err := s.Reviews.Close(); err != nil {
			errs = append(errs, err)
		}
		s.Reviews = nil
	}

	if s.Feedback != nil {
		if err := s.Feedback.Close(); err != nil {
			errs = append(errs, err)
		}
		s.Feedback = nil
	}

	if s.WAL != nil {
		if err := s.WAL.Close(); err != nil {
			errs = append(errs, err)
		}
		s.WAL = nil
	}

	if s.Watcher != nil {
		s.Watcher.Stop()
		s.Watcher = nil
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
