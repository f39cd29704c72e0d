package kg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeScheduler serves canned state snapshots and can be told to fail.
type fakeScheduler struct {
	state map[string]EntityState
	err   error
}

func (f *fakeScheduler) FetchState(ctx context.Context) (map[string]EntityState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.state, nil
}

func newTestSync(t *testing.T, source *fakeScheduler) (*KGSyncManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync_watermark.json")
	m, err := NewKGSyncManager(source, path, 60)
	if err != nil {
		t.Fatalf("Failed to create sync manager: %v", err)
	}
	return m, path
}

func TestFirstSyncIsFullSnapshot(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{
		"job:A": {Kind: "job", Properties: map[string]interface{}{"ws": "CPU_A"}},
		"job:B": {Kind: "job"},
	}}
	m, path := newTestSync(t, source)

	changes, err := m.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("Changes = %v, want 2 creates", changes)
	}
	for _, ch := range changes {
		if ch.ChangeType != ChangeCreate {
			t.Errorf("First sync change type = %s, want create", ch.ChangeType)
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Watermark file not written: %v", err)
	}
}

func TestDeltaSync(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{
		"job:A": {Kind: "job", Properties: map[string]interface{}{"ws": "CPU_A"}},
		"job:B": {Kind: "job", Properties: map[string]interface{}{"ws": "CPU_A"}},
	}}
	m, _ := newTestSync(t, source)

	if _, err := m.SyncNow(context.Background()); err != nil {
		t.Fatalf("Seed sync failed: %v", err)
	}

	// job:A changes workstation, job:B disappears, job:C appears
	source.state = map[string]EntityState{
		"job:A": {Kind: "job", Properties: map[string]interface{}{"ws": "CPU_B"}},
		"job:C": {Kind: "job"},
	}

	changes, err := m.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("Delta sync failed: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("Changes = %v, want create+update+delete", changes)
	}
	// Deterministic order: creates first, then updates, then deletes
	if changes[0].ChangeType != ChangeCreate || changes[0].EntityID != "job:C" {
		t.Errorf("Change 0 = %+v, want create job:C", changes[0])
	}
	if changes[1].ChangeType != ChangeUpdate || changes[1].EntityID != "job:A" {
		t.Errorf("Change 1 = %+v, want update job:A", changes[1])
	}
	if changes[1].Old["ws"] != "CPU_A" || changes[1].New["ws"] != "CPU_B" {
		t.Errorf("Update views wrong: %+v", changes[1])
	}
	if changes[2].ChangeType != ChangeDelete || changes[2].EntityID != "job:B" {
		t.Errorf("Change 2 = %+v, want delete job:B", changes[2])
	}
}

func TestUnchangedStateYieldsNoChanges(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{
		"job:A": {Kind: "job", Properties: map[string]interface{}{"ws": "CPU_A"}},
	}}
	m, _ := newTestSync(t, source)

	m.SyncNow(context.Background())
	changes, err := m.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("Changes = %v, want none for identical state", changes)
	}
}

func TestWatermarkSurvivesRestart(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{
		"job:A": {Kind: "job"},
	}}
	path := filepath.Join(t.TempDir(), "sync_watermark.json")

	m1, err := NewKGSyncManager(source, path, 60)
	if err != nil {
		t.Fatalf("Failed to create sync manager: %v", err)
	}
	if _, err := m1.SyncNow(context.Background()); err != nil {
		t.Fatalf("Seed sync failed: %v", err)
	}

	// A new manager over the same file resumes in delta mode
	m2, err := NewKGSyncManager(source, path, 60)
	if err != nil {
		t.Fatalf("Failed to restart sync manager: %v", err)
	}
	changes, err := m2.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("Post-restart sync failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("Restarted manager re-created entities: %v", changes)
	}
}

func TestCorruptWatermarkFallsBackToFull(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{
		"job:A": {Kind: "job"},
	}}
	path := filepath.Join(t.TempDir(), "sync_watermark.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to plant corrupt file: %v", err)
	}

	m, err := NewKGSyncManager(source, path, 60)
	if err != nil {
		t.Fatalf("Corrupt watermark should not fail construction: %v", err)
	}
	changes, err := m.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if len(changes) != 1 || changes[0].ChangeType != ChangeCreate {
		t.Errorf("Changes = %v, want full-snapshot create", changes)
	}
}

func TestFetchErrorLeavesWatermark(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{
		"job:A": {Kind: "job"},
	}}
	m, _ := newTestSync(t, source)
	m.SyncNow(context.Background())

	before := m.Stats()["watermark"].(float64)

	source.err = errors.New("scheduler unreachable")
	if _, err := m.SyncNow(context.Background()); err == nil {
		t.Fatal("Fetch error should surface")
	}

	after := m.Stats()["watermark"].(float64)
	if after != before {
		t.Errorf("Watermark moved on a failed fetch: %f -> %f", before, after)
	}

	// Recovery: the same delta is retried on the next cycle
	source.err = nil
	source.state["job:B"] = EntityState{Kind: "job"}
	changes, err := m.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("Recovery sync failed: %v", err)
	}
	if len(changes) != 1 || changes[0].EntityID != "job:B" {
		t.Errorf("Recovery changes = %v, want create job:B", changes)
	}
}

func TestCallbackErrorIsolation(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{
		"job:A": {Kind: "job"},
	}}
	m, _ := newTestSync(t, source)

	var firstCalled, secondCalled bool
	m.RegisterCallback(func(ctx context.Context, changes []SyncChange) error {
		firstCalled = true
		return errors.New("consumer broken")
	})
	m.RegisterCallback(func(ctx context.Context, changes []SyncChange) error {
		secondCalled = true
		if len(changes) != 1 {
			t.Errorf("Second callback got %d changes, want the full set", len(changes))
		}
		return nil
	})

	if _, err := m.SyncNow(context.Background()); err != nil {
		t.Fatalf("Callback error must not fail the sync: %v", err)
	}
	if !firstCalled || !secondCalled {
		t.Errorf("Callbacks = %v/%v, want both invoked", firstCalled, secondCalled)
	}
}

func TestCallbacksSkippedWhenNoChanges(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{
		"job:A": {Kind: "job"},
	}}
	m, _ := newTestSync(t, source)
	m.SyncNow(context.Background())

	called := false
	m.RegisterCallback(func(ctx context.Context, changes []SyncChange) error {
		called = true
		return nil
	})

	m.SyncNow(context.Background())
	if called {
		t.Error("Callbacks should not run on an empty change set")
	}
}

func TestSyncStats(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{
		"job:A": {Kind: "job"},
		"job:B": {Kind: "job"},
	}}
	m, _ := newTestSync(t, source)

	m.SyncNow(context.Background())
	delete(source.state, "job:B")
	m.SyncNow(context.Background())

	stats := m.Stats()
	if stats["syncs"].(int64) != 2 {
		t.Errorf("syncs = %v, want 2", stats["syncs"])
	}
	if stats["creates"].(int64) != 2 {
		t.Errorf("creates = %v, want 2", stats["creates"])
	}
	if stats["deletes"].(int64) != 1 {
		t.Errorf("deletes = %v, want 1", stats["deletes"])
	}
	if stats["tracked_entities"].(int) != 1 {
		t.Errorf("tracked_entities = %v, want 1", stats["tracked_entities"])
	}
}

func TestStartStopLoop(t *testing.T) {
	source := &fakeScheduler{state: map[string]EntityState{}}
	m, _ := newTestSync(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx) // no second loop
	m.Stop()
	m.Stop() // harmless
}
