package patterns

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const overrideTable = `
entities:
  job:
    - pattern: '\bTASK_([A-Z0-9]+)\b'
      group: 0
temporal:
  - tonight
`

func TestSourceLoadsOverride(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "patterns_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "patterns.yaml")
	if err := os.WriteFile(path, []byte(overrideTable), 0644); err != nil {
		t.Fatalf("Failed to write override: %v", err)
	}

	source := NewSource(path)
	table := source.Table()

	// Override replaces the built-ins wholesale
	entities := table.Extract("run TASK_99 and job BATCH_A")
	if len(entities[EntityJob]) != 1 || entities[EntityJob][0] != "TASK_99" {
		t.Errorf("Expected override pattern to match TASK_99 only, got %v", entities[EntityJob])
	}
	if len(table.TemporalHints("run it tonight")) != 1 {
		t.Error("Expected override temporal word")
	}
}

func TestSourceMissingFileKeepsBuiltins(t *testing.T) {
	source := NewSource("/nonexistent/patterns.yaml")
	table := source.Table()

	entities := table.Extract("job BATCH_A failed")
	if len(entities[EntityJob]) == 0 {
		t.Error("Expected built-in table when override is missing")
	}
}

func TestSourceReloadKeepsOldTableOnError(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "patterns_reload_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "patterns.yaml")
	if err := os.WriteFile(path, []byte(overrideTable), 0644); err != nil {
		t.Fatalf("Failed to write override: %v", err)
	}

	source := NewSource(path)
	before := source.Table()

	// Corrupt the file; reload must fail and keep the old table
	if err := os.WriteFile(path, []byte("entities:\n  job:\n    - pattern: '([bad'"), 0644); err != nil {
		t.Fatalf("Failed to corrupt override: %v", err)
	}
	if err := source.Reload(); err == nil {
		t.Error("Expected reload error for invalid pattern")
	}
	if source.Table() != before {
		t.Error("Failed reload should keep the previous table")
	}

	stats := source.Stats()
	if stats["failures"].(int) == 0 {
		t.Error("Expected failure counter to increment")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "patterns_watch_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "patterns.yaml")
	if err := os.WriteFile(path, []byte(overrideTable), 0644); err != nil {
		t.Fatalf("Failed to write override: %v", err)
	}

	source := NewSource(path)
	watcher, err := NewWatcher(source)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	if !watcher.IsWatching() {
		t.Fatal("Watcher should be running")
	}

	// Swap in a table with a new temporal word and wait for the reload
	updated := overrideTable + "  - midnight\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("Failed to update override: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(source.Table().TemporalHints("run at midnight")) == 1 {
			return // Reloaded
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Watcher did not reload within deadline (stats: %+v)", watcher.GetStats())
}
