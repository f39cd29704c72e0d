package patterns

import (
	"strings"
	"testing"
)

func TestBuiltinCompiles(t *testing.T) {
	table := Builtin()
	if table == nil {
		t.Fatal("Built-in table should compile")
	}
	if len(table.entities) == 0 {
		t.Error("Built-in table should have entity patterns")
	}
	if len(table.errors) == 0 {
		t.Error("Built-in table should have error rules")
	}
	if len(table.temporal) != 5 {
		t.Errorf("Expected 5 temporal words, got %d", len(table.temporal))
	}
}

func TestExtractJobAndErrorCode(t *testing.T) {
	table := Builtin()

	entities := table.Extract("Why did job BATCH_A fail with error AWSBIS529?")

	jobs := entities[EntityJob]
	if len(jobs) == 0 || jobs[0] != "BATCH_A" {
		t.Errorf("Expected job BATCH_A, got %v", jobs)
	}

	codes := entities[EntityErrorCode]
	if len(codes) != 1 || codes[0] != "AWSBIS529" {
		t.Errorf("Expected error code AWSBIS529, got %v", codes)
	}
}

func TestExtractCommands(t *testing.T) {
	table := Builtin()

	entities := table.Extract("Run conman sj to check, then use composer to update the definition")

	cmds := entities[EntityCommand]
	if len(cmds) != 2 {
		t.Fatalf("Expected 2 commands, got %v", cmds)
	}
	if cmds[0] != "conman" || cmds[1] != "composer" {
		t.Errorf("Expected [conman composer], got %v", cmds)
	}
}

func TestExtractWorkstation(t *testing.T) {
	table := Builtin()

	entities := table.Extract("The job runs on workstation FTA1 normally")
	ws := entities[EntityWorkstation]
	if len(ws) == 0 || ws[0] != "FTA1" {
		t.Errorf("Expected workstation FTA1, got %v", ws)
	}

	entities = table.Extract("CPU2 is unlinked")
	ws = entities[EntityWorkstation]
	if len(ws) != 1 || ws[0] != "CPU2" {
		t.Errorf("Expected bare agent name CPU2, got %v", ws)
	}
}

func TestExtractJobStreamAndResource(t *testing.T) {
	table := Builtin()

	entities := table.Extract("job stream PAYROLL_DAILY needs resource DB_LOCK")

	streams := entities[EntityJobStream]
	if len(streams) == 0 || streams[0] != "PAYROLL_DAILY" {
		t.Errorf("Expected job stream PAYROLL_DAILY, got %v", streams)
	}

	resources := entities[EntityResource]
	if len(resources) == 0 || resources[0] != "DB_LOCK" {
		t.Errorf("Expected resource DB_LOCK, got %v", resources)
	}
}

func TestExtractHashNotation(t *testing.T) {
	table := Builtin()

	entities := table.Extract("Check PAYROLL#LOAD_DATA status")
	streams := entities[EntityJobStream]
	if len(streams) == 0 || streams[0] != "PAYROLL" {
		t.Errorf("Expected stream PAYROLL from hash notation, got %v", streams)
	}
}

func TestExtractDeduplicates(t *testing.T) {
	table := Builtin()

	entities := table.Extract("job BATCH_A depends on BATCH_A and BATCH_A again")
	jobs := entities[EntityJob]
	if len(jobs) != 1 {
		t.Errorf("Expected deduplicated single job, got %v", jobs)
	}
}

func TestExtractCapsPerType(t *testing.T) {
	table := Builtin()

	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("JOB_")
		sb.WriteByte(byte('A' + i%26))
		sb.WriteString(strings.Repeat("X", i/26+1))
		sb.WriteString(" ")
	}

	entities := table.Extract(sb.String())
	if len(entities[EntityJob]) > maxMatchesPerType {
		t.Errorf("Expected at most %d jobs, got %d", maxMatchesPerType, len(entities[EntityJob]))
	}
}

func TestExtractAllMerges(t *testing.T) {
	table := Builtin()

	entities := table.ExtractAll(
		"Why did job BATCH_A fail?",
		"Use conman to restart BATCH_A",
	)

	if len(entities[EntityJob]) != 1 {
		t.Errorf("Expected BATCH_A merged once, got %v", entities[EntityJob])
	}
	if len(entities[EntityCommand]) != 1 || entities[EntityCommand][0] != "conman" {
		t.Errorf("Expected conman from second text, got %v", entities[EntityCommand])
	}
}

func TestClassifyError(t *testing.T) {
	table := Builtin()

	tests := []struct {
		reason string
		want   ErrorType
	}{
		{"The response recommended the wrong command for this error", ErrorWrongRecommendation},
		{"This is technically incorrect, conman sj shows status not history", ErrorTechnicalInaccuracy},
		{"The answer contradicts the product documentation", ErrorContradictoryInfo},
		{"That option does not exist in optman", ErrorHallucination},
		{"This parameter is deprecated since 9.5", ErrorDeprecatedInfo},
		{"The context shown is misleading", ErrorMisleadingContext},
		{"The response is irrelevant to the question", ErrorIrrelevantResponse},
		{"something vague happened", ErrorCommon},
		{"", ErrorCommon},
	}

	for _, tt := range tests {
		if got := table.ClassifyError(tt.reason); got != tt.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

func TestTemporalHints(t *testing.T) {
	table := Builtin()

	hints := table.TemporalHints("What jobs failed overnight and yesterday?")
	if len(hints) != 2 {
		t.Fatalf("Expected 2 hints, got %v", hints)
	}

	hints = table.TemporalHints("Show status of BATCH_A")
	if len(hints) != 0 {
		t.Errorf("Expected no hints, got %v", hints)
	}
}

func TestParseRejectsUnknownEntityType(t *testing.T) {
	bad := `
entities:
  gizmo:
    - pattern: 'x'
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Error("Expected error for unknown entity type")
	}
}

func TestParseRejectsUnknownErrorType(t *testing.T) {
	bad := `
errors:
  - type: imaginary_error
    patterns: ['x']
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Error("Expected error for unknown error type")
	}
}

func TestParseRejectsBadRegex(t *testing.T) {
	bad := `
entities:
  job:
    - pattern: '([unclosed'
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Error("Expected error for invalid regex")
	}
}
