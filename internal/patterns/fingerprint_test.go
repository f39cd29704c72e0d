package patterns

import (
	"strings"
	"testing"
)

func TestNormalizeReplacesIdentifiers(t *testing.T) {
	got := Normalize("Why did BATCH_A fail at 10:30?")
	want := "why did <id> fail at <n>:<n>?"
	if got != want {
		t.Errorf("Normalize = %q, want %q", got, want)
	}
}

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	got := Normalize("why   did\tit\nfail")
	if got != "why did it fail" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestNormalizeTruncates(t *testing.T) {
	long := strings.Repeat("why did it fail ", 40)
	got := Normalize(long)
	if len(got) > normalizedMaxLen {
		t.Errorf("Normalized length %d exceeds %d", len(got), normalizedMaxLen)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("Why did BATCH_A fail?")
	b := Fingerprint("Why did BATCH_A fail?")
	if a != b {
		t.Errorf("Same input should produce same fingerprint: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("Expected 16 hex chars, got %q", a)
	}
}

func TestFingerprintSharedAcrossIdentifiers(t *testing.T) {
	a := Fingerprint("Why did BATCH_A fail?")
	b := Fingerprint("Why did BATCH_B fail?")
	if a != b {
		t.Error("Queries differing only in identifiers should share a fingerprint")
	}

	c := Fingerprint("How do I restart BATCH_A?")
	if a == c {
		t.Error("Structurally different queries should not share a fingerprint")
	}
}

func TestFingerprintDigitRuns(t *testing.T) {
	a := Fingerprint("error 1234 in step 5")
	b := Fingerprint("error 99 in step 12")
	if a != b {
		t.Error("Queries differing only in numbers should share a fingerprint")
	}
}
