package cache

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newEntryForTest(value any) *CacheEntry {
	return newEntry(value, 60, time.Now())
}

func TestShardIndexDeterministic(t *testing.T) {
	keys := []string{"job:BATCH_A", "error:AWSBIS529E", "ws:CPU1", "a", strings.Repeat("x", 1000)}
	for _, key := range keys {
		first := shardIndex(key, 8)
		for i := 0; i < 10; i++ {
			if got := shardIndex(key, 8); got != first {
				t.Errorf("shardIndex(%q) not deterministic: %d then %d", key, first, got)
			}
		}
		if first < 0 || first >= 8 {
			t.Errorf("shardIndex(%q) = %d out of range", key, first)
		}
	}
}

func TestFallbackShardIndexDeterministic(t *testing.T) {
	// Position matters: "ab" and "ba" should usually differ
	if fallbackShardIndex("ab", 256) == fallbackShardIndex("ba", 256) {
		t.Error("fallback should weight byte positions")
	}
	for _, key := range []string{"", "a", "job:X", strings.Repeat("z", 1000)} {
		idx := fallbackShardIndex(key, 8)
		if idx < 0 || idx >= 8 {
			t.Errorf("fallbackShardIndex(%q) = %d out of range", key, idx)
		}
	}
}

func TestValidateKey(t *testing.T) {
	cases := []struct {
		name string
		key  string
		ok   bool
	}{
		{"simple", "job:BATCH_A", true},
		{"max length", strings.Repeat("k", 1000), true},
		{"empty", "", false},
		{"over max", strings.Repeat("k", 1001), false},
		{"nul byte", "job\x00name", false},
		{"newline", "job\nname", false},
		{"carriage return", "job\rname", false},
		{"spaces ok", "why did BATCH_A fail", true},
	}
	for _, tc := range cases {
		err := validateKey(tc.key)
		if tc.ok && err != nil {
			t.Errorf("%s: expected valid, got %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expected rejection", tc.name)
			} else if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("%s: expected ErrInvalidKey, got %v", tc.name, err)
			}
		}
	}
}

func TestValidateValue(t *testing.T) {
	for _, v := range []any{nil, 1, "s", []int{1, 2}, map[string]any{"k": "v"}} {
		if err := validateValue(v); err != nil {
			t.Errorf("value %v should be accepted: %v", v, err)
		}
	}
	if err := validateValue(func() {}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("function value should be rejected with ErrInvalidValue, got %v", err)
	}
	ch := make(chan int)
	if err := validateValue(ch); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("channel value should be rejected with ErrInvalidValue, got %v", err)
	}
}

func TestValidateTTL(t *testing.T) {
	if err := validateTTL(0); err != nil {
		t.Errorf("zero ttl is valid: %v", err)
	}
	if err := validateTTL(MaxTTLSeconds); err != nil {
		t.Errorf("one-year ttl is valid: %v", err)
	}
	if err := validateTTL(MaxTTLSeconds + 1); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("over one year should fail with ErrInvalidTTL, got %v", err)
	}
	if err := validateTTL(-1); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("negative ttl at validation layer should fail, got %v", err)
	}
}

func TestShardCountTracking(t *testing.T) {
	s := newShard()

	s.mu.Lock()
	s.put("a", newEntryForTest("v1"))
	s.put("b", newEntryForTest("v2"))
	s.put("a", newEntryForTest("v1-replaced"))
	s.mu.Unlock()

	if got := s.count.Load(); got != 2 {
		t.Errorf("count after 2 distinct puts = %d, want 2", got)
	}

	s.mu.Lock()
	if !s.drop("a") {
		t.Error("drop of present key should report true")
	}
	if s.drop("a") {
		t.Error("second drop should report false")
	}
	s.mu.Unlock()

	if got := s.count.Load(); got != 1 {
		t.Errorf("count after drop = %d, want 1", got)
	}

	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
	if got := s.count.Load(); got != 0 {
		t.Errorf("count after reset = %d, want 0", got)
	}
}
