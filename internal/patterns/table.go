// Package patterns owns the regex dictionaries schedNERD uses to read
// scheduler-flavored text: entity extraction, audit error classification,
// temporal hints, and query fingerprinting. The dictionaries are data,
// not code: a YAML table overrides the built-ins and can be hot reloaded.
package patterns

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntityType identifies a scheduler object kind.
type EntityType string

const (
	EntityJob         EntityType = "job"
	EntityJobStream   EntityType = "job_stream"
	EntityWorkstation EntityType = "workstation"
	EntityResource    EntityType = "resource"
	EntityErrorCode   EntityType = "error_code"
	EntityCommand     EntityType = "command"
)

// AllEntityTypes lists every extractable entity type.
var AllEntityTypes = []EntityType{
	EntityJob,
	EntityJobStream,
	EntityWorkstation,
	EntityResource,
	EntityErrorCode,
	EntityCommand,
}

// ErrorType classifies an audit finding.
type ErrorType string

const (
	ErrorTechnicalInaccuracy ErrorType = "technical_inaccuracy"
	ErrorIrrelevantResponse  ErrorType = "irrelevant_response"
	ErrorContradictoryInfo   ErrorType = "contradictory_info"
	ErrorWrongRecommendation ErrorType = "wrong_recommendation"
	ErrorHallucination       ErrorType = "hallucination"
	ErrorDeprecatedInfo      ErrorType = "deprecated_info"
	ErrorMisleadingContext   ErrorType = "misleading_context"
	ErrorCommon              ErrorType = "common_error"
)

// maxMatchesPerType caps extraction fan-out for any single entity type.
const maxMatchesPerType = 10

// entityPattern is one compiled extraction rule. Group selects the
// capture group holding the entity name; 0 means the whole match.
type entityPattern struct {
	re    *regexp.Regexp
	group int
}

// errorRule is one compiled classification rule. Rules are ordered;
// the first match wins.
type errorRule struct {
	errorType ErrorType
	re        *regexp.Regexp
}

// Table holds the compiled pattern dictionaries.
type Table struct {
	entities map[EntityType][]entityPattern
	errors   []errorRule
	temporal []string
}

// tableFile is the YAML shape of a pattern table.
type tableFile struct {
	Entities map[string][]entityPatternFile `yaml:"entities"`
	Errors   []errorRuleFile                `yaml:"errors"`
	Temporal []string                       `yaml:"temporal"`
}

type entityPatternFile struct {
	Pattern string `yaml:"pattern"`
	Group   int    `yaml:"group"`
}

type errorRuleFile struct {
	Type     string   `yaml:"type"`
	Patterns []string `yaml:"patterns"`
}

// Parse compiles a YAML pattern table.
func Parse(data []byte) (*Table, error) {
	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse pattern table: %w", err)
	}

	t := &Table{
		entities: make(map[EntityType][]entityPattern),
		temporal: tf.Temporal,
	}

	for name, pats := range tf.Entities {
		et := EntityType(name)
		if !validEntityType(et) {
			return nil, fmt.Errorf("unknown entity type %q in pattern table", name)
		}
		for _, p := range pats {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("bad %s pattern %q: %w", name, p.Pattern, err)
			}
			t.entities[et] = append(t.entities[et], entityPattern{re: re, group: p.Group})
		}
	}

	for _, rule := range tf.Errors {
		et := ErrorType(rule.Type)
		if !validErrorType(et) {
			return nil, fmt.Errorf("unknown error type %q in pattern table", rule.Type)
		}
		for _, p := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("bad %s pattern %q: %w", rule.Type, p, err)
			}
			t.errors = append(t.errors, errorRule{errorType: et, re: re})
		}
	}

	return t, nil
}

// MustParse compiles a pattern table and panics on error.
// Only for the built-in table, which is validated by tests.
func MustParse(data []byte) *Table {
	t, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return t
}

func validEntityType(et EntityType) bool {
	for _, known := range AllEntityTypes {
		if et == known {
			return true
		}
	}
	return false
}

func validErrorType(et ErrorType) bool {
	switch et {
	case ErrorTechnicalInaccuracy, ErrorIrrelevantResponse, ErrorContradictoryInfo,
		ErrorWrongRecommendation, ErrorHallucination, ErrorDeprecatedInfo,
		ErrorMisleadingContext, ErrorCommon:
		return true
	}
	return false
}

// Table returns the table itself, so a fixed table can stand in wherever
// a reloadable Source is accepted.
func (t *Table) Table() *Table { return t }

// Extract runs every entity pattern over the text and returns deduplicated
// matches per type, capped at maxMatchesPerType, in first-seen order.
func (t *Table) Extract(text string) map[EntityType][]string {
	result := make(map[EntityType][]string)

	for _, et := range AllEntityTypes {
		pats := t.entities[et]
		if len(pats) == 0 {
			continue
		}

		seen := make(map[string]bool)
		var matches []string

		for _, p := range pats {
			for _, m := range p.re.FindAllStringSubmatch(text, -1) {
				name := m[0]
				if p.group > 0 && p.group < len(m) {
					name = m[p.group]
				}
				name = strings.TrimSpace(name)
				if name == "" || seen[name] {
					continue
				}
				seen[name] = true
				matches = append(matches, name)
				if len(matches) >= maxMatchesPerType {
					break
				}
			}
			if len(matches) >= maxMatchesPerType {
				break
			}
		}

		if len(matches) > 0 {
			result[et] = matches
		}
	}

	return result
}

// ExtractAll extracts entities from several texts and merges the results.
func (t *Table) ExtractAll(texts ...string) map[EntityType][]string {
	merged := make(map[EntityType][]string)
	seen := make(map[EntityType]map[string]bool)

	for _, text := range texts {
		for et, names := range t.Extract(text) {
			if seen[et] == nil {
				seen[et] = make(map[string]bool)
			}
			for _, name := range names {
				if seen[et][name] || len(merged[et]) >= maxMatchesPerType {
					continue
				}
				seen[et][name] = true
				merged[et] = append(merged[et], name)
			}
		}
	}

	return merged
}

// ClassifyError maps a finding reason to an error type.
// The first matching rule wins; unmatched reasons fall back to common_error.
func (t *Table) ClassifyError(reason string) ErrorType {
	for _, rule := range t.errors {
		if rule.re.MatchString(reason) {
			return rule.errorType
		}
	}
	return ErrorCommon
}

// TemporalHints returns the time trigger words present in the query.
func (t *Table) TemporalHints(query string) []string {
	lower := strings.ToLower(query)
	var hints []string
	for _, word := range t.temporal {
		if strings.Contains(lower, word) {
			hints = append(hints, word)
		}
	}
	return hints
}
