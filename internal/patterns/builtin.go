package patterns

// builtinTable is the default pattern dictionary, tuned for IBM Workload
// Scheduler text: AWS/EQQ message codes, UPPER_SNAKE job names, the conman
// command family. A YAML file at patterns.path overrides it wholesale.
const builtinTable = `
entities:
  job:
    - pattern: '\bjob\s+([A-Z][A-Z0-9_]{2,30})\b'
      group: 1
    - pattern: '\b([A-Z][A-Z0-9]*(?:_[A-Z0-9]+)+)\b'
      group: 1
  job_stream:
    - pattern: '\bjob\s*stream\s+([A-Z][A-Z0-9_#]{2,30})\b'
      group: 1
    - pattern: '\bschedule\s+([A-Z][A-Z0-9_#]{2,30})\b'
      group: 1
    - pattern: '\b([A-Z][A-Z0-9_]{1,20})#[A-Z]'
      group: 1
  workstation:
    - pattern: '\bworkstation\s+([A-Z][A-Z0-9_-]{1,15})\b'
      group: 1
    - pattern: '\b((?:FTA|CPU|MAS|XAGENT|BKM)[0-9]{1,4})\b'
      group: 1
  resource:
    - pattern: '\bresource\s+([A-Z][A-Z0-9_]{1,30})\b'
      group: 1
  error_code:
    - pattern: '\b(AWS[A-Z]{2,4}[0-9]{3,4}[EWI]?)\b'
      group: 1
    - pattern: '\b(EQQ[A-Z0-9]{2,5}[EWI])\b'
      group: 1
  command:
    - pattern: '\b(conman|composer|optman|planman|jobman|batchman|netman|JnextPlan|ResetPlan|MakePlan|rmstdlist|jobstdl|datecalc)\b'
      group: 1

errors:
  - type: wrong_recommendation
    patterns:
      - 'wrong (solution|recommendation|command|fix|advice)'
      - 'incorrect (solution|recommendation|command|fix)'
      - 'should not (have )?(used|recommended|suggested)'
      - 'bad (advice|recommendation)'
  - type: technical_inaccuracy
    patterns:
      - 'technically (incorrect|inaccurate|wrong)'
      - 'factual(ly)? (error|incorrect|wrong)'
      - 'incorrect (information|parameter|syntax|value|detail)'
      - 'inaccurate'
  - type: contradictory_info
    patterns:
      - 'contradict'
      - 'inconsistent with'
      - 'conflicting (information|answers|statements)'
  - type: hallucination
    patterns:
      - 'hallucinat'
      - 'made[ -]?up'
      - 'fabricat'
      - 'does not exist'
      - 'invented'
      - 'nonexistent'
  - type: deprecated_info
    patterns:
      - 'deprecat'
      - 'outdated'
      - 'obsolete'
      - 'no longer (valid|supported|available|used)'
      - 'old version'
  - type: misleading_context
    patterns:
      - 'misleading'
      - 'confusing context'
      - 'ambiguous'
      - 'taken out of context'
  - type: irrelevant_response
    patterns:
      - 'irrelevant'
      - 'not (relevant|related)'
      - 'off[ -]?topic'
      - 'does not (answer|address)'
      - 'unrelated'
  - type: common_error
    patterns:
      - 'common (error|mistake|problem)'

temporal:
  - today
  - yesterday
  - morning
  - overnight
  - weekend
`

// Builtin returns a freshly compiled copy of the built-in table.
func Builtin() *Table {
	return MustParse([]byte(builtinTable))
}
