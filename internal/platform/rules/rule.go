// Package rules implements the typed per-field transformation engine used by
// the migration pipeline: rule dispatch by kind, post-transform validation
// constraints, UK-first date parsing, NHS number checksum validation, and the
// medication-description heuristic.
package rules

import (
	"time"

	"github.com/google/uuid"
)

// Kind selects the transformation applied by a rule.
type Kind string

const (
	KindDirect      Kind = "direct"
	KindCalculated  Kind = "calculated"
	KindLookup      Kind = "lookup"
	KindConditional Kind = "conditional"
	KindHeuristic   Kind = "heuristic"
)

var validKinds = map[Kind]bool{
	KindDirect: true, KindCalculated: true, KindLookup: true,
	KindConditional: true, KindHeuristic: true,
}

// ValidKind reports whether k is a known rule kind.
func ValidKind(k Kind) bool { return validKinds[k] }

// Severity classifies a constraint violation. Errors block the row; warnings
// do not.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Constraint is a validation applied to a field after transformation.
// Name encodes the check and any argument, e.g. "required", "nhs-number",
// "date", "max-length:64", "one-of:male,female,other,unknown".
type Constraint struct {
	Name        string   `json:"name"`
	Severity    Severity `json:"severity"`
	AutoFixable bool     `json:"auto_fixable,omitempty"`
}

// TestResult records one dry-run evaluation of a rule against sample data.
type TestResult struct {
	Input  string    `json:"input"`
	Output string    `json:"output"`
	Passed bool      `json:"passed"`
	RanAt  time.Time `json:"ran_at"`
}

// Rule is a typed, per-field instruction for converting a source value into a
// target value. Calculated rules read SourceFields; all other kinds read
// SourceField.
type Rule struct {
	ID             uuid.UUID    `json:"id"`
	SourceField    string       `json:"source_field"`
	SourceFields   []string     `json:"source_fields,omitempty"`
	TargetField    string       `json:"target_field"`
	Kind           Kind         `json:"kind"`
	Transformation string       `json:"transformation"`
	Validations    []Constraint `json:"validations,omitempty"`
	Confidence     float64      `json:"confidence"`
	TestResults    []TestResult `json:"test_results,omitempty"`
}

// RowError is a blocking row-level validation failure.
type RowError struct {
	Row        int    `json:"row"`
	Field      string `json:"field"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// RowWarning is a non-blocking row-level issue.
type RowWarning struct {
	Row         int    `json:"row"`
	Field       string `json:"field"`
	Message     string `json:"message"`
	AutoFixable bool   `json:"auto_fixable"`
}
