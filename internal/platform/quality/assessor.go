// Package quality scores a sample of source rows for completeness,
// consistency, and uniqueness ahead of (and optionally after) a migration.
package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ehr/migration/internal/platform/rules"
)

// Issue is one itemized data-quality finding.
type Issue struct {
	Field   string `json:"field,omitempty"`
	Kind    string `json:"kind"` // completeness, consistency, uniqueness
	Message string `json:"message"`
}

// Report is the assessor's output. Score is an integer in [0,100].
type Report struct {
	Score        int     `json:"score"`
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	Uniqueness   float64 `json:"uniqueness"`
	Issues       []Issue `json:"issues,omitempty"`
}

// Component weights. Completeness dominates because missing identifiers and
// demographics are what actually sink a care-record migration.
const (
	completenessWeight = 0.4
	consistencyWeight  = 0.3
	uniquenessWeight   = 0.3
)

// Assessor computes data-quality reports over row samples.
type Assessor struct{}

// NewAssessor creates an Assessor.
func NewAssessor() *Assessor { return &Assessor{} }

// Assess scores the rows. requiredFields drive the completeness component
// (when empty, every field seen in the sample is treated as required).
// identifierField drives duplicate detection; when empty it is inferred from
// the field names.
func (a *Assessor) Assess(rows []map[string]interface{}, requiredFields []string, identifierField string) Report {
	if len(rows) == 0 {
		return Report{Issues: []Issue{{Kind: "completeness", Message: "no rows sampled"}}}
	}

	if len(requiredFields) == 0 {
		requiredFields = allFields(rows)
	}
	if identifierField == "" {
		identifierField = inferIdentifierField(rows)
	}

	var issues []Issue

	completeness, compIssues := assessCompleteness(rows, requiredFields)
	issues = append(issues, compIssues...)

	consistency, consIssues := assessConsistency(rows)
	issues = append(issues, consIssues...)

	uniqueness, uniqIssues := assessUniqueness(rows, identifierField)
	issues = append(issues, uniqIssues...)

	score := int(math.Round((completenessWeight*completeness +
		consistencyWeight*consistency +
		uniquenessWeight*uniqueness) * 100))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Report{
		Score:        score,
		Completeness: completeness,
		Consistency:  consistency,
		Uniqueness:   uniqueness,
		Issues:       issues,
	}
}

func assessCompleteness(rows []map[string]interface{}, required []string) (float64, []Issue) {
	total := len(rows) * len(required)
	if total == 0 {
		return 1, nil
	}

	present := 0
	missingByField := make(map[string]int)
	for _, row := range rows {
		for _, f := range required {
			if !isEmpty(row[f]) {
				present++
			} else {
				missingByField[f]++
			}
		}
	}

	var issues []Issue
	fields := make([]string, 0, len(missingByField))
	for f := range missingByField {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		issues = append(issues, Issue{
			Field: f, Kind: "completeness",
			Message: fmt.Sprintf("field %s is missing in %d of %d rows", f, missingByField[f], len(rows)),
		})
	}

	return float64(present) / float64(total), issues
}

// assessConsistency flags fields whose values parse under more than one date
// convention; mixed conventions in one column are how day/month swaps creep in.
func assessConsistency(rows []map[string]interface{}) (float64, []Issue) {
	formatsByField := make(map[string]map[string]bool)
	for _, row := range rows {
		for f, v := range row {
			s, ok := v.(string)
			if !ok || strings.TrimSpace(s) == "" {
				continue
			}
			layout := rules.DetectDateFormat(s)
			if layout == "" {
				continue
			}
			if formatsByField[f] == nil {
				formatsByField[f] = make(map[string]bool)
			}
			formatsByField[f][layout] = true
		}
	}

	if len(formatsByField) == 0 {
		return 1, nil
	}

	var issues []Issue
	inconsistent := 0
	fields := make([]string, 0, len(formatsByField))
	for f := range formatsByField {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if len(formatsByField[f]) > 1 {
			inconsistent++
			issues = append(issues, Issue{
				Field: f, Kind: "consistency",
				Message: fmt.Sprintf("inconsistent date formats in field %s (%d distinct formats)", f, len(formatsByField[f])),
			})
		}
	}

	return 1 - float64(inconsistent)/float64(len(formatsByField)), issues
}

func assessUniqueness(rows []map[string]interface{}, identifierField string) (float64, []Issue) {
	if identifierField == "" {
		return 1, nil
	}

	seen := make(map[string]int)
	nonEmpty := 0
	for _, row := range rows {
		if isEmpty(row[identifierField]) {
			continue
		}
		nonEmpty++
		seen[fmt.Sprintf("%v", row[identifierField])]++
	}
	if nonEmpty == 0 {
		return 1, nil
	}

	duplicates := 0
	for _, count := range seen {
		if count > 1 {
			duplicates += count - 1
		}
	}

	var issues []Issue
	if duplicates > 0 {
		issues = append(issues, Issue{
			Field: identifierField, Kind: "uniqueness",
			Message: fmt.Sprintf("duplicate records detected: %d rows share a %s with another row", duplicates, identifierField),
		})
	}

	return float64(nonEmpty-duplicates) / float64(nonEmpty), issues
}

func allFields(rows []map[string]interface{}) []string {
	set := make(map[string]bool)
	for _, row := range rows {
		for f := range row {
			set[f] = true
		}
	}
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// inferIdentifierField picks the most identifier-looking field name present
// in the sample.
func inferIdentifierField(rows []map[string]interface{}) string {
	candidates := []string{"nhs_number", "nhs_no", "nhsnumber", "patient_id", "resident_id", "id"}
	fields := allFields(rows)
	for _, want := range candidates {
		for _, f := range fields {
			if strings.EqualFold(strings.ReplaceAll(f, " ", "_"), want) {
				return f
			}
		}
	}
	// Fall back to any field containing "id".
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), "id") {
			return f
		}
	}
	return ""
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
