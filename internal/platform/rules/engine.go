package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// LookupTable resolves reference-data codes for lookup rules. Implementations
// should tolerate case and minor spelling differences in keys.
type LookupTable interface {
	Lookup(table, key string) (string, bool)
}

// StaticLookup is an in-memory LookupTable: table name -> key -> value.
// Matching is case-insensitive, whitespace-collapsing, and tolerant of a
// single-character difference.
type StaticLookup map[string]map[string]string

// Lookup implements LookupTable.
func (l StaticLookup) Lookup(table, key string) (string, bool) {
	entries, ok := l[table]
	if !ok {
		return "", false
	}
	norm := normalizeLookupKey(key)
	for k, v := range entries {
		if normalizeLookupKey(k) == norm {
			return v, true
		}
	}
	// Fuzzy pass: tolerate one edit for typos in hand-keyed legacy data.
	for k, v := range entries {
		if withinOneEdit(normalizeLookupKey(k), norm) {
			return v, true
		}
	}
	return "", false
}

func normalizeLookupKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// withinOneEdit reports whether a and b differ by at most one insertion,
// deletion, or substitution.
func withinOneEdit(a, b string) bool {
	if a == b {
		return true
	}
	la, lb := len(a), len(b)
	if la > lb {
		a, b, la, lb = b, a, lb, la
	}
	if lb-la > 1 {
		return false
	}
	i, j, edits := 0, 0, 0
	for i < la && j < lb {
		if a[i] == b[j] {
			i++
			j++
			continue
		}
		edits++
		if edits > 1 {
			return false
		}
		if la == lb {
			i++
		}
		j++
	}
	return edits+(lb-j)+(la-i) <= 1
}

// Engine applies transformation rules to source rows.
type Engine struct {
	lookups LookupTable
}

// NewEngine creates an Engine. A nil lookup table makes every lookup rule
// fall back to its raw source value.
func NewEngine(lookups LookupTable) *Engine {
	if lookups == nil {
		lookups = StaticLookup{}
	}
	return &Engine{lookups: lookups}
}

// ApplyRule transforms one row's value under the given rule. The returned
// error indicates the transformation itself failed; callers keep the raw
// source value and record a warning rather than aborting the batch.
func (e *Engine) ApplyRule(row map[string]interface{}, rule Rule) (interface{}, error) {
	switch rule.Kind {
	case KindDirect:
		return coerceScalar(row[rule.SourceField]), nil

	case KindCalculated:
		return e.applyCalculated(row, rule)

	case KindLookup:
		return e.applyLookup(row, rule)

	case KindConditional:
		s := stringValue(row[rule.SourceField])
		if s == "" {
			return "", nil
		}
		normalized, err := NormalizeDate(s)
		if err != nil {
			return nil, err
		}
		return normalized, nil

	case KindHeuristic:
		s := stringValue(row[rule.SourceField])
		if s == "" {
			return Medication{}, nil
		}
		return ParseMedication(s), nil

	default:
		return nil, fmt.Errorf("unknown rule kind: %s", rule.Kind)
	}
}

// applyCalculated joins the rule's source fields. A "join:<sep>" prefix on
// the transformation selects the separator; the default is a single space.
func (e *Engine) applyCalculated(row map[string]interface{}, rule Rule) (interface{}, error) {
	if len(rule.SourceFields) == 0 {
		return nil, fmt.Errorf("calculated rule %s has no source fields", rule.TargetField)
	}
	sep := " "
	if strings.HasPrefix(rule.Transformation, "join:") {
		sep = strings.TrimPrefix(rule.Transformation, "join:")
	}
	parts := make([]string, 0, len(rule.SourceFields))
	for _, f := range rule.SourceFields {
		if s := stringValue(row[f]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep), nil
}

// applyLookup resolves the source value against a reference table named by a
// "lookup:<table>" transformation.
func (e *Engine) applyLookup(row map[string]interface{}, rule Rule) (interface{}, error) {
	if !strings.HasPrefix(rule.Transformation, "lookup:") {
		return nil, fmt.Errorf("lookup rule %s has no table (transformation %q)", rule.TargetField, rule.Transformation)
	}
	table := strings.TrimPrefix(rule.Transformation, "lookup:")
	if table == "" {
		return nil, fmt.Errorf("lookup rule %s has an empty table name", rule.TargetField)
	}
	key := stringValue(row[rule.SourceField])
	if key == "" {
		return "", nil
	}
	v, ok := e.lookups.Lookup(table, key)
	if !ok {
		return nil, fmt.Errorf("no entry for %q in lookup table %s", key, table)
	}
	return v, nil
}

// ApplyRow runs every rule against the row and validates the results. Errors
// block the row; warnings do not. A failed transformation falls back to the
// raw source value with a warning (partial-failure semantics: one bad field
// never aborts the batch).
func (e *Engine) ApplyRow(rowIndex int, row map[string]interface{}, ruleSet []Rule) (map[string]interface{}, []RowError, []RowWarning) {
	out := make(map[string]interface{}, len(ruleSet))
	var errs []RowError
	var warns []RowWarning

	for _, rule := range ruleSet {
		value, err := e.ApplyRule(row, rule)
		if err != nil {
			value = row[rule.SourceField]
			warns = append(warns, RowWarning{
				Row:     rowIndex,
				Field:   rule.TargetField,
				Message: fmt.Sprintf("transformation failed, raw value retained: %v", err),
			})
		}
		out[rule.TargetField] = value

		for _, c := range rule.Validations {
			violation := checkConstraint(c, value)
			if violation == "" {
				continue
			}
			if c.Severity == SeverityWarning {
				warns = append(warns, RowWarning{
					Row: rowIndex, Field: rule.TargetField,
					Message: violation, AutoFixable: c.AutoFixable,
				})
			} else {
				errs = append(errs, RowError{
					Row: rowIndex, Field: rule.TargetField,
					Message:    violation,
					Suggestion: constraintSuggestion(c, rule.TargetField),
				})
			}
		}
	}

	return out, errs, warns
}

// checkConstraint returns a violation message, or "" when the value passes.
func checkConstraint(c Constraint, value interface{}) string {
	name, arg := c.Name, ""
	if i := strings.IndexByte(c.Name, ':'); i >= 0 {
		name, arg = c.Name[:i], c.Name[i+1:]
	}
	s := stringValue(value)

	switch name {
	case "required":
		if s == "" {
			return "required value is missing"
		}
	case "nhs-number":
		if s != "" && !ValidNHSNumber(s) {
			return fmt.Sprintf("invalid NHS number %q (checksum failed)", s)
		}
	case "date":
		if s != "" && !IsDate(s) {
			return fmt.Sprintf("unrecognized date %q", s)
		}
	case "postcode":
		if s != "" && !postcodeConstraint.MatchString(s) {
			return fmt.Sprintf("invalid postcode %q", s)
		}
	case "email":
		if s != "" && !emailConstraint.MatchString(s) {
			return fmt.Sprintf("invalid email address %q", s)
		}
	case "phone":
		if s != "" && !phoneConstraint.MatchString(s) {
			return fmt.Sprintf("invalid phone number %q", s)
		}
	case "max-length":
		if n, err := strconv.Atoi(arg); err == nil && len(s) > n {
			return fmt.Sprintf("value exceeds maximum length %d", n)
		}
	case "one-of":
		if s == "" {
			return ""
		}
		for _, opt := range strings.Split(arg, ",") {
			if strings.EqualFold(strings.TrimSpace(opt), s) {
				return ""
			}
		}
		return fmt.Sprintf("value %q is not one of [%s]", s, arg)
	}
	return ""
}

func constraintSuggestion(c Constraint, field string) string {
	name := c.Name
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "required":
		return fmt.Sprintf("supply a value for %s in the source system before re-running", field)
	case "nhs-number":
		return "verify the NHS number against the Personal Demographics Service"
	case "date":
		return "re-enter the date as dd/mm/yyyy"
	default:
		return ""
	}
}

var (
	postcodeConstraint = regexp.MustCompile(`(?i)^[A-Z]{1,2}\d[A-Z\d]?\s*\d[A-Z]{2}$`)
	emailConstraint    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneConstraint    = regexp.MustCompile(`^(\+44|0)[\d ]{9,12}$`)
)

// coerceScalar trims string values and leaves everything else untouched.
func coerceScalar(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case Medication:
		return t.Name
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}
