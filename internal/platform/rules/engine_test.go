package rules

import (
	"testing"

	"github.com/google/uuid"
)

func testLookup() StaticLookup {
	return StaticLookup{
		"gender_codes": {
			"M": "male",
			"F": "female",
			"U": "unknown",
		},
		"marital_status": {
			"Married":  "married",
			"Widowed":  "widowed",
			"Divorced": "divorced",
		},
	}
}

func TestApplyRule_Direct(t *testing.T) {
	e := NewEngine(nil)
	row := map[string]interface{}{"forename": "  Ada "}
	v, err := e.ApplyRule(row, Rule{Kind: KindDirect, SourceField: "forename", TargetField: "first_name"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "Ada" {
		t.Errorf("expected trimmed value, got %q", v)
	}
}

func TestApplyRule_Calculated(t *testing.T) {
	e := NewEngine(nil)
	row := map[string]interface{}{"forename": "Ada", "surname": "Byron"}
	rule := Rule{
		Kind:         KindCalculated,
		SourceFields: []string{"forename", "surname"},
		TargetField:  "full_name",
	}
	v, err := e.ApplyRule(row, rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "Ada Byron" {
		t.Errorf("expected concatenation, got %q", v)
	}

	rule.Transformation = "join:, "
	v, _ = e.ApplyRule(row, rule)
	if v != "Ada, Byron" {
		t.Errorf("expected custom separator, got %q", v)
	}
}

func TestApplyRule_LookupCaseInsensitive(t *testing.T) {
	e := NewEngine(testLookup())
	row := map[string]interface{}{"sex": "m"}
	rule := Rule{Kind: KindLookup, SourceField: "sex", TargetField: "gender", Transformation: "lookup:gender_codes"}
	v, err := e.ApplyRule(row, rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "male" {
		t.Errorf("expected male, got %q", v)
	}
}

func TestApplyRule_LookupFuzzy(t *testing.T) {
	e := NewEngine(testLookup())
	row := map[string]interface{}{"marital": "Maried"} // one edit away
	rule := Rule{Kind: KindLookup, SourceField: "marital", TargetField: "marital_status", Transformation: "lookup:marital_status"}
	v, err := e.ApplyRule(row, rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "married" {
		t.Errorf("expected fuzzy match to married, got %q", v)
	}
}

func TestApplyRule_LookupMiss(t *testing.T) {
	e := NewEngine(testLookup())
	row := map[string]interface{}{"sex": "XYZ"}
	rule := Rule{Kind: KindLookup, SourceField: "sex", TargetField: "gender", Transformation: "lookup:gender_codes"}
	if _, err := e.ApplyRule(row, rule); err == nil {
		t.Fatal("expected error for unmatched lookup key")
	}
}

func TestApplyRule_ConditionalDate(t *testing.T) {
	e := NewEngine(nil)
	row := map[string]interface{}{"dob": "15/03/1940"}
	rule := Rule{Kind: KindConditional, SourceField: "dob", TargetField: "date_of_birth"}
	v, err := e.ApplyRule(row, rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "1940-03-15" {
		t.Errorf("expected 1940-03-15, got %q", v)
	}
}

func TestApplyRule_Heuristic(t *testing.T) {
	e := NewEngine(nil)
	row := map[string]interface{}{"meds": "Paracetamol 500mg twice daily oral"}
	rule := Rule{Kind: KindHeuristic, SourceField: "meds", TargetField: "medication"}
	v, err := e.ApplyRule(row, rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	med, ok := v.(Medication)
	if !ok {
		t.Fatalf("expected Medication, got %T", v)
	}
	if med.Name != "Paracetamol" || med.Dosage != "500mg" || med.Frequency != "twice daily" || med.Route != "oral" {
		t.Errorf("unexpected decomposition: %+v", med)
	}
}

func TestApplyRow_TransformationFailureFallsBack(t *testing.T) {
	e := NewEngine(nil)
	row := map[string]interface{}{"dob": "not a date"}
	ruleSet := []Rule{{
		ID: uuid.New(), Kind: KindConditional,
		SourceField: "dob", TargetField: "date_of_birth",
	}}

	out, errs, warns := e.ApplyRow(3, row, ruleSet)
	if len(errs) != 0 {
		t.Errorf("transformation failure must not block the row, got errors %v", errs)
	}
	if len(warns) != 1 || warns[0].Row != 3 || warns[0].Field != "date_of_birth" {
		t.Fatalf("expected one field warning for row 3, got %v", warns)
	}
	if out["date_of_birth"] != "not a date" {
		t.Errorf("expected raw value retained, got %v", out["date_of_birth"])
	}
}

func TestApplyRow_ConstraintSeverity(t *testing.T) {
	e := NewEngine(nil)
	row := map[string]interface{}{"nhs": "1234567890", "postcode": "nope"}
	ruleSet := []Rule{
		{
			Kind: KindDirect, SourceField: "nhs", TargetField: "nhs_number",
			Validations: []Constraint{{Name: "nhs-number", Severity: SeverityError}},
		},
		{
			Kind: KindDirect, SourceField: "postcode", TargetField: "postcode",
			Validations: []Constraint{{Name: "postcode", Severity: SeverityWarning, AutoFixable: true}},
		},
	}

	_, errs, warns := e.ApplyRow(0, row, ruleSet)
	if len(errs) != 1 || errs[0].Field != "nhs_number" {
		t.Fatalf("expected one blocking error on nhs_number, got %v", errs)
	}
	if errs[0].Suggestion == "" {
		t.Error("expected a remediation suggestion on the error")
	}
	if len(warns) != 1 || !warns[0].AutoFixable {
		t.Fatalf("expected one auto-fixable warning, got %v", warns)
	}
}

func TestApplyRow_RequiredMissing(t *testing.T) {
	e := NewEngine(nil)
	ruleSet := []Rule{{
		Kind: KindDirect, SourceField: "nhs_no", TargetField: "nhs_number",
		Validations: []Constraint{{Name: "required", Severity: SeverityError}},
	}}
	_, errs, _ := e.ApplyRow(2, map[string]interface{}{}, ruleSet)
	if len(errs) != 1 || errs[0].Row != 2 {
		t.Fatalf("expected required-field error for row 2, got %v", errs)
	}
}

func TestCheckConstraint_Args(t *testing.T) {
	if msg := checkConstraint(Constraint{Name: "max-length:5"}, "abcdef"); msg == "" {
		t.Error("expected max-length violation")
	}
	if msg := checkConstraint(Constraint{Name: "one-of:male,female"}, "Male"); msg != "" {
		t.Errorf("expected case-insensitive one-of pass, got %q", msg)
	}
	if msg := checkConstraint(Constraint{Name: "one-of:male,female"}, "robot"); msg == "" {
		t.Error("expected one-of violation")
	}
}
