package mapper

import (
	"testing"
)

func TestMapField_DictionaryHit(t *testing.T) {
	m := New(nil)
	mapping, ok := m.MapField("NHS_Number", "9434765919")
	if !ok {
		t.Fatal("expected a mapping for NHS_Number")
	}
	if mapping.TargetField != "nhs_number" {
		t.Errorf("expected target nhs_number, got %q", mapping.TargetField)
	}
	if mapping.Confidence < 0.9 {
		t.Errorf("expected high confidence, got %f", mapping.Confidence)
	}
	found := false
	for _, v := range mapping.Validations {
		if v == "nhs-number" {
			found = true
		}
	}
	if !found {
		t.Error("expected nhs-number validation suggestion")
	}
}

func TestMapField_TieBrokenBySpecificity(t *testing.T) {
	m := New(nil)
	mapping, ok := m.MapField("nhs_number", nil)
	if !ok {
		t.Fatal("expected mapping")
	}
	// Both "nhsnumber" (0.98) and "nhs" (0.85) match; the longer, more
	// confident pattern must win.
	if mapping.TargetField != "nhs_number" || mapping.Confidence != 0.98 {
		t.Errorf("expected nhsnumber pattern to win, got %q at %f", mapping.TargetField, mapping.Confidence)
	}
}

func TestMapField_StructuralFallback(t *testing.T) {
	m := New(nil)

	mapping, ok := m.MapField("col_7", "SW1A 1AA")
	if !ok {
		t.Fatal("expected postcode fallback mapping")
	}
	if mapping.TargetField != "postcode" {
		t.Errorf("expected postcode, got %q", mapping.TargetField)
	}

	mapping, ok = m.MapField("col_3", "943 476 5919")
	if !ok {
		t.Fatal("expected NHS-number fallback mapping")
	}
	if mapping.TargetField != "nhs_number" {
		t.Errorf("expected nhs_number, got %q", mapping.TargetField)
	}
}

func TestMapField_NoMatchYieldsNoMapping(t *testing.T) {
	m := New(nil)
	if _, ok := m.MapField("zzz_internal_flag", "##!!"); ok {
		t.Fatal("expected no mapping for unrecognizable field")
	}
}

func TestMapFields_ConfidenceBoundsAndUnmapped(t *testing.T) {
	m := New(nil)
	sample := map[string]interface{}{
		"Forename":     "Ada",
		"Surname":      "Byron",
		"NHSNo":        "9434765919",
		"DOB":          "15/03/1940",
		"Post Code":    "LS1 4AP",
		"weird_blob_x": "##!!",
	}

	mappings, unmapped := m.MapFields(sample)
	if len(unmapped) != 1 || unmapped[0] != "weird_blob_x" {
		t.Errorf("expected weird_blob_x unmapped, got %v", unmapped)
	}
	if len(mappings) != 5 {
		t.Fatalf("expected 5 mappings, got %d", len(mappings))
	}
	for _, mp := range mappings {
		if mp.Confidence <= 0 || mp.Confidence > 1 {
			t.Errorf("confidence out of (0,1] for %s: %f", mp.SourceField, mp.Confidence)
		}
		for _, alt := range mp.Alternatives {
			if alt.Confidence <= 0 || alt.Confidence > 1 {
				t.Errorf("alternative confidence out of (0,1] for %s: %f", mp.SourceField, alt.Confidence)
			}
		}
	}
}

func TestMapField_AlternativesDecay(t *testing.T) {
	m := New(nil)
	// "gender_code" matches gendercode, gender and... only gender targets, so
	// use a phone-ish field that maps to distinct targets.
	mapping, ok := m.MapField("mobile_telephone", nil)
	if !ok {
		t.Fatal("expected mapping")
	}
	if mapping.TargetField != "phone_mobile" {
		t.Errorf("expected phone_mobile best, got %q", mapping.TargetField)
	}
	if len(mapping.Alternatives) == 0 {
		t.Fatal("expected ranked alternatives")
	}
	if alt := mapping.Alternatives[0]; alt.TargetField != "phone_home" {
		t.Errorf("expected phone_home alternative, got %q", alt.TargetField)
	}
	if mapping.Alternatives[0].Confidence >= mapping.Confidence {
		t.Error("expected alternative confidence decayed below the best candidate")
	}
}
