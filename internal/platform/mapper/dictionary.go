package mapper

import (
	"fmt"
	"regexp"
	"strings"
)

// dictEntry maps a normalized field-name pattern to a target field with a
// base confidence. Patterns are matched by substring against the normalized
// source field name; longer patterns are more specific.
type dictEntry struct {
	pattern     string
	target      string
	confidence  float64
	validations []string
}

// Field-name dictionary for UK care-management exports. Base confidences are
// hand-tuned against the legacy systems the platform has onboarded so far.
var fieldDictionary = []dictEntry{
	{"nhsnumber", "nhs_number", 0.98, []string{"nhs-number"}},
	{"nhsno", "nhs_number", 0.95, []string{"nhs-number"}},
	{"nhs", "nhs_number", 0.85, []string{"nhs-number"}},
	{"dateofbirth", "date_of_birth", 0.97, []string{"date"}},
	{"birthdate", "date_of_birth", 0.95, []string{"date"}},
	{"dob", "date_of_birth", 0.9, []string{"date"}},
	{"forename", "first_name", 0.95, []string{"required"}},
	{"firstname", "first_name", 0.95, []string{"required"}},
	{"givenname", "first_name", 0.9, []string{"required"}},
	{"surname", "last_name", 0.95, []string{"required"}},
	{"lastname", "last_name", 0.95, []string{"required"}},
	{"familyname", "last_name", 0.9, []string{"required"}},
	{"fullname", "full_name", 0.85, nil},
	{"name", "full_name", 0.55, nil},
	{"postcode", "postcode", 0.95, []string{"postcode"}},
	{"postalcode", "postcode", 0.92, []string{"postcode"}},
	{"addressline1", "address_line_1", 0.9, nil},
	{"address1", "address_line_1", 0.88, nil},
	{"address", "address_line_1", 0.7, nil},
	{"mobile", "phone_mobile", 0.9, []string{"phone"}},
	{"telephone", "phone_home", 0.88, []string{"phone"}},
	{"phone", "phone_home", 0.8, []string{"phone"}},
	{"tel", "phone_home", 0.7, []string{"phone"}},
	{"emailaddress", "email", 0.95, []string{"email"}},
	{"email", "email", 0.92, []string{"email"}},
	{"gendercode", "gender", 0.9, []string{"one-of:male,female,other,unknown"}},
	{"gender", "gender", 0.88, []string{"one-of:male,female,other,unknown"}},
	{"sex", "gender", 0.8, []string{"one-of:male,female,other,unknown"}},
	{"gpname", "gp_name", 0.9, nil},
	{"gppractice", "gp_practice", 0.9, nil},
	{"gp", "gp_name", 0.7, nil},
	{"admissiondate", "admission_date", 0.92, []string{"date"}},
	{"admitted", "admission_date", 0.75, []string{"date"}},
	{"dischargedate", "discharge_date", 0.92, []string{"date"}},
	{"roomnumber", "room_number", 0.9, nil},
	{"room", "room_number", 0.75, nil},
	{"medication", "medication", 0.85, nil},
	{"meds", "medication", 0.75, nil},
	{"allergies", "allergies", 0.9, nil},
	{"allergy", "allergies", 0.85, nil},
	{"nextofkin", "next_of_kin", 0.92, nil},
	{"nok", "next_of_kin", 0.8, nil},
	{"careplan", "care_plan_summary", 0.85, nil},
	{"riskassessment", "risk_assessment", 0.85, nil},
	{"dietarynotes", "dietary_requirements", 0.85, nil},
	{"diet", "dietary_requirements", 0.7, nil},
	{"religion", "religion", 0.88, nil},
	{"ethnicity", "ethnicity", 0.88, nil},
	{"title", "title", 0.8, nil},
}

// Structural fallbacks applied to the sample value when no dictionary pattern
// matches the field name.
var (
	nhsNumberPattern = regexp.MustCompile(`^\d{3}[ -]?\d{3}[ -]?\d{4}$`)
	postcodePattern  = regexp.MustCompile(`(?i)^[A-Z]{1,2}\d[A-Z\d]?\s*\d[A-Z]{2}$`)
	ukDatePattern    = regexp.MustCompile(`^\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}$`)
	isoDatePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	emailPattern     = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern     = regexp.MustCompile(`^(\+44|0)[\d ]{9,12}$`)
)

type structuralFallback struct {
	re          *regexp.Regexp
	target      string
	confidence  float64
	validations []string
}

var structuralFallbacks = []structuralFallback{
	{nhsNumberPattern, "nhs_number", 0.6, []string{"nhs-number"}},
	{postcodePattern, "postcode", 0.6, []string{"postcode"}},
	{isoDatePattern, "date_of_birth", 0.3, []string{"date"}},
	{ukDatePattern, "date_of_birth", 0.3, []string{"date"}},
	{emailPattern, "email", 0.55, []string{"email"}},
	{phonePattern, "phone_home", 0.45, []string{"phone"}},
}

// DictionaryStrategy is the default ScoringStrategy: a field-name pattern
// dictionary with structural regex fallbacks on the sample value.
type DictionaryStrategy struct {
	entries   []dictEntry
	fallbacks []structuralFallback
}

// NewDictionaryStrategy creates a DictionaryStrategy with the built-in
// dictionary and fallbacks.
func NewDictionaryStrategy() *DictionaryStrategy {
	return &DictionaryStrategy{entries: fieldDictionary, fallbacks: structuralFallbacks}
}

// normalizeField lowercases and strips everything but letters and digits, so
// "NHS_Number", "nhs-number" and "NhsNumber" all normalize the same way.
func normalizeField(field string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(field) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Score implements ScoringStrategy.
func (s *DictionaryStrategy) Score(field string, sample interface{}) []Candidate {
	norm := normalizeField(field)

	var candidates []Candidate
	for _, e := range s.entries {
		if strings.Contains(norm, e.pattern) {
			candidates = append(candidates, Candidate{
				TargetField: e.target,
				Confidence:  e.confidence,
				Specificity: len(e.pattern),
				Validations: e.validations,
			})
		}
	}
	if len(candidates) > 0 {
		return candidates
	}

	// Nothing in the dictionary: fall back to recognizable value formats.
	str := strings.TrimSpace(fmt.Sprintf("%v", sample))
	if str == "" || sample == nil {
		return nil
	}
	for _, f := range s.fallbacks {
		if f.re.MatchString(str) {
			candidates = append(candidates, Candidate{
				TargetField: f.target,
				Confidence:  f.confidence,
				Specificity: 1,
				Validations: f.validations,
			})
		}
	}
	return candidates
}
