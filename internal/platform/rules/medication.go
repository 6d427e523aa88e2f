package rules

import (
	"regexp"
	"strings"
)

// Medication is the decomposed form of a free-text medication description.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Route     string `json:"route"`
}

var (
	dosagePattern = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?\s*(?:mg|mcg|micrograms?|g|ml|units?|puffs?|drops?|tablets?))\b`)

	// Common UK prescribing frequencies, including the latin abbreviations
	// that survive in legacy exports.
	frequencyPattern = regexp.MustCompile(`(?i)\b(once daily|twice daily|three times (?:a )?daily|four times (?:a )?daily|once a day|twice a day|every \d+ hours|at night|in the morning|as required|as needed|od|bd|tds|qds|prn|nocte|mane)\b`)

	routePattern = regexp.MustCompile(`(?i)\b(oral(?:ly)?|by mouth|po|iv|intravenous|im|intramuscular|subcutaneous|s/?c|topical(?:ly)?|inhaled|inhalation|pr|rectal|peg|sublingual|transdermal)\b`)
)

var routeCanonical = map[string]string{
	"orally": "oral", "by mouth": "oral", "po": "oral",
	"iv": "intravenous", "im": "intramuscular",
	"sc": "subcutaneous", "s/c": "subcutaneous",
	"topically": "topical", "inhalation": "inhaled",
	"pr": "rectal",
}

// ParseMedication decomposes a medication description like
// "Paracetamol 500mg twice daily oral" into its components. Absent components
// get conservative defaults: frequency "as directed" and route "oral", the
// dominant conventions in the care-home exports this engine has seen.
func ParseMedication(desc string) Medication {
	med := Medication{
		Name:      strings.TrimSpace(desc),
		Frequency: "as directed",
		Route:     "oral",
	}
	if med.Name == "" {
		return med
	}

	remaining := desc

	if m := dosagePattern.FindString(desc); m != "" {
		med.Dosage = strings.ToLower(strings.Join(strings.Fields(m), ""))
		remaining = strings.Replace(remaining, m, " ", 1)
	}
	if m := frequencyPattern.FindString(desc); m != "" {
		med.Frequency = strings.ToLower(m)
		remaining = strings.Replace(remaining, m, " ", 1)
	}
	if m := routePattern.FindString(desc); m != "" {
		route := strings.ToLower(m)
		if canon, ok := routeCanonical[route]; ok {
			route = canon
		}
		med.Route = route
		remaining = strings.Replace(remaining, m, " ", 1)
	}

	if name := strings.TrimSpace(strings.Join(strings.Fields(remaining), " ")); name != "" {
		med.Name = strings.Trim(name, " ,-")
	}
	return med
}
