// Package mapper derives source-to-target field mappings from sample data.
// Scoring is pluggable so the dictionary-based default can be swapped for a
// trained classifier without touching the orchestrator.
package mapper

import (
	"sort"
)

// Alternative is a lower-ranked candidate target for a source field.
type Alternative struct {
	TargetField string  `json:"target_field"`
	Confidence  float64 `json:"confidence"`
}

// FieldMapping is the mapper's suggestion for one source field. Confidence is
// always in [0,1]; a field with no plausible target yields no FieldMapping at
// all, never a zero-confidence one.
type FieldMapping struct {
	SourceField  string        `json:"source_field"`
	TargetField  string        `json:"target_field"`
	Confidence   float64       `json:"confidence"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Validations  []string      `json:"validations,omitempty"`
}

// Candidate is a scored target field produced by a ScoringStrategy.
// Specificity breaks confidence ties: the longer or more exact the matched
// pattern, the higher the specificity.
type Candidate struct {
	TargetField string
	Confidence  float64
	Specificity int
	Validations []string
}

// ScoringStrategy ranks candidate target fields for a source field name plus
// one representative sample value.
type ScoringStrategy interface {
	Score(field string, sample interface{}) []Candidate
}

// alternativeDecay is applied per rank step when deriving alternatives from
// the candidate list.
const alternativeDecay = 0.75

// maxAlternatives bounds how many ranked alternatives are surfaced.
const maxAlternatives = 3

// Mapper proposes field mappings using a ScoringStrategy.
type Mapper struct {
	strategy ScoringStrategy
}

// New creates a Mapper. A nil strategy selects the built-in dictionary.
func New(strategy ScoringStrategy) *Mapper {
	if strategy == nil {
		strategy = NewDictionaryStrategy()
	}
	return &Mapper{strategy: strategy}
}

// MapField scores a single source field. The second return value is false when
// the field has no plausible target.
func (m *Mapper) MapField(field string, sample interface{}) (FieldMapping, bool) {
	candidates := m.strategy.Score(field, sample)
	if len(candidates) == 0 {
		return FieldMapping{}, false
	}

	// Highest confidence wins; ties go to the most specific pattern.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].Specificity > candidates[j].Specificity
	})

	best := candidates[0]
	mapping := FieldMapping{
		SourceField: field,
		TargetField: best.TargetField,
		Confidence:  clamp01(best.Confidence),
		Validations: best.Validations,
	}

	seen := map[string]bool{best.TargetField: true}
	rank := 1
	for _, c := range candidates[1:] {
		if seen[c.TargetField] {
			continue
		}
		seen[c.TargetField] = true
		mapping.Alternatives = append(mapping.Alternatives, Alternative{
			TargetField: c.TargetField,
			Confidence:  clamp01(c.Confidence * pow(alternativeDecay, rank)),
		})
		rank++
		if len(mapping.Alternatives) >= maxAlternatives {
			break
		}
	}

	return mapping, true
}

// MapFields scores every field in the sample. Fields without a plausible
// target are returned separately so the caller can surface unmapped-field
// warnings downstream.
func (m *Mapper) MapFields(sample map[string]interface{}) (mappings []FieldMapping, unmapped []string) {
	fields := make([]string, 0, len(sample))
	for f := range sample {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		if mapping, ok := m.MapField(f, sample[f]); ok {
			mappings = append(mappings, mapping)
		} else {
			unmapped = append(unmapped, f)
		}
	}
	return mappings, unmapped
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
