package measure

import (
	"github.com/ehr/qualitystars/internal/domain/codeset"
)

// Weight multipliers used in Star Rating point totals.
const (
	WeightSingle = 1.0
	WeightTriple = 3.0
)

// Sex restriction values.
const (
	SexFemale = "F"
	SexMale   = "M"
)

// ExclusionKind names one exclusion predicate.
type ExclusionKind string

const (
	ExclusionHospice                ExclusionKind = "hospice"
	ExclusionESRD                   ExclusionKind = "esrd"
	ExclusionPregnancy              ExclusionKind = "pregnancy"
	ExclusionTransplant             ExclusionKind = "transplant"
	ExclusionAdvancedIllnessFrailty ExclusionKind = "advanced_illness_frailty"
)

// ExclusionOrder is the canonical evaluation order. The first matching
// predicate in this order is the one reported.
var ExclusionOrder = []ExclusionKind{
	ExclusionHospice,
	ExclusionESRD,
	ExclusionPregnancy,
	ExclusionTransplant,
	ExclusionAdvancedIllnessFrailty,
}

// Concepts used by the exclusion predicates.
const (
	ConceptHospice         codeset.Concept = "hospice"
	ConceptESRD            codeset.Concept = "esrd"
	ConceptPregnancy       codeset.Concept = "pregnancy"
	ConceptTransplant      codeset.Concept = "transplant"
	ConceptAdvancedIllness codeset.Concept = "advanced_illness"
	ConceptFrailty         codeset.Concept = "frailty"
)

// Concepts returns the code sets an exclusion predicate reads.
func (k ExclusionKind) Concepts() []codeset.Concept {
	switch k {
	case ExclusionHospice:
		return []codeset.Concept{ConceptHospice}
	case ExclusionESRD:
		return []codeset.Concept{ConceptESRD}
	case ExclusionPregnancy:
		return []codeset.Concept{ConceptPregnancy}
	case ExclusionTransplant:
		return []codeset.Concept{ConceptTransplant}
	case ExclusionAdvancedIllnessFrailty:
		return []codeset.Concept{ConceptAdvancedIllness, ConceptFrailty}
	}
	return nil
}

func validExclusion(k ExclusionKind) bool {
	for _, e := range ExclusionOrder {
		if e == k {
			return true
		}
	}
	return false
}

// ValueRange is the annual dollar value range attributed to a measure.
type ValueRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Mid returns the midpoint of the range.
func (v ValueRange) Mid() float64 {
	return (v.Low + v.High) / 2
}

// Intervention describes the outreach used to close a gap.
type Intervention struct {
	Type string  `json:"type"`
	Cost float64 `json:"cost"`
}

// Spec is one immutable measure definition. Specs are loaded once per
// process and shared read-only by all evaluation workers.
type Spec struct {
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	Tier       int     `json:"tier"`
	Weight     float64 `json:"weight"`
	AgeMin     int     `json:"age_min"`
	AgeMax     int     `json:"age_max"`
	Sex        string  `json:"sex,omitempty"`
	NewMeasure bool    `json:"new_measure"`

	InclusionCodeSets []codeset.Concept `json:"inclusion_code_sets,omitempty"`
	LookbackYears     int               `json:"lookback_years"`
	MinEncounters     int               `json:"min_encounters"`
	EncounterTypes    []string          `json:"encounter_types,omitempty"`

	Exclusions []ExclusionKind `json:"exclusions,omitempty"`
	Numerator  NumeratorRule   `json:"-"`

	ValuePerGap            float64      `json:"value_per_gap"`
	ValueRange             ValueRange   `json:"value_range"`
	Intervention           Intervention `json:"intervention"`
	OutOfRangeIntervention string       `json:"out_of_range_intervention,omitempty"`
}

// TripleWeighted reports whether the measure counts three times.
func (s *Spec) TripleWeighted() bool {
	return s.Weight == WeightTriple
}

// ExclusionCodeSets returns every concept read by the measure's exclusions.
func (s *Spec) ExclusionCodeSets() []codeset.Concept {
	var out []codeset.Concept
	for _, k := range s.Exclusions {
		out = append(out, k.Concepts()...)
	}
	return out
}

// RequiredCodeSets lists all concepts the measure needs at evaluation time.
func (s *Spec) RequiredCodeSets() []codeset.Concept {
	out := append([]codeset.Concept{}, s.InclusionCodeSets...)
	out = append(out, s.ExclusionCodeSets()...)
	if s.Numerator != nil {
		out = append(out, s.Numerator.CodeSets()...)
	}
	return out
}

// HasExclusion reports whether the measure applies the given predicate.
func (s *Spec) HasExclusion(k ExclusionKind) bool {
	for _, e := range s.Exclusions {
		if e == k {
			return true
		}
	}
	return false
}

// InterventionFor returns the intervention type for a gap with the given
// numerator reason. Threshold measures may route out-of-range readings to a
// different intervention than missing readings.
func (s *Spec) InterventionFor(outOfRange bool) string {
	if outOfRange && s.OutOfRangeIntervention != "" {
		return s.OutOfRangeIntervention
	}
	return s.Intervention.Type
}
