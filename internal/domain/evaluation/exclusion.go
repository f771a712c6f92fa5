package evaluation

import (
	"github.com/ehr/qualitystars/internal/domain/codeset"
	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/domain/member"
)

// advancedIllnessMinAge is the youngest age at which the advanced illness
// and frailty exclusion applies.
const advancedIllnessMinAge = 66

var (
	advancedIllnessConcepts = []codeset.Concept{measure.ConceptAdvancedIllness}
	frailtyConcepts         = []codeset.Concept{measure.ConceptFrailty}
)

type exclusionPredicate func(mc *memberContext, k measure.ExclusionKind) bool

var exclusionPredicates = map[measure.ExclusionKind]exclusionPredicate{
	measure.ExclusionHospice:                anyClaimInYear,
	measure.ExclusionESRD:                   anyClaimInYear,
	measure.ExclusionPregnancy:              anyClaimInYear,
	measure.ExclusionTransplant:             anyClaimInYear,
	measure.ExclusionAdvancedIllnessFrailty: advancedIllnessAndFrailty,
}

// evaluateExclusions runs every predicate the measure lists, in canonical
// order. The first match is the reported reason; the verdict is the OR of
// all of them.
func evaluateExclusions(mc *memberContext, spec *measure.Spec, res *Result) {
	res.Excluded = false
	res.ExclusionReason = ReasonNotExcluded
	for _, k := range measure.ExclusionOrder {
		if !spec.HasExclusion(k) {
			continue
		}
		if !exclusionPredicates[k](mc, k) {
			continue
		}
		if !res.Excluded {
			res.Excluded = true
			res.ExclusionReason = ExclusionReason(k)
		}
		res.ExclusionsMatched = append(res.ExclusionsMatched, ExclusionReason(k))
	}
}

func anyClaimInYear(mc *memberContext, k measure.ExclusionKind) bool {
	concepts := k.Concepts()
	for _, c := range mc.entry.ClaimsIn(member.MeasurementYear(mc.year)) {
		if mc.registry.ContainsAny(concepts, c.Codes()) {
			return true
		}
	}
	return false
}

// advancedIllnessAndFrailty needs age 66+, an advanced illness claim in the
// measurement or prior year, and a frailty claim in the measurement year.
func advancedIllnessAndFrailty(mc *memberContext, _ measure.ExclusionKind) bool {
	if mc.age < advancedIllnessMinAge {
		return false
	}
	var hasIllness, hasFrailty bool
	for _, c := range mc.entry.ClaimsIn(member.Lookback(mc.year, 1)) {
		if !hasIllness && mc.registry.ContainsAny(advancedIllnessConcepts, c.Codes()) {
			hasIllness = true
		}
		if !hasFrailty && c.ServiceDate.Year() == mc.year &&
			mc.registry.ContainsAny(frailtyConcepts, c.Codes()) {
			hasFrailty = true
		}
		if hasIllness && hasFrailty {
			return true
		}
	}
	return false
}
