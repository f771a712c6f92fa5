package evaluation

import (
	"fmt"

	"github.com/ehr/qualitystars/internal/domain/audit"
	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/domain/member"
)

// eligibilityCheck is one named denominator predicate. Checks run in slice
// order and the first failure is reported.
type eligibilityCheck struct {
	name string
	run  func(mc *memberContext, spec *measure.Spec) (bool, Reason)
}

var eligibilityChecks = []eligibilityCheck{
	{name: "age", run: checkAge},
	{name: "sex", run: checkSex},
	{name: "diagnosis", run: checkDiagnosis},
	{name: "encounters", run: checkEncounters},
	{name: "enrollment", run: checkEnrollment},
}

// evaluateEligibility decides denominator membership.
func evaluateEligibility(mc *memberContext, spec *measure.Spec, res *Result) {
	for _, c := range eligibilityChecks {
		if ok, reason := c.run(mc, spec); !ok {
			res.InDenominator = false
			res.DenominatorReason = reason
			return
		}
	}
	res.InDenominator = true
	res.DenominatorReason = ReasonEligible
	res.EnrollmentAssumed = mc.entry.Record.EnrollmentMonths == nil
}

func checkAge(mc *memberContext, spec *measure.Spec) (bool, Reason) {
	if mc.age < spec.AgeMin || mc.age > spec.AgeMax {
		return false, ReasonAgeOutOfRange
	}
	return true, ""
}

func checkSex(mc *memberContext, spec *measure.Spec) (bool, Reason) {
	if spec.Sex == "" {
		return true, ""
	}
	sex := mc.entry.Record.Sex
	if sex == "" {
		mc.addFinding(audit.Finding{
			Kind:    audit.DataQuality,
			Source:  "members",
			Measure: spec.Code,
			Field:   "sex",
			Message: fmt.Sprintf("sex unknown for %s-only measure, member not placed in denominator", spec.Sex),
		})
		return false, ReasonSexUnknown
	}
	if sex != spec.Sex {
		return false, ReasonSexMismatch
	}
	return true, ""
}

func checkDiagnosis(mc *memberContext, spec *measure.Spec) (bool, Reason) {
	if len(spec.InclusionCodeSets) == 0 {
		return true, ""
	}
	window := member.Lookback(mc.year, spec.LookbackYears)
	for _, c := range mc.entry.ClaimsIn(window) {
		if mc.registry.ContainsAny(spec.InclusionCodeSets, c.DiagnosisCodes) {
			return true, ""
		}
	}
	return false, ReasonNoQualifyingDiagnosis
}

func checkEncounters(mc *memberContext, spec *measure.Spec) (bool, Reason) {
	if spec.MinEncounters <= 0 {
		return true, ""
	}
	n := 0
	for _, c := range mc.entry.ClaimsIn(member.MeasurementYear(mc.year)) {
		if encounterTypeMatches(c.ClaimType, spec.EncounterTypes) {
			n++
			if n >= spec.MinEncounters {
				return true, ""
			}
		}
	}
	return false, ReasonInsufficientEncounters
}

func encounterTypeMatches(claimType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == claimType {
			return true
		}
	}
	return false
}

// checkEnrollment treats absent enrollment data as enrolled. The result is
// flagged and the member gets one audit finding per run.
func checkEnrollment(mc *memberContext, spec *measure.Spec) (bool, Reason) {
	months := mc.entry.Record.EnrollmentMonths
	if months == nil {
		return true, ""
	}
	if *months < mc.enrollmentMin {
		return false, ReasonInsufficientEnrollment
	}
	return true, ""
}
