package evaluation

import (
	"github.com/ehr/qualitystars/internal/domain/measure"
)

// Reason is a stable, machine-readable audit tag explaining one step of a
// member-measure verdict.
type Reason string

// Denominator reasons. The first failing check is reported.
const (
	ReasonEligible               Reason = "eligible"
	ReasonAgeOutOfRange          Reason = "age_out_of_range"
	ReasonSexMismatch            Reason = "sex_mismatch"
	ReasonSexUnknown             Reason = "sex_unknown"
	ReasonNoQualifyingDiagnosis  Reason = "no_qualifying_diagnosis"
	ReasonInsufficientEncounters Reason = "insufficient_encounters"
	ReasonInsufficientEnrollment Reason = "insufficient_enrollment"
)

// Exclusion reasons. A matched predicate is reported by its ExclusionKind.
const (
	ReasonNotExcluded  Reason = "not_excluded"
	ReasonNotEvaluated Reason = "not_evaluated"
)

// ExclusionReason converts a matched exclusion predicate into a Reason.
func ExclusionReason(k measure.ExclusionKind) Reason {
	return Reason(k)
}

// Numerator reasons.
const (
	ReasonProcedureFound          Reason = "procedure_found"
	ReasonPriorYearProcedureFound Reason = "prior_year_procedure_found"
	ReasonNoQualifyingProcedure   Reason = "no_qualifying_procedure"
	ReasonReadingInRange          Reason = "reading_in_range"
	ReasonReadingOutOfRange       Reason = "reading_out_of_range"
	ReasonNoReading               Reason = "no_reading"
	ReasonInsufficientData        Reason = "insufficient_data"
	ReasonAllCriteriaMet          Reason = "all_criteria_met"
	ReasonCriteriaIncomplete      Reason = "criteria_incomplete"
)
