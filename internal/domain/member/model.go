// Package member defines the demographic, claim and observation records the
// engine consumes, and the per-run index that groups them by member.
package member

import (
	"time"
)

// Claim types recognised by encounter rules. Other values pass through
// untouched and simply never match a configured encounter type.
const (
	ClaimOutpatient = "outpatient"
	ClaimInpatient  = "inpatient"
	ClaimTelehealth = "telehealth"
	ClaimEmergency  = "emergency"
	ClaimLab        = "lab"
	ClaimPharmacy   = "pharmacy"
)

// Record is one member's demographics. EnrollmentMonths is nil when the
// ingestion source had no enrollment data.
type Record struct {
	MemberID         string    `json:"member_id"`
	BirthDate        time.Time `json:"birth_date"`
	Sex              string    `json:"sex"`
	EnrollmentMonths *int      `json:"enrollment_months,omitempty"`
	Region           string    `json:"region,omitempty"`
	Subgroup         string    `json:"subgroup,omitempty"`

	malformed []string
}

// AgeAt returns the member's age in whole years on the given date.
func (r *Record) AgeAt(on time.Time) int {
	age := on.Year() - r.BirthDate.Year()
	if on.Month() < r.BirthDate.Month() ||
		(on.Month() == r.BirthDate.Month() && on.Day() < r.BirthDate.Day()) {
		age--
	}
	return age
}

// AgeAtYearEnd returns the member's age on December 31 of year. A birthday
// falling on December 31 counts.
func (r *Record) AgeAtYearEnd(year int) int {
	return r.AgeAt(YearEnd(year))
}

// Claim is one adjudicated claim line.
type Claim struct {
	MemberID       string    `json:"member_id"`
	ServiceDate    time.Time `json:"service_date"`
	DiagnosisCodes []string  `json:"diagnosis_codes,omitempty"`
	ProcedureCodes []string  `json:"procedure_codes,omitempty"`
	ClaimType      string    `json:"claim_type"`

	malformed []string
}

// Codes returns diagnosis and procedure codes together.
func (c *Claim) Codes() []string {
	out := make([]string, 0, len(c.DiagnosisCodes)+len(c.ProcedureCodes))
	out = append(out, c.DiagnosisCodes...)
	return append(out, c.ProcedureCodes...)
}

// Observation is one clinical reading such as a blood pressure component or
// an HbA1c result.
type Observation struct {
	MemberID        string    `json:"member_id"`
	ObservationDate time.Time `json:"observation_date"`
	Metric          string    `json:"metric"`
	Value           float64   `json:"value"`

	malformed []string
}

// Window is an inclusive date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window, comparing calendar
// dates only.
func (w Window) Contains(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	d := dateOnly(t)
	return !d.Before(dateOnly(w.Start)) && !d.After(dateOnly(w.End))
}

// YearStart returns January 1 of year.
func YearStart(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// YearEnd returns December 31 of year.
func YearEnd(year int) time.Time {
	return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
}

// MeasurementYear returns the window covering one calendar year.
func MeasurementYear(year int) Window {
	return Window{Start: YearStart(year), End: YearEnd(year)}
}

// Lookback returns the window from January 1 of year-priorYears through
// December 31 of year.
func Lookback(year, priorYears int) Window {
	return Window{Start: YearStart(year - priorYears), End: YearEnd(year)}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
