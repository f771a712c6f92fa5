package member

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/qualitystars/internal/domain/audit"
	"github.com/ehr/qualitystars/internal/domain/measure"
)

// MaxIDLength bounds member ids so every accepted row fits the run store.
const MaxIDLength = 64

// Dataset is the pre-loaded input of one run.
type Dataset struct {
	Members      []Record      `json:"members"`
	Claims       []Claim       `json:"claims"`
	Observations []Observation `json:"observations"`
}

// Entry holds one member and that member's events, each sorted by date with
// input order breaking ties.
type Entry struct {
	Record       *Record
	Claims       []*Claim
	Observations []*Observation
}

// Index maps member ids to entries. It is built once per run and read by
// every worker without locking.
type Index struct {
	entries []*Entry
	byID    map[string]*Entry
}

// BuildIndex groups the dataset by member. Malformed rows are skipped or
// defaulted with a data quality finding; nothing here aborts the run.
func BuildIndex(ds Dataset) (*Index, []audit.Finding) {
	var findings []audit.Finding
	warn := func(source string, row int, memberID, field, msg string) {
		findings = append(findings, audit.Finding{
			Kind:     audit.DataQuality,
			Source:   source,
			Row:      row,
			MemberID: memberID,
			Field:    field,
			Message:  msg,
		})
	}

	idx := &Index{byID: make(map[string]*Entry, len(ds.Members))}
	for i := range ds.Members {
		rec := ds.Members[i]
		row := i + 1
		rec.MemberID = strings.TrimSpace(rec.MemberID)
		switch {
		case rec.MemberID == "":
			warn("members", row, "", "member_id", "missing member id, row skipped")
			continue
		case len(rec.MemberID) > MaxIDLength:
			warn("members", row, rec.MemberID[:MaxIDLength], "member_id",
				fmt.Sprintf("member id longer than %d characters, row skipped", MaxIDLength))
			continue
		case hasMalformed(rec.malformed, "birth_date"):
			warn("members", row, rec.MemberID, "birth_date", "unparseable birth date, row skipped")
			continue
		case rec.BirthDate.IsZero():
			warn("members", row, rec.MemberID, "birth_date", "missing or unparseable birth date, row skipped")
			continue
		}
		if _, dup := idx.byID[rec.MemberID]; dup {
			warn("members", row, rec.MemberID, "member_id", "duplicate member id, first row kept")
			continue
		}
		rec.Sex = normalizeSex(rec.Sex)
		if hasMalformed(rec.malformed, "enrollment_months") {
			warn("members", row, rec.MemberID, "enrollment_months", "unparseable enrollment months, treated as absent")
		}
		if rec.EnrollmentMonths != nil && (*rec.EnrollmentMonths < 0 || *rec.EnrollmentMonths > 12) {
			warn("members", row, rec.MemberID, "enrollment_months",
				fmt.Sprintf("enrollment months %d out of range, treated as absent", *rec.EnrollmentMonths))
			rec.EnrollmentMonths = nil
		}
		e := &Entry{Record: &rec}
		idx.entries = append(idx.entries, e)
		idx.byID[rec.MemberID] = e
	}

	for i := range ds.Claims {
		c := ds.Claims[i]
		row := i + 1
		c.MemberID = strings.TrimSpace(c.MemberID)
		if c.MemberID == "" {
			warn("claims", row, "", "member_id", "missing member id, row skipped")
			continue
		}
		e, ok := idx.byID[c.MemberID]
		if !ok {
			warn("claims", row, c.MemberID, "member_id", "claim for unknown member, row skipped")
			continue
		}
		if c.ServiceDate.IsZero() {
			warn("claims", row, c.MemberID, "service_date", "missing or unparseable service date, excluded from every window")
		}
		c.ClaimType = strings.ToLower(strings.TrimSpace(c.ClaimType))
		e.Claims = append(e.Claims, &c)
	}

	for i := range ds.Observations {
		o := ds.Observations[i]
		row := i + 1
		o.MemberID = strings.TrimSpace(o.MemberID)
		o.Metric = measure.NormalizeMetric(o.Metric)
		switch {
		case o.MemberID == "":
			warn("observations", row, "", "member_id", "missing member id, row skipped")
			continue
		case o.Metric == "":
			warn("observations", row, o.MemberID, "metric", "missing metric, row skipped")
			continue
		}
		e, ok := idx.byID[o.MemberID]
		if !ok {
			warn("observations", row, o.MemberID, "member_id", "observation for unknown member, row skipped")
			continue
		}
		if hasMalformed(o.malformed, "value") {
			warn("observations", row, o.MemberID, "value", "missing or unparseable value, row skipped")
			continue
		}
		if o.ObservationDate.IsZero() {
			warn("observations", row, o.MemberID, "observation_date", "missing or unparseable observation date, excluded from every window")
		}
		e.Observations = append(e.Observations, &o)
	}

	for _, e := range idx.entries {
		sort.SliceStable(e.Claims, func(i, j int) bool {
			return e.Claims[i].ServiceDate.Before(e.Claims[j].ServiceDate)
		})
		sort.SliceStable(e.Observations, func(i, j int) bool {
			return e.Observations[i].ObservationDate.Before(e.Observations[j].ObservationDate)
		})
	}
	return idx, findings
}

func normalizeSex(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F", "FEMALE":
		return "F"
	case "M", "MALE":
		return "M"
	}
	return ""
}

// Entries returns the members in input order.
func (x *Index) Entries() []*Entry {
	return x.entries
}

// Get returns a member's entry.
func (x *Index) Get(memberID string) (*Entry, bool) {
	e, ok := x.byID[memberID]
	return e, ok
}

// Len returns the number of indexed members.
func (x *Index) Len() int {
	return len(x.entries)
}

// ClaimsIn returns the member's claims inside a window, in order.
func (e *Entry) ClaimsIn(w Window) []*Claim {
	var out []*Claim
	for _, c := range e.Claims {
		if w.Contains(c.ServiceDate) {
			out = append(out, c)
		}
	}
	return out
}

// LatestObservation returns the most recent reading of metric inside the
// window. Later dates win; on the same date the later input row wins.
func (e *Entry) LatestObservation(metric string, w Window) (*Observation, bool) {
	var best *Observation
	for _, o := range e.Observations {
		if o.Metric != metric || !w.Contains(o.ObservationDate) {
			continue
		}
		if best == nil || !o.ObservationDate.Before(best.ObservationDate) {
			best = o
		}
	}
	return best, best != nil
}

// ObservationsOn returns the readings of metric taken on the calendar date
// of day, in input order.
func (e *Entry) ObservationsOn(metric string, day time.Time) []*Observation {
	var out []*Observation
	d := dateOnly(day)
	for _, o := range e.Observations {
		if o.Metric == metric && dateOnly(o.ObservationDate).Equal(d) {
			out = append(out, o)
		}
	}
	return out
}
