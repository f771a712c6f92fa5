package member

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{"2006-01-02", "01/02/2006", "20060102", time.RFC3339, time.RFC3339Nano}

// ParseDate accepts ISO, US, compact and RFC 3339 date forms and returns the
// calendar date at UTC midnight. It returns false for anything else so the
// caller can leave the date zero.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// Record, Claim and Observation decode leniently: a value of the wrong shape
// leaves the field zero and is noted in malformed, so BuildIndex can skip or
// default the row with a finding instead of the whole batch failing.

func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		BirthDate        json.RawMessage `json:"birth_date"`
		EnrollmentMonths json.RawMessage `json:"enrollment_months"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.BirthDate = decodeDate(aux.BirthDate, "birth_date", &r.malformed)
	r.EnrollmentMonths = nil
	if v, ok := decodeNumber(aux.EnrollmentMonths, "enrollment_months", &r.malformed); ok {
		if v != math.Trunc(v) {
			r.malformed = append(r.malformed, "enrollment_months")
		} else {
			n := int(v)
			r.EnrollmentMonths = &n
		}
	}
	return nil
}

func (c *Claim) UnmarshalJSON(data []byte) error {
	type plain Claim
	aux := struct {
		*plain
		ServiceDate json.RawMessage `json:"service_date"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.ServiceDate = decodeDate(aux.ServiceDate, "service_date", &c.malformed)
	return nil
}

func (o *Observation) UnmarshalJSON(data []byte) error {
	type plain Observation
	aux := struct {
		*plain
		ObservationDate json.RawMessage `json:"observation_date"`
		Value           json.RawMessage `json:"value"`
	}{plain: (*plain)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.ObservationDate = decodeDate(aux.ObservationDate, "observation_date", &o.malformed)
	o.Value = 0
	v, ok := decodeNumber(aux.Value, "value", &o.malformed)
	if ok {
		o.Value = v
	} else if isAbsent(aux.Value) {
		o.malformed = append(o.malformed, "value")
	}
	return nil
}

func isAbsent(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// decodeDate reads a JSON string date. Absent and null decode to zero
// silently; anything unparseable decodes to zero and is noted.
func decodeDate(raw json.RawMessage, field string, malformed *[]string) time.Time {
	if isAbsent(raw) {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, ok := ParseDate(s); ok {
			return t
		}
	}
	*malformed = append(*malformed, field)
	return time.Time{}
}

// decodeNumber reads a JSON number or a numeric string.
func decodeNumber(raw json.RawMessage, field string, malformed *[]string) (float64, bool) {
	if isAbsent(raw) {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, true
		}
	}
	*malformed = append(*malformed, field)
	return 0, false
}

func hasMalformed(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}
