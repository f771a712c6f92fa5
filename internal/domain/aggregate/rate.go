// Package aggregate rolls member-measure results up into population rates,
// overall and per cohort.
package aggregate

import (
	"encoding/json"
	"math"
	"strconv"
)

// Rate is a proportion in [0, 1] that may be undefined. An undefined rate
// comes from a zero divisor; it is never NaN and never an error.
type Rate struct {
	value   float64
	defined bool
}

// Undefined is the rate of an empty population.
var Undefined = Rate{}

// NewRate divides num by div. A non-positive divisor yields Undefined.
func NewRate(num, div int) Rate {
	if div <= 0 {
		return Undefined
	}
	return Rate{value: float64(num) / float64(div), defined: true}
}

// RateOf wraps a proportion computed elsewhere. Non-finite values are
// undefined.
func RateOf(v float64) Rate {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Undefined
	}
	return Rate{value: v, defined: true}
}

// Defined reports whether the rate has a value.
func (r Rate) Defined() bool { return r.defined }

// Value returns the proportion and whether it is defined.
func (r Rate) Value() (float64, bool) { return r.value, r.defined }

// Percent returns the rate as a percentage rounded to two decimals.
func (r Rate) Percent() (float64, bool) {
	if !r.defined {
		return 0, false
	}
	return Round2(r.value * 100), true
}

func (r Rate) String() string {
	p, ok := r.Percent()
	if !ok {
		return "undefined"
	}
	return strconv.FormatFloat(p, 'f', 2, 64) + "%"
}

// MarshalJSON writes the percentage, or null when undefined.
func (r Rate) MarshalJSON() ([]byte, error) {
	p, ok := r.Percent()
	if !ok {
		return []byte("null"), nil
	}
	return json.Marshal(p)
}

// UnmarshalJSON reads a percentage written by MarshalJSON.
func (r *Rate) UnmarshalJSON(data []byte) error {
	var p *float64
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p == nil {
		*r = Undefined
		return nil
	}
	*r = Rate{value: *p / 100, defined: true}
	return nil
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
