package scale

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Reserved vote values. Anything below zero is a sentinel and never takes
// part in arithmetic with regular votes.
var (
	Abstain = decimal.NewFromInt(-1)
	Pass    = decimal.NewFromInt(-2)
)

var ErrNotPermitted = errors.New("value not permitted by scale")

// IsSentinel reports whether v is a reserved negative value.
func IsSentinel(v decimal.Decimal) bool {
	return v.IsNegative()
}

// HasNegative reports whether any value in vs is a sentinel.
func HasNegative(vs []decimal.Decimal) bool {
	for _, v := range vs {
		if v.IsNegative() {
			return true
		}
	}
	return false
}

// Fixed renders v with exactly one decimal place.
func Fixed(v decimal.Decimal) string {
	return v.StringFixed(1)
}

// Entry is one permitted value of an enumerated scale.
type Entry struct {
	Value   decimal.Decimal `json:"value"`
	Display string          `json:"display"`
}

// Scale describes the values a room accepts. Exactly one mode is active:
// a continuous [Min, Max] range, or the ordered Values set.
type Scale struct {
	IsRange bool            `json:"isRange"`
	Min     decimal.Decimal `json:"min"`
	Max     decimal.Decimal `json:"max"`
	Values  []Entry         `json:"values,omitempty"`
}

// Range builds a range-mode scale.
func Range(min, max decimal.Decimal) Scale {
	return Scale{IsRange: true, Min: min, Max: max}
}

// Enumerated builds an enumerated scale preserving the given order.
func Enumerated(entries ...Entry) Scale {
	return Scale{Values: entries}
}

func (s Scale) Validate() error {
	if s.IsRange {
		if len(s.Values) > 0 {
			return fmt.Errorf("range scale carries %d enumerated values", len(s.Values))
		}
		if s.Min.IsNegative() {
			return fmt.Errorf("range minimum %s is negative", s.Min)
		}
		if s.Min.GreaterThan(s.Max) {
			return fmt.Errorf("range minimum %s exceeds maximum %s", s.Min, s.Max)
		}
		return nil
	}
	seen := make(map[string]bool, len(s.Values))
	for _, e := range s.Values {
		if e.Value.IsNegative() {
			return fmt.Errorf("enumerated value %s is negative", e.Value)
		}
		key := e.Value.String()
		if seen[key] {
			return fmt.Errorf("enumerated value %s appears twice", key)
		}
		seen[key] = true
	}
	return nil
}

// Minimum is the value a fresh draft vote starts from.
func (s Scale) Minimum() decimal.Decimal {
	if s.IsRange {
		return s.Min
	}
	if len(s.Values) == 0 {
		return decimal.Zero
	}
	return s.Values[0].Value
}

// Nearest maps v onto the closest displayable value of the scale.
//
// Enumerated scales are scanned in their defined order and a later entry
// only wins when its distance is strictly smaller, so ties go to the entry
// listed first.
func (s Scale) Nearest(v decimal.Decimal) string {
	if s.IsRange || len(s.Values) == 0 {
		return Fixed(v)
	}
	argmin := 0
	argdel := s.Values[0].Value.Sub(v).Abs()
	for i := 1; i < len(s.Values); i++ {
		del := s.Values[i].Value.Sub(v).Abs()
		if argdel.GreaterThan(del) {
			argdel = del
			argmin = i
		}
	}
	return s.Values[argmin].Display
}

// Label returns the display label of an exact scale value, or the fixed
// rendering when the value is not listed.
func (s Scale) Label(v decimal.Decimal) string {
	for _, e := range s.Values {
		if e.Value.Equal(v) {
			return e.Display
		}
	}
	return Fixed(v)
}

// Permits checks that v may be cast as a vote on this scale.
func (s Scale) Permits(v decimal.Decimal, enableAbstain, enablePass bool) error {
	switch {
	case v.Equal(Abstain):
		if enableAbstain {
			return nil
		}
		return fmt.Errorf("abstain disabled: %w", ErrNotPermitted)
	case v.Equal(Pass):
		if enablePass {
			return nil
		}
		return fmt.Errorf("pass disabled: %w", ErrNotPermitted)
	case v.IsNegative():
		return fmt.Errorf("unknown sentinel %s: %w", v, ErrNotPermitted)
	}
	if s.IsRange {
		if v.LessThan(s.Min) || v.GreaterThan(s.Max) {
			return fmt.Errorf("%s outside [%s, %s]: %w", v, s.Min, s.Max, ErrNotPermitted)
		}
		return nil
	}
	for _, e := range s.Values {
		if e.Value.Equal(v) {
			return nil
		}
	}
	return fmt.Errorf("%s not in scale: %w", v, ErrNotPermitted)
}
