package aggregate

import (
	"github.com/shopspring/decimal"

	"estimator/internal/room"
	"estimator/internal/scale"
)

// Summary describes the spread of a ticket's live votes.
type Summary struct {
	Votes   int                        `json:"votes"`
	Abstain int                        `json:"abstain"`
	Pass    int                        `json:"pass"`
	Min     *decimal.Decimal           `json:"min,omitempty"`
	Max     *decimal.Decimal           `json:"max,omitempty"`
	Means   map[string]decimal.Decimal `json:"means"`

	// Estimates maps algorithm name to the value snapped onto the room
	// scale. Empty while sentinel votes suppress the estimate.
	Estimates map[string]string `json:"estimates"`
}

// Summarize computes the vote spread and every registered estimate.
func Summarize(reg *Registry, s scale.Scale, t room.Ticket) Summary {
	out := Summary{
		Means:     make(map[string]decimal.Decimal),
		Estimates: make(map[string]string),
	}
	regular := make(map[string][]decimal.Decimal)
	for _, v := range t.Votes {
		switch {
		case v.Value.Equal(scale.Abstain):
			out.Abstain++
			continue
		case v.Value.Equal(scale.Pass):
			out.Pass++
			continue
		case v.Value.IsNegative():
			continue
		}
		out.Votes++
		val := v.Value
		if out.Min == nil || val.LessThan(*out.Min) {
			out.Min = &val
		}
		if out.Max == nil || val.GreaterThan(*out.Max) {
			out.Max = &val
		}
		regular[v.CategoryID] = append(regular[v.CategoryID], val)
	}
	for cat, vals := range regular {
		out.Means[cat] = Mean(vals)
	}
	for _, a := range reg.All() {
		if v, ok := Estimate(a, t); ok {
			out.Estimates[a.Name] = s.Nearest(v)
		}
	}
	return out
}
