package aggregate

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"estimator/internal/room"
	"estimator/internal/scale"
)

// ErrSentinelVotes is returned when a live vote set contains abstain or
// pass values, which have no numeric meaning.
var ErrSentinelVotes = errors.New("vote set contains sentinel values")

const rootPrecision = 24

// Reducer folds a non-empty list of non-negative values into one.
type Reducer func([]decimal.Decimal) decimal.Decimal

// Algorithm is a named way of turning a ticket's values into one estimate.
type Algorithm struct {
	Name   string
	Reduce Reducer
}

// Results aggregates the persisted per-category results of a completed
// ticket. An owner override always wins.
func (a Algorithm) Results(t room.Ticket) decimal.Decimal {
	if t.OverrideValue != nil {
		return *t.OverrideValue
	}
	if len(t.Results) == 0 {
		return decimal.Zero
	}
	vals := make([]decimal.Decimal, len(t.Results))
	for i, r := range t.Results {
		vals[i] = r.Value
	}
	return a.Reduce(vals)
}

// Votes aggregates the live votes of an open ticket: votes are averaged
// per category first and the category means are then reduced.
func (a Algorithm) Votes(t room.Ticket) (decimal.Decimal, error) {
	if len(t.Votes) == 0 {
		return decimal.Zero, nil
	}
	if scale.HasNegative(t.VoteValues()) {
		return decimal.Zero, ErrSentinelVotes
	}
	return a.Reduce(CategoryMeans(t.Votes)), nil
}

// CategoryMeans averages votes within each category. The order of the
// returned means is unspecified.
func CategoryMeans(votes []room.Vote) []decimal.Decimal {
	groups := make(map[string][]decimal.Decimal)
	for _, v := range votes {
		groups[v.CategoryID] = append(groups[v.CategoryID], v.Value)
	}
	means := make([]decimal.Decimal, 0, len(groups))
	for _, vals := range groups {
		means = append(means, Mean(vals))
	}
	return means
}

// Mean is the arithmetic mean; zero for an empty list.
func Mean(vals []decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(decimal.Zero, vals...).Div(decimal.NewFromInt(int64(len(vals))))
}

// PowerMean returns (mean(x^k))^(1/k). The result is kept inside the
// [min, max] bounds of the input.
func PowerMean(k int) Reducer {
	exp := decimal.NewFromInt(int64(k))
	return func(vals []decimal.Decimal) decimal.Decimal {
		if len(vals) == 0 {
			return decimal.Zero
		}
		powers := make([]decimal.Decimal, len(vals))
		for i, v := range vals {
			powers[i] = v.Pow(exp)
		}
		out := root(Mean(powers), k)
		lo, hi := decimal.Min(vals[0], vals[1:]...), decimal.Max(vals[0], vals[1:]...)
		// Rounding during the root search can land one digit past a bound.
		if out.LessThan(lo) {
			return lo
		}
		if out.GreaterThan(hi) {
			return hi
		}
		return out
	}
}

// root computes the k-th root of a non-negative x by Newton iteration.
func root(x decimal.Decimal, k int) decimal.Decimal {
	if x.Sign() <= 0 {
		return decimal.Zero
	}
	kd := decimal.NewFromInt(int64(k))
	km1 := decimal.NewFromInt(int64(k - 1))

	f, _ := x.Float64()
	seed := math.Pow(f, 1/float64(k))
	y := x
	if !math.IsInf(seed, 0) && !math.IsNaN(seed) && seed > 0 {
		y = decimal.NewFromFloat(seed)
	}
	for i := 0; i < 64; i++ {
		next := y.Mul(km1).Add(x.DivRound(y.Pow(km1), rootPrecision)).DivRound(kd, rootPrecision)
		if next.Equal(y) {
			break
		}
		y = next
	}
	return y.Round(rootPrecision - 8)
}

var (
	Average   = Algorithm{Name: "average", Reduce: Mean}
	Nonlinear = Algorithm{Name: "nonlinear", Reduce: PowerMean(3)}
)

// Estimate is the value to show for a ticket, or false when showing one
// would be misleading: a rejected ticket, or an open ticket whose votes
// include sentinels.
func Estimate(a Algorithm, t room.Ticket) (decimal.Decimal, bool) {
	if t.Rejected {
		return decimal.Zero, false
	}
	if t.Done {
		return a.Results(t), true
	}
	v, err := a.Votes(t)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}
