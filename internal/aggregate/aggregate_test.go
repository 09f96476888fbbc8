package aggregate

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"estimator/internal/room"
	"estimator/internal/scale"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decs(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = d(s)
	}
	return out
}

func votes(cat string, vals ...string) []room.Vote {
	out := make([]room.Vote, len(vals))
	for i, v := range vals {
		out[i] = room.Vote{UserID: string(rune('a' + i)), TicketID: "t1", CategoryID: cat, Value: d(v)}
	}
	return out
}

func TestMean(t *testing.T) {
	if got := Mean(decs("2", "3", "4")); !got.Equal(d("3")) {
		t.Errorf("Mean = %s, want 3", got)
	}
	if got := Mean(nil); !got.IsZero() {
		t.Errorf("Mean(nil) = %s, want 0", got)
	}
}

func TestPowerMean_StaysWithinBounds(t *testing.T) {
	sets := [][]decimal.Decimal{
		decs("1", "2", "3"),
		decs("0.5", "13", "21"),
		decs("3", "3", "3"),
		decs("0", "100"),
		decs("8"),
		decs("1.25", "1.5", "40", "2"),
	}
	for _, vals := range sets {
		lo := decimal.Min(vals[0], vals[1:]...)
		hi := decimal.Max(vals[0], vals[1:]...)
		for _, a := range Default().All() {
			got := a.Reduce(vals)
			if got.LessThan(lo) || got.GreaterThan(hi) {
				t.Errorf("%s(%v) = %s, outside [%s, %s]", a.Name, vals, got, lo, hi)
			}
		}
	}
}

func TestPowerMean_AtLeastAverage(t *testing.T) {
	sets := [][]decimal.Decimal{
		decs("1", "2", "3"),
		decs("1", "1", "8"),
		decs("0", "5"),
		decs("2.5", "3.5"),
	}
	for _, vals := range sets {
		avg := Average.Reduce(vals)
		nl := Nonlinear.Reduce(vals)
		if !nl.GreaterThan(avg) {
			t.Errorf("nonlinear(%v) = %s, want > average %s", vals, nl, avg)
		}
	}
}

func TestPowerMean_ExactCube(t *testing.T) {
	// (0^3 + 6^3) / 2 = 108, not a cube; (3^3 + 3^3)/2 = 27 is.
	if got := Nonlinear.Reduce(decs("3", "3")); !got.Equal(d("3")) {
		t.Errorf("nonlinear(3, 3) = %s, want 3", got)
	}
	// (1 + 8 + 27 + 64 + 0) / 5 = 20 -> cbrt(20) = 2.714417616594906...
	got := Nonlinear.Reduce(decs("1", "2", "3", "4", "0"))
	if got.Round(6).String() != "2.714418" {
		t.Errorf("nonlinear(0..4) = %s, want 2.714418", got.Round(6))
	}
}

func TestEmptyInputIsZero(t *testing.T) {
	for _, a := range Default().All() {
		if got := a.Results(room.Ticket{}); !got.IsZero() {
			t.Errorf("%s Results(empty) = %s, want 0", a.Name, got)
		}
		got, err := a.Votes(room.Ticket{})
		if err != nil || !got.IsZero() {
			t.Errorf("%s Votes(empty) = %s, %v; want 0, nil", a.Name, got, err)
		}
	}
}

func TestVotes_TwoLevelMean(t *testing.T) {
	// c1 mean 2, c2 mean 6 -> 4. A flat mean over all five votes would be 3.6.
	vs := append(votes("c1", "1", "2", "3"), votes("c2", "5", "7")...)
	got, err := Average.Votes(room.Ticket{Votes: vs})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d("4")) {
		t.Errorf("Votes = %s, want 4", got)
	}
}

func TestVotes_RefusesSentinels(t *testing.T) {
	vs := append(votes("c1", "3", "3"), room.Vote{UserID: "z", CategoryID: "c1", Value: scale.Abstain})
	for _, a := range Default().All() {
		if _, err := a.Votes(room.Ticket{Votes: vs}); !errors.Is(err, ErrSentinelVotes) {
			t.Errorf("%s Votes = %v, want ErrSentinelVotes", a.Name, err)
		}
	}
}

func TestResults_OverrideWins(t *testing.T) {
	override := d("5")
	tk := room.Ticket{
		Done:          true,
		OverrideValue: &override,
		Results:       []room.Result{{TicketID: "t1", CategoryID: "c1", Value: d("3")}},
	}
	for _, a := range Default().All() {
		if got := a.Results(tk); !got.Equal(d("5")) {
			t.Errorf("%s Results = %s, want override 5", a.Name, got)
		}
	}
}

func TestResults_ReducesCategories(t *testing.T) {
	tk := room.Ticket{Results: []room.Result{
		{CategoryID: "c1", Value: d("2")},
		{CategoryID: "c2", Value: d("4")},
	}}
	if got := Average.Results(tk); !got.Equal(d("3")) {
		t.Errorf("Results = %s, want 3", got)
	}
}

func TestEstimate_SuppressedWhileSentinelsOpen(t *testing.T) {
	vs := append(votes("c1", "3", "3"), room.Vote{UserID: "z", CategoryID: "c1", Value: scale.Abstain})
	tk := room.Ticket{Selected: true, Voting: true, Votes: vs}
	if _, ok := Estimate(Average, tk); ok {
		t.Error("Estimate should be suppressed while an abstain vote is present")
	}

	tk.Votes = votes("c1", "3", "3")
	v, ok := Estimate(Average, tk)
	if !ok || !v.Equal(d("3")) {
		t.Errorf("Estimate = %s, %v; want 3, true", v, ok)
	}
}

func TestEstimate_DoneUsesResults(t *testing.T) {
	tk := room.Ticket{
		Done:    true,
		Votes:   votes("c1", "-1", "3"),
		Results: []room.Result{{CategoryID: "c1", Value: d("3")}},
	}
	v, ok := Estimate(Average, tk)
	if !ok || !v.Equal(d("3")) {
		t.Errorf("Estimate = %s, %v; want 3, true", v, ok)
	}
}

func TestEstimate_RejectedHasNone(t *testing.T) {
	tk := room.Ticket{Done: true, Rejected: true, Votes: votes("c1", "2", "3")}
	for _, a := range Default().All() {
		if v, ok := Estimate(a, tk); ok {
			t.Errorf("%s: Estimate = %s, want suppressed", a.Name, v)
		}
	}
	if sum := Summarize(Default(), scale.Range(d("0"), d("10")), tk); len(sum.Estimates) != 0 {
		t.Errorf("estimates = %v, want none for a rejected ticket", sum.Estimates)
	}
}

func TestSummarize(t *testing.T) {
	s := scale.Enumerated(
		scale.Entry{Value: d("1"), Display: "1"},
		scale.Entry{Value: d("3"), Display: "3"},
		scale.Entry{Value: d("5"), Display: "5"},
	)
	vs := append(votes("c1", "1", "5"), room.Vote{UserID: "p", CategoryID: "c1", Value: scale.Pass})
	sum := Summarize(Default(), s, room.Ticket{Selected: true, Voting: true, Votes: vs})

	if sum.Votes != 2 || sum.Pass != 1 || sum.Abstain != 0 {
		t.Errorf("counts = %d/%d/%d, want 2/1/0", sum.Votes, sum.Pass, sum.Abstain)
	}
	if sum.Min == nil || !sum.Min.Equal(d("1")) || sum.Max == nil || !sum.Max.Equal(d("5")) {
		t.Errorf("spread = %v..%v, want 1..5", sum.Min, sum.Max)
	}
	if !sum.Means["c1"].Equal(d("3")) {
		t.Errorf("mean c1 = %s, want 3", sum.Means["c1"])
	}
	if len(sum.Estimates) != 0 {
		t.Errorf("estimates = %v, want none while a pass vote is present", sum.Estimates)
	}

	sum = Summarize(Default(), s, room.Ticket{Selected: true, Voting: true, Votes: votes("c1", "1", "5")})
	if sum.Estimates["average"] != "3" {
		t.Errorf("average estimate = %q, want %q", sum.Estimates["average"], "3")
	}
}

func TestRegistry(t *testing.T) {
	r := Default()
	names := r.Names()
	if len(names) != 2 || names[0] != "average" || names[1] != "nonlinear" {
		t.Errorf("Names() = %v, want [average nonlinear]", names)
	}
	if _, ok := r.Get("median"); ok {
		t.Error("Get(median) should not be found")
	}
	if err := r.Register(Average); err == nil {
		t.Error("Register should reject duplicate names")
	}
	if err := r.Register(Algorithm{Name: "max", Reduce: func(vs []decimal.Decimal) decimal.Decimal {
		return decimal.Max(vs[0], vs[1:]...)
	}}); err != nil {
		t.Fatalf("Register(max) error: %v", err)
	}
	a, ok := r.Get("max")
	if !ok {
		t.Fatal("Get(max) not found after Register")
	}
	if got := a.Results(room.Ticket{Results: []room.Result{{Value: d("2")}, {Value: d("7")}}}); !got.Equal(d("7")) {
		t.Errorf("max Results = %s, want 7", got)
	}
	if _, err := NewRegistry(Algorithm{Name: "broken"}); err == nil {
		t.Error("NewRegistry should reject an algorithm without reducer")
	}
}
