package aggregate

import (
	"github.com/shopspring/decimal"

	"estimator/internal/room"
)

// CompletionResults computes the per-category results stored when a
// ticket is completed: the mean of each category's non-negative votes.
// A category nobody voted on, or only abstained or passed on, gets 0.
func CompletionResults(t room.Ticket, categories []room.Category) []room.Result {
	byCat := make(map[string][]decimal.Decimal, len(categories))
	for _, v := range t.Votes {
		if v.Value.IsNegative() {
			continue
		}
		byCat[v.CategoryID] = append(byCat[v.CategoryID], v.Value)
	}
	out := make([]room.Result, 0, len(categories))
	for _, c := range categories {
		out = append(out, room.Result{
			TicketID:   t.ID,
			CategoryID: c.ID,
			Value:      Mean(byCat[c.ID]),
		})
	}
	return out
}
