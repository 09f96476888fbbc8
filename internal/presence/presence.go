package presence

import "sort"

// Tracker is the set of user ids believed to be connected to one room's
// channel. It is best-effort and independent of the room snapshot.
type Tracker struct {
	members map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{members: make(map[string]struct{})}
}

// Replace resets the set, as on a confirmed (re)subscription.
func (t *Tracker) Replace(ids []string) {
	t.members = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		t.members[id] = struct{}{}
	}
}

func (t *Tracker) Add(id string) {
	t.members[id] = struct{}{}
}

func (t *Tracker) Remove(id string) {
	delete(t.members, id)
}

func (t *Tracker) Has(id string) bool {
	_, ok := t.members[id]
	return ok
}

func (t *Tracker) Len() int {
	return len(t.members)
}

// Members returns the ids in sorted order.
func (t *Tracker) Members() []string {
	out := make([]string, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
