// Package presence derives presence_state snapshots and presence_diff deltas
// from the registry's agent set. Presence is computed, never stored.
package presence

import (
	"encoding/json"
	"sort"
)

// Meta is one metadata entry in a presence payload. PhxRef is the agent ID
// surfaced as the opaque handle for a specific subscription.
type Meta struct {
	PhxRef string `json:"phx_ref"`
}

// Entry holds all metas for one external identity.
type Entry struct {
	Metas []Meta `json:"metas"`
}

// State maps external identity to its presence entry.
type State map[string]Entry

// Diff is a presence delta. A single operation produces exactly one
// non-empty side.
type Diff struct {
	Joins  State `json:"joins"`
	Leaves State `json:"leaves"`
}

// Subscription is one (external identity, agent ID) pair.
type Subscription struct {
	ExternalID string
	PhxRef     string
}

// StateOf groups subscriptions by external identity. Metas are sorted by
// phx_ref so that consecutive snapshots of the same agent set serialize
// identically.
func StateOf(subs []Subscription) State {
	state := make(State, len(subs))
	for _, sub := range subs {
		entry := state[sub.ExternalID]
		entry.Metas = append(entry.Metas, Meta{PhxRef: sub.PhxRef})
		state[sub.ExternalID] = entry
	}
	for id, entry := range state {
		sort.Slice(entry.Metas, func(i, j int) bool {
			return entry.Metas[i].PhxRef < entry.Metas[j].PhxRef
		})
		state[id] = entry
	}
	return state
}

// JoinDiff builds a single-entry joins delta.
func JoinDiff(externalID, phxRef string) Diff {
	return Diff{
		Joins:  State{externalID: Entry{Metas: []Meta{{PhxRef: phxRef}}}},
		Leaves: State{},
	}
}

// LeaveDiff builds a single-entry leaves delta.
func LeaveDiff(externalID, phxRef string) Diff {
	return Diff{
		Joins:  State{},
		Leaves: State{externalID: Entry{Metas: []Meta{{PhxRef: phxRef}}}},
	}
}

// LeavesDiff builds a batched leaves delta, used when a connection teardown
// removes several agents from one topic at once.
func LeavesDiff(subs []Subscription) Diff {
	return Diff{
		Joins:  State{},
		Leaves: StateOf(subs),
	}
}

// JSON serializes the diff. Empty sides serialize as {} rather than null.
func (d Diff) JSON() ([]byte, error) {
	if d.Joins == nil {
		d.Joins = State{}
	}
	if d.Leaves == nil {
		d.Leaves = State{}
	}
	return json.Marshal(d)
}

// JSON serializes the state snapshot.
func (s State) JSON() ([]byte, error) {
	if s == nil {
		s = State{}
	}
	return json.Marshal(s)
}

// Empty reports whether both sides of the diff carry no entries.
func (d Diff) Empty() bool {
	return len(d.Joins) == 0 && len(d.Leaves) == 0
}
