package voting

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cccoin/witness/internal/models"
	"github.com/ethereum/go-ethereum/common"
)

// Policy decides how several votes of one voter on one item within a step combine.
type Policy string

const (
	// PolicyMerge counts every vote.
	PolicyMerge Policy = "merge"
	// PolicyLast keeps the latest vote.
	PolicyLast Policy = "last"
	// PolicyReject keeps the first vote and rejects the rest.
	PolicyReject Policy = "reject"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyMerge, PolicyLast, PolicyReject:
		return p, nil
	}
	return "", fmt.Errorf("unknown vote policy %q", s)
}

type voterItem struct {
	voter common.Address
	item  string
}

// Tally accumulates counted votes until the next scoring step.
type Tally struct {
	policy Policy

	mu    sync.Mutex
	order []voterItem
	votes map[voterItem]float64
}

// NewTally creates an empty tally.
func NewTally(policy Policy) *Tally {
	return &Tally{policy: policy, votes: make(map[voterItem]float64)}
}

// Add counts the votes of a revealed ballot and returns the votes the
// policy rejected.
func (t *Tally) Add(b models.Ballot) (rejected []models.Vote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range b.Votes {
		key := voterItem{voter: b.Voter, item: v.ItemID}
		prev, seen := t.votes[key]
		if !seen {
			t.order = append(t.order, key)
		}
		switch {
		case !seen || t.policy == PolicyLast:
			t.votes[key] = v.Direction.Weight()
		case t.policy == PolicyMerge:
			t.votes[key] = prev + v.Direction.Weight()
		default:
			rejected = append(rejected, v)
			slog.Warn("Rejecting repeated vote in step", "voter", b.Voter.Hex(), "item", v.ItemID)
		}
	}
	return rejected
}

// Drain returns the net votes per item since the last drain and resets the tally.
func (t *Tally) Drain() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64)
	for _, key := range t.order {
		out[key.item] += t.votes[key]
	}
	t.order = nil
	t.votes = make(map[voterItem]float64)
	return out
}
