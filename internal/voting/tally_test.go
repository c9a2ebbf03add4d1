package voting

import (
	"testing"

	"github.com/cccoin/witness/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestTallyPolicies(t *testing.T) {
	other := common.HexToAddress("0x0000000000000000000000000000000000005678")
	ballots := []models.Ballot{
		{Voter: voter, Votes: []models.Vote{{ItemID: "a", Direction: models.Up}, {ItemID: "b", Direction: models.Up}}},
		{Voter: voter, Votes: []models.Vote{{ItemID: "a", Direction: models.Down}}},
		{Voter: voter, Votes: []models.Vote{{ItemID: "a", Direction: models.Up}}},
		{Voter: other, Votes: []models.Vote{{ItemID: "a", Direction: models.Up}}},
	}

	cases := []struct {
		name         string
		policy       Policy
		want         map[string]float64
		wantRejected int
	}{
		{name: "merge", policy: PolicyMerge, want: map[string]float64{"a": 2, "b": 1}},
		{name: "last", policy: PolicyLast, want: map[string]float64{"a": 2, "b": 1}},
		{name: "reject", policy: PolicyReject, want: map[string]float64{"a": 2, "b": 1}, wantRejected: 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tally := NewTally(tc.policy)
			rejected := 0
			for _, b := range ballots {
				rejected += len(tally.Add(b))
			}
			assert.Equal(t, tc.want, tally.Drain())
			assert.Equal(t, tc.wantRejected, rejected)
			assert.Empty(t, tally.Drain())
		})
	}
}

func TestTallyPoliciesDiverge(t *testing.T) {
	ballots := []models.Ballot{
		{Voter: voter, Votes: []models.Vote{{ItemID: "a", Direction: models.Up}}},
		{Voter: voter, Votes: []models.Vote{{ItemID: "a", Direction: models.Up}}},
		{Voter: voter, Votes: []models.Vote{{ItemID: "a", Direction: models.Down}}},
	}
	cases := []struct {
		policy Policy
		want   float64
	}{
		{PolicyMerge, 1},
		{PolicyLast, -1},
		{PolicyReject, 1},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			tally := NewTally(tc.policy)
			for _, b := range ballots {
				tally.Add(b)
			}
			assert.Equal(t, tc.want, tally.Drain()["a"])
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"merge", "last", "reject"} {
		p, err := ParsePolicy(s)
		assert.NoError(t, err)
		assert.Equal(t, Policy(s), p)
	}
	_, err := ParsePolicy("first")
	assert.Error(t, err)
}
