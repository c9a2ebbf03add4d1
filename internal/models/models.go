package models

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// TxID identifies a ledger transaction by its hash.
type TxID = common.Hash

// Receipt is the inclusion state of a transaction.
// Included is false while the transaction is unmined or was reorged out.
type Receipt struct {
	TxID        TxID
	Included    bool
	BlockHeight uint64
	Status      uint64
}

// LogEvent is a contract log entry carrying an application event payload.
type LogEvent struct {
	TxHash      TxID
	LogIndex    uint
	BlockHeight uint64
	Payload     []byte
	// Removed is set by the node when the log was dropped by a reorg.
	Removed bool
}

// Key identifies a log entry across polls.
func (e LogEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// ConfirmedEvent is a log entry that reached the confirmation depth.
type ConfirmedEvent struct {
	LogEvent
	ConfirmedAt uint64
}

// Direction of a vote.
type Direction int

const (
	Down Direction = 0
	Up   Direction = 1
)

// Weight is the tally contribution of a vote in this direction.
func (d Direction) Weight() float64 {
	if d == Up {
		return 1
	}
	return -1
}

// Vote is a single up or down vote on an item.
type Vote struct {
	ItemID    string
	Direction Direction
}

// Ballot groups the votes a voter commits to under one nonce.
type Ballot struct {
	Voter common.Address
	Votes []Vote
	Nonce uint64
}

// ScoreRecord is the trend score of an item at a step.
type ScoreRecord struct {
	ItemID string
	Score  float64
	Window []float64
	Step   uint64
}

// Reward is a payout line of a reward distribution.
type Reward struct {
	ItemID    string
	Recipient common.Address
	Amount    uint64
}

// Item is a posted content item, identified by the hash of its post transaction.
type Item struct {
	ID          string
	Author      common.Address
	Title       string
	URL         string
	BlockHeight uint64
}

// ConfirmationPolicy holds the named confirmation depths, in blocks.
type ConfirmationPolicy struct {
	Pending   uint64
	Confirm1  uint64
	Confirmed uint64
	Stale     uint64
}

// DefaultConfirmationPolicy returns the depths used when none are configured.
func DefaultConfirmationPolicy() ConfirmationPolicy {
	return ConfirmationPolicy{Pending: 0, Confirm1: 1, Confirmed: 15, Stale: 100}
}

// Validate checks STALE > CONFIRMED > 0.
func (p ConfirmationPolicy) Validate() error {
	if p.Confirmed == 0 {
		return errors.New("confirmed depth must be greater than zero")
	}
	if p.Stale <= p.Confirmed {
		return fmt.Errorf("stale depth %d must be greater than confirmed depth %d", p.Stale, p.Confirmed)
	}
	return nil
}
