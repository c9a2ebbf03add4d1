// Package events implements the compact wire format of the payloads the
// witness logs through the contract: JSON with sorted keys and no
// insignificant whitespace.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cccoin/witness/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrMalformedEvent is returned when a payload does not decode into a well-formed event.
var ErrMalformedEvent = errors.New("malformed event")

// Type is the value of the "t" field.
type Type string

const (
	TypePost          Type = "post"
	TypeVoteBlinded   Type = "vote_blinded"
	TypeVoteUnblinded Type = "vote_unblinded"
	TypeRewards       Type = "rewards"
)

// RewardLine is one payout of a rewards event.
type RewardLine struct {
	Amount    uint64 `json:"a"`
	ItemID    string `json:"i"`
	Recipient string `json:"u"`
}

// Event is the union of all event records. Fields are declared in key order
// so the encoder emits sorted keys.
type Event struct {
	Orig    string       `json:"orig,omitempty"`
	Rewards []RewardLine `json:"r,omitempty"`
	Sig     string       `json:"sig,omitempty"`
	Step    uint64       `json:"step,omitempty"`
	Type    Type         `json:"t"`
	Title   string       `json:"title,omitempty"`
	Author  string       `json:"u,omitempty"`
	URL     string       `json:"url,omitempty"`
}

// Post builds a post event.
func Post(author common.Address, title, url string) Event {
	return Event{Type: TypePost, Author: author.Hex(), Title: title, URL: url}
}

// VoteBlinded builds a commitment event for a ballot signature.
func VoteBlinded(sig []byte) Event {
	return Event{Type: TypeVoteBlinded, Sig: hexutil.Encode(sig)}
}

// VoteUnblinded builds the reveal of a commitment.
func VoteUnblinded(sig, ballot []byte) Event {
	return Event{Type: TypeVoteUnblinded, Sig: hexutil.Encode(sig), Orig: string(ballot)}
}

// Rewards builds a reward distribution event.
func Rewards(step uint64, rewards []models.Reward) Event {
	var lines []RewardLine
	for _, r := range rewards {
		lines = append(lines, RewardLine{Amount: r.Amount, ItemID: r.ItemID, Recipient: r.Recipient.Hex()})
	}
	return Event{Type: TypeRewards, Step: step, Rewards: lines}
}

// Encode returns the compact encoding of e.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return marshalCompact(e)
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (Event, error) {
	var e Event
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if dec.More() {
		return Event{}, fmt.Errorf("%w: trailing data", ErrMalformedEvent)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Validate checks the type-specific required fields.
func (e Event) Validate() error {
	switch e.Type {
	case TypePost:
		if e.Title == "" || e.URL == "" {
			return fmt.Errorf("%w: post requires title and url", ErrMalformedEvent)
		}
		if e.Author != "" && !common.IsHexAddress(e.Author) {
			return fmt.Errorf("%w: invalid author %q", ErrMalformedEvent, e.Author)
		}
	case TypeVoteBlinded:
		if _, err := hexutil.Decode(e.Sig); err != nil {
			return fmt.Errorf("%w: invalid sig: %v", ErrMalformedEvent, err)
		}
	case TypeVoteUnblinded:
		if _, err := hexutil.Decode(e.Sig); err != nil {
			return fmt.Errorf("%w: invalid sig: %v", ErrMalformedEvent, err)
		}
		if e.Orig == "" {
			return fmt.Errorf("%w: unblinded vote without orig", ErrMalformedEvent)
		}
	case TypeRewards:
		for _, r := range e.Rewards {
			if !common.IsHexAddress(r.Recipient) || r.ItemID == "" {
				return fmt.Errorf("%w: invalid reward line for item %q", ErrMalformedEvent, r.ItemID)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}

// Signature decodes the sig field.
func (e Event) Signature() ([]byte, error) {
	return hexutil.Decode(e.Sig)
}

type ballotVote struct {
	Direction models.Direction `json:"d"`
	ItemID    string           `json:"i"`
}

type ballotRecord struct {
	Nonce uint64       `json:"n"`
	Voter string       `json:"u"`
	Votes []ballotVote `json:"v"`
}

// EncodeBallot returns the canonical bytes a voter signs when committing.
func EncodeBallot(b models.Ballot) ([]byte, error) {
	if len(b.Votes) == 0 {
		return nil, errors.New("ballot has no votes")
	}
	rec := ballotRecord{Nonce: b.Nonce, Voter: strings.ToLower(b.Voter.Hex()), Votes: make([]ballotVote, 0, len(b.Votes))}
	for _, v := range b.Votes {
		if v.ItemID == "" {
			return nil, errors.New("vote without item")
		}
		if v.Direction != models.Up && v.Direction != models.Down {
			return nil, fmt.Errorf("invalid direction %d", v.Direction)
		}
		rec.Votes = append(rec.Votes, ballotVote{Direction: v.Direction, ItemID: v.ItemID})
	}
	return marshalCompact(rec)
}

// DecodeBallot parses the orig field of an unblinded vote.
func DecodeBallot(data []byte) (models.Ballot, error) {
	var rec ballotRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return models.Ballot{}, fmt.Errorf("%w: ballot: %v", ErrMalformedEvent, err)
	}
	if !common.IsHexAddress(rec.Voter) {
		return models.Ballot{}, fmt.Errorf("%w: ballot voter %q", ErrMalformedEvent, rec.Voter)
	}
	b := models.Ballot{Voter: common.HexToAddress(rec.Voter), Nonce: rec.Nonce}
	for _, v := range rec.Votes {
		if v.ItemID == "" || (v.Direction != models.Up && v.Direction != models.Down) {
			return models.Ballot{}, fmt.Errorf("%w: ballot vote %+v", ErrMalformedEvent, v)
		}
		b.Votes = append(b.Votes, models.Vote{ItemID: v.ItemID, Direction: v.Direction})
	}
	if len(b.Votes) == 0 {
		return models.Ballot{}, fmt.Errorf("%w: empty ballot", ErrMalformedEvent)
	}
	return b, nil
}

func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
