// Package voting runs the blind/unblind vote protocol: a ballot is first
// published as a signed commitment and only revealed after that commitment
// is buried at the confirmation depth, so votes cannot be copied while the
// commitment is still pending.
package voting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cccoin/witness/internal/client"
	"github.com/cccoin/witness/internal/events"
	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrDuplicateReveal marks a reveal that was already submitted or counted.
	ErrDuplicateReveal = errors.New("duplicate reveal")
	// ErrDuplicateBallot is returned when a ballot with an already used signature is submitted.
	ErrDuplicateBallot = errors.New("duplicate ballot")
	ErrUnknownHandle   = errors.New("unknown commitment handle")
	ErrNotCommitted    = errors.New("commitment not confirmed")
	// ErrRevealBeforeCommit marks a reveal observed without a confirmed commitment.
	ErrRevealBeforeCommit = errors.New("reveal without confirmed commitment")
	ErrSignerMismatch     = errors.New("reveal not signed by its voter")
)

// State of a local commitment.
type State int

const (
	PendingSubmission State = iota
	PendingConfirmation
	// Committed means the commitment confirmed but no reveal is in flight,
	// usually because submitting it failed.
	Committed
	Revealed
	Finalized
	Failed
)

func (s State) String() string {
	switch s {
	case PendingSubmission:
		return "pending_submission"
	case PendingConfirmation:
		return "pending_confirmation"
	case Committed:
		return "committed"
	case Revealed:
		return "revealed"
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Finalized || s == Failed
}

// Handle identifies a ballot submitted through this node.
type Handle string

// Status is a snapshot of a commitment.
type Status struct {
	Handle      Handle
	State       State
	Reason      error
	Signature   string
	Voter       common.Address
	CommitTx    models.TxID
	RevealTx    models.TxID
	CommittedAt uint64
}

// Submitter sends a contract call and tracks it to confirmation.
type Submitter interface {
	Submit(ctx context.Context, method string, args []any, hooks tracker.Hooks) (models.TxID, error)
}

type commitment struct {
	Status
	orig []byte
	sig  []byte
}

// CommitReveal owns the state machine of every ballot submitted through
// this node and the set of commitments confirmed on the ledger.
type CommitReveal struct {
	submitter Submitter
	signer    client.Signer
	verify    bool

	mu     sync.Mutex
	active map[Handle]*commitment
	bySig  map[string]Handle
	// Terminal local commitments, kept for status queries and duplicate detection.
	retired    *lru.Cache[Handle, Status]
	retiredSig *lru.Cache[string, Handle]
	// Ledger side: confirmed commitments and counted reveals, local or foreign.
	confirmed *lru.Cache[string, uint64]
	counted   *lru.Cache[string, uint64]
}

// Opt configures a CommitReveal.
type Opt func(*options)

type options struct {
	historySize int
	verify      bool
}

// WithHistorySize bounds the retired, confirmed and counted signature sets.
func WithHistorySize(n int) Opt {
	return func(o *options) {
		if n > 0 {
			o.historySize = n
		}
	}
}

// WithSignatureCheck makes ObserveReveal recover the signer of every reveal
// and reject those not signed by the ballot's voter.
func WithSignatureCheck(enabled bool) Opt {
	return func(o *options) { o.verify = enabled }
}

// New creates the protocol state for one witness.
func New(submitter Submitter, signer client.Signer, opts ...Opt) (*CommitReveal, error) {
	o := options{historySize: 65536}
	for _, opt := range opts {
		opt(&o)
	}
	retired, err := lru.New[Handle, Status](o.historySize)
	if err != nil {
		return nil, err
	}
	retiredSig, err := lru.New[string, Handle](o.historySize)
	if err != nil {
		return nil, err
	}
	confirmed, err := lru.New[string, uint64](o.historySize)
	if err != nil {
		return nil, err
	}
	counted, err := lru.New[string, uint64](o.historySize)
	if err != nil {
		return nil, err
	}
	return &CommitReveal{
		submitter:  submitter,
		signer:     signer,
		verify:     o.verify,
		active:     make(map[Handle]*commitment),
		bySig:      make(map[string]Handle),
		retired:    retired,
		retiredSig: retiredSig,
		confirmed:  confirmed,
		counted:    counted,
	}, nil
}

// SubmitBlind signs the canonical encoding of the ballot and submits it as a
// commitment. The reveal is submitted once the commitment confirms.
func (c *CommitReveal) SubmitBlind(ctx context.Context, ballot models.Ballot) (Handle, error) {
	orig, err := events.EncodeBallot(ballot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", events.ErrMalformedEvent, err)
	}
	sig, err := c.signer.Sign(ctx, ballot.Voter, orig)
	if err != nil {
		return "", fmt.Errorf("signing ballot: %w", err)
	}
	payload, err := events.Encode(events.VoteBlinded(sig))
	if err != nil {
		return "", err
	}

	h := Handle(uuid.NewString())
	cm := &commitment{
		Status: Status{Handle: h, State: PendingSubmission, Signature: hexutil.Encode(sig), Voter: ballot.Voter},
		orig:   orig,
		sig:    sig,
	}
	c.mu.Lock()
	if c.knownLocked(cm.Signature) {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateBallot, cm.Signature)
	}
	c.active[h] = cm
	c.bySig[cm.Signature] = h
	c.mu.Unlock()

	id, err := c.submitter.Submit(ctx, client.MethodAddLog, []any{payload}, tracker.Hooks{
		OnConfirm: func(ctx context.Context, r models.Receipt) { c.commitConfirmed(ctx, h, r) },
		OnStale:   func(_ context.Context, _ models.TxID, err error) { c.fail(h, err) },
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.active, h)
		delete(c.bySig, cm.Signature)
		return "", err
	}
	cm.CommitTx = id
	if cm.State == PendingSubmission {
		cm.State = PendingConfirmation
	}
	slog.Info("Submitted blind vote", "handle", h, "voter", ballot.Voter.Hex(), "tx", id.Hex())
	return h, nil
}

func (c *CommitReveal) knownLocked(sig string) bool {
	if _, ok := c.bySig[sig]; ok {
		return true
	}
	return c.retiredSig.Contains(sig)
}

func (c *CommitReveal) commitConfirmed(ctx context.Context, h Handle, r models.Receipt) {
	c.mu.Lock()
	cm, ok := c.active[h]
	if !ok || cm.State >= Committed {
		c.mu.Unlock()
		slog.Debug("Ignoring repeated commitment confirmation", "handle", h, "error", ErrDuplicateReveal)
		return
	}
	cm.State = Committed
	cm.CommittedAt = r.BlockHeight
	c.mu.Unlock()

	if err := c.Reveal(ctx, h); err != nil && !errors.Is(err, ErrDuplicateReveal) {
		slog.Warn("Reveal failed, will retry", "handle", h, "error", err)
	}
}

// Reveal submits the plaintext ballot of a confirmed commitment. It is a
// no-op returning ErrDuplicateReveal when the reveal is already in flight
// or done.
func (c *CommitReveal) Reveal(ctx context.Context, h Handle) error {
	c.mu.Lock()
	cm, ok := c.active[h]
	if !ok {
		_, retired := c.retired.Get(h)
		c.mu.Unlock()
		if retired {
			return ErrDuplicateReveal
		}
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	switch {
	case cm.State < Committed:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCommitted, h, cm.State)
	case cm.State > Committed:
		c.mu.Unlock()
		return ErrDuplicateReveal
	}
	cm.State = Revealed
	sig, orig := cm.sig, cm.orig
	c.mu.Unlock()

	payload, err := events.Encode(events.VoteUnblinded(sig, orig))
	if err == nil {
		var id models.TxID
		id, err = c.submitter.Submit(ctx, client.MethodAddLog, []any{payload}, tracker.Hooks{
			OnConfirm: func(_ context.Context, _ models.Receipt) { c.finalize(h) },
			OnStale:   func(_ context.Context, _ models.TxID, err error) { c.fail(h, err) },
		})
		if err == nil {
			c.mu.Lock()
			cm.RevealTx = id
			c.mu.Unlock()
			slog.Info("Revealed vote", "handle", h, "tx", id.Hex())
			return nil
		}
	}

	c.mu.Lock()
	if cm.State == Revealed {
		cm.State = Committed
	}
	c.mu.Unlock()
	return fmt.Errorf("revealing %s: %w", h, err)
}

// RetryReveals resubmits the reveals of confirmed commitments whose first
// reveal submission failed.
func (c *CommitReveal) RetryReveals(ctx context.Context) error {
	c.mu.Lock()
	var todo []Handle
	for h, cm := range c.active {
		if cm.State == Committed {
			todo = append(todo, h)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, h := range todo {
		if err := c.Reveal(ctx, h); err != nil && !errors.Is(err, ErrDuplicateReveal) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *CommitReveal) finalize(h Handle) {
	c.retire(h, Finalized, nil)
}

func (c *CommitReveal) fail(h Handle, reason error) {
	c.retire(h, Failed, reason)
}

func (c *CommitReveal) retire(h Handle, state State, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cm, ok := c.active[h]
	if !ok {
		return
	}
	cm.State = state
	cm.Reason = reason
	delete(c.active, h)
	delete(c.bySig, cm.Signature)
	c.retired.Add(h, cm.Status)
	c.retiredSig.Add(cm.Signature, h)
	if state == Failed {
		slog.Error("Vote failed", "handle", h, "voter", cm.Voter.Hex(), "reason", reason)
	} else {
		slog.Info("Vote finalized", "handle", h)
	}
}

// Status returns the state of a handle.
func (c *CommitReveal) Status(h Handle) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cm, ok := c.active[h]; ok {
		return cm.Status, true
	}
	return c.retired.Get(h)
}

// ObserveCommitment records a confirmed commitment seen on the ledger. It
// reports whether the commitment was submitted by this node.
func (c *CommitReveal) ObserveCommitment(sig string, height uint64) (local bool) {
	sig = strings.ToLower(sig)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.confirmed.Get(sig); !ok {
		c.confirmed.Add(sig, height)
	}
	local = c.knownLocked(sig)
	if !local {
		slog.Debug("Observed foreign commitment", "sig", sig, "height", height)
	}
	return local
}

// ObserveReveal validates a confirmed reveal and returns its ballot for
// counting. Each signature is counted at most once, and only after its
// commitment was observed confirmed.
func (c *CommitReveal) ObserveReveal(sig, orig string, height uint64) (models.Ballot, error) {
	sig = strings.ToLower(sig)
	ballot, err := events.DecodeBallot([]byte(orig))
	if err != nil {
		return models.Ballot{}, err
	}
	if c.verify {
		raw, err := hexutil.Decode(sig)
		if err != nil {
			return models.Ballot{}, fmt.Errorf("%w: %v", events.ErrMalformedEvent, err)
		}
		signer, err := client.RecoverSigner([]byte(orig), raw)
		if err != nil || signer != ballot.Voter {
			return models.Ballot{}, fmt.Errorf("%w: %s", ErrSignerMismatch, sig)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counted.Get(sig); ok {
		return models.Ballot{}, ErrDuplicateReveal
	}
	committedAt, ok := c.confirmed.Get(sig)
	if !ok {
		return models.Ballot{}, fmt.Errorf("%w: %s", ErrRevealBeforeCommit, sig)
	}
	c.counted.Add(sig, height)
	slog.Debug("Counting reveal", "sig", sig, "voter", ballot.Voter.Hex(), "committedAt", committedAt, "height", height)
	return ballot, nil
}
