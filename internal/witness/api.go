package witness

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/cccoin/witness/internal/client"
	"github.com/cccoin/witness/internal/events"
	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/tracker"
	"github.com/cccoin/witness/internal/voting"
	"github.com/ethereum/go-ethereum/common"
)

// PostState is the progress of a posted item.
type PostState int

const (
	PostPending PostState = iota
	PostConfirmed
	PostFailed
)

type PostStatus struct {
	State  PostState
	Reason error
}

// HotItem is an entry of the latest ranking.
type HotItem struct {
	models.Item
	Score float64
	Step  uint64
}

// PostItem submits a post. The returned transaction hash becomes the item id
// once the post confirms.
func (w *Witness) PostItem(ctx context.Context, author common.Address, title, url string) (models.TxID, error) {
	payload, err := events.Encode(events.Post(author, title, url))
	if err != nil {
		return models.TxID{}, err
	}
	id, err := w.tracker.Submit(ctx, client.MethodAddLog, []any{payload}, tracker.Hooks{
		OnStale: func(_ context.Context, id models.TxID, err error) {
			w.posts.Add(id, PostStatus{State: PostFailed, Reason: err})
			slog.Error("Post failed", "tx", id.Hex(), "error", err)
		},
	})
	if err != nil {
		return models.TxID{}, err
	}
	w.posts.ContainsOrAdd(id, PostStatus{State: PostPending})
	return id, nil
}

// PostStatus returns the progress of a post submitted through PostItem.
func (w *Witness) PostStatus(id models.TxID) (PostStatus, bool) {
	return w.posts.Get(id)
}

// SubmitBlindVote commits a ballot; it is revealed once the commitment confirms.
func (w *Witness) SubmitBlindVote(ctx context.Context, ballot models.Ballot) (voting.Handle, error) {
	return w.votes.SubmitBlind(ctx, ballot)
}

// HandleStatus returns the state of a ballot, with the failure reason of failed ones.
func (w *Witness) HandleStatus(h voting.Handle) (voting.Status, error) {
	st, ok := w.votes.Status(h)
	if !ok {
		return voting.Status{}, fmt.Errorf("%w: %s", voting.ErrUnknownHandle, h)
	}
	return st, nil
}

// GetHotItems returns up to limit items of the latest ranking, best first.
// A non-positive limit returns all of them.
func (w *Witness) GetHotItems(limit int) []HotItem {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := len(w.ranking)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HotItem, 0, n)
	for _, r := range w.ranking[:n] {
		item, ok := w.items[r.ItemID]
		if !ok {
			item = models.Item{ID: r.ItemID}
		}
		out = append(out, HotItem{Item: item, Score: r.Score, Step: r.Step})
	}
	return out
}

// DistributeRewards makes the next cycle run a distribution pass regardless
// of the distribution interval.
func (w *Witness) DistributeRewards() {
	w.forced.Store(true)
}

// Balances reads the free and locked token balances of an account.
func (w *Witness) Balances(ctx context.Context, account common.Address) (free, locked *big.Int, err error) {
	if free, err = w.viewUint(ctx, client.MethodBalanceOf, account); err != nil {
		return nil, nil, err
	}
	if locked, err = w.viewUint(ctx, client.MethodLockBalance, account); err != nil {
		return nil, nil, err
	}
	return free, locked, nil
}

func (w *Witness) viewUint(ctx context.Context, method string, account common.Address) (*big.Int, error) {
	raw, err := w.ledger.CallView(ctx, method, account)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	contract, err := client.ContractABI()
	if err != nil {
		return nil, err
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s result %v", method, out)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return v, nil
}
