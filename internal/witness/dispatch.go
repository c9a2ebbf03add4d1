package witness

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cccoin/witness/internal/events"
	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/voting"
	"github.com/ethereum/go-ethereum/common"
)

func (w *Witness) onConfirmedLog(ctx context.Context, ev models.ConfirmedEvent) {
	if err := w.dispatch(ctx, ev); err != nil {
		slog.Error("Failed to apply confirmed event", "log", ev.Key(), "error", err)
	}
}

// dispatch applies a confirmed event. Indexing posts and commitments is
// idempotent and always done, so replayed history rebuilds them; counting
// and persistence happen once per event.
func (w *Witness) dispatch(ctx context.Context, ev models.ConfirmedEvent) error {
	e, err := events.Decode(ev.Payload)
	if err != nil {
		w.metrics.malformed.Inc()
		slog.Warn("Dropping malformed event", "log", ev.Key(), "height", ev.BlockHeight, "error", err)
		return nil
	}

	switch e.Type {
	case events.TypePost:
		w.indexPost(ev, e)
	case events.TypeVoteBlinded:
		w.votes.ObserveCommitment(e.Sig, ev.BlockHeight)
	}

	key := ev.Key()
	isNew, err := w.dedup.CheckAndMark(ctx, key)
	if err != nil {
		return err
	}
	if !isNew {
		w.metrics.duplicates.Inc()
		slog.Debug("Skipping already applied event", "log", key)
		return nil
	}

	if e.Type == events.TypeVoteUnblinded {
		w.countReveal(ev, e)
	}
	if e.Type == events.TypeRewards {
		slog.Info("Reward distribution confirmed", "step", e.Step, "lines", len(e.Rewards), "tx", ev.TxHash.Hex())
	}
	w.metrics.events.WithLabelValues(string(e.Type)).Inc()

	if err := w.out.WriteEvent(ctx, ev, string(e.Type)); err != nil {
		if ferr := w.dedup.Forget(ctx, key); ferr != nil {
			slog.Warn("Failed to clear dedup mark", "log", key, "error", ferr)
		}
		return err
	}
	return nil
}

func (w *Witness) indexPost(ev models.ConfirmedEvent, e events.Event) {
	id := ev.TxHash.Hex()
	item := models.Item{ID: id, Title: e.Title, URL: e.URL, BlockHeight: ev.BlockHeight}
	if e.Author != "" {
		item.Author = common.HexToAddress(e.Author)
	}
	w.mu.Lock()
	w.items[id] = item
	w.mu.Unlock()
	w.posts.Add(ev.TxHash, PostStatus{State: PostConfirmed})
}

func (w *Witness) countReveal(ev models.ConfirmedEvent, e events.Event) {
	ballot, err := w.votes.ObserveReveal(e.Sig, e.Orig, ev.BlockHeight)
	switch {
	case errors.Is(err, voting.ErrDuplicateReveal):
		w.metrics.rejected.WithLabelValues("duplicate").Inc()
		slog.Debug("Ignoring repeated reveal", "sig", e.Sig)
		return
	case errors.Is(err, voting.ErrRevealBeforeCommit):
		w.metrics.rejected.WithLabelValues("uncommitted").Inc()
		slog.Warn("Ignoring reveal without confirmed commitment", "sig", e.Sig, "log", ev.Key())
		return
	case err != nil:
		w.metrics.rejected.WithLabelValues("invalid").Inc()
		slog.Warn("Ignoring invalid reveal", "sig", e.Sig, "log", ev.Key(), "error", err)
		return
	}
	if rejected := w.tally.Add(ballot); len(rejected) > 0 {
		w.metrics.rejected.WithLabelValues("policy").Add(float64(len(rejected)))
	}
}
