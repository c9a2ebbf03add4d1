package witness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cccoin/witness/internal/client"
	"github.com/cccoin/witness/internal/events"
	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/tracker"
	"github.com/ethereum/go-ethereum/common"
)

// distribute closes the current scoring step and pays the items whose score
// rose above the payout threshold in it.
func (w *Witness) distribute(ctx context.Context) error {
	step := w.scorer.Step()
	ranking := w.scorer.ObserveStep(w.tally.Drain())
	if ranking == nil {
		slog.Debug("Scorer warming up", "step", step)
		return nil
	}

	w.mu.Lock()
	w.ranking = ranking
	var rising []models.ScoreRecord
	for _, r := range ranking {
		above := r.Score > w.cfg.PayoutThreshold
		if above && !w.above[r.ItemID] {
			rising = append(rising, r)
		}
		if above {
			w.above[r.ItemID] = true
		} else {
			delete(w.above, r.ItemID)
		}
	}
	rewards := w.allocateLocked(rising)
	w.mu.Unlock()

	if err := w.out.WriteScores(ctx, step, ranking); err != nil {
		return fmt.Errorf("failed to write scores: %w", err)
	}
	if len(rewards) == 0 {
		return nil
	}

	payload, err := events.Encode(events.Rewards(step, rewards))
	if err != nil {
		return err
	}
	id, err := w.tracker.Submit(ctx, client.MethodDistributeRewards, []any{payload}, tracker.Hooks{
		OnConfirm: func(_ context.Context, r models.Receipt) {
			slog.Info("Reward transaction confirmed", "step", step, "height", r.BlockHeight)
		},
		OnStale: func(_ context.Context, _ models.TxID, err error) {
			slog.Error("Reward transaction failed", "step", step, "error", err)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to submit rewards: %w", err)
	}

	var total uint64
	for _, r := range rewards {
		total += r.Amount
	}
	w.metrics.rewards.Inc()
	w.metrics.payouts.Add(float64(total))
	slog.Info("Submitted rewards", "step", step, "items", len(rewards), "amount", total, "tx", id.Hex())
	return w.out.WriteRewards(ctx, step, id, rewards)
}

// allocateLocked splits the budget between the rising items in proportion to
// their score. Items whose author is unknown are skipped.
func (w *Witness) allocateLocked(rising []models.ScoreRecord) []models.Reward {
	var payable []models.ScoreRecord
	var sum float64
	for _, r := range rising {
		item, ok := w.items[r.ItemID]
		if !ok || item.Author == (common.Address{}) {
			slog.Warn("Not rewarding item without known author", "item", r.ItemID, "score", r.Score)
			continue
		}
		payable = append(payable, r)
		sum += r.Score
	}
	if sum <= 0 {
		return nil
	}

	rewards := make([]models.Reward, 0, len(payable))
	for _, r := range payable {
		amount := uint64(float64(w.cfg.RewardBudget) * r.Score / sum)
		if amount == 0 {
			continue
		}
		rewards = append(rewards, models.Reward{ItemID: r.ItemID, Recipient: w.items[r.ItemID].Author, Amount: amount})
	}
	return rewards
}
