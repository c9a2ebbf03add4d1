package output

import (
	"context"

	"github.com/cccoin/witness/internal/models"
)

type OutputHandler interface {
	// WriteEvent records a confirmed contract event of the given type.
	WriteEvent(ctx context.Context, ev models.ConfirmedEvent, kind string) error

	// WriteScores records the ranking computed at a scoring step.
	WriteScores(ctx context.Context, step uint64, records []models.ScoreRecord) error

	// WriteRewards records a submitted reward distribution.
	WriteRewards(ctx context.Context, step uint64, tx models.TxID, rewards []models.Reward) error

	// GetCheckpoint returns the highest block height with a recorded event.
	// ok is false when nothing was recorded yet.
	GetCheckpoint(ctx context.Context) (height uint64, ok bool, err error)

	// Close closes the output handler.
	Close() error
}

// Discard is an OutputHandler that keeps nothing.
type Discard struct{}

var _ OutputHandler = Discard{}

func (Discard) WriteEvent(context.Context, models.ConfirmedEvent, string) error { return nil }

func (Discard) WriteScores(context.Context, uint64, []models.ScoreRecord) error { return nil }

func (Discard) WriteRewards(context.Context, uint64, models.TxID, []models.Reward) error {
	return nil
}

func (Discard) GetCheckpoint(context.Context) (uint64, bool, error) { return 0, false, nil }

func (Discard) Close() error { return nil }
