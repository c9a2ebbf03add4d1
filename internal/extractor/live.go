package extractor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cccoin/witness/internal/utils"
)

// CatchUp applies every log from start up to the last block buried under
// confirmed blocks, re-reading the head until no new block became
// confirmable. It returns the first block not applied, where the live
// filter should start.
func CatchUp(ctx context.Context, src LogSource, start, confirmed uint64, handler Handler, cfg Config) (uint64, error) {
	next := start
	for {
		select {
		case <-ctx.Done():
			return next, ctx.Err()
		default:
			latestHeight, err := utils.GetLatestBlockHeightWithRetry(ctx, src, cfg.MaxRetries)
			if err != nil {
				return next, fmt.Errorf("failed to get latest block height: %w", err)
			}
			if latestHeight < confirmed || latestHeight-confirmed < next {
				slog.Info("Caught up", "next", next, "head", latestHeight)
				return next, nil
			}

			target := latestHeight - confirmed
			if err := extractLogs(ctx, src, next, target, latestHeight, handler, cfg); err != nil {
				return next, fmt.Errorf("failed to process logs: %w", err)
			}
			next = target + 1
		}
	}
}
