package utils

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cccoin/witness/internal/client"
)

// RetryBaseDelay is the first backoff step of WithRetry; it doubles per attempt.
var RetryBaseDelay = 250 * time.Millisecond

// HeightReader reads the ledger head.
type HeightReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// WithRetry runs fn until it succeeds, fails with a non-transient error,
// or maxRetries retries are used up.
func WithRetry[T any](ctx context.Context, maxRetries uint, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	delay := RetryBaseDelay
	for attempt := uint(0); ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, client.ErrRPCUnavailable) || attempt >= maxRetries {
			return zero, err
		}
		slog.Debug("Retrying ledger call", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// GetLatestBlockHeightWithRetry gets the current head height.
func GetLatestBlockHeightWithRetry(ctx context.Context, reader HeightReader, maxRetries uint) (uint64, error) {
	return WithRetry(ctx, maxRetries, reader.BlockNumber)
}

// BlockRange is an inclusive range of heights.
type BlockRange struct {
	From uint64
	To   uint64
}

// ChunkRanges splits [from, to] into consecutive ranges of at most size blocks.
func ChunkRanges(from, to, size uint64) []BlockRange {
	if from > to || size == 0 {
		return nil
	}
	var out []BlockRange
	for start := from; start <= to; start += size {
		end := start + size - 1
		if end > to || end < start {
			end = to
		}
		out = append(out, BlockRange{From: start, To: end})
		if end == to {
			break
		}
	}
	return out
}
