package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/utils"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// LogSource is the part of the ledger client used to read history.
type LogSource interface {
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64) ([]models.LogEvent, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Handler applies a historical event. An error stops the extraction.
type Handler func(ctx context.Context, ev models.ConfirmedEvent) error

type Config struct {
	ChunkSize      uint64
	MaxConcurrency uint
	MaxRetries     uint
	ShowProgress   bool
}

// extractLogs fetches the contract logs of [start, stop] and hands them to
// handler in ledger order, stamped as confirmed at confirmedAt.
func extractLogs(ctx context.Context, src LogSource, start, stop, confirmedAt uint64, handler Handler, cfg Config) error {
	displayProgress := cfg.ShowProgress && start != stop
	if start != stop {
		slog.Info("Extracting contract logs", "range", fmt.Sprintf("[%d, %d]", start, stop))
	} else {
		slog.Info("Extracting contract logs", "height", start)
	}
	ranges := utils.ChunkRanges(start, stop, cfg.ChunkSize)

	var bar *progressbar.ProgressBar
	if displayProgress {
		bar = progressbar.NewOptions64(
			int64(stop-start+1),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetDescription("Processing blocks..."),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		if err := bar.RenderBlank(); err != nil {
			return fmt.Errorf("failed to render progress bar: %w", err)
		}
	}

	chunks, err := fetchChunks(ctx, src, ranges, cfg, bar)
	if err != nil {
		return fmt.Errorf("failed to fetch logs: %w", err)
	}

	if bar != nil {
		if err := bar.Finish(); err != nil {
			return fmt.Errorf("failed to finish progress bar: %w", err)
		}
	}

	var logs []models.LogEvent
	for _, chunk := range chunks {
		logs = append(logs, chunk...)
	}
	sortLedgerOrder(logs)
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if err := handler(ctx, models.ConfirmedEvent{LogEvent: l, ConfirmedAt: confirmedAt}); err != nil {
			return fmt.Errorf("failed to apply log %s: %w", l.Key(), err)
		}
	}
	slog.Debug("Applied historical logs", "count", len(logs), "chunks", len(ranges))
	return nil
}

// fetchChunks reads the ranges in parallel; the result is indexed like ranges.
func fetchChunks(ctx context.Context, src LogSource, ranges []utils.BlockRange, cfg Config, bar *progressbar.ProgressBar) ([][]models.LogEvent, error) {
	out := make([][]models.LogEvent, len(ranges))
	eg, egCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, max(cfg.MaxConcurrency, 1))

	for i, r := range ranges {
		if egCtx.Err() != nil {
			slog.Info("Processing cancelled")
			break
		}
		sem <- struct{}{}

		eg.Go(func() error {
			defer func() { <-sem }()

			logs, err := utils.WithRetry(egCtx, cfg.MaxRetries, func(ctx context.Context) ([]models.LogEvent, error) {
				return src.FilterLogs(ctx, r.From, r.To)
			})
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Error("Log range error", "from", r.From, "to", r.To, "error", err, "retries", cfg.MaxRetries)
				}
				return fmt.Errorf("failed to fetch logs [%d, %d]: %w", r.From, r.To, err)
			}
			out[i] = logs

			if bar != nil {
				if err := bar.Add64(int64(r.To - r.From + 1)); err != nil {
					slog.Warn("Failed to update progress bar", "error", err)
				}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sortLedgerOrder(logs []models.LogEvent) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockHeight != logs[j].BlockHeight {
			return logs[i].BlockHeight < logs[j].BlockHeight
		}
		return logs[i].LogIndex < logs[j].LogIndex
	})
}
