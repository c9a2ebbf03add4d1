// Package witness drives the confirmation tracker, the vote protocol and the
// trend scorer from a single tick-based loop, and exposes the operations
// front-ends call.
package witness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cccoin/witness/internal/client"
	"github.com/cccoin/witness/internal/dedup"
	"github.com/cccoin/witness/internal/extractor"
	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/output"
	"github.com/cccoin/witness/internal/tracker"
	"github.com/cccoin/witness/internal/trend"
	"github.com/cccoin/witness/internal/utils"
	"github.com/cccoin/witness/internal/voting"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// ErrBusy is returned by RunOnce while another cycle is running.
var ErrBusy = errors.New("witness cycle already running")

// LoopState is the stage of the current cycle.
type LoopState int32

const (
	Idle LoopState = iota
	Polling
	Advancing
	Distributing
)

func (s LoopState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Advancing:
		return "advancing"
	case Distributing:
		return "distributing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Config struct {
	Policy          models.ConfirmationPolicy
	Trend           trend.Config
	VotePolicy      voting.Policy
	VerifyReveals   bool
	Tick            time.Duration
	DistributeEvery time.Duration
	PayoutThreshold float64
	RewardBudget    uint64
	MaxRetries      uint
	CallTimeout     time.Duration
	StartBlock      uint64
}

// DefaultConfig returns the loop parameters used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Policy:          models.DefaultConfirmationPolicy(),
		Trend:           trend.DefaultConfig(),
		VotePolicy:      voting.PolicyMerge,
		Tick:            500 * time.Millisecond,
		DistributeEvery: time.Minute,
		RewardBudget:    1000,
		MaxRetries:      3,
		CallTimeout:     10 * time.Second,
	}
}

// Deps are the collaborators of a Witness. Only Ledger is required.
type Deps struct {
	Ledger     client.LedgerClient
	Signer     client.Signer
	Output     output.OutputHandler
	Dedup      *dedup.Deduplicator
	Clock      clockwork.Clock
	Registerer prometheus.Registerer
}

type Witness struct {
	cfg     Config
	ledger  client.LedgerClient
	out     output.OutputHandler
	dedup   *dedup.Deduplicator
	clock   clockwork.Clock
	metrics *metrics

	tracker *tracker.Tracker
	votes   *voting.CommitReveal
	tally   *voting.Tally
	scorer  *trend.Scorer
	limiter *rate.Limiter

	cycle  sync.Mutex
	state  atomic.Int32
	forced atomic.Bool
	// Owned by the cycle holder.
	filter     client.FilterID
	filterFrom uint64

	mu      sync.RWMutex
	items   map[string]models.Item
	ranking []models.ScoreRecord
	above   map[string]bool
	posts   *lru.Cache[models.TxID, PostStatus]
}

// New wires a witness from its configuration and collaborators.
func New(cfg Config, deps Deps) (*Witness, error) {
	if deps.Ledger == nil {
		return nil, errors.New("ledger client is required")
	}
	if deps.Signer == nil {
		deps.Signer = deps.Ledger
	}
	if deps.Output == nil {
		deps.Output = output.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	if cfg.Tick <= 0 || cfg.DistributeEvery <= 0 {
		return nil, errors.New("tick and distribution interval must be positive")
	}
	if _, err := voting.ParsePolicy(string(cfg.VotePolicy)); err != nil {
		return nil, err
	}
	if deps.Dedup == nil {
		d, err := dedup.New(nil, 65536, 0)
		if err != nil {
			return nil, err
		}
		deps.Dedup = d
	}

	w := &Witness{
		cfg:        cfg,
		ledger:     deps.Ledger,
		out:        deps.Output,
		dedup:      deps.Dedup,
		clock:      deps.Clock,
		metrics:    newMetrics(deps.Registerer),
		tally:      voting.NewTally(cfg.VotePolicy),
		limiter:    rate.NewLimiter(rate.Every(cfg.DistributeEvery), 1),
		filterFrom: cfg.StartBlock,
		items:      make(map[string]models.Item),
		above:      make(map[string]bool),
	}
	var err error
	if w.tracker, err = tracker.New(deps.Ledger, cfg.Policy, tracker.WithLogHandler(w.onConfirmedLog), tracker.WithCallTimeout(cfg.CallTimeout)); err != nil {
		return nil, err
	}
	if w.votes, err = voting.New(w.tracker, deps.Signer, voting.WithSignatureCheck(cfg.VerifyReveals)); err != nil {
		return nil, err
	}
	if w.scorer, err = trend.NewScorer(cfg.Trend); err != nil {
		return nil, err
	}
	if w.posts, err = lru.New[models.TxID, PostStatus](65536); err != nil {
		return nil, err
	}
	return w, nil
}

// State returns the stage of the running cycle, or Idle.
func (w *Witness) State() LoopState {
	return LoopState(w.state.Load())
}

func (w *Witness) setState(s LoopState) {
	w.state.Store(int32(s))
	w.metrics.state.Set(float64(s))
}

// CatchUp applies the confirmed history from the stored checkpoint (or the
// configured start block) and positions the live filter after it.
func (w *Witness) CatchUp(ctx context.Context, cfg extractor.Config) error {
	w.cycle.Lock()
	defer w.cycle.Unlock()

	start := w.cfg.StartBlock
	checkpoint, ok, err := w.out.GetCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if ok && checkpoint > start {
		slog.Info("Resuming from checkpoint", "height", checkpoint)
		start = checkpoint
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = w.cfg.MaxRetries
	}
	next, err := extractor.CatchUp(ctx, w.ledger, start, w.cfg.Policy.Confirmed, w.dispatch, cfg)
	if next > w.filterFrom {
		w.filterFrom = next
	}
	return err
}

// Run executes one cycle per tick until ctx is cancelled.
func (w *Witness) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.Tick)
	defer ticker.Stop()
	slog.Info("Witness loop started", "tick", w.cfg.Tick, "filterFrom", w.filterFrom)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Witness loop stopped")
			return nil
		case <-ticker.Chan():
			if err := w.RunOnce(ctx); errors.Is(err, ErrBusy) {
				slog.Debug("Skipping tick, previous cycle still running")
			}
		}
	}
}

// RunOnce executes a single POLLING, ADVANCING, DISTRIBUTING cycle. An
// error aborts the rest of the cycle; the next cycle starts from scratch.
func (w *Witness) RunOnce(ctx context.Context) error {
	if !w.cycle.TryLock() {
		return ErrBusy
	}
	defer w.cycle.Unlock()
	defer w.setState(Idle)

	stages := []struct {
		state LoopState
		run   func(context.Context) error
	}{
		{Polling, w.poll},
		{Advancing, w.advance},
		{Distributing, w.maybeDistribute},
	}
	for _, stage := range stages {
		w.setState(stage.state)
		if err := stage.run(ctx); err != nil {
			w.metrics.cycles.WithLabelValues("error").Inc()
			w.metrics.cycleErrors.WithLabelValues(stage.state.String()).Inc()
			slog.Error("Cycle aborted", "stage", stage.state, "error", err)
			return fmt.Errorf("%s: %w", stage.state, err)
		}
	}
	w.metrics.cycles.WithLabelValues("ok").Inc()
	return nil
}

func (w *Witness) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	if w.filter == "" {
		if err := w.installFilter(ctx); err != nil {
			return err
		}
	}
	logs, err := w.ledger.PollNewLogEvents(ctx, w.filter)
	if client.IsFilterNotFound(err) {
		slog.Warn("Log filter expired, reinstalling", "filter", w.filter, "from", w.filterFrom)
		w.filter = ""
		if err := w.installFilter(ctx); err != nil {
			return err
		}
		logs, err = w.ledger.PollNewLogEvents(ctx, w.filter)
	}
	if err != nil {
		return fmt.Errorf("failed to poll logs: %w", err)
	}
	w.observe(logs)
	return nil
}

// installFilter creates the live filter, then reads the logs it will not
// report: those mined between filterFrom and the filter's creation.
func (w *Witness) installFilter(ctx context.Context) error {
	id, err := w.ledger.NewLogFilter(ctx, w.filterFrom)
	if err != nil {
		return fmt.Errorf("failed to install log filter: %w", err)
	}
	head, err := w.ledger.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read head: %w", err)
	}
	if head >= w.filterFrom {
		gap, err := w.ledger.FilterLogs(ctx, w.filterFrom, head)
		if err != nil {
			return fmt.Errorf("failed to read logs [%d, %d]: %w", w.filterFrom, head, err)
		}
		w.observe(gap)
	}
	w.filter = id
	slog.Info("Installed log filter", "filter", id, "from", w.filterFrom, "head", head)
	return nil
}

func (w *Witness) observe(logs []models.LogEvent) {
	if len(logs) == 0 {
		return
	}
	fresh := w.tracker.ObserveLogs(logs)
	for _, l := range logs {
		if !l.Removed && l.BlockHeight > w.filterFrom {
			w.filterFrom = l.BlockHeight
		}
	}
	slog.Debug("Observed logs", "count", len(logs), "newTransactions", len(fresh))
}

func (w *Witness) advance(ctx context.Context) error {
	headCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	head, err := utils.GetLatestBlockHeightWithRetry(headCtx, w.ledger, w.cfg.MaxRetries)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to get latest block height: %w", err)
	}

	report := w.tracker.Advance(ctx, head)
	w.metrics.highWater.Set(float64(report.HighWater))
	w.metrics.confirmed.Add(float64(len(report.Confirmed)))
	w.metrics.stale.Add(float64(len(report.Stale) + len(report.StaleLogs)))
	w.metrics.reorged.Add(float64(len(report.Reorged)))
	txs, logs := w.tracker.Pending()
	w.metrics.pendingTxs.Set(float64(txs))
	w.metrics.pendingLogs.Set(float64(logs))

	if err := w.votes.RetryReveals(ctx); err != nil {
		return fmt.Errorf("failed to retry reveals: %w", err)
	}
	return nil
}

func (w *Witness) maybeDistribute(ctx context.Context) error {
	if !w.forced.Swap(false) && !w.limiter.AllowN(w.clock.Now(), 1) {
		return nil
	}
	return w.distribute(ctx)
}
