// Package tracker follows submitted transactions and observed contract logs
// until they are buried under enough blocks to be treated as final.
//
// Each pending item is delivered exactly once: to its OnConfirm hook when
// its inclusion height is at least CONFIRMED blocks below the high-water
// mark, or to its OnStale hook when it waited STALE blocks without
// confirming. Stale items are never retried; a transaction cannot be
// withdrawn from the ledger, so abandoning it is a local decision only.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cccoin/witness/internal/models"
	"golang.org/x/sync/errgroup"
)

// ErrTransactionStale reports an item abandoned after the STALE depth.
var ErrTransactionStale = errors.New("transaction stale")

// Ledger is the part of the ledger client the tracker uses.
type Ledger interface {
	SubmitTransaction(ctx context.Context, method string, args ...any) (models.TxID, error)
	GetTransactionReceipt(ctx context.Context, id models.TxID) (models.Receipt, error)
}

// Hooks are invoked once per submitted transaction, on the goroutine calling Advance.
type Hooks struct {
	OnConfirm func(ctx context.Context, receipt models.Receipt)
	OnStale   func(ctx context.Context, id models.TxID, err error)
}

// LogHandler receives confirmed log events.
type LogHandler func(ctx context.Context, ev models.ConfirmedEvent)

// Report summarises one Advance call.
type Report struct {
	HighWater uint64
	Confirmed []models.TxID
	Delivered []string
	Stale     []models.TxID
	StaleLogs []string
	Reorged   []string
	// Errors holds receipt read failures; the affected items stay pending.
	Errors []error
}

type pendingTx struct {
	seq         uint64
	id          models.TxID
	method      string
	submittedAt uint64

	// submittedKnown is false until an Advance has stamped submittedAt.
	submittedKnown bool
	included       bool
	inclusion      uint64
	hooks          Hooks
}

type pendingLog struct {
	seq        uint64
	event      models.LogEvent
	observedAt uint64
}

type delivery struct {
	seq     uint64
	tx      *pendingTx
	log     *pendingLog
	receipt models.Receipt
}

// Tracker owns the pending transaction and pending log sets.
type Tracker struct {
	ledger      Ledger
	policy      models.ConfirmationPolicy
	onLog       LogHandler
	concurrency int
	callTimeout time.Duration

	mu       sync.Mutex
	hwm      uint64
	advanced bool
	seq      uint64
	txs      map[models.TxID]*pendingTx
	logs     map[string]*pendingLog
}

// Opt configures a Tracker.
type Opt func(*Tracker)

// WithLogHandler sets the subscriber for confirmed log events.
func WithLogHandler(h LogHandler) Opt {
	return func(t *Tracker) { t.onLog = h }
}

// WithConcurrency bounds parallel receipt reads in Advance.
func WithConcurrency(n int) Opt {
	return func(t *Tracker) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// WithCallTimeout bounds each receipt read.
func WithCallTimeout(d time.Duration) Opt {
	return func(t *Tracker) {
		if d > 0 {
			t.callTimeout = d
		}
	}
}

// New creates a tracker. The policy must be valid.
func New(ledger Ledger, policy models.ConfirmationPolicy, opts ...Opt) (*Tracker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		ledger:      ledger,
		policy:      policy,
		concurrency: 8,
		callTimeout: 5 * time.Second,
		txs:         make(map[models.TxID]*pendingTx),
		logs:        make(map[string]*pendingLog),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Submit sends a contract call and tracks it until it confirms or goes stale.
// A submit error means nothing was registered.
func (t *Tracker) Submit(ctx context.Context, method string, args []any, hooks Hooks) (models.TxID, error) {
	id, err := t.ledger.SubmitTransaction(ctx, method, args...)
	if err != nil {
		return models.TxID{}, fmt.Errorf("submitting %s: %w", method, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.txs[id]; ok {
		slog.Warn("Transaction already tracked", "tx", id.Hex(), "method", method)
		return id, nil
	}
	t.seq++
	p := &pendingTx{seq: t.seq, id: id, method: method, hooks: hooks}
	if t.advanced {
		p.submittedAt, p.submittedKnown = t.hwm, true
	}
	t.txs[id] = p
	slog.Debug("Tracking transaction", "tx", id.Hex(), "method", method, "submittedAt", p.submittedAt, "heightKnown", p.submittedKnown)
	return id, nil
}

// ObserveLogs registers polled log events and returns the hashes of the
// transactions seen for the first time. Logs flagged as removed drop their
// pending counterpart.
func (t *Tracker) ObserveLogs(events []models.LogEvent) []models.TxID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []models.TxID
	seen := make(map[models.TxID]bool)
	for _, ev := range events {
		key := ev.Key()
		if ev.Removed {
			if _, ok := t.logs[key]; ok {
				delete(t.logs, key)
				slog.Warn("Dropping log removed by reorg", "log", key)
			}
			continue
		}
		if _, ok := t.logs[key]; ok {
			continue
		}
		t.seq++
		t.logs[key] = &pendingLog{seq: t.seq, event: ev, observedAt: ev.BlockHeight}
		if !seen[ev.TxHash] {
			seen[ev.TxHash] = true
			fresh = append(fresh, ev.TxHash)
		}
	}
	return fresh
}

// HighWater returns the highest height passed to Advance.
func (t *Tracker) HighWater() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hwm
}

// Pending returns the number of pending transactions and logs.
func (t *Tracker) Pending() (txs, logs int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.txs), len(t.logs)
}

// Advance moves the high-water mark to height (never backwards), refreshes
// inclusion heights and fires the hooks of items that confirmed or went
// stale, in submission order.
func (t *Tracker) Advance(ctx context.Context, height uint64) Report {
	t.mu.Lock()
	if height > t.hwm {
		t.hwm = height
	} else if height < t.hwm {
		slog.Debug("Ignoring stale height", "height", height, "highWater", t.hwm)
	}
	now := t.hwm
	t.advanced = true
	// Transactions submitted before any height was known start waiting now.
	ids := make(map[models.TxID]struct{}, len(t.txs)+len(t.logs))
	seqs := make(map[models.TxID]uint64, len(t.txs)+len(t.logs))
	for id, p := range t.txs {
		if !p.submittedKnown {
			p.submittedAt, p.submittedKnown = now, true
		}
		ids[id] = struct{}{}
		seqs[id] = p.seq
	}
	for _, l := range t.logs {
		id := l.event.TxHash
		ids[id] = struct{}{}
		if seq, ok := seqs[id]; !ok || l.seq < seq {
			seqs[id] = l.seq
		}
	}
	t.mu.Unlock()

	receipts, failures := t.fetchReceipts(ctx, ids)

	report := Report{HighWater: now}
	failed := make([]models.TxID, 0, len(failures))
	for id := range failures {
		failed = append(failed, id)
	}
	sort.Slice(failed, func(i, j int) bool { return seqs[failed[i]] < seqs[failed[j]] })
	for _, id := range failed {
		report.Errors = append(report.Errors, failures[id])
	}

	t.mu.Lock()
	var confirmed, stale []delivery
	for id, p := range t.txs {
		r, ok := receipts[id]
		if ok {
			p.included = r.Included
			p.inclusion = r.BlockHeight
		}
		switch {
		case ok && r.Included && r.BlockHeight+t.policy.Confirmed <= now:
			confirmed = append(confirmed, delivery{seq: p.seq, tx: p, receipt: r})
			delete(t.txs, id)
		case now >= t.staleFrom(p)+t.policy.Stale:
			stale = append(stale, delivery{seq: p.seq, tx: p})
			delete(t.txs, id)
		}
	}
	for key, l := range t.logs {
		r, ok := receipts[l.event.TxHash]
		if ok && !r.Included {
			delete(t.logs, key)
			report.Reorged = append(report.Reorged, key)
			slog.Warn("Dropping log whose transaction left the chain", "log", key, "observedAt", l.observedAt)
			continue
		}
		if ok {
			l.observedAt = r.BlockHeight
		}
		switch {
		case ok && l.observedAt+t.policy.Confirmed <= now:
			confirmed = append(confirmed, delivery{seq: l.seq, log: l, receipt: r})
			delete(t.logs, key)
		case now >= l.observedAt+t.policy.Stale:
			stale = append(stale, delivery{seq: l.seq, log: l})
			delete(t.logs, key)
		}
	}
	t.mu.Unlock()

	sort.Slice(confirmed, func(i, j int) bool { return confirmed[i].seq < confirmed[j].seq })
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq < stale[j].seq })
	sort.Strings(report.Reorged)

	for _, d := range confirmed {
		if d.tx != nil {
			report.Confirmed = append(report.Confirmed, d.tx.id)
			if d.tx.hooks.OnConfirm != nil {
				safeCall("confirm", d.tx.id.Hex(), func() { d.tx.hooks.OnConfirm(ctx, d.receipt) })
			}
			continue
		}
		report.Delivered = append(report.Delivered, d.log.event.Key())
		if t.onLog != nil {
			ev := models.ConfirmedEvent{LogEvent: d.log.event, ConfirmedAt: now}
			ev.BlockHeight = d.log.observedAt
			safeCall("log", d.log.event.Key(), func() { t.onLog(ctx, ev) })
		}
	}
	for _, d := range stale {
		if d.tx != nil {
			report.Stale = append(report.Stale, d.tx.id)
			err := fmt.Errorf("%w: %s %s not confirmed within %d blocks", ErrTransactionStale, d.tx.method, d.tx.id.Hex(), t.policy.Stale)
			slog.Error("Abandoning stale transaction", "tx", d.tx.id.Hex(), "method", d.tx.method, "submittedAt", d.tx.submittedAt, "highWater", now)
			if d.tx.hooks.OnStale != nil {
				safeCall("stale", d.tx.id.Hex(), func() { d.tx.hooks.OnStale(ctx, d.tx.id, err) })
			}
			continue
		}
		report.StaleLogs = append(report.StaleLogs, d.log.event.Key())
		slog.Error("Abandoning stale log", "log", d.log.event.Key(), "observedAt", d.log.observedAt, "highWater", now)
	}
	return report
}

// staleFrom is the height a transaction's staleness is counted from.
func (t *Tracker) staleFrom(p *pendingTx) uint64 {
	if p.included {
		return p.inclusion
	}
	return p.submittedAt
}

func (t *Tracker) fetchReceipts(ctx context.Context, ids map[models.TxID]struct{}) (map[models.TxID]models.Receipt, map[models.TxID]error) {
	var mu sync.Mutex
	receipts := make(map[models.TxID]models.Receipt, len(ids))
	failures := make(map[models.TxID]error)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(t.concurrency)
	for id := range ids {
		eg.Go(func() error {
			callCtx, cancel := context.WithTimeout(egCtx, t.callTimeout)
			defer cancel()
			r, err := t.ledger.GetTransactionReceipt(callCtx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[id] = fmt.Errorf("receipt %s: %w", id.Hex(), err)
				return nil
			}
			receipts[id] = r
			return nil
		})
	}
	_ = eg.Wait()
	for id, err := range failures {
		slog.Warn("Receipt read failed, item stays pending", "tx", id.Hex(), "error", err)
	}
	return receipts, failures
}

func safeCall(kind, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tracker hook panicked", "kind", kind, "id", id, "panic", r)
		}
	}()
	fn()
}
