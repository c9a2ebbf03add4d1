// Package clienttest provides an in-memory ledger for tests.
package clienttest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cccoin/witness/internal/client"
	"github.com/cccoin/witness/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Call is a transaction submitted to the fake ledger.
type Call struct {
	ID     models.TxID
	Method string
	Args   []any
}

// Payload returns the bytes argument of addLog/distributeRewards calls.
func (c Call) Payload() []byte {
	if len(c.Args) == 1 {
		if b, ok := c.Args[0].([]byte); ok {
			return b
		}
	}
	return nil
}

// Ledger is a scriptable LedgerClient. Mined calls carrying a bytes payload
// emit a LogMain log that becomes visible to the next filter poll.
type Ledger struct {
	mu       sync.Mutex
	head     uint64
	seq      uint64
	calls    []Call
	byID     map[models.TxID]Call
	mined    map[models.TxID]uint64
	logs     []models.LogEvent
	unpolled []models.LogEvent
	filters  int
	views    map[string][]byte

	SubmitErr  error
	ReceiptErr error
	PollErr    error
	HeadErr    error
	// ReceiptErrFor fails receipt reads of specific transactions.
	ReceiptErrFor map[models.TxID]error
}

var _ client.LedgerClient = (*Ledger)(nil)

// New returns an empty ledger at height 0.
func New() *Ledger {
	return &Ledger{
		byID:          make(map[models.TxID]Call),
		mined:         make(map[models.TxID]uint64),
		views:         make(map[string][]byte),
		ReceiptErrFor: make(map[models.TxID]error),
	}
}

// SetHead moves the head height.
func (l *Ledger) SetHead(h uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = h
}

// Head returns the head height.
func (l *Ledger) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// SetView stubs the result of CallView for a method.
func (l *Ledger) SetView(method string, out []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.views[method] = out
}

// Calls returns the submitted transactions in order.
func (l *Ledger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// CallsTo returns the submitted transactions of one method.
func (l *Ledger) CallsTo(method string) []Call {
	var out []Call
	for _, c := range l.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Mine includes a submitted transaction at height.
func (l *Ledger) Mine(id models.TxID, height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked(id, height)
}

// MineAll includes every unmined transaction at height.
func (l *Ledger) MineAll(height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.calls {
		if _, ok := l.mined[c.ID]; !ok {
			l.mineLocked(c.ID, height)
		}
	}
}

func (l *Ledger) mineLocked(id models.TxID, height uint64) {
	l.mined[id] = height
	c, ok := l.byID[id]
	if !ok {
		return
	}
	if payload := c.Payload(); payload != nil {
		ev := models.LogEvent{TxHash: id, BlockHeight: height, Payload: payload}
		l.logs = append(l.logs, ev)
		l.unpolled = append(l.unpolled, ev)
	}
}

// Unmine drops a transaction from the chain, as a reorg would. Its logs are
// re-delivered to the filter with Removed set.
func (l *Ledger) Unmine(id models.TxID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.mined, id)
	kept := l.logs[:0]
	for _, ev := range l.logs {
		if ev.TxHash == id {
			ev.Removed = true
			l.unpolled = append(l.unpolled, ev)
			continue
		}
		kept = append(kept, ev)
	}
	l.logs = kept
}

// InjectLog makes a raw log visible to pollers and range queries, as if
// another node had submitted it.
func (l *Ledger) InjectLog(ev models.LogEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mined[ev.TxHash] = ev.BlockHeight
	l.logs = append(l.logs, ev)
	l.unpolled = append(l.unpolled, ev)
}

// NewTxID derives a deterministic transaction id.
func NewTxID(n uint64) models.TxID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return common.BytesToHash(crypto.Keccak256(buf[:]))
}

func (l *Ledger) SubmitTransaction(_ context.Context, method string, args ...any) (models.TxID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SubmitErr != nil {
		return models.TxID{}, l.SubmitErr
	}
	l.seq++
	c := Call{ID: NewTxID(l.seq), Method: method, Args: args}
	l.calls = append(l.calls, c)
	l.byID[c.ID] = c
	return c.ID, nil
}

func (l *Ledger) GetTransactionReceipt(_ context.Context, id models.TxID) (models.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReceiptErr != nil {
		return models.Receipt{}, l.ReceiptErr
	}
	if err := l.ReceiptErrFor[id]; err != nil {
		return models.Receipt{}, err
	}
	h, ok := l.mined[id]
	if !ok {
		return models.Receipt{TxID: id}, nil
	}
	return models.Receipt{TxID: id, Included: true, BlockHeight: h, Status: 1}, nil
}

func (l *Ledger) CallView(_ context.Context, method string, _ ...any) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, ok := l.views[method]
	if !ok {
		return nil, fmt.Errorf("%w: no view stub for %s", client.ErrRPCUnavailable, method)
	}
	return out, nil
}

// Sign returns a deterministic 65-byte pseudo signature.
func (l *Ledger) Sign(_ context.Context, address common.Address, data []byte) ([]byte, error) {
	h := crypto.Keccak256(address.Bytes(), data)
	return append(append(h, crypto.Keccak256(h)...), 27)[:65], nil
}

func (l *Ledger) NewLogFilter(_ context.Context, _ uint64) (client.FilterID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters++
	return client.FilterID(fmt.Sprintf("0x%x", l.filters)), nil
}

// Filters returns how many filters were installed.
func (l *Ledger) Filters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filters
}

func (l *Ledger) PollNewLogEvents(_ context.Context, _ client.FilterID) ([]models.LogEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.PollErr != nil {
		return nil, l.PollErr
	}
	out := l.unpolled
	l.unpolled = nil
	return out, nil
}

func (l *Ledger) FilterLogs(_ context.Context, fromBlock, toBlock uint64) ([]models.LogEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.PollErr != nil {
		return nil, l.PollErr
	}
	var out []models.LogEvent
	for _, ev := range l.logs {
		if ev.BlockHeight >= fromBlock && ev.BlockHeight <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

// DrainUnpolled discards logs not yet seen by a filter poll.
func (l *Ledger) DrainUnpolled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unpolled = nil
}

func (l *Ledger) BlockNumber(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.HeadErr != nil {
		return 0, l.HeadErr
	}
	return l.head, nil
}
