package extractor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cccoin/witness/internal/client"
	"github.com/cccoin/witness/internal/client/clienttest"
	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{ChunkSize: 3, MaxConcurrency: 3, MaxRetries: 2}
}

type collector struct {
	mu  sync.Mutex
	evs []models.ConfirmedEvent
}

func (c *collector) handle(_ context.Context, ev models.ConfirmedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

func (c *collector) payloads() []string {
	var out []string
	for _, ev := range c.evs {
		out = append(out, string(ev.Payload))
	}
	return out
}

func inject(ledger *clienttest.Ledger, n uint64, height uint64, index uint, payload string) {
	ledger.InjectLog(models.LogEvent{TxHash: clienttest.NewTxID(n), BlockHeight: height, LogIndex: index, Payload: []byte(payload)})
}

func TestCatchUpAppliesConfirmedLogsInLedgerOrder(t *testing.T) {
	ledger := clienttest.New()
	// Injected out of order on purpose.
	inject(ledger, 1, 9, 0, "h9")
	inject(ledger, 2, 2, 1, "h2-1")
	inject(ledger, 3, 2, 0, "h2-0")
	inject(ledger, 4, 5, 0, "h5")
	inject(ledger, 5, 11, 0, "h11")
	inject(ledger, 6, 1, 0, "too early")
	ledger.SetHead(25)

	var c collector
	next, err := CatchUp(context.Background(), ledger, 2, 15, c.handle, testConfig())
	require.NoError(t, err)

	assert.Equal(t, uint64(11), next)
	assert.Equal(t, []string{"h2-0", "h2-1", "h5", "h9"}, c.payloads())
	for _, ev := range c.evs {
		assert.Equal(t, uint64(25), ev.ConfirmedAt)
	}
}

func TestCatchUpNothingConfirmable(t *testing.T) {
	cases := []struct {
		name  string
		head  uint64
		start uint64
	}{
		{name: "chain shorter than depth", head: 10, start: 0},
		{name: "already caught up", head: 30, start: 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := clienttest.New()
			ledger.SetHead(tc.head)
			var c collector
			next, err := CatchUp(context.Background(), ledger, tc.start, 15, c.handle, testConfig())
			require.NoError(t, err)
			assert.Equal(t, tc.start, next)
			assert.Empty(t, c.evs)
		})
	}
}

// movingHead advances the head after each range query, as a live chain would.
type movingHead struct {
	*clienttest.Ledger
	mu      sync.Mutex
	queries int
}

func (m *movingHead) FilterLogs(ctx context.Context, from, to uint64) ([]models.LogEvent, error) {
	m.mu.Lock()
	m.queries++
	first := m.queries == 1
	m.mu.Unlock()
	if first {
		m.SetHead(m.Head() + 4)
	}
	return m.Ledger.FilterLogs(ctx, from, to)
}

func TestCatchUpFollowsMovingHead(t *testing.T) {
	ledger := clienttest.New()
	inject(ledger, 1, 3, 0, "a")
	inject(ledger, 2, 7, 0, "b")
	ledger.SetHead(20)
	src := &movingHead{Ledger: ledger}

	var c collector
	next, err := CatchUp(context.Background(), src, 0, 15, c.handle, Config{ChunkSize: 100, MaxConcurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), next)
	assert.Equal(t, []string{"a", "b"}, c.payloads())
	assert.Equal(t, uint64(20), c.evs[0].ConfirmedAt)
	assert.Equal(t, uint64(24), c.evs[1].ConfirmedAt)
}

func TestCatchUpSkipsRemovedLogs(t *testing.T) {
	ledger := clienttest.New()
	ledger.InjectLog(models.LogEvent{TxHash: clienttest.NewTxID(1), BlockHeight: 1, Payload: []byte("gone"), Removed: true})
	inject(ledger, 2, 2, 0, "kept")
	ledger.SetHead(20)

	var c collector
	_, err := CatchUp(context.Background(), ledger, 0, 15, c.handle, testConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, c.payloads())
}

func TestCatchUpErrors(t *testing.T) {
	utils.RetryBaseDelay = time.Millisecond

	t.Run("range query fails", func(t *testing.T) {
		ledger := clienttest.New()
		ledger.SetHead(100)
		ledger.PollErr = client.ErrRPCUnavailable
		var c collector
		next, err := CatchUp(context.Background(), ledger, 0, 15, c.handle, testConfig())
		assert.ErrorIs(t, err, client.ErrRPCUnavailable)
		assert.Equal(t, uint64(0), next)
	})

	t.Run("head unavailable", func(t *testing.T) {
		ledger := clienttest.New()
		ledger.HeadErr = client.ErrRPCUnavailable
		var c collector
		_, err := CatchUp(context.Background(), ledger, 0, 15, c.handle, testConfig())
		assert.ErrorIs(t, err, client.ErrRPCUnavailable)
	})

	t.Run("handler fails", func(t *testing.T) {
		ledger := clienttest.New()
		inject(ledger, 1, 1, 0, "a")
		inject(ledger, 2, 2, 0, "b")
		ledger.SetHead(20)
		boom := errors.New("boom")
		calls := 0
		_, err := CatchUp(context.Background(), ledger, 0, 15, func(context.Context, models.ConfirmedEvent) error {
			calls++
			return boom
		}, testConfig())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var c collector
		_, err := CatchUp(ctx, clienttest.New(), 0, 15, c.handle, testConfig())
		assert.ErrorIs(t, err, context.Canceled)
	})
}
