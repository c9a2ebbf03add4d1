package witness

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/cccoin/witness/internal/client"
	"github.com/cccoin/witness/internal/client/clienttest"
	"github.com/cccoin/witness/internal/events"
	"github.com/cccoin/witness/internal/extractor"
	"github.com/cccoin/witness/internal/models"
	"github.com/cccoin/witness/internal/output"
	"github.com/cccoin/witness/internal/tracker"
	"github.com/cccoin/witness/internal/trend"
	"github.com/cccoin/witness/internal/utils"
	"github.com/cccoin/witness/internal/voting"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	author = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	voter  = common.HexToAddress("0x0000000000000000000000000000000000001234")
)

type recorder struct {
	mu            sync.Mutex
	kinds         []string
	scores        map[uint64][]models.ScoreRecord
	rewards       [][]models.Reward
	checkpoint    uint64
	hasCheckpoint bool
	writeErr      error
}

var _ output.OutputHandler = (*recorder)(nil)

func newRecorder() *recorder {
	return &recorder{scores: make(map[uint64][]models.ScoreRecord)}
}

func (r *recorder) WriteEvent(_ context.Context, _ models.ConfirmedEvent, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.kinds = append(r.kinds, kind)
	return nil
}

func (r *recorder) WriteScores(_ context.Context, step uint64, records []models.ScoreRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[step] = records
	return nil
}

func (r *recorder) WriteRewards(_ context.Context, _ uint64, _ models.TxID, rewards []models.Reward) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rewards = append(r.rewards, rewards)
	return nil
}

func (r *recorder) GetCheckpoint(context.Context) (uint64, bool, error) {
	return r.checkpoint, r.hasCheckpoint, nil
}

func (r *recorder) Close() error { return nil }

type harness struct {
	w      *Witness
	ledger *clienttest.Ledger
	out    *recorder
	clock  clockwork.FakeClock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	utils.RetryBaseDelay = time.Millisecond
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Trend = trend.Config{Window: 1, PrevMultiple: 1, Floor: 1}
	cfg.PayoutThreshold = 0.5
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{ledger: clienttest.New(), out: newRecorder(), clock: clockwork.NewFakeClock()}
	w, err := New(cfg, Deps{Ledger: h.ledger, Output: h.out, Clock: h.clock})
	require.NoError(t, err)
	h.w = w
	return h
}

// tickAt moves the head and runs one cycle.
func (h *harness) tickAt(t *testing.T, head uint64) {
	t.Helper()
	h.ledger.SetHead(head)
	require.NoError(t, h.w.RunOnce(context.Background()))
	assert.Equal(t, Idle, h.w.State())
}

func postPayload(t *testing.T, title string) []byte {
	t.Helper()
	payload, err := events.Encode(events.Post(author, title, "https://example.com/"+title))
	require.NoError(t, err)
	return payload
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.VotePolicy = "first"
	_, err = New(cfg, Deps{Ledger: clienttest.New()})
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Policy.Stale = cfg.Policy.Confirmed
	_, err = New(cfg, Deps{Ledger: clienttest.New()})
	assert.Error(t, err)
}

func TestPostConfirmsThroughLoop(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.w.PostItem(context.Background(), author, "hello", "https://example.com")
	require.NoError(t, err)
	st, ok := h.w.PostStatus(id)
	require.True(t, ok)
	assert.Equal(t, PostPending, st.State)

	h.ledger.MineAll(5)
	h.tickAt(t, 5)
	h.tickAt(t, 19)
	assert.Empty(t, h.out.kinds)

	h.tickAt(t, 20)
	assert.Equal(t, []string{"post"}, h.out.kinds)
	st, _ = h.w.PostStatus(id)
	assert.Equal(t, PostConfirmed, st.State)

	h.w.mu.RLock()
	item := h.w.items[id.Hex()]
	h.w.mu.RUnlock()
	assert.Equal(t, "hello", item.Title)
	assert.Equal(t, author, item.Author)
	assert.Equal(t, uint64(5), item.BlockHeight)

	// Later cycles never deliver it again.
	h.tickAt(t, 40)
	assert.Equal(t, []string{"post"}, h.out.kinds)
}

func TestStalePostReportedFailed(t *testing.T) {
	h := newHarness(t, nil)
	// Posted before the loop has seen any height.
	id, err := h.w.PostItem(context.Background(), author, "lost", "https://example.com")
	require.NoError(t, err)

	h.tickAt(t, 5000)
	h.tickAt(t, 5099)
	st, ok := h.w.PostStatus(id)
	require.True(t, ok)
	assert.Equal(t, PostPending, st.State)

	h.tickAt(t, 5100)
	st, _ = h.w.PostStatus(id)
	assert.Equal(t, PostFailed, st.State)
	assert.ErrorIs(t, st.Reason, tracker.ErrTransactionStale)
}

func TestPostItemRejectsInvalidPost(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.w.PostItem(context.Background(), author, "", "")
	assert.ErrorIs(t, err, events.ErrMalformedEvent)
	assert.Empty(t, h.ledger.Calls())
}

func TestVoteCountedAfterCommitAndReveal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	post, err := h.w.PostItem(ctx, author, "hello", "https://example.com")
	require.NoError(t, err)
	h.ledger.MineAll(5)
	h.tickAt(t, 5)
	h.tickAt(t, 20)

	handle, err := h.w.SubmitBlindVote(ctx, models.Ballot{
		Voter: voter, Nonce: 1, Votes: []models.Vote{{ItemID: post.Hex(), Direction: models.Up}},
	})
	require.NoError(t, err)
	st, err := h.w.HandleStatus(handle)
	require.NoError(t, err)
	assert.Equal(t, voting.PendingConfirmation, st.State)

	h.ledger.MineAll(21)
	h.tickAt(t, 21)
	h.tickAt(t, 35)
	assert.Len(t, h.ledger.Calls(), 2, "reveal before commitment confirmed")

	h.tickAt(t, 36)
	require.Len(t, h.ledger.Calls(), 3)
	st, _ = h.w.HandleStatus(handle)
	assert.Equal(t, voting.Revealed, st.State)

	h.ledger.MineAll(37)
	h.tickAt(t, 37)
	h.tickAt(t, 52)
	st, _ = h.w.HandleStatus(handle)
	assert.Equal(t, voting.Finalized, st.State)
	assert.Equal(t, []string{"post", "vote_blinded", "vote_unblinded"}, h.out.kinds)

	// The rate limiter has not allowed a second distribution yet.
	assert.Equal(t, map[string]float64{post.Hex(): 1}, h.w.tally.Drain())
}

func TestHandleStatusUnknown(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.w.HandleStatus("missing")
	assert.ErrorIs(t, err, voting.ErrUnknownHandle)
}

func TestRevealWithoutCommitmentNotCounted(t *testing.T) {
	h := newHarness(t, nil)
	orig, err := events.EncodeBallot(models.Ballot{Voter: voter, Votes: []models.Vote{{ItemID: "x", Direction: models.Up}}})
	require.NoError(t, err)
	payload, err := events.Encode(events.VoteUnblinded([]byte{1, 2, 3}, orig))
	require.NoError(t, err)

	ev := models.ConfirmedEvent{LogEvent: models.LogEvent{TxHash: clienttest.NewTxID(9), BlockHeight: 3, Payload: payload}}
	require.NoError(t, h.w.dispatch(context.Background(), ev))
	assert.Empty(t, h.w.tally.Drain())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.w.metrics.rejected.WithLabelValues("uncommitted")))
}

func TestDispatchDropsMalformedAndDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	bad := models.ConfirmedEvent{LogEvent: models.LogEvent{TxHash: clienttest.NewTxID(1), Payload: []byte("not json")}}
	require.NoError(t, h.w.dispatch(ctx, bad))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.w.metrics.malformed))

	good := models.ConfirmedEvent{LogEvent: models.LogEvent{TxHash: clienttest.NewTxID(2), BlockHeight: 4, Payload: postPayload(t, "a")}}
	require.NoError(t, h.w.dispatch(ctx, good))
	require.NoError(t, h.w.dispatch(ctx, good))
	assert.Equal(t, []string{"post"}, h.out.kinds)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.w.metrics.duplicates))
}

func TestDispatchWriteFailureCanBeReapplied(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ev := models.ConfirmedEvent{LogEvent: models.LogEvent{TxHash: clienttest.NewTxID(2), Payload: postPayload(t, "a")}}

	h.out.writeErr = errors.New("db down")
	assert.Error(t, h.w.dispatch(ctx, ev))
	h.out.writeErr = nil
	require.NoError(t, h.w.dispatch(ctx, ev))
	assert.Equal(t, []string{"post"}, h.out.kinds)
}

func TestMalformedLogDoesNotBreakLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.InjectLog(models.LogEvent{TxHash: clienttest.NewTxID(1), BlockHeight: 1, Payload: []byte("{\"t\":\"bogus\"}")})
	h.tickAt(t, 1)
	h.tickAt(t, 16)
	assert.Empty(t, h.out.kinds)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.w.metrics.malformed))
}

func TestCycleErrorAbortsOnlyThatCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.tickAt(t, 1)
	h.ledger.HeadErr = client.ErrRPCUnavailable

	err := h.w.RunOnce(context.Background())
	assert.ErrorIs(t, err, client.ErrRPCUnavailable)
	assert.Contains(t, err.Error(), "advancing")
	assert.Equal(t, Idle, h.w.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.w.metrics.cycleErrors.WithLabelValues("advancing")))

	h.ledger.HeadErr = nil
	h.tickAt(t, 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.w.metrics.cycles.WithLabelValues("ok")))
}

func TestRunOnceIsNotReentrant(t *testing.T) {
	h := newHarness(t, nil)
	h.w.cycle.Lock()
	assert.ErrorIs(t, h.w.RunOnce(context.Background()), ErrBusy)
	h.w.cycle.Unlock()
	assert.NoError(t, h.w.RunOnce(context.Background()))
}

// expiringFilter loses its filter on the first poll.
type expiringFilter struct {
	*clienttest.Ledger
	expired bool
}

func (e *expiringFilter) PollNewLogEvents(ctx context.Context, id client.FilterID) ([]models.LogEvent, error) {
	if !e.expired {
		e.expired = true
		return nil, &client.RPCError{Code: -32000, Message: "filter not found"}
	}
	return e.Ledger.PollNewLogEvents(ctx, id)
}

func TestExpiredFilterIsReinstalled(t *testing.T) {
	ledger := clienttest.New()
	src := &expiringFilter{Ledger: ledger}
	out := newRecorder()
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	w, err := New(cfg, Deps{Ledger: src, Output: out, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	ledger.InjectLog(models.LogEvent{TxHash: clienttest.NewTxID(1), BlockHeight: 2, Payload: postPayload(t, "a")})
	ledger.DrainUnpolled()
	ledger.SetHead(2)
	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, 2, ledger.Filters())

	ledger.SetHead(17)
	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, []string{"post"}, out.kinds)
}

func TestDistributionIsRateLimited(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DistributeEvery = time.Minute })

	h.tickAt(t, 1)
	h.tickAt(t, 2)
	assert.Equal(t, uint64(1), h.w.scorer.Step())

	h.clock.Advance(time.Minute)
	h.tickAt(t, 3)
	assert.Equal(t, uint64(2), h.w.scorer.Step())

	h.w.DistributeRewards()
	h.tickAt(t, 4)
	assert.Equal(t, uint64(3), h.w.scorer.Step())
	h.tickAt(t, 5)
	assert.Equal(t, uint64(3), h.w.scorer.Step())
}

func addVotes(w *Witness, item string, n int, offset int64) {
	for i := 0; i < n; i++ {
		w.tally.Add(models.Ballot{
			Voter: common.BigToAddress(big.NewInt(offset + int64(i))),
			Votes: []models.Vote{{ItemID: item, Direction: models.Up}},
		})
	}
}

func TestDistributionPaysRisingItems(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := models.ConfirmedEvent{LogEvent: models.LogEvent{TxHash: clienttest.NewTxID(100), BlockHeight: 1, Payload: postPayload(t, "a")}}
	b := models.ConfirmedEvent{LogEvent: models.LogEvent{TxHash: clienttest.NewTxID(101), BlockHeight: 1, Payload: postPayload(t, "b")}}
	require.NoError(t, h.w.dispatch(ctx, a))
	require.NoError(t, h.w.dispatch(ctx, b))
	idA, idB := a.TxHash.Hex(), b.TxHash.Hex()

	steps := []map[string]int{
		{idA: 2, idB: 2, "ghost": 2},
		{idA: 2, idB: 2, "ghost": 2},
		{idA: 4, idB: 3, "ghost": 4},
		{idA: 4, idB: 3, "ghost": 4},
	}
	for i, votes := range steps {
		for item, n := range votes {
			addVotes(h.w, item, n, int64(i*1000))
		}
		require.NoError(t, h.w.distribute(ctx))
	}

	calls := h.ledger.CallsTo(client.MethodDistributeRewards)
	require.Len(t, calls, 1)
	ev, err := events.Decode(calls[0].Payload())
	require.NoError(t, err)
	assert.Equal(t, events.TypeRewards, ev.Type)
	assert.Equal(t, uint64(2), ev.Step)
	require.Len(t, ev.Rewards, 2)
	assert.Equal(t, events.RewardLine{Amount: 630, ItemID: idA, Recipient: author.Hex()}, ev.Rewards[0])
	assert.Equal(t, events.RewardLine{Amount: 369, ItemID: idB, Recipient: author.Hex()}, ev.Rewards[1])

	require.Len(t, h.out.rewards, 1)
	assert.Len(t, h.out.scores[2], 3)
	assert.Len(t, h.out.scores[3], 3)
	assert.NotContains(t, h.out.scores, uint64(1), "warm-up steps are not stored")

	hot := h.w.GetHotItems(2)
	require.Len(t, hot, 2)
	assert.Equal(t, uint64(3), hot[0].Step)

	all := h.w.GetHotItems(0)
	require.Len(t, all, 3)
	titles := map[string]string{}
	for _, it := range all {
		titles[it.ID] = it.Title
	}
	assert.Equal(t, map[string]string{idA: "a", idB: "b", "ghost": ""}, titles)
}

func TestCatchUpResumesFromCheckpoint(t *testing.T) {
	cases := []struct {
		name       string
		checkpoint uint64
		has        bool
		want       []string
	}{
		{name: "from start block", want: []string{"post", "post", "post"}},
		{name: "from checkpoint", checkpoint: 3, has: true, want: []string{"post", "post"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.out.checkpoint, h.out.hasCheckpoint = tc.checkpoint, tc.has
			for i, height := range []uint64{2, 3, 15, 16} {
				h.ledger.InjectLog(models.LogEvent{TxHash: clienttest.NewTxID(uint64(i)), BlockHeight: height, Payload: postPayload(t, "p")})
			}
			h.ledger.DrainUnpolled()
			h.ledger.SetHead(30)

			require.NoError(t, h.w.CatchUp(context.Background(), extractor.Config{ChunkSize: 4, MaxConcurrency: 2}))
			assert.Equal(t, tc.want, h.out.kinds)
			assert.Equal(t, uint64(16), h.w.filterFrom)

			// The block-16 log is picked up live and confirmed at 31.
			h.tickAt(t, 30)
			h.tickAt(t, 31)
			assert.Len(t, h.out.kinds, len(tc.want)+1)
		})
	}
}

func TestBalances(t *testing.T) {
	h := newHarness(t, nil)
	contract, err := client.ContractABI()
	require.NoError(t, err)
	free, err := contract.Methods[client.MethodBalanceOf].Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)
	locked, err := contract.Methods[client.MethodLockBalance].Outputs.Pack(big.NewInt(7))
	require.NoError(t, err)
	h.ledger.SetView(client.MethodBalanceOf, free)

	_, _, err = h.w.Balances(context.Background(), voter)
	assert.ErrorIs(t, err, client.ErrRPCUnavailable)

	h.ledger.SetView(client.MethodLockBalance, locked)
	f, l, err := h.w.Balances(context.Background(), voter)
	require.NoError(t, err)
	assert.Equal(t, int64(42), f.Int64())
	assert.Equal(t, int64(7), l.Int64())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoopStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "polling", Polling.String())
	assert.Equal(t, "advancing", Advancing.String())
	assert.Equal(t, "distributing", Distributing.String())
}
