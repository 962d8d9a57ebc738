package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-trader-go/internal/store"
	"copy-trader-go/market"
	"copy-trader-go/risk"
)

type fakeMarkets struct {
	meta       map[string]market.Meta
	loadErr    error
	refreshErr error
	refreshes  atomic.Int32
}

func (f *fakeMarkets) EnsureLoaded(context.Context) error { return f.loadErr }

func (f *fakeMarkets) RefreshIfStale(context.Context, time.Duration) error {
	f.refreshes.Add(1)
	return f.refreshErr
}

func (f *fakeMarkets) Meta(coin string) (market.Meta, bool) {
	m, ok := f.meta[coin]
	return m, ok
}

type fakeSubmitter struct {
	mu      sync.Mutex
	calls   int
	batches [][]Order
	groups  []string
	err     error
	reject  map[string]string
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSubmitter) SubmitOrders(ctx context.Context, orders []Order, grouping string) ([]Ack, error) {
	f.mu.Lock()
	f.calls++
	f.batches = append(f.batches, orders)
	f.groups = append(f.groups, grouping)
	f.mu.Unlock()
	if f.entered != nil {
		close(f.entered)
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	acks := make([]Ack, 0, len(orders))
	for _, o := range orders {
		if reason, ok := f.reject[o.Coin]; ok {
			acks = append(acks, Ack{ClientID: o.ClientID, Status: StatusRejected, Error: reason})
			continue
		}
		acks = append(acks, Ack{ClientID: o.ClientID, Status: StatusFilled, FilledSize: o.Size})
	}
	return acks, nil
}

type fakeRecorder struct {
	passes []Pass
	err    error
}

func (f *fakeRecorder) RecordPass(_ context.Context, p Pass) error {
	f.passes = append(f.passes, p)
	return f.err
}

func snapshotStore(t *testing.T, role store.Role, equity float64, positions ...store.Position) *store.Store {
	t.Helper()
	st := store.New(role)
	_, err := st.ApplySnapshot(positions, store.AccountMetrics{AccountValueUSD: equity}, time.UnixMilli(1))
	require.NoError(t, err)
	return st
}

func testConfig() ExecutorConfig {
	return ExecutorConfig{
		Risk:             risk.Config{CopyRatio: 0.1, MaxLeverage: 10, MaxNotionalUSD: 1_000_000, MaxSlippageBps: 50},
		DustPositionSize: 1e-9,
		DustDeltaSize:    1e-6,
		MarkPriceMaxAge:  5 * time.Second,
	}
}

func defaultMarkets() *fakeMarkets {
	return &fakeMarkets{meta: map[string]market.Meta{
		"BTC": metaOf("BTC", 0, 5, 50_000),
		"ETH": metaOf("ETH", 1, 4, 3_000),
	}}
}

func TestSyncWithLeaderOpensBTC(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000, store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000})
	follower := snapshotStore(t, store.RoleFollower, 10_000)
	sub := &fakeSubmitter{}
	rec := &fakeRecorder{}
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub, WithRecorder(rec))

	res, err := ex.SyncWithLeader(context.Background())
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Len(t, res.Orders, 1)

	o := res.Orders[0]
	assert.Equal(t, "BTC", o.Coin)
	assert.True(t, o.IsBuy)
	assert.Equal(t, "1", o.Size)
	assert.False(t, o.ReduceOnly)
	assert.Equal(t, TifIoc, o.Tif)

	require.Equal(t, 1, sub.calls)
	assert.Equal(t, GroupingNA, sub.groups[0])
	require.Len(t, rec.passes, 1)
	assert.Equal(t, res.PassID, rec.passes[0].ID)
	assert.NoError(t, rec.passes[0].Err)
}

func TestSyncWithLeaderClosesAbandonedETH(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000)
	follower := snapshotStore(t, store.RoleFollower, 10_000, store.Position{Coin: "ETH", Size: 2, EntryPrice: 3_000})
	sub := &fakeSubmitter{}
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub)

	res, err := ex.SyncWithLeader(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	o := res.Orders[0]
	assert.False(t, o.IsBuy)
	assert.Equal(t, "2", o.Size)
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, 0.0, o.TargetSize)
	assert.Equal(t, -2.0, o.DeltaSize)
}

func TestSyncWithLeaderNoopWhenInSync(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000, store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000})
	follower := snapshotStore(t, store.RoleFollower, 10_000, store.Position{Coin: "BTC", Size: 1.0000001, EntryPrice: 50_000})
	sub := &fakeSubmitter{}
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub)

	res, err := ex.SyncWithLeader(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Orders)
	assert.Equal(t, 0, sub.calls)
}

func TestSyncWithLeaderSkipsUnknownMarket(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000,
		store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000},
		store.Position{Coin: "NEWCOIN", Size: 1000, EntryPrice: 1},
	)
	follower := snapshotStore(t, store.RoleFollower, 10_000)
	sub := &fakeSubmitter{}
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub)

	res, err := ex.SyncWithLeader(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, "BTC", res.Orders[0].Coin)
}

func TestSyncWithLeaderSingleFlight(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000, store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000})
	follower := snapshotStore(t, store.RoleFollower, 10_000)
	sub := &fakeSubmitter{entered: make(chan struct{}), release: make(chan struct{})}
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := ex.SyncWithLeader(context.Background())
		assert.NoError(t, err)
	}()

	<-sub.entered
	assert.True(t, ex.Busy())
	res, err := ex.SyncWithLeader(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(sub.release)
	<-done
	assert.False(t, ex.Busy())
	assert.Equal(t, 1, sub.calls)
}

func TestSyncWithLeaderSubmitError(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000, store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000})
	follower := snapshotStore(t, store.RoleFollower, 10_000)
	sub := &fakeSubmitter{err: errors.New("http 502")}
	rec := &fakeRecorder{}
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub, WithRecorder(rec))

	_, err := ex.SyncWithLeader(context.Background())
	assert.ErrorIs(t, err, ErrSubmit)
	assert.Equal(t, 1, sub.calls, "no retry inside the executor")
	require.Len(t, rec.passes, 1)
	assert.Error(t, rec.passes[0].Err)

	// 下一次触发重新计算并重新提交
	sub.err = nil
	res, err := ex.SyncWithLeader(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Orders, 1)
	assert.Equal(t, 2, sub.calls)
}

func TestSyncWithLeaderCountsRejections(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000,
		store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000},
		store.Position{Coin: "ETH", Size: 10, EntryPrice: 3_000},
	)
	follower := snapshotStore(t, store.RoleFollower, 100_000)
	sub := &fakeSubmitter{reject: map[string]string{"ETH": "Insufficient margin"}}
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub, WithRecorder(&fakeRecorder{err: errors.New("db down")}))

	res, err := ex.SyncWithLeader(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Acks, 2)
	assert.Equal(t, 1, res.Rejected)
}

func TestSyncWithLeaderMetaLoadFailureAborts(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000, store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000})
	follower := snapshotStore(t, store.RoleFollower, 10_000)
	mk := defaultMarkets()
	mk.loadErr = errors.New("meta unavailable")
	sub := &fakeSubmitter{}
	ex := NewExecutor(testConfig(), leader, follower, mk, sub)

	_, err := ex.SyncWithLeader(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSubmit)
	assert.Equal(t, 0, sub.calls)
}

func TestSyncWithLeaderRefreshFailureUsesStalePrices(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000, store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000})
	follower := snapshotStore(t, store.RoleFollower, 10_000)
	mk := defaultMarkets()
	mk.refreshErr = errors.New("timeout")
	sub := &fakeSubmitter{}
	ex := NewExecutor(testConfig(), leader, follower, mk, sub)

	res, err := ex.SyncWithLeader(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, "mark", res.Orders[0].PriceSource)
	assert.Equal(t, int32(1), mk.refreshes.Load())
}

func TestDryRunSubmitter(t *testing.T) {
	acks, err := DryRunSubmitter{}.SubmitOrders(context.Background(), []Order{{Coin: "BTC", ClientID: "0x1"}}, GroupingNA)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, StatusDryRun, acks[0].Status)
	assert.False(t, acks[0].Rejected())
}

func TestSyncWithLeaderBreakerBlocksAfterFailures(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000, store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000})
	follower := snapshotStore(t, store.RoleFollower, 10_000)
	sub := &fakeSubmitter{err: errors.New("http 502")}
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{Threshold: 2, Cooldown: time.Hour})
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub, WithBreaker(breaker))

	for i := 0; i < 2; i++ {
		_, err := ex.SyncWithLeader(context.Background())
		require.ErrorIs(t, err, ErrSubmit)
	}
	assert.Equal(t, risk.StateOpen, breaker.GetState())

	_, err := ex.SyncWithLeader(context.Background())
	require.ErrorIs(t, err, ErrSubmit)
	assert.ErrorIs(t, err, risk.ErrBreakerOpen)
	assert.Equal(t, 2, sub.calls, "open breaker must not reach the exchange")
}

func TestSyncWithLeaderRejectionsDoNotTripBreaker(t *testing.T) {
	leader := snapshotStore(t, store.RoleLeader, 1_000_000, store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000})
	follower := snapshotStore(t, store.RoleFollower, 10_000)
	sub := &fakeSubmitter{reject: map[string]string{"BTC": "insufficient margin"}}
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{Threshold: 1, Cooldown: time.Hour})
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub, WithBreaker(breaker))

	for i := 0; i < 3; i++ {
		res, err := ex.SyncWithLeader(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Rejected)
	}
	assert.Equal(t, risk.StateClosed, breaker.GetState())
}
