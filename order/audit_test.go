package order

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/internal/store"
	"copy-trader-go/monitor/logschema"
)

// 每个订单事件都要带齐复盘所需的字段
func TestPassLogsAreAuditable(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	lg := &logger.Logger{Logger: zap.New(core)}

	leader := snapshotStore(t, store.RoleLeader, 1_000_000,
		store.Position{Coin: "BTC", Size: 10, EntryPrice: 50_000},
		store.Position{Coin: "SOL", Size: 100, EntryPrice: 150},
	)
	follower := snapshotStore(t, store.RoleFollower, 10_000, store.Position{Coin: "ETH", Size: 2, EntryPrice: 3_000})
	sub := &fakeSubmitter{reject: map[string]string{"ETH": "Order could not immediately match"}}
	ex := NewExecutor(testConfig(), leader, follower, defaultMarkets(), sub, WithLogger(lg))

	res, err := ex.SyncWithLeader(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	assert.Equal(t, 1, res.Rejected)

	seen := map[string]int{}
	for _, entry := range logs.All() {
		fields := entry.ContextMap()
		event, _ := fields["event"].(string)
		if event == "" {
			continue
		}
		seen[event]++
		assert.NoError(t, logschema.Validate(event, fields))
	}
	assert.Equal(t, 2, seen["order_built"])
	assert.Equal(t, 1, seen["order_acked"])
	assert.Equal(t, 1, seen["order_rejected"])
	assert.Equal(t, 1, seen["unknown_market"])
	assert.Equal(t, 1, seen["sync_submitted"])
}

func TestDryRunLogsAreAuditable(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	d := DryRunSubmitter{Log: &logger.Logger{Logger: zap.New(core)}}
	_, err := d.SubmitOrders(context.Background(), []Order{{Coin: "BTC", IsBuy: true, Size: "1", LimitPrice: "50250", ClientID: "0x1"}}, GroupingNA)
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "order_dry_run", fields["event"])
	assert.NoError(t, logschema.Validate("order_dry_run", fields))
}
