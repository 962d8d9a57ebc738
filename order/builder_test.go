package order

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-trader-go/internal/store"
	"copy-trader-go/inventory"
	"copy-trader-go/market"
)

func metaOf(coin string, asset, szDecimals int, mark float64) market.Meta {
	return market.Meta{
		AssetMeta: market.AssetMeta{Coin: coin, AssetID: asset, SizeDecimals: szDecimals},
		MarkPrice: mark,
		HasMark:   mark > 0,
	}
}

func TestBuildOrderOpenLong(t *testing.T) {
	d := inventory.Delta{Coin: "BTC", TargetSize: 1, DeltaSize: 1, MaxNotionalUSD: 50_000}
	o := BuildOrder(d, metaOf("BTC", 0, 5, 50_000), 50, 1e-9)

	assert.True(t, o.IsBuy)
	assert.Equal(t, "1", o.Size)
	assert.False(t, o.ReduceOnly)
	assert.Equal(t, TifIoc, o.Tif)
	assert.Equal(t, 0, o.AssetID)
	assert.Equal(t, "mark", o.PriceSource)
	assert.Equal(t, "50250", o.LimitPrice)
	assert.Regexp(t, regexp.MustCompile(`^0x[0-9a-f]{32}$`), o.ClientID)
}

func TestBuildOrderCloseIsReduceOnly(t *testing.T) {
	cur := store.Position{Coin: "ETH", Size: 2, EntryPrice: 3_000}
	d := inventory.Delta{Coin: "ETH", Current: &cur, TargetSize: 0, DeltaSize: -2}
	o := BuildOrder(d, metaOf("ETH", 1, 4, 3_000), 50, 1e-9)

	assert.False(t, o.IsBuy)
	assert.Equal(t, "2", o.Size)
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, "2985", o.LimitPrice)
}

func TestBuildOrderReduceOnlyRules(t *testing.T) {
	long := store.Position{Coin: "SOL", Size: 10, EntryPrice: 100}
	short := store.Position{Coin: "SOL", Size: -10, EntryPrice: 100}
	m := metaOf("SOL", 5, 2, 100)

	cases := []struct {
		name   string
		delta  inventory.Delta
		reduce bool
	}{
		{"shrink long", inventory.Delta{Coin: "SOL", Current: &long, TargetSize: 4, DeltaSize: -6}, true},
		{"shrink short", inventory.Delta{Coin: "SOL", Current: &short, TargetSize: -4, DeltaSize: 6}, true},
		{"grow long", inventory.Delta{Coin: "SOL", Current: &long, TargetSize: 12, DeltaSize: 2}, false},
		{"flip to short", inventory.Delta{Coin: "SOL", Current: &long, TargetSize: -3, DeltaSize: -13}, false},
		{"fresh open", inventory.Delta{Coin: "SOL", TargetSize: -3, DeltaSize: -3}, false},
		{"target within dust", inventory.Delta{Coin: "SOL", Current: &long, TargetSize: 1e-12, DeltaSize: -10}, true},
	}
	for _, tc := range cases {
		o := BuildOrder(tc.delta, m, 10, 1e-9)
		assert.Equal(t, tc.reduce, o.ReduceOnly, tc.name)
	}
}

func TestBuildOrderPriceFallbacks(t *testing.T) {
	cur := store.Position{Coin: "ARB", Size: 100, EntryPrice: 1.25}
	d := inventory.Delta{Coin: "ARB", Current: &cur, TargetSize: 150, DeltaSize: 50}

	o := BuildOrder(d, metaOf("ARB", 11, 1, 0), 0, 1e-9)
	assert.Equal(t, "entry", o.PriceSource)
	assert.Equal(t, "1.25", o.LimitPrice)

	// 无标记价格也无持仓均价：价格为 0
	fresh := inventory.Delta{Coin: "ARB", TargetSize: 50, DeltaSize: 50}
	o = BuildOrder(fresh, metaOf("ARB", 11, 1, 0), 100, 1e-9)
	assert.Equal(t, "none", o.PriceSource)
	assert.Equal(t, 0.0, o.RefPrice)
	assert.Equal(t, 0.0, o.LimitPx)
	assert.Equal(t, "0", o.LimitPrice)
	assert.Equal(t, "50", o.Size)
}

func TestBuildOrderRoundsSize(t *testing.T) {
	d := inventory.Delta{Coin: "ETH", TargetSize: -0.123456, DeltaSize: -0.123456}
	o := BuildOrder(d, metaOf("ETH", 1, 4, 3_000), 0, 1e-9)
	assert.Equal(t, "0.1235", o.Size)
	assert.InDelta(t, 0.1235, o.SizeValue, 1e-12)

	tiny := inventory.Delta{Coin: "BTC", TargetSize: 0.000001, DeltaSize: 0.000001}
	o = BuildOrder(tiny, metaOf("BTC", 0, 5, 50_000), 0, 1e-9)
	assert.Equal(t, "0", o.Size)
	assert.Equal(t, 0.0, o.SizeValue)
}

func TestBuildOrderNegativeDecimalsPanics(t *testing.T) {
	d := inventory.Delta{Coin: "BAD", TargetSize: 1, DeltaSize: 1}
	assert.Panics(t, func() {
		BuildOrder(d, metaOf("BAD", 9, -1, 1), 0, 1e-9)
	})
}

func TestLimitPriceClamp(t *testing.T) {
	assert.InDelta(t, 101, LimitPrice(100, true, 100), 1e-9)
	assert.InDelta(t, 99, LimitPrice(100, false, 100), 1e-9)
	// 极端滑点被限制在 [0.1x, 10x]
	assert.InDelta(t, 1000, LimitPrice(100, true, 1_000_000), 1e-9)
	assert.InDelta(t, 10, LimitPrice(100, false, 9_999), 1e-9)
	assert.Equal(t, 0.0, LimitPrice(0, true, 50))
}

func TestFormatPrice(t *testing.T) {
	cases := []struct {
		px         float64
		szDecimals int
		want       string
	}{
		{50_250, 5, "50250"},
		{123_456.7, 5, "123457"},
		{3_012.345, 4, "3012.3"},
		{1.234567, 0, "1.2346"},
		{0.0123456, 0, "0.012346"},
		{0.0123456, 2, "0.0123"},
		{0, 2, "0"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatPrice(tc.px, tc.szDecimals), "px=%v", tc.px)
	}
}

func TestNewClientOrderIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewClientOrderID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
