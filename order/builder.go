package order

import (
	"encoding/hex"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"copy-trader-go/inventory"
	"copy-trader-go/market"
)

const (
	maxPriceSigFigs   = 5
	maxPerpDecimals   = 6
	limitClampLow     = 0.1
	limitClampHigh    = 10.0
	basisPointDivisor = 10_000.0
)

// BuildOrder 把一条修正量转换为 IOC 限价单。
// 参考价优先级：标记价格、当前仓位均价、0。
func BuildOrder(d inventory.Delta, m market.Meta, slippageBps int, dust float64) Order {
	if m.SizeDecimals < 0 {
		panic(fmt.Sprintf("order: negative size decimals %d for %s", m.SizeDecimals, m.Coin))
	}
	isBuy := d.DeltaSize > 0

	ref, source := 0.0, "none"
	switch {
	case m.HasMark && m.MarkPrice > 0:
		ref, source = m.MarkPrice, "mark"
	case d.Current != nil && d.Current.EntryPrice > 0:
		ref, source = d.Current.EntryPrice, "entry"
	}

	limit := LimitPrice(ref, isBuy, slippageBps)
	size := decimal.NewFromFloat(math.Abs(d.DeltaSize)).Round(int32(m.SizeDecimals))

	return Order{
		Coin:        d.Coin,
		AssetID:     m.AssetID,
		IsBuy:       isBuy,
		LimitPrice:  FormatPrice(limit, m.SizeDecimals),
		Size:        size.String(),
		ReduceOnly:  reduceOnly(d, dust),
		Tif:         TifIoc,
		ClientID:    NewClientOrderID(),
		RefPrice:    ref,
		PriceSource: source,
		LimitPx:     limit,
		SizeValue:   size.InexactFloat64(),
		CurrentSize: d.CurrentSize(),
		TargetSize:  d.TargetSize,
		DeltaSize:   d.DeltaSize,
	}
}

// LimitPrice 按滑点调整参考价，并限制在参考价的 [0.1x, 10x]。
func LimitPrice(ref float64, isBuy bool, slippageBps int) float64 {
	if ref <= 0 || math.IsNaN(ref) || math.IsInf(ref, 0) {
		return 0
	}
	slip := float64(slippageBps) / basisPointDivisor
	px := ref * (1 - slip)
	if isBuy {
		px = ref * (1 + slip)
	}
	return math.Min(math.Max(px, ref*limitClampLow), ref*limitClampHigh)
}

// FormatPrice 线格式价格：最多 5 位有效数字（整数价格不受限），
// 小数位不超过 6 - szDecimals。
func FormatPrice(px float64, szDecimals int) string {
	if px <= 0 || math.IsNaN(px) || math.IsInf(px, 0) {
		return "0"
	}
	decimals := maxPriceSigFigs - 1 - int(math.Floor(math.Log10(px)))
	if decimals < 0 {
		decimals = 0
	}
	if limit := maxPerpDecimals - szDecimals; decimals > limit {
		decimals = limit
	}
	if decimals < 0 {
		decimals = 0
	}
	return decimal.NewFromFloat(px).Round(int32(decimals)).String()
}

// FormatSize 数量按市场精度四舍五入。
func FormatSize(size float64, szDecimals int) string {
	return decimal.NewFromFloat(math.Abs(size)).Round(int32(szDecimals)).String()
}

// NewClientOrderID 128 位客户端订单号，0x 前缀十六进制。
func NewClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// reduceOnly 目标接近 0，或方向不变且绝对值减小时只减仓；新开与反手为 false。
func reduceOnly(d inventory.Delta, dust float64) bool {
	if math.Abs(d.TargetSize) <= dust {
		return true
	}
	cur := d.CurrentSize()
	return sameDirection(cur, d.TargetSize) && math.Abs(d.TargetSize) < math.Abs(cur)
}

func sameDirection(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
