package inventory

import (
	"math"

	"copy-trader-go/internal/store"
	"copy-trader-go/risk"
)

// Delta 跟随账户需要的仓位修正量。
type Delta struct {
	Coin           string
	Current        *store.Position // 无持仓时为 nil
	TargetSize     float64
	DeltaSize      float64
	MaxNotionalUSD float64 // 该币种本轮允许的名义价值
}

// CurrentSize 当前仓位，无持仓返回 0。
func (d Delta) CurrentSize() float64 {
	if d.Current == nil {
		return 0
	}
	return d.Current.Size
}

// ComputeDeltas 结合跟随视图与风控上限计算修正量。
// 领跑已退出（或从未持有）而跟随仍持有超过 dust 的币种，追加平仓修正，排在最后。
func ComputeDeltas(follower store.View, targets []Target, cfg risk.Config, dust float64) []Delta {
	globalCap := cfg.NotionalCap(follower.Metrics.AccountValueUSD)
	deltas := make([]Delta, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))

	for _, t := range targets {
		seen[t.Coin] = struct{}{}
		allowedNotional := math.Min(t.NotionalUSD, globalCap)
		allowedSize := 0.0
		if t.ImpliedEntryPrice > 0 && !math.IsInf(t.ImpliedEntryPrice, 0) {
			allowedSize = sign(t.Size) * (allowedNotional / t.ImpliedEntryPrice)
		}
		if math.IsNaN(allowedSize) || math.IsInf(allowedSize, 0) {
			allowedSize = 0
		}
		d := Delta{
			Coin:           t.Coin,
			TargetSize:     allowedSize,
			MaxNotionalUSD: allowedNotional,
		}
		if cur, ok := follower.Position(t.Coin); ok {
			d.Current = &cur
		}
		d.DeltaSize = allowedSize - d.CurrentSize()
		deltas = append(deltas, d)
	}

	for _, p := range follower.Positions {
		if _, ok := seen[p.Coin]; ok {
			continue
		}
		if math.Abs(p.Size) <= dust {
			continue
		}
		cur := p
		deltas = append(deltas, Delta{
			Coin:      p.Coin,
			Current:   &cur,
			DeltaSize: -p.Size,
		})
	}
	return deltas
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
