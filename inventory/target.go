package inventory

import (
	"math"

	"copy-trader-go/internal/store"
	"copy-trader-go/risk"
)

// Target 领跑仓位按跟单比例缩放后的目标敞口，每轮同步重新计算。
type Target struct {
	Coin              string
	Size              float64
	NotionalUSD       float64
	ImpliedEntryPrice float64
	ImpliedLeverage   float64
}

// ComputeTargets 由领跑视图计算目标仓位；输出顺序与视图一致（按币种）。
func ComputeTargets(leader store.View, cfg risk.Config) []Target {
	targets := make([]Target, 0, len(leader.Positions))
	equity := leader.Metrics.AccountValueUSD
	for _, p := range leader.Positions {
		size := p.Size * cfg.CopyRatio
		notional := math.Abs(size) * p.EntryPrice
		leverage := 0.0
		if equity > 0 {
			leverage = notional / equity
		}
		targets = append(targets, Target{
			Coin:              p.Coin,
			Size:              size,
			NotionalUSD:       notional,
			ImpliedEntryPrice: p.EntryPrice,
			ImpliedLeverage:   leverage,
		})
	}
	return targets
}
