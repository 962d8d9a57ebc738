package risk

import (
	"fmt"
	"math"
)

// Config 跟单风控参数，进程启动时加载一次，之后只读。
type Config struct {
	CopyRatio      float64 // 领跑仓位 × CopyRatio = 跟随目标仓位
	MaxLeverage    float64 // 跟随账户允许的最大杠杆
	MaxNotionalUSD float64 // 单币种最大名义价值
	MaxSlippageBps int     // IOC 限价相对参考价的最大滑点
}

// Validate 校验参数范围。
func (c Config) Validate() error {
	for _, v := range []float64{c.CopyRatio, c.MaxLeverage, c.MaxNotionalUSD} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFiniteValue
		}
	}
	if c.CopyRatio <= 0 || c.CopyRatio > 1 {
		return fmt.Errorf("%w: %.6f not in (0, 1]", ErrCopyRatio, c.CopyRatio)
	}
	if c.MaxLeverage <= 0 {
		return fmt.Errorf("%w: %.4f", ErrMaxLeverage, c.MaxLeverage)
	}
	if c.MaxNotionalUSD <= 0 {
		return fmt.Errorf("%w: %.2f", ErrMaxNotional, c.MaxNotionalUSD)
	}
	if c.MaxSlippageBps < 0 {
		return fmt.Errorf("%w: %d", ErrSlippageBps, c.MaxSlippageBps)
	}
	return nil
}

// NotionalCap 返回 min(MaxNotionalUSD, MaxLeverage × equity)，不小于 0。
func (c Config) NotionalCap(equityUSD float64) float64 {
	capUSD := math.Min(c.MaxNotionalUSD, c.MaxLeverage*equityUSD)
	if math.IsNaN(capUSD) || capUSD < 0 {
		return 0
	}
	return capUSD
}

// SlippageFactor 返回 bps 对应的比例，例如 50bps -> 0.005。
func (c Config) SlippageFactor() float64 {
	return float64(c.MaxSlippageBps) / 10000
}
