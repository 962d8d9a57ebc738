package store

import (
	"fmt"
	"math"
	"time"
)

// Role 标识账户身份。
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Position 单币种持仓快照，Size 正多负空。
type Position struct {
	Coin       string
	Size       float64
	EntryPrice float64
}

// AccountMetrics 账户级数据，每次快照整体替换。
type AccountMetrics struct {
	AccountValueUSD float64
	WithdrawableUSD *float64
}

// Seq 成交序列号：先比较交易所时间（毫秒），再比较成交 ID。
type Seq struct {
	TimeMs int64
	ID     int64
}

// After 返回 s 是否严格晚于 o。
func (s Seq) After(o Seq) bool {
	if s.TimeMs != o.TimeMs {
		return s.TimeMs > o.TimeMs
	}
	return s.ID > o.ID
}

func (s Seq) String() string {
	return fmt.Sprintf("%d/%d", s.TimeMs, s.ID)
}

// View 某一时刻的只读视图，生成后不再修改。
type View struct {
	Role       Role
	Positions  []Position // 按币种排序
	Metrics    AccountMetrics
	LastFillMs int64
	SnapshotAt time.Time
	Version    uint64
}

// Position 按币种查找持仓。
func (v View) Position(coin string) (Position, bool) {
	for _, p := range v.Positions {
		if p.Coin == coin {
			return p, true
		}
	}
	return Position{}, false
}

// sizeEpsilon 以下的仓位视为 0（浮点累加误差）。
const sizeEpsilon = 1e-12

func isZero(v float64) bool {
	return math.Abs(v) < sizeEpsilon
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validatePosition(p Position) error {
	if p.Coin == "" {
		return fmt.Errorf("%w: empty coin", ErrInvalidData)
	}
	if !finite(p.Size) {
		return fmt.Errorf("%w: %s size not finite", ErrInvalidData, p.Coin)
	}
	if !finite(p.EntryPrice) || p.EntryPrice < 0 {
		return fmt.Errorf("%w: %s entry price %v", ErrInvalidData, p.Coin, p.EntryPrice)
	}
	return nil
}

func validateMetrics(m AccountMetrics) error {
	if !finite(m.AccountValueUSD) {
		return fmt.Errorf("%w: account value not finite", ErrInvalidData)
	}
	// 负权益说明上游数据损坏，必须暴露出来而不是截断为 0
	if m.AccountValueUSD < 0 {
		return fmt.Errorf("%w: negative account value %.2f", ErrInvalidData, m.AccountValueUSD)
	}
	if m.WithdrawableUSD != nil && !finite(*m.WithdrawableUSD) {
		return fmt.Errorf("%w: withdrawable not finite", ErrInvalidData)
	}
	return nil
}
