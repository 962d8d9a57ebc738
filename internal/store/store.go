package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"copy-trader-go/metrics"
)

// EventSink 接收状态变更事件，用于结构化日志。
type EventSink func(string, map[string]interface{})

// Store 维护单个账户（领跑或跟随）的持仓与账户数据。
// 写入只来自两处：流式成交 ApplyFill 与对账快照 ApplySnapshot；
// 读取方通过 View 拿到一致的时点视图，无需加锁。
type Store struct {
	role  Role
	grace time.Duration
	sink  EventSink

	mu         sync.Mutex
	positions  map[string]Position
	metrics    AccountMetrics
	seqs       map[string]Seq // 每个币种最后应用的成交序列号
	lastFillMs int64
	snapshotMs int64
	snapshotAt time.Time
	version    uint64

	view atomic.Pointer[View]
}

// Option 配置 Store。
type Option func(*Store)

// WithSnapshotGrace 快照时间允许落后最新成交的宽限。
func WithSnapshotGrace(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithEventSink 设置事件回调。
func WithEventSink(sink EventSink) Option {
	return func(s *Store) { s.sink = sink }
}

func New(role Role, opts ...Option) *Store {
	s := &Store{
		role:      role,
		positions: make(map[string]Position),
		seqs:      make(map[string]Seq),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publishLocked()
	return s
}

// Role 返回账户身份。
func (s *Store) Role() Role { return s.role }

// View 返回当前只读视图。
func (s *Store) View() View {
	return *s.view.Load()
}

// Positions 当前持仓，按币种排序，调用方不得修改。
func (s *Store) Positions() []Position {
	return s.View().Positions
}

// Metrics 当前账户数据。
func (s *Store) Metrics() AccountMetrics {
	return s.View().Metrics
}

// ApplyFill 增量应用一笔成交。序列号不晚于该币种已应用序列号的成交被忽略，
// 已被更新快照覆盖的成交同样忽略。返回是否真正修改了状态。
func (s *Store) ApplyFill(coin string, sizeDelta, price float64, seq Seq) (bool, error) {
	if coin == "" || !finite(sizeDelta) || !finite(price) || price <= 0 {
		metrics.InvalidData.WithLabelValues(string(s.role), "fill").Inc()
		err := fmt.Errorf("%w: fill coin=%q delta=%v price=%v", ErrInvalidData, coin, sizeDelta, price)
		s.logEvent("fill_invalid", map[string]interface{}{
			"role":  s.role,
			"coin":  coin,
			"delta": sizeDelta,
			"price": price,
			"seq":   seq.String(),
			"error": err.Error(),
		})
		return false, err
	}

	s.mu.Lock()
	last, seen := s.seqs[coin]
	if (seen && !seq.After(last)) || seq.TimeMs <= s.snapshotMs {
		snapshotMs := s.snapshotMs
		s.mu.Unlock()
		metrics.FillsIgnored.WithLabelValues(string(s.role)).Inc()
		s.logEvent("fill_ignored", map[string]interface{}{
			"role":        s.role,
			"coin":        coin,
			"seq":         seq.String(),
			"last_seq":    last.String(),
			"snapshot_ms": snapshotMs,
		})
		return false, nil
	}

	old, had := s.positions[coin]
	next := applyFillMath(old, had, coin, sizeDelta, price)
	if isZero(next.Size) {
		delete(s.positions, coin)
	} else {
		s.positions[coin] = next
	}
	s.seqs[coin] = seq
	if seq.TimeMs > s.lastFillMs {
		s.lastFillMs = seq.TimeMs
	}
	s.publishLocked()
	s.mu.Unlock()

	size := next.Size
	if isZero(size) {
		size = 0
	}
	metrics.FillsApplied.WithLabelValues(string(s.role)).Inc()
	metrics.UpdatePosition(string(s.role), coin, size)
	s.logEvent("fill_applied", map[string]interface{}{
		"role":        s.role,
		"coin":        coin,
		"delta":       sizeDelta,
		"price":       price,
		"seq":         seq.String(),
		"prev_size":   old.Size,
		"size":        size,
		"entry_price": next.EntryPrice,
	})
	return true, nil
}

// applyFillMath 新仓位 = 旧仓位 + 成交量；加仓时按数量加权均价，
// 减仓不改均价，穿越 0 时旧均价作废，剩余反向仓位以成交价为均价。
func applyFillMath(old Position, had bool, coin string, delta, price float64) Position {
	newSize := old.Size + delta
	switch {
	case isZero(newSize):
		return Position{Coin: coin}
	case !had || isZero(old.Size):
		return Position{Coin: coin, Size: newSize, EntryPrice: price}
	case sameSign(old.Size, delta):
		entry := (math.Abs(old.Size)*old.EntryPrice + math.Abs(delta)*price) / math.Abs(newSize)
		return Position{Coin: coin, Size: newSize, EntryPrice: entry}
	case sameSign(old.Size, newSize):
		return Position{Coin: coin, Size: newSize, EntryPrice: old.EntryPrice}
	default:
		return Position{Coin: coin, Size: newSize, EntryPrice: price}
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// ApplySnapshot 用对账快照整体替换持仓与账户数据。
// 快照时间早于（最新成交时间 - 宽限）时拒绝并返回 false，不视为错误。
func (s *Store) ApplySnapshot(positions []Position, m AccountMetrics, ts time.Time) (bool, error) {
	next := make(map[string]Position, len(positions))
	for _, p := range positions {
		if err := validatePosition(p); err != nil {
			return false, s.invalidSnapshot(err)
		}
		if _, dup := next[p.Coin]; dup {
			return false, s.invalidSnapshot(fmt.Errorf("%w: duplicate coin %s", ErrInvalidData, p.Coin))
		}
		if isZero(p.Size) {
			continue
		}
		next[p.Coin] = p
	}
	if err := validateMetrics(m); err != nil {
		return false, s.invalidSnapshot(err)
	}
	if m.WithdrawableUSD != nil {
		w := *m.WithdrawableUSD
		m.WithdrawableUSD = &w
	}
	tsMs := ts.UnixMilli()

	s.mu.Lock()
	stale := s.lastFillMs > 0 && tsMs < s.lastFillMs-s.grace.Milliseconds()
	older := tsMs < s.snapshotMs
	if stale || older {
		lastFill, lastSnapshot := s.lastFillMs, s.snapshotMs
		s.mu.Unlock()
		reason := ErrStaleSnapshot.Error()
		if !stale {
			reason = "older than applied snapshot"
		}
		metrics.SnapshotsStale.WithLabelValues(string(s.role)).Inc()
		s.logEvent("snapshot_stale", map[string]interface{}{
			"role":             s.role,
			"snapshot_ms":      tsMs,
			"last_fill_ms":     lastFill,
			"last_snapshot_ms": lastSnapshot,
			"grace_ms":         s.grace.Milliseconds(),
			"reason":           reason,
		})
		return false, nil
	}
	removed := make([]string, 0)
	for coin := range s.positions {
		if _, ok := next[coin]; !ok {
			removed = append(removed, coin)
		}
	}
	// 解锁后 next 即为在写的 s.positions，指标更新只用这份拷贝
	gauges := make([]Position, 0, len(next))
	for _, p := range next {
		gauges = append(gauges, p)
	}
	s.positions = next
	s.metrics = m
	s.snapshotMs = tsMs
	s.snapshotAt = ts
	s.publishLocked()
	s.mu.Unlock()

	metrics.SnapshotsApplied.WithLabelValues(string(s.role)).Inc()
	metrics.AccountValue.WithLabelValues(string(s.role)).Set(m.AccountValueUSD)
	for _, coin := range removed {
		metrics.UpdatePosition(string(s.role), coin, 0)
	}
	for _, p := range gauges {
		metrics.UpdatePosition(string(s.role), p.Coin, p.Size)
	}
	s.logEvent("snapshot_applied", map[string]interface{}{
		"role":          s.role,
		"snapshot_ms":   tsMs,
		"positions":     len(gauges),
		"removed":       removed,
		"account_value": m.AccountValueUSD,
	})
	return true, nil
}

func (s *Store) invalidSnapshot(err error) error {
	metrics.InvalidData.WithLabelValues(string(s.role), "snapshot").Inc()
	s.logEvent("snapshot_invalid", map[string]interface{}{
		"role":  s.role,
		"error": err.Error(),
	})
	return err
}

// publishLocked 生成新视图并原子发布；调用方需持有 mu。
func (s *Store) publishLocked() {
	s.version++
	positions := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Coin < positions[j].Coin })
	m := s.metrics
	if m.WithdrawableUSD != nil {
		w := *m.WithdrawableUSD
		m.WithdrawableUSD = &w
	}
	s.view.Store(&View{
		Role:       s.role,
		Positions:  positions,
		Metrics:    m,
		LastFillMs: s.lastFillMs,
		SnapshotAt: s.snapshotAt,
		Version:    s.version,
	})
}

func (s *Store) logEvent(event string, fields map[string]interface{}) {
	if s == nil || s.sink == nil {
		return
	}
	s.sink(event, fields)
}
