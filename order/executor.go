package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/internal/store"
	"copy-trader-go/inventory"
	"copy-trader-go/market"
	"copy-trader-go/metrics"
	"copy-trader-go/risk"
)

// ErrSubmit 批量提交失败，整轮视为失败。
var ErrSubmit = errors.New("order batch submission failed")

// ViewSource 账户只读视图。
type ViewSource interface {
	View() store.View
}

// MarketSource 市场元数据。
type MarketSource interface {
	EnsureLoaded(ctx context.Context) error
	RefreshIfStale(ctx context.Context, maxAge time.Duration) error
	Meta(coin string) (market.Meta, bool)
}

// Submitter 交易所批量下单接口。
type Submitter interface {
	SubmitOrders(ctx context.Context, orders []Order, grouping string) ([]Ack, error)
}

// PassRecorder 记录已提交的同步轮次，失败不影响交易。
type PassRecorder interface {
	RecordPass(ctx context.Context, p Pass) error
}

// Pass 一轮提交的审计记录。
type Pass struct {
	ID        string
	StartedAt time.Time
	Orders    []Order
	Acks      []Ack
	Err       error
}

// ExecutorConfig 执行器参数。
type ExecutorConfig struct {
	Risk             risk.Config
	DustPositionSize float64
	DustDeltaSize    float64
	MarkPriceMaxAge  time.Duration
}

// Result 单轮同步结果。
type Result struct {
	PassID   string
	Skipped  bool // 已有同步在执行
	Targets  []inventory.Target
	Deltas   []inventory.Delta
	Orders   []Order
	Acks     []Ack
	Rejected int
	Duration time.Duration
}

// Executor 把领跑目标转换为跟随订单并提交。同一时刻最多一轮。
type Executor struct {
	cfg      ExecutorConfig
	leader   ViewSource
	follower ViewSource
	markets  MarketSource
	sub      Submitter
	recorder PassRecorder
	breaker  *risk.CircuitBreaker
	log      *logger.Logger
	running  atomic.Bool
}

// ExecutorOption 配置 Executor。
type ExecutorOption func(*Executor)

// WithRecorder 设置审计记录器。
func WithRecorder(r PassRecorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithBreaker 连续整批提交失败后暂停提交。
func WithBreaker(b *risk.CircuitBreaker) ExecutorOption {
	return func(e *Executor) { e.breaker = b }
}

// WithLogger 设置日志。
func WithLogger(l *logger.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

func NewExecutor(cfg ExecutorConfig, leader, follower ViewSource, markets MarketSource, sub Submitter, opts ...ExecutorOption) *Executor {
	e := &Executor{
		cfg:      cfg,
		leader:   leader,
		follower: follower,
		markets:  markets,
		sub:      sub,
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Busy 是否有同步轮次在执行。
func (e *Executor) Busy() bool {
	return e.running.Load()
}

// SyncWithLeader 执行一轮同步。已有轮次在执行时直接返回 Skipped，不排队也不报错。
func (e *Executor) SyncWithLeader(ctx context.Context) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		metrics.SyncPasses.WithLabelValues("skipped").Inc()
		return Result{Skipped: true}, nil
	}
	defer e.running.Store(false)

	start := time.Now()
	res, err := e.runPass(ctx, start)
	res.Duration = time.Since(start)
	metrics.SyncLatency.Observe(res.Duration.Seconds())

	switch {
	case err != nil:
		metrics.SyncPasses.WithLabelValues("failed").Inc()
		e.log.LogError(err, map[string]interface{}{
			"pass_id": res.PassID,
			"orders":  len(res.Orders),
		})
	case len(res.Orders) == 0:
		metrics.SyncPasses.WithLabelValues("noop").Inc()
	default:
		metrics.SyncPasses.WithLabelValues("submitted").Inc()
	}
	return res, err
}

func (e *Executor) runPass(ctx context.Context, start time.Time) (Result, error) {
	res := Result{PassID: uuid.NewString()}

	if err := e.markets.EnsureLoaded(ctx); err != nil {
		return res, fmt.Errorf("load market meta: %w", err)
	}
	if err := e.markets.RefreshIfStale(ctx, e.cfg.MarkPriceMaxAge); err != nil {
		e.log.Warn("mark price refresh failed, using last known prices", zap.Error(err))
	}

	leader := e.leader.View()
	follower := e.follower.View()
	res.Targets = inventory.ComputeTargets(leader, e.cfg.Risk)
	res.Deltas = inventory.ComputeDeltas(follower, res.Targets, e.cfg.Risk, e.cfg.DustPositionSize)

	for _, d := range res.Deltas {
		if math.Abs(d.DeltaSize) < e.cfg.DustDeltaSize {
			continue
		}
		meta, ok := e.markets.Meta(d.Coin)
		if !ok {
			e.log.LogRisk("unknown_market", map[string]interface{}{
				"pass_id": res.PassID,
				"coin":    d.Coin,
				"delta":   d.DeltaSize,
			})
			continue
		}
		o := BuildOrder(d, meta, e.cfg.Risk.MaxSlippageBps, e.cfg.DustPositionSize)
		if o.SizeValue == 0 {
			e.log.Debug("order size rounds to zero", zap.String("coin", d.Coin), zap.Float64("delta", d.DeltaSize))
			continue
		}
		e.log.LogOrder("order_built", o.ClientID, orderFields(res.PassID, o))
		res.Orders = append(res.Orders, o)
	}

	if len(res.Orders) == 0 {
		e.log.LogSync("sync_noop", map[string]interface{}{
			"pass_id":        res.PassID,
			"targets":        len(res.Targets),
			"deltas":         len(res.Deltas),
			"leader_version": leader.Version,
		})
		return res, nil
	}

	if e.breaker != nil {
		if err := e.breaker.Allow(); err != nil {
			e.log.LogRisk("submit_blocked", map[string]interface{}{
				"pass_id": res.PassID,
				"orders":  len(res.Orders),
				"reason":  err.Error(),
			})
			return res, fmt.Errorf("%w: %w", ErrSubmit, err)
		}
	}
	acks, err := e.sub.SubmitOrders(ctx, res.Orders, GroupingNA)
	pass := Pass{ID: res.PassID, StartedAt: start, Orders: res.Orders, Acks: acks}
	if err != nil {
		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		pass.Err = err
		e.record(ctx, pass)
		return res, fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	res.Acks = acks

	for i, o := range res.Orders {
		if i >= len(acks) {
			break
		}
		ack := acks[i]
		fields := orderFields(res.PassID, o)
		fields["status"] = string(ack.Status)
		if ack.Rejected() {
			res.Rejected++
			metrics.OrdersRejected.WithLabelValues(o.Coin).Inc()
			fields["reject_reason"] = ack.Error
			e.log.LogOrder("order_rejected", o.ClientID, fields)
			continue
		}
		metrics.OrdersSubmitted.WithLabelValues(o.Coin, o.Side()).Inc()
		fields["filled_size"] = ack.FilledSize
		fields["avg_price"] = ack.AvgPrice
		e.log.LogOrder("order_acked", o.ClientID, fields)
	}
	e.record(ctx, pass)

	e.log.LogSync("sync_submitted", map[string]interface{}{
		"pass_id":  res.PassID,
		"orders":   len(res.Orders),
		"rejected": res.Rejected,
	})
	return res, nil
}

func (e *Executor) record(ctx context.Context, p Pass) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordPass(ctx, p); err != nil {
		e.log.LogError(err, map[string]interface{}{"stage": "journal", "pass_id": p.ID})
	}
}

func orderFields(passID string, o Order) map[string]interface{} {
	return map[string]interface{}{
		"pass_id":      passID,
		"coin":         o.Coin,
		"side":         o.Side(),
		"current_size": o.CurrentSize,
		"target_size":  o.TargetSize,
		"delta_size":   o.DeltaSize,
		"size":         o.Size,
		"ref_price":    o.RefPrice,
		"price_source": o.PriceSource,
		"limit_price":  o.LimitPrice,
		"reduce_only":  o.ReduceOnly,
	}
}
