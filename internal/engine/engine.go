package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"copy-trader-go/gateway"
	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/internal/store"
	"copy-trader-go/metrics"
	"copy-trader-go/order"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// SnapshotFetcher 拉取账户全量快照。
type SnapshotFetcher interface {
	ClearinghouseState(ctx context.Context, user string) (gateway.AccountState, error)
}

// Syncer 执行一轮跟单同步。
type Syncer interface {
	SyncWithLeader(ctx context.Context) (order.Result, error)
}

// Alerter 告警出口，可为空
type Alerter interface {
	SendWarning(key, message string, fields map[string]interface{}) error
	SendError(key, message string, fields map[string]interface{}) error
}

// Config 引擎配置
type Config struct {
	LeaderAddress     string
	FollowerAddress   string
	ReconcileInterval time.Duration

	// StreamURL 为空时不订阅成交流，只靠对账驱动
	StreamURL      string
	LeaderStream   bool
	FollowerStream bool
	PingInterval   time.Duration
	Backoff        gateway.Backoff
}

// Components 引擎依赖组件
type Components struct {
	Leader   *store.Store
	Follower *store.Store
	Fetcher  SnapshotFetcher
	Executor Syncer
	Logger   *logger.Logger
	Alerts   Alerter
}

// account 单个身份的状态存储与行情订阅
type account struct {
	role    store.Role
	address string
	store   *store.Store
	stream  *gateway.FillStream
}

// Engine 事件接入：成交流增量更新、定时对账，并在状态变化后触发同步。
type Engine struct {
	config   Config
	accounts []*account
	fetcher  SnapshotFetcher
	executor Syncer
	logger   *logger.Logger
	alerts   Alerter
	now      func() time.Time

	state EngineState
	mu    sync.RWMutex

	// 容量为 1 的触发信号，多次触发合并为一次
	syncKick      chan struct{}
	reconcileKick chan struct{}
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime         time.Time
	FillsApplied      int64
	SnapshotsApplied  int64
	Passes            int64
	PassErrors        int64
	ReconcileErrors   int64
	LastPassTime      time.Time
	LastReconcileTime time.Time
}

// New 创建引擎
func New(cfg Config, c Components) (*Engine, error) {
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.LeaderAddress == "" || cfg.FollowerAddress == "" {
		return nil, errors.New("leader and follower addresses are required")
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}

	e := &Engine{
		config:        cfg,
		fetcher:       c.Fetcher,
		executor:      c.Executor,
		logger:        c.Logger,
		alerts:        c.Alerts,
		now:           time.Now,
		state:         StateIdle,
		syncKick:      make(chan struct{}, 1),
		reconcileKick: make(chan struct{}, 1),
	}
	e.accounts = []*account{
		e.newAccount(store.RoleLeader, cfg.LeaderAddress, c.Leader, cfg.LeaderStream),
		e.newAccount(store.RoleFollower, cfg.FollowerAddress, c.Follower, cfg.FollowerStream),
	}
	return e, nil
}

func (e *Engine) newAccount(role store.Role, addr string, st *store.Store, stream bool) *account {
	a := &account{role: role, address: addr, store: st}
	if stream && e.config.StreamURL != "" {
		a.stream = gateway.NewFillStream(gateway.StreamConfig{
			URL:          e.config.StreamURL,
			User:         addr,
			Role:         string(role),
			PingInterval: e.config.PingInterval,
			Backoff:      e.config.Backoff,
		}, e.fillHandler(a), e.logger.Named("stream").WithFields(map[string]interface{}{"role": role}))
		// 重连后立即对账，补上断线期间的缺口
		a.stream.OnSubscribed(e.RequestReconcile)
		a.stream.OnStateChange(func(from, to gateway.StreamState) {
			if from == gateway.StateSubscribed && to == gateway.StateDisconnected {
				e.alert(false, "stream:"+string(role), "fill stream disconnected", map[string]interface{}{"role": role})
			}
		})
	}
	return a
}

// Start 启动成交流、对账循环与同步循环
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.state = StateRunning
	e.stats.StartTime = e.now()
	e.mu.Unlock()

	e.logger.Info("Copy engine starting",
		zap.String("leader", e.config.LeaderAddress),
		zap.String("follower", e.config.FollowerAddress),
		zap.Duration("reconcile_interval", e.config.ReconcileInterval))

	for _, a := range e.accounts {
		if a.stream == nil {
			continue
		}
		s := a.stream
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			_ = s.Run(runCtx)
		}()
	}

	e.wg.Add(2)
	go e.reconcileLoop(runCtx)
	go e.syncLoop(runCtx)

	e.logger.Info("Copy engine started")
	return nil
}

// Stop 停止所有循环；正在执行的同步轮次会跑完再返回
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopped
	cancel := e.cancel
	e.mu.Unlock()

	e.logger.Info("Copy engine stopping...")
	cancel()
	e.wg.Wait()
	e.logger.Info("Copy engine stopped")
	return nil
}

// GetState 获取引擎状态
func (e *Engine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *Engine) GetStatistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// StreamStates 各身份成交流当前状态，未订阅的身份不出现
func (e *Engine) StreamStates() map[store.Role]gateway.StreamState {
	out := make(map[store.Role]gateway.StreamState)
	for _, a := range e.accounts {
		if a.stream != nil {
			out[a.role] = a.stream.State()
		}
	}
	return out
}

// RequestSync 请求一次同步，已有待执行请求时合并
func (e *Engine) RequestSync() {
	select {
	case e.syncKick <- struct{}{}:
	default:
	}
}

// RequestReconcile 请求一次立即对账
func (e *Engine) RequestReconcile() {
	select {
	case e.reconcileKick <- struct{}{}:
	default:
	}
}

func (e *Engine) fillHandler(a *account) gateway.FillHandler {
	return func(f gateway.Fill) {
		e.applyFill(a, f)
	}
}

// applyFill 成交写入状态存储，真正改变状态时触发同步
func (e *Engine) applyFill(a *account, f gateway.Fill) {
	applied, err := a.store.ApplyFill(f.Coin, f.SizeDelta, f.Price, store.Seq{TimeMs: f.TimeMs, ID: f.TradeID})
	if err != nil {
		// 已由 store 记录并计数
		return
	}
	if !applied {
		return
	}
	e.mu.Lock()
	e.stats.FillsApplied++
	e.mu.Unlock()
	e.RequestSync()
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ReconcileInterval)
	defer ticker.Stop()

	e.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile(ctx)
		case <-e.reconcileKick:
			e.reconcile(ctx)
		}
	}
}

// reconcile 拉取每个身份的快照并整体替换；任一快照被应用后触发同步
func (e *Engine) reconcile(ctx context.Context) {
	changed := false
	for _, a := range e.accounts {
		if ctx.Err() != nil {
			return
		}
		applied, err := e.reconcileAccount(ctx, a)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ReconcileFailures.WithLabelValues(string(a.role)).Inc()
			e.mu.Lock()
			e.stats.ReconcileErrors++
			e.mu.Unlock()
			e.logger.LogError(err, map[string]interface{}{
				"stage": "reconcile",
				"role":  a.role,
				"user":  a.address,
			})
			e.alert(false, "reconcile:"+string(a.role), "reconcile failed", map[string]interface{}{
				"role":  a.role,
				"error": err.Error(),
			})
			continue
		}
		if applied {
			changed = true
			e.mu.Lock()
			e.stats.SnapshotsApplied++
			e.mu.Unlock()
		}
	}
	e.mu.Lock()
	e.stats.LastReconcileTime = e.now()
	e.mu.Unlock()
	if changed {
		e.RequestSync()
	}
}

func (e *Engine) reconcileAccount(ctx context.Context, a *account) (bool, error) {
	// 本地时间在请求发出前取，保证不晚于服务端实际生成快照的时间
	requested := e.now()
	st, err := e.fetcher.ClearinghouseState(ctx, a.address)
	if err != nil {
		return false, fmt.Errorf("fetch %s snapshot: %w", a.role, err)
	}
	ts := st.Time
	if ts.IsZero() {
		ts = requested
	}
	applied, err := a.store.ApplySnapshot(st.Positions, st.Metrics, ts)
	if err != nil {
		return false, fmt.Errorf("apply %s snapshot: %w", a.role, err)
	}
	return applied, nil
}

// syncLoop 串行执行同步。轮次使用与取消无关的 ctx，停止时等待其结束而不是中断
func (e *Engine) syncLoop(ctx context.Context) {
	defer e.wg.Done()
	passCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.syncKick:
			e.syncOnce(passCtx)
		}
	}
}

// syncOnce 执行一轮同步。下单后不立即重跑：跟随账户的成交回报
// （fillHandler）与对账 tick 负责触发下一轮，此时跟随仓位已反映本轮成交。
func (e *Engine) syncOnce(ctx context.Context) {
	res, err := e.executor.SyncWithLeader(ctx)
	e.mu.Lock()
	e.stats.Passes++
	e.stats.LastPassTime = e.now()
	if err != nil {
		e.stats.PassErrors++
	}
	e.mu.Unlock()
	if err != nil {
		e.alert(true, "sync", "sync pass failed", map[string]interface{}{
			"pass_id": res.PassID,
			"orders":  len(res.Orders),
			"error":   err.Error(),
		})
		return
	}
	if res.Skipped {
		e.logger.Debug("sync pass already running, trigger dropped")
	}
}

func (e *Engine) alert(isError bool, key, msg string, fields map[string]interface{}) {
	if e.alerts == nil {
		return
	}
	send := e.alerts.SendWarning
	if isError {
		send = e.alerts.SendError
	}
	if err := send(key, msg, fields); err != nil {
		e.logger.Warn("alert delivery failed", zap.String("key", key), zap.Error(err))
	}
}

// validateComponents 验证组件
func validateComponents(c Components) error {
	if c.Leader == nil || c.Follower == nil {
		return errors.New("leader and follower stores are required")
	}
	if c.Fetcher == nil {
		return errors.New("snapshot fetcher is required")
	}
	if c.Executor == nil {
		return errors.New("executor is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}
