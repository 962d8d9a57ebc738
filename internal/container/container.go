package container

import (
	"context"
	"fmt"
	"net/http"
	"reflect"

	"copy-trader-go/config"
	"copy-trader-go/gateway"
	"copy-trader-go/infrastructure/alert"
	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/internal/engine"
	"copy-trader-go/internal/journal"
	"copy-trader-go/internal/store"
	"copy-trader-go/market"
	"copy-trader-go/metrics"
	"copy-trader-go/order"
	"copy-trader-go/risk"
)

// Options 进程级开关
type Options struct {
	ConfigPath string // 为空时不监听配置文件
	DryRun     bool
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg  config.AppConfig
	opts Options

	// 基础设施
	logger   *logger.Logger
	alerts   *alert.Manager
	journal  order.PassRecorder
	journalQ *journal.Async
	closeJ   func()

	// 交易所网关
	info      *gateway.InfoClient
	submitter order.Submitter

	// 核心服务
	markets  *market.Cache
	leader   *store.Store
	follower *store.Store
	executor *order.Executor
	engine   *engine.Engine
	watcher  *config.Watcher

	// HTTP服务器
	adminServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(cfg config.AppConfig, opts Options) *Container {
	return &Container{
		cfg:       cfg,
		opts:      opts,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(ctx); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

// Logger 构建完成后可用
func (c *Container) Logger() *logger.Logger { return c.logger }

func (c *Container) buildInfrastructure(ctx context.Context) error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.logger = c.logger.WithFields(map[string]interface{}{"env": c.cfg.Env})

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Named("alert"))}
	if u := c.cfg.Alert.WebhookURL; u != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", u, nil))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alert.Throttle())

	c.journal = journal.Nop{}
	if dsn := c.cfg.Journal.PostgresDSN; dsn != "" {
		pg, err := journal.Open(ctx, dsn)
		if err != nil {
			return err
		}
		c.journalQ = journal.NewAsync(pg, 256, c.logger.Named("journal"))
		c.journal = c.journalQ
		c.closeJ = pg.Close
	}

	if c.opts.ConfigPath != "" {
		c.watcher, err = config.NewWatcher(c.opts.ConfigPath, c.cfg, c.logger.Named("config"))
		if err != nil {
			return fmt.Errorf("create config watcher failed: %w", err)
		}
		c.watcher.OnChange(func(next config.AppConfig, err error) {
			fields := map[string]interface{}{"path": c.opts.ConfigPath}
			switch {
			case err != nil:
				fields["error"] = err.Error()
				_ = c.alerts.SendWarning("config", "config file changed but invalid", fields)
			case !reflect.DeepEqual(next, c.cfg):
				_ = c.alerts.SendWarning("config", "config file changed, restart required", fields)
			}
		})
	}

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildGateway() error {
	ex := c.cfg.Exchange
	limiter := gateway.NewTokenBucketLimiter(ex.RestRate, ex.RestBurst)
	c.info = gateway.NewInfoClient(ex.RestURL, nil, limiter)

	if c.opts.DryRun {
		c.submitter = order.DryRunSubmitter{Log: c.logger.Named("dryrun")}
		c.logger.Warn("dry run: orders are logged, not submitted")
		c.logger.Info("gateway built")
		return nil
	}
	signer, err := gateway.NewSigner(ex.PrivateKey, ex.Mainnet)
	if err != nil {
		return err
	}
	exchange := gateway.NewExchangeClient(ex.RestURL, nil, limiter, signer)
	if v := c.cfg.Follower.VaultAddress; v != "" {
		exchange = exchange.WithVault(v)
	}
	c.submitter = exchange

	c.logger.Info("gateway built")
	return nil
}

func (c *Container) buildCoreServices() error {
	c.markets = market.NewCache(c.info, c.logger.Named("market"))

	storeLog := c.logger.Named("store")
	grace := store.WithSnapshotGrace(c.cfg.Reconcile.Grace())
	sink := store.WithEventSink(storeLog.LogStore)
	c.leader = store.New(store.RoleLeader, grace, sink)
	c.follower = store.New(store.RoleFollower, grace, sink)

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		Threshold: c.cfg.Exchange.BreakerThreshold,
		Cooldown:  c.cfg.Exchange.BreakerCooldown(),
	})
	breaker.OnStateChange(func(from, to risk.State) {
		metrics.BreakerState.Set(float64(to))
		fields := map[string]interface{}{"from": from.String(), "to": to.String()}
		if to == risk.StateOpen {
			_ = c.alerts.SendError("breaker", "order submission paused after repeated batch failures", fields)
			return
		}
		c.logger.LogRisk("breaker_state", fields)
	})

	c.executor = order.NewExecutor(order.ExecutorConfig{
		Risk:             c.cfg.Risk.Limits(),
		DustPositionSize: c.cfg.Dust.PositionSize,
		DustDeltaSize:    c.cfg.Dust.DeltaSize,
		MarkPriceMaxAge:  c.cfg.Market.MarkPriceRefresh(),
	}, c.leader, c.follower, c.markets, c.submitter,
		order.WithRecorder(c.journal),
		order.WithBreaker(breaker),
		order.WithLogger(c.logger.Named("executor")),
	)

	sc := c.cfg.Stream
	var err error
	c.engine, err = engine.New(engine.Config{
		LeaderAddress:     c.cfg.Leader.Address,
		FollowerAddress:   c.cfg.Follower.Address,
		ReconcileInterval: c.cfg.Reconcile.Interval(),
		StreamURL:         c.cfg.Exchange.WsURL,
		LeaderStream:      c.cfg.Leader.StreamEnabled(),
		FollowerStream:    c.cfg.Follower.StreamEnabled(),
		PingInterval:      sc.PingInterval(),
		Backoff: gateway.Backoff{
			Min:    sc.BackoffMin(),
			Max:    sc.BackoffMax(),
			Factor: sc.BackoffFactor,
			Jitter: sc.BackoffJitter,
		},
	}, engine.Components{
		Leader:   c.leader,
		Follower: c.follower,
		Fetcher:  c.info,
		Executor: c.executor,
		Logger:   c.logger.Named("engine"),
		Alerts:   c.alerts,
	})
	if err != nil {
		return fmt.Errorf("create engine failed: %w", err)
	}

	c.logger.Info("core services built")
	return nil
}

// AdminHandler 管理接口路由
func (c *Container) AdminHandler() http.Handler {
	return newAdminRouter(adminDeps{
		health:  c.HealthCheck,
		busy:    c.executor.Busy,
		request: c.engine.RequestSync,
		stats:   c.engine.GetStatistics,
		streams: func() map[store.Role]string {
			out := make(map[store.Role]string)
			for role, st := range c.engine.StreamStates() {
				out[role] = st.String()
			}
			return out
		},
		leader:   c.leader.View,
		follower: c.follower.View,
	})
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(&httpServerComponent{
		name:    "admin_server",
		handler: c.AdminHandler(),
		addr:    c.cfg.Admin.Addr,
		logger:  c.logger,
		server:  &c.adminServer,
	})
	if c.watcher != nil {
		c.lifecycle.Register(&runnerComponent{
			name:   "config_watcher",
			run:    c.watcher.Run,
			logger: c.logger,
		})
	}
	// 在引擎之后停止，写完最后一轮的记录
	if c.journalQ != nil {
		c.lifecycle.Register(&runnerComponent{
			name:   "journal_writer",
			run:    c.journalQ.Run,
			logger: c.logger,
		})
	}
	// 引擎最后启动、最先停止
	c.lifecycle.Register(&engineComponent{engine: c.engine})
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止；引擎等待进行中的同步轮次结束
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if c.closeJ != nil {
		c.closeJ()
	}
	if c.logger != nil {
		_ = c.logger.Close()
	}
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// engineComponent 引擎生命周期适配
type engineComponent struct {
	engine *engine.Engine
}

func (e *engineComponent) Name() string                    { return "copy_engine" }
func (e *engineComponent) Start(ctx context.Context) error { return e.engine.Start(ctx) }
func (e *engineComponent) Stop() error                     { return e.engine.Stop() }

func (e *engineComponent) Health() error {
	if st := e.engine.GetState(); st != engine.StateRunning {
		return fmt.Errorf("engine %s", st)
	}
	return nil
}
