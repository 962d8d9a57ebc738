package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/metrics"
)

// StreamState 成交流连接状态。
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateSubscribed
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "UNKNOWN"
	}
}

// StreamConfig 成交流参数。
type StreamConfig struct {
	URL          string
	User         string
	Role         string // 指标标签
	PingInterval time.Duration
	Backoff      Backoff
}

// FillHandler 在读循环中同步调用。
type FillHandler func(Fill)

// FillStream 订阅单个账户的 userFills，断线后指数退避重连。
// 重连期间的缺口由对账快照补齐，这里不做补偿。
type FillStream struct {
	cfg     StreamConfig
	handler FillHandler
	dialer  *websocket.Dialer
	log     *logger.Logger

	state        atomic.Int32
	mu           sync.Mutex
	onState      func(from, to StreamState)
	onSubscribed func()
}

func NewFillStream(cfg StreamConfig, handler FillHandler, log *logger.Logger) *FillStream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &FillStream{
		cfg:     cfg,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		log:     log,
	}
}

// OnStateChange 注册状态变更回调。
func (s *FillStream) OnStateChange(fn func(from, to StreamState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// OnSubscribed 每次（重新）订阅成功后回调，可用于立即对账。
func (s *FillStream) OnSubscribed(fn func()) {
	s.mu.Lock()
	s.onSubscribed = fn
	s.mu.Unlock()
}

// State 当前状态。
func (s *FillStream) State() StreamState {
	return StreamState(s.state.Load())
}

func (s *FillStream) setState(to StreamState) {
	from := StreamState(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.StreamState.WithLabelValues(s.cfg.Role).Set(float64(to))
	s.log.Info("fill stream state",
		zap.String("role", s.cfg.Role),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}

// Run 阻塞运行直到 ctx 取消；连接错误从不向上返回。
func (s *FillStream) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}
		s.setState(StateConnecting)
		subscribed, err := s.session(ctx)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			attempt = 0
		}
		attempt++
		wait := s.cfg.Backoff.Next(attempt)
		metrics.StreamReconnects.WithLabelValues(s.cfg.Role).Inc()
		s.log.Warn("fill stream disconnected, reconnecting",
			zap.String("role", s.cfg.Role),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session 一次完整连接：拨号、订阅、读循环。返回是否曾进入 Subscribed。
func (s *FillStream) session(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(v)
	}

	sub := map[string]interface{}{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": "userFills",
			"user": s.cfg.User,
		},
	}
	if err := write(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-ticker.C:
				if err := write(map[string]string{"method": "ping"}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	subscribed := false
	deadline := 2 * s.cfg.PingInterval
	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return subscribed, fmt.Errorf("read: %w", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.log.Warn("fill stream bad frame", zap.Error(err))
			continue
		}
		switch env.Channel {
		case "subscriptionResponse":
			if !subscribed {
				subscribed = true
				s.subscribed()
			}
		case "userFills":
			if !subscribed {
				subscribed = true
				s.subscribed()
			}
			s.dispatch(msg)
		case "pong":
		case "error":
			s.log.Warn("fill stream server error", zap.ByteString("data", env.Data))
		}
	}
}

func (s *FillStream) subscribed() {
	s.setState(StateSubscribed)
	s.mu.Lock()
	fn := s.onSubscribed
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *FillStream) dispatch(msg []byte) {
	batch, err := ParseUserFills(msg)
	if err != nil {
		if !errors.Is(err, ErrNonFillMessage) {
			metrics.InvalidData.WithLabelValues(s.cfg.Role, "fill_wire").Inc()
			s.log.LogError(err, map[string]interface{}{"role": s.cfg.Role, "stage": "parse_fills"})
		}
		return
	}
	// 订阅时的历史回放已包含在快照中
	if batch.Snapshot {
		s.log.Debug("skip userFills snapshot batch", zap.Int("fills", len(batch.Fills)))
		return
	}
	// 坏成交只丢弃自身，缺口由下一次对账补齐
	for _, bad := range batch.Invalid {
		metrics.InvalidData.WithLabelValues(s.cfg.Role, "fill_wire").Inc()
		s.log.LogError(bad, map[string]interface{}{"role": s.cfg.Role, "stage": "parse_fill"})
	}
	if s.handler == nil {
		return
	}
	for _, f := range batch.Fills {
		s.handler(f)
	}
}
