package risk

import (
	"fmt"
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 - 正常提交
	StateClosed State = iota
	// StateOpen 打开状态 - 拒绝提交
	StateOpen
	// StateHalfOpen 半开状态 - 放行一次试探
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Threshold int           // 连续批量失败次数阈值
	Cooldown  time.Duration // 打开后等待多久进入半开
}

// CircuitBreaker 在交易所连续拒绝整批订单时暂停提交。
// 逐单拒绝不计入失败，只有整批失败才计入。
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openTime        time.Time
	trialInFlight   bool
	onChange        func(from, to State)
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: config.Threshold,
		cooldown:  config.Cooldown,
		now:       time.Now,
		state:     StateClosed,
	}
}

// OnStateChange 注册状态变化回调（在锁外调用）
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Allow 是否允许本次提交。打开状态冷却结束后只放行一次试探。
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	halfOpened, err := cb.allowLocked()
	cb.mu.Unlock()
	if halfOpened {
		cb.notify(StateOpen, StateHalfOpen)
	}
	return err
}

func (cb *CircuitBreaker) allowLocked() (bool, error) {
	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		wait := cb.cooldown - cb.now().Sub(cb.openTime)
		if wait > 0 {
			return false, fmt.Errorf("%w: retry in %v", ErrBreakerOpen, wait.Round(time.Millisecond))
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		return true, nil
	default:
		if cb.trialInFlight {
			return false, fmt.Errorf("%w: trial in flight", ErrBreakerOpen)
		}
		cb.trialInFlight = true
		return false, nil
	}
}

// RecordSuccess 整批提交成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFail = 0
	cb.trialInFlight = false
	cb.state = StateClosed
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// RecordFailure 整批提交失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFail++
	cb.trialInFlight = false
	if cb.state == StateHalfOpen || cb.consecutiveFail >= cb.threshold {
		cb.state = StateOpen
		cb.openTime = cb.now()
	}
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

// GetState 获取当前状态
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures 连续失败次数
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFail
}

func (cb *CircuitBreaker) notify(from, to State) {
	cb.mu.Lock()
	fn := cb.onChange
	cb.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}
