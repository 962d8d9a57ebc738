package risk

import "errors"

var (
	ErrCopyRatio      = errors.New("copy ratio out of range")
	ErrMaxLeverage    = errors.New("max leverage must be > 0")
	ErrMaxNotional    = errors.New("max notional must be > 0")
	ErrSlippageBps    = errors.New("max slippage bps must be >= 0")
	ErrNonFiniteValue = errors.New("risk value not finite")
	ErrBreakerOpen    = errors.New("submission circuit breaker open")
)
