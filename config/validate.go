package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

func invalid(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

// Validate ensures required fields are present and sane.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if !common.IsHexAddress(cfg.Leader.Address) {
		return invalid("leader.address must be a 0x address (or CT_LEADER_ADDRESS)")
	}
	if !common.IsHexAddress(cfg.Follower.Address) {
		return invalid("follower.address must be a 0x address (or CT_FOLLOWER_ADDRESS)")
	}
	if strings.EqualFold(cfg.Leader.Address, cfg.Follower.Address) {
		return invalid("leader and follower must be different accounts")
	}
	if cfg.Follower.VaultAddress != "" && !common.IsHexAddress(cfg.Follower.VaultAddress) {
		return invalid("follower.vaultAddress must be a 0x address")
	}
	if err := cfg.Risk.Limits().Validate(); err != nil {
		return invalid("risk: %v", err)
	}
	if cfg.Dust.PositionSize < 0 || cfg.Dust.DeltaSize < 0 {
		return invalid("dust thresholds must be >= 0")
	}
	if cfg.Reconcile.IntervalMs <= 0 {
		return invalid("reconcile.intervalMs must be > 0")
	}
	if cfg.Reconcile.SnapshotGraceMs < 0 {
		return invalid("reconcile.snapshotGraceMs must be >= 0")
	}
	if cfg.Market.MarkPriceRefreshMs <= 0 {
		return invalid("market.markPriceRefreshMs must be > 0")
	}
	s := cfg.Stream
	if s.PingIntervalMs <= 0 || s.BackoffMinMs <= 0 || s.BackoffMaxMs < s.BackoffMinMs {
		return invalid("stream intervals must be > 0 and backoffMaxMs >= backoffMinMs")
	}
	if s.BackoffFactor < 1 || s.BackoffJitter < 0 || s.BackoffJitter > 1 {
		return invalid("stream.backoffFactor must be >= 1 and backoffJitter within [0,1]")
	}
	if cfg.Exchange.RestRate < 0 || cfg.Exchange.RestBurst < 0 {
		return invalid("exchange.restRate/restBurst must be >= 0")
	}
	if cfg.Exchange.BreakerThreshold < 0 || cfg.Exchange.BreakerCooldownMs < 0 {
		return invalid("exchange.breakerThreshold/breakerCooldownMs must be >= 0")
	}
	if u := cfg.Alert.WebhookURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return invalid("alert.webhookURL must be an http(s) URL")
		}
	}
	if cfg.Alert.ThrottleMs < 0 {
		return invalid("alert.throttleMs must be >= 0")
	}
	return nil
}
