package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"copy-trader-go/risk"
)

const validYAML = `
env: dev
exchange:
  mainnet: false
leader:
  address: "0x1111111111111111111111111111111111111111"
follower:
  address: "0x2222222222222222222222222222222222222222"
  stream: false
risk:
  copyRatio: 0.1
  maxLeverage: 5
  maxNotionalUSD: 50000
  maxSlippageBps: 50
reconcile:
  intervalMs: 10000
  snapshotGraceMs: 250
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "dev" || cfg.Risk.CopyRatio != 0.1 {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	if cfg.Exchange.RestURL != "https://api.hyperliquid-testnet.xyz" {
		t.Fatalf("testnet default not applied: %s", cfg.Exchange.RestURL)
	}
	if cfg.Reconcile.Interval() != 10*time.Second || cfg.Reconcile.Grace() != 250*time.Millisecond {
		t.Fatalf("unexpected reconcile durations: %+v", cfg.Reconcile)
	}
	if cfg.Market.MarkPriceRefresh() != 5*time.Second {
		t.Fatalf("mark refresh default not applied")
	}
	if cfg.Dust.PositionSize != 1e-9 || cfg.Dust.DeltaSize != 1e-6 {
		t.Fatalf("dust defaults not applied: %+v", cfg.Dust)
	}
	if !cfg.Leader.StreamEnabled() || cfg.Follower.StreamEnabled() {
		t.Fatalf("unexpected stream flags")
	}
	if cfg.Risk.Limits() != (risk.Config{CopyRatio: 0.1, MaxLeverage: 5, MaxNotionalUSD: 50000, MaxSlippageBps: 50}) {
		t.Fatalf("unexpected risk limits: %+v", cfg.Risk.Limits())
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
env: prod
exchange:
  mainnet: true
risk:
  copyRatio: 0.5
  maxLeverage: 3
  maxNotionalUSD: 1000
`)
	t.Setenv("HL_PRIVATE_KEY", "hl-key")
	t.Setenv("CT_PRIVATE_KEY", "ct-key")
	t.Setenv("CT_LEADER_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("CT_FOLLOWER_ADDRESS", "0x3333333333333333333333333333333333333333")
	t.Setenv("CT_JOURNAL_DSN", "postgres://localhost/ct")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Exchange.PrivateKey != "ct-key" {
		t.Fatalf("CT_PRIVATE_KEY should win, got %q", cfg.Exchange.PrivateKey)
	}
	if cfg.Follower.Address != "0x3333333333333333333333333333333333333333" || cfg.Journal.PostgresDSN == "" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Exchange.WsURL != "wss://api.hyperliquid.xyz/ws" {
		t.Fatalf("mainnet ws default not applied: %s", cfg.Exchange.WsURL)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(AppConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}

	base, err := Load(writeTempConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := map[string]func(*AppConfig){
		"same accounts":  func(c *AppConfig) { c.Follower.Address = c.Leader.Address },
		"bad address":    func(c *AppConfig) { c.Leader.Address = "leader" },
		"copy ratio > 1": func(c *AppConfig) { c.Risk.CopyRatio = 1.5 },
		"no leverage":    func(c *AppConfig) { c.Risk.MaxLeverage = 0 },
		"negative grace": func(c *AppConfig) { c.Reconcile.SnapshotGraceMs = -1 },
		"bad jitter":     func(c *AppConfig) { c.Stream.BackoffJitter = 2 },
		"bad vault":      func(c *AppConfig) { c.Follower.VaultAddress = "vault" },
		"bad webhook":    func(c *AppConfig) { c.Alert.WebhookURL = "ftp://hooks" },
		"bad breaker":    func(c *AppConfig) { c.Exchange.BreakerThreshold = -1 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		err := Validate(cfg)
		var inv ErrInvalid
		if !errors.As(err, &inv) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("configs/config.yaml: %v", err)
	}
	if cfg.Exchange.BreakerThreshold != 5 || cfg.Exchange.BreakerCooldown().Seconds() != 30 {
		t.Fatalf("unexpected breaker config: %+v", cfg.Exchange)
	}
	if cfg.Exchange.RestURL != "https://api.hyperliquid-testnet.xyz" {
		t.Fatalf("testnet rest url, got %s", cfg.Exchange.RestURL)
	}
}
