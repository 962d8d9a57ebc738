package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"copy-trader-go/config"
	"copy-trader-go/gateway"
	"copy-trader-go/internal/store"
	"copy-trader-go/inventory"
	"copy-trader-go/market"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件，不存在时忽略")
	preview := flag.Bool("preview", false, "按当前风控参数预览目标与修正量（不下单）")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("加载 %s 失败: %v", *envFile, err)
	}
	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	info := gateway.NewInfoClient(cfg.Exchange.RestURL, nil,
		gateway.NewTokenBucketLimiter(cfg.Exchange.RestRate, cfg.Exchange.RestBurst))

	leader := load(ctx, info, store.RoleLeader, cfg.Leader.Address)
	follower := load(ctx, info, store.RoleFollower, cfg.Follower.Address)
	if !*preview {
		return
	}

	cache := market.NewCache(info, nil)
	if err := cache.EnsureLoaded(ctx); err != nil {
		log.Fatalf("加载市场元数据失败: %v", err)
	}
	if err := cache.RefreshMarkPrices(ctx); err != nil {
		log.Printf("刷新标记价格失败，继续: %v", err)
	}

	limits := cfg.Risk.Limits()
	targets := inventory.ComputeTargets(leader.View(), limits)
	deltas := inventory.ComputeDeltas(follower.View(), targets, limits, cfg.Dust.PositionSize)
	fmt.Println("== preview ==")
	for _, d := range deltas {
		mark, _ := cache.MarkPrice(d.Coin)
		fmt.Printf("%-8s current=%.6f target=%.6f delta=%+.6f cap=%.2f mark=%.4f\n",
			d.Coin, d.CurrentSize(), d.TargetSize, d.DeltaSize, d.MaxNotionalUSD, mark)
	}
}

func load(ctx context.Context, info *gateway.InfoClient, role store.Role, addr string) *store.Store {
	st, err := info.ClearinghouseState(ctx, addr)
	if err != nil {
		log.Fatalf("查询 %s 账户失败: %v", role, err)
	}
	ts := st.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	s := store.New(role)
	if _, err := s.ApplySnapshot(st.Positions, st.Metrics, ts); err != nil {
		log.Fatalf("%s 快照非法: %v", role, err)
	}
	v := s.View()
	fmt.Printf("== %s %s equity=%.2f time=%s ==\n", role, addr, v.Metrics.AccountValueUSD, ts.Format(time.RFC3339))
	if len(v.Positions) == 0 {
		fmt.Println("无持仓")
	}
	for _, p := range v.Positions {
		fmt.Printf("%-8s size=%+.6f entry=%.4f notional=%.2f\n", p.Coin, p.Size, p.EntryPrice, p.Size*p.EntryPrice)
	}
	return s
}
