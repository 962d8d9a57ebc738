package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"copy-trader-go/config"
	"copy-trader-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	dryRun := flag.Bool("dryRun", false, "仅日志输出，不真正下单")
	envFile := flag.String("env", ".env", "环境变量文件，不存在时忽略")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("加载 %s 失败: %v", *envFile, err)
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := container.New(cfg, container.Options{ConfigPath: *cfgPath, DryRun: *dryRun})
	if err := c.Build(ctx); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}
	lg := c.Logger()
	lg.Info("copy trader running",
		zap.String("leader", cfg.Leader.Address),
		zap.String("follower", cfg.Follower.Address),
		zap.Bool("dry_run", *dryRun))

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify ready failed", zap.Error(err))
	}
	go feedWatchdog(ctx, c)

	<-ctx.Done()
	lg.Info("shutdown signal received")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err := c.Stop(); err != nil {
		log.Printf("停止时出错: %v", err)
		os.Exit(1)
	}
}

// feedWatchdog 健康时按 WatchdogSec 的一半喂狗；不健康时停止喂狗，由 systemd 重启
func feedWatchdog(ctx context.Context, c *container.Container) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				c.Logger().Warn("unhealthy, skipping watchdog ping", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
