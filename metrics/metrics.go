// Package metrics provides Prometheus metrics for the copy trader
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ct"

var (
	// 同步轮次
	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_passes_total",
		Help:      "同步轮次，按结果分类 (submitted/noop/skipped/failed)",
	}, []string{"result"})
	SyncLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_pass_seconds",
		Help:      "单轮同步耗时（秒）",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_submitted_total",
		Help:      "提交的 IOC 订单数",
	}, []string{"coin", "side"})
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_rejected_total",
		Help:      "交易所逐单拒绝数",
	}, []string{"coin"})

	// 状态存储
	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fills_applied_total",
		Help:      "已应用成交",
	}, []string{"role"})
	FillsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fills_ignored_total",
		Help:      "重复或乱序成交（按序列号丢弃）",
	}, []string{"role"})
	SnapshotsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_applied_total",
		Help:      "已应用的对账快照",
	}, []string{"role"})
	SnapshotsStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_stale_total",
		Help:      "因早于最新成交被拒绝的快照",
	}, []string{"role"})
	InvalidData = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_data_total",
		Help:      "校验失败的外部数据",
	}, []string{"role", "kind"})
	PositionSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "position_size",
		Help:      "当前仓位（正多负空）",
	}, []string{"role", "coin"})
	AccountValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "account_value_usd",
		Help:      "账户权益",
	}, []string{"role"})

	// 连接
	StreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_state",
		Help:      "成交流状态 0=disconnected 1=connecting 2=subscribed",
	}, []string{"role"})
	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "成交流重连次数",
	}, []string{"role"})
	RestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rest_errors_total",
		Help:      "REST 调用失败",
	}, []string{"endpoint"})
	ReconcileFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_failures_total",
		Help:      "对账快照获取或应用失败",
	}, []string{"role"})
	MarkRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mark_refresh_failures_total",
		Help:      "标记价格刷新失败（沿用旧价格）",
	})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "submit_breaker_state",
		Help:      "提交熔断器状态 0=closed 1=open 2=half_open",
	})

	ConfigReloadPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "config_reload_pending",
		Help:      "配置文件已变更，需要重启生效",
	})
)

// Handler 返回 /metrics 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}

// UpdatePosition 仓位为 0 时删除标签，避免残留。
func UpdatePosition(role, coin string, size float64) {
	if size == 0 {
		PositionSize.DeleteLabelValues(role, coin)
		return
	}
	PositionSize.WithLabelValues(role, coin).Set(size)
}
