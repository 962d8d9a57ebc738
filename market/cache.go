package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/metrics"
)

var (
	// ErrNotLoaded 元数据尚未加载。
	ErrNotLoaded = errors.New("market metadata not loaded")
	// ErrInvalidMeta 元数据源返回的数据不合法。
	ErrInvalidMeta = errors.New("invalid market metadata")
)

// AssetMeta 单个市场的静态信息。
type AssetMeta struct {
	Coin         string
	AssetID      int
	SizeDecimals int
}

// Meta 静态信息加最新标记价格。
type Meta struct {
	AssetMeta
	MarkPrice float64
	HasMark   bool
}

// MetaSource 元数据与标记价格来源。
type MetaSource interface {
	FetchMeta(ctx context.Context) ([]AssetMeta, error)
	FetchMarkPrices(ctx context.Context) (map[string]float64, error)
}

// Cache 缓存市场元数据与标记价格。
// 元数据只加载一次；并发调用共享同一次外部请求。
type Cache struct {
	source MetaSource
	log    *logger.Logger
	group  singleflight.Group
	now    func() time.Time

	mu          sync.RWMutex
	meta        map[string]AssetMeta
	marks       map[string]float64
	loaded      bool
	refreshedAt time.Time
}

func NewCache(source MetaSource, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.NewNop()
	}
	return &Cache{
		source: source,
		log:    log,
		now:    time.Now,
		meta:   make(map[string]AssetMeta),
		marks:  make(map[string]float64),
	}
}

// Loaded 元数据是否已加载。
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// EnsureLoaded 确保元数据已加载。失败不缓存，下次调用重试。
func (c *Cache) EnsureLoaded(ctx context.Context) error {
	if c.Loaded() {
		return nil
	}
	_, err, _ := c.group.Do("meta", func() (interface{}, error) {
		if c.Loaded() {
			return nil, nil
		}
		assets, err := c.source.FetchMeta(ctx)
		if err != nil {
			metrics.RestErrors.WithLabelValues("meta").Inc()
			return nil, fmt.Errorf("fetch market meta: %w", err)
		}
		next := make(map[string]AssetMeta, len(assets))
		for _, a := range assets {
			if a.Coin == "" || a.SizeDecimals < 0 || a.AssetID < 0 {
				return nil, fmt.Errorf("%w: coin=%q asset=%d szDecimals=%d", ErrInvalidMeta, a.Coin, a.AssetID, a.SizeDecimals)
			}
			if _, dup := next[a.Coin]; dup {
				return nil, fmt.Errorf("%w: duplicate coin %s", ErrInvalidMeta, a.Coin)
			}
			next[a.Coin] = a
		}
		c.mu.Lock()
		c.meta = next
		c.loaded = true
		c.mu.Unlock()
		c.log.Info("market meta loaded", zap.Int("markets", len(next)))
		return nil, nil
	})
	return err
}

// RefreshMarkPrices 拉取全部已知市场的标记价格。
// 失败时保留旧价格，记录并返回错误；调用方可以继续使用旧价格。
func (c *Cache) RefreshMarkPrices(ctx context.Context) error {
	if !c.Loaded() {
		return ErrNotLoaded
	}
	_, err, _ := c.group.Do("marks", func() (interface{}, error) {
		prices, err := c.source.FetchMarkPrices(ctx)
		if err != nil {
			metrics.MarkRefreshFailures.Inc()
			metrics.RestErrors.WithLabelValues("mark_prices").Inc()
			c.log.LogError(err, map[string]interface{}{"stage": "refresh_mark_prices"})
			return nil, fmt.Errorf("refresh mark prices: %w", err)
		}
		c.mu.Lock()
		updated := 0
		for coin, px := range prices {
			if _, known := c.meta[coin]; !known {
				continue
			}
			if math.IsNaN(px) || math.IsInf(px, 0) || px <= 0 {
				continue
			}
			c.marks[coin] = px
			updated++
		}
		c.refreshedAt = c.now()
		c.mu.Unlock()
		c.log.Debug("mark prices refreshed", zap.Int("updated", updated))
		return nil, nil
	})
	return err
}

// RefreshIfStale 上次成功刷新早于 maxAge 时才刷新。
func (c *Cache) RefreshIfStale(ctx context.Context, maxAge time.Duration) error {
	c.mu.RLock()
	last := c.refreshedAt
	c.mu.RUnlock()
	if !last.IsZero() && c.now().Sub(last) < maxAge {
		return nil
	}
	return c.RefreshMarkPrices(ctx)
}

// MarkPrice 从未成功加载过返回 false。
func (c *Cache) MarkPrice(coin string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	px, ok := c.marks[coin]
	return px, ok
}

// Meta 返回市场信息；未知币种返回 false。
func (c *Cache) Meta(coin string) (Meta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.meta[coin]
	if !ok {
		return Meta{}, false
	}
	px, has := c.marks[coin]
	return Meta{AssetMeta: a, MarkPrice: px, HasMark: has}, true
}

// LastRefresh 上次成功刷新标记价格的时间。
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
