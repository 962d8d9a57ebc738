package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"copy-trader-go/metrics"
)

const (
	MainnetRESTURL = "https://api.hyperliquid.xyz"
	TestnetRESTURL = "https://api.hyperliquid-testnet.xyz"
	MainnetWSURL   = "wss://api.hyperliquid.xyz/ws"
	TestnetWSURL   = "wss://api.hyperliquid-testnet.xyz/ws"
)

// ErrMalformed 交易所返回的数据无法解析。
var ErrMalformed = errors.New("malformed exchange response")

// restClient /info 与 /exchange 共用的 POST JSON 调用。
type restClient struct {
	baseURL string
	http    *http.Client
	limiter RateLimiter
}

func newRESTClient(baseURL string, hc *http.Client, lim RateLimiter) restClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return restClient{baseURL: baseURL, http: hc, limiter: lim}
}

func (c restClient) post(ctx context.Context, path, endpoint string, body interface{}, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RestErrors.WithLabelValues(endpoint).Inc()
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RestErrors.WithLabelValues(endpoint).Inc()
		return fmt.Errorf("%s read body: %w", endpoint, err)
	}
	if resp.StatusCode >= 300 {
		metrics.RestErrors.WithLabelValues(endpoint).Inc()
		return fmt.Errorf("%s status %d: %s", endpoint, resp.StatusCode, truncate(raw, 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		metrics.RestErrors.WithLabelValues(endpoint).Inc()
		return fmt.Errorf("%w: %s: %v", ErrMalformed, endpoint, err)
	}
	return nil
}

// parseNum 交易所数字以字符串下发。
func parseNum(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: number %q", ErrMalformed, s)
	}
	return d.InexactFloat64(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
