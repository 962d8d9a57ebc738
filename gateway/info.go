package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"copy-trader-go/internal/store"
	"copy-trader-go/market"
)

// InfoClient 查询 /info：市场元数据、标记价格与账户状态。
type InfoClient struct {
	rest restClient
}

func NewInfoClient(baseURL string, hc *http.Client, lim RateLimiter) *InfoClient {
	return &InfoClient{rest: newRESTClient(baseURL, hc, lim)}
}

type universeAsset struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	IsDelisted  bool   `json:"isDelisted"`
	MaxLeverage int    `json:"maxLeverage"`
}

type assetCtx struct {
	MarkPx *string `json:"markPx"`
}

// MetaAndAssetCtxs 返回元数据与标记价格；assetId 即 universe 下标。
func (c *InfoClient) MetaAndAssetCtxs(ctx context.Context) ([]market.AssetMeta, map[string]float64, error) {
	var raw []json.RawMessage
	if err := c.rest.post(ctx, "/info", "meta_and_asset_ctxs", map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, nil, err
	}
	if len(raw) != 2 {
		return nil, nil, fmt.Errorf("%w: metaAndAssetCtxs len %d", ErrMalformed, len(raw))
	}
	var meta struct {
		Universe []universeAsset `json:"universe"`
	}
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, nil, fmt.Errorf("%w: universe: %v", ErrMalformed, err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, nil, fmt.Errorf("%w: asset ctxs: %v", ErrMalformed, err)
	}

	assets := make([]market.AssetMeta, 0, len(meta.Universe))
	marks := make(map[string]float64, len(meta.Universe))
	for i, u := range meta.Universe {
		if u.IsDelisted {
			continue
		}
		assets = append(assets, market.AssetMeta{Coin: u.Name, AssetID: i, SizeDecimals: u.SzDecimals})
		if i < len(ctxs) && ctxs[i].MarkPx != nil {
			px, err := parseNum(*ctxs[i].MarkPx)
			if err != nil {
				continue
			}
			marks[u.Name] = px
		}
	}
	return assets, marks, nil
}

// FetchMeta 实现 market.MetaSource。
func (c *InfoClient) FetchMeta(ctx context.Context) ([]market.AssetMeta, error) {
	assets, _, err := c.MetaAndAssetCtxs(ctx)
	return assets, err
}

// FetchMarkPrices 实现 market.MetaSource。
func (c *InfoClient) FetchMarkPrices(ctx context.Context) (map[string]float64, error) {
	_, marks, err := c.MetaAndAssetCtxs(ctx)
	return marks, err
}

// AccountState 账户快照。Time 为服务端时间，缺失时为零值。
type AccountState struct {
	Positions []store.Position
	Metrics   store.AccountMetrics
	Time      time.Time
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin    string  `json:"coin"`
			Szi     string  `json:"szi"`
			EntryPx *string `json:"entryPx"`
		} `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	Withdrawable *string `json:"withdrawable"`
	Time         int64   `json:"time"`
}

// ClearinghouseState 查询账户永续仓位与权益。
func (c *InfoClient) ClearinghouseState(ctx context.Context, user string) (AccountState, error) {
	var resp clearinghouseState
	req := map[string]string{"type": "clearinghouseState", "user": user}
	if err := c.rest.post(ctx, "/info", "clearinghouse_state", req, &resp); err != nil {
		return AccountState{}, err
	}

	state := AccountState{Positions: make([]store.Position, 0, len(resp.AssetPositions))}
	for _, ap := range resp.AssetPositions {
		size, err := parseNum(ap.Position.Szi)
		if err != nil {
			return AccountState{}, err
		}
		entry := 0.0
		if ap.Position.EntryPx != nil {
			if entry, err = parseNum(*ap.Position.EntryPx); err != nil {
				return AccountState{}, err
			}
		}
		state.Positions = append(state.Positions, store.Position{Coin: ap.Position.Coin, Size: size, EntryPrice: entry})
	}
	av, err := parseNum(resp.MarginSummary.AccountValue)
	if err != nil {
		return AccountState{}, err
	}
	state.Metrics.AccountValueUSD = av
	if resp.Withdrawable != nil {
		w, err := parseNum(*resp.Withdrawable)
		if err != nil {
			return AccountState{}, err
		}
		state.Metrics.WithdrawableUSD = &w
	}
	if resp.Time > 0 {
		state.Time = time.UnixMilli(resp.Time)
	}
	return state, nil
}
