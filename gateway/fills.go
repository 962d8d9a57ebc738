package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNonFillMessage 消息不是 userFills 推送。
var ErrNonFillMessage = errors.New("not a userFills message")

// Fill 一笔成交，SizeDelta 为带符号的仓位变化。
type Fill struct {
	Coin      string
	SizeDelta float64
	Price     float64
	TimeMs    int64
	TradeID   int64
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type userFillsData struct {
	IsSnapshot bool   `json:"isSnapshot"`
	User       string `json:"user"`
	Fills      []struct {
		Coin string `json:"coin"`
		Px   string `json:"px"`
		Sz   string `json:"sz"`
		Side string `json:"side"`
		Time int64  `json:"time"`
		Tid  int64  `json:"tid"`
	} `json:"fills"`
}

// FillBatch 一条 userFills 推送的解析结果。Invalid 为逐条解析失败的成交，
// 不影响同批其它成交。
type FillBatch struct {
	Fills    []Fill
	Snapshot bool // 订阅时的历史回放批次
	Invalid  []error
}

// ParseUserFills 解析 userFills 推送；只有整条消息无法解析时才返回错误。
// 现货成交（@N 或 BASE/QUOTE）不影响永续仓位，直接跳过。
func ParseUserFills(raw []byte) (FillBatch, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return FillBatch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Channel != "userFills" {
		return FillBatch{}, ErrNonFillMessage
	}
	var data userFillsData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return FillBatch{}, fmt.Errorf("%w: userFills: %v", ErrMalformed, err)
	}

	batch := FillBatch{Fills: make([]Fill, 0, len(data.Fills)), Snapshot: data.IsSnapshot}
	for _, f := range data.Fills {
		if strings.HasPrefix(f.Coin, "@") || strings.Contains(f.Coin, "/") {
			continue
		}
		px, err := parseNum(f.Px)
		if err != nil {
			batch.Invalid = append(batch.Invalid, fmt.Errorf("fill coin=%s tid=%d px: %w", f.Coin, f.Tid, err))
			continue
		}
		sz, err := parseNum(f.Sz)
		if err != nil {
			batch.Invalid = append(batch.Invalid, fmt.Errorf("fill coin=%s tid=%d sz: %w", f.Coin, f.Tid, err))
			continue
		}
		switch f.Side {
		case "B":
		case "A":
			sz = -sz
		default:
			batch.Invalid = append(batch.Invalid, fmt.Errorf("%w: fill coin=%s tid=%d side %q", ErrMalformed, f.Coin, f.Tid, f.Side))
			continue
		}
		batch.Fills = append(batch.Fills, Fill{Coin: f.Coin, SizeDelta: sz, Price: px, TimeMs: f.Time, TradeID: f.Tid})
	}
	return batch, nil
}
