package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"copy-trader-go/order"
)

// ExchangeClient 通过 /exchange 提交签名后的动作。
type ExchangeClient struct {
	rest   restClient
	signer *Signer
	vault  string

	nowMs     func() int64
	mu        sync.Mutex
	lastNonce int64
}

func NewExchangeClient(baseURL string, hc *http.Client, lim RateLimiter, signer *Signer) *ExchangeClient {
	return &ExchangeClient{
		rest:   newRESTClient(baseURL, hc, lim),
		signer: signer,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

type limitWire struct {
	Tif string `json:"tif" msgpack:"tif"`
}

type orderTypeWire struct {
	Limit limitWire `json:"limit" msgpack:"limit"`
}

// orderWire 字段顺序参与签名哈希，不可调整。
type orderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	Price      string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	Type       orderTypeWire `json:"t" msgpack:"t"`
	Cloid      string        `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []orderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type exchangeRequest struct {
	Action       interface{} `json:"action"`
	Nonce        int64       `json:"nonce"`
	Signature    Signature   `json:"signature"`
	VaultAddress *string     `json:"vaultAddress"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderStatusWire struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled"`
	Error *string `json:"error"`
}

// WithVault 以子账户/金库身份下单。
func (c *ExchangeClient) WithVault(addr string) *ExchangeClient {
	c.vault = addr
	return c
}

// BuildOrderAction 把订单转换为交易所 order 动作。
func BuildOrderAction(orders []order.Order, grouping string) orderAction {
	wire := make([]orderWire, 0, len(orders))
	for _, o := range orders {
		tif := o.Tif
		if tif == "" {
			tif = order.TifIoc
		}
		wire = append(wire, orderWire{
			Asset:      o.AssetID,
			IsBuy:      o.IsBuy,
			Price:      o.LimitPrice,
			Size:       o.Size,
			ReduceOnly: o.ReduceOnly,
			Type:       orderTypeWire{Limit: limitWire{Tif: tif}},
			Cloid:      o.ClientID,
		})
	}
	if grouping == "" {
		grouping = order.GroupingNA
	}
	return orderAction{Type: "order", Orders: wire, Grouping: grouping}
}

// SubmitOrders 实现 order.Submitter。HTTP 失败、status=err、回执数量不符均视为整批失败。
func (c *ExchangeClient) SubmitOrders(ctx context.Context, orders []order.Order, grouping string) ([]order.Ack, error) {
	if c.signer == nil {
		return nil, ErrMissingKey
	}
	if len(orders) == 0 {
		return nil, nil
	}
	action := BuildOrderAction(orders, grouping)
	nonce := c.nextNonce()
	sig, err := c.signer.SignAction(action, nonce, c.vault)
	if err != nil {
		return nil, err
	}

	req := exchangeRequest{Action: action, Nonce: nonce, Signature: sig}
	if c.vault != "" {
		req.VaultAddress = &c.vault
	}
	var resp exchangeResponse
	if err := c.rest.post(ctx, "/exchange", "exchange_order", req, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		var msg string
		_ = json.Unmarshal(resp.Response, &msg)
		return nil, fmt.Errorf("exchange rejected batch: %s", msg)
	}

	var body struct {
		Type string `json:"type"`
		Data struct {
			Statuses []orderStatusWire `json:"statuses"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Response, &body); err != nil {
		return nil, fmt.Errorf("%w: order response: %v", ErrMalformed, err)
	}
	if len(body.Data.Statuses) != len(orders) {
		return nil, fmt.Errorf("%w: %d statuses for %d orders", ErrMalformed, len(body.Data.Statuses), len(orders))
	}

	acks := make([]order.Ack, len(orders))
	for i, st := range body.Data.Statuses {
		ack := order.Ack{ClientID: orders[i].ClientID}
		switch {
		case st.Filled != nil:
			ack.Status = order.StatusFilled
			ack.OrderID = st.Filled.Oid
			ack.FilledSize = st.Filled.TotalSz
			ack.AvgPrice = st.Filled.AvgPx
		case st.Resting != nil:
			ack.Status = order.StatusResting
			ack.OrderID = st.Resting.Oid
		case st.Error != nil:
			ack.Status = order.StatusRejected
			ack.Error = *st.Error
		default:
			return nil, errors.Join(ErrMalformed, fmt.Errorf("empty status at %d", i))
		}
		acks[i] = ack
	}
	return acks, nil
}

// nextNonce 毫秒时间戳，保证严格递增。
func (c *ExchangeClient) nextNonce() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nowMs()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}
