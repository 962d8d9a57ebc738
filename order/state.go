package order

// Status 交易所对单笔订单的回执状态。
type Status string

const (
	StatusResting  Status = "RESTING" // IOC 下不应出现，出现时照常记录
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
	StatusDryRun   Status = "DRY_RUN"
)

// TifIoc 立即成交否则取消。
const TifIoc = "Ioc"

// GroupingNA 批量中的订单相互独立。
const GroupingNA = "na"

// Order 一笔待提交的跟单订单。价格与数量的字符串为交易所线格式。
type Order struct {
	Coin       string
	AssetID    int
	IsBuy      bool
	LimitPrice string
	Size       string
	ReduceOnly bool
	Tif        string
	ClientID   string

	// 以下字段仅用于审计日志
	RefPrice    float64
	PriceSource string // mark / entry / none
	LimitPx     float64
	SizeValue   float64
	CurrentSize float64
	TargetSize  float64
	DeltaSize   float64
}

// Side 返回 BUY/SELL。
func (o Order) Side() string {
	if o.IsBuy {
		return "BUY"
	}
	return "SELL"
}

// Ack 批量提交中单笔订单的结果，与提交顺序一一对应。
type Ack struct {
	ClientID   string
	Status     Status
	OrderID    int64
	FilledSize string
	AvgPrice   string
	Error      string
}

// Rejected 是否被交易所拒绝。
func (a Ack) Rejected() bool {
	return a.Status == StatusRejected
}
