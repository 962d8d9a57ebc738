package store

import "errors"

var (
	// ErrInvalidData 外部数据非法（非有限数、负价格、重复币种等），不修改状态。
	ErrInvalidData = errors.New("invalid data")
	// ErrStaleSnapshot 快照时间早于最新已应用成交，仅记录不上抛。
	ErrStaleSnapshot = errors.New("stale snapshot")
)
