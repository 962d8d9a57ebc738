package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
// 订单与状态事件的字段要足以在事后复盘一轮同步。
type Schema struct {
	Event    string
	Required []string
}

var orderFields = []string{
	"pass_id", "cloid", "coin", "side", "current_size", "target_size", "delta_size",
	"size", "ref_price", "price_source", "limit_price", "reduce_only",
}

var schemas = map[string]Schema{
	"order_built":    {Event: "order_built", Required: orderFields},
	"order_dry_run":  {Event: "order_dry_run", Required: append([]string{"grouping"}, orderFields...)},
	"order_acked":    {Event: "order_acked", Required: append([]string{"status", "filled_size", "avg_price"}, orderFields...)},
	"order_rejected": {Event: "order_rejected", Required: append([]string{"status", "reject_reason"}, orderFields...)},
	"sync_noop":      {Event: "sync_noop", Required: []string{"pass_id", "targets", "deltas"}},
	"sync_submitted": {Event: "sync_submitted", Required: []string{"pass_id", "orders", "rejected"}},
	"unknown_market": {Event: "unknown_market", Required: []string{"pass_id", "coin", "delta"}},
	"submit_blocked": {Event: "submit_blocked", Required: []string{"pass_id", "orders", "reason"}},
	"fill_applied": {
		Event:    "fill_applied",
		Required: []string{"role", "coin", "delta", "price", "seq", "prev_size", "size", "entry_price"},
	},
	"fill_ignored":     {Event: "fill_ignored", Required: []string{"role", "coin", "seq", "last_seq", "snapshot_ms"}},
	"fill_invalid":     {Event: "fill_invalid", Required: []string{"role", "coin", "delta", "price", "error"}},
	"snapshot_applied": {Event: "snapshot_applied", Required: []string{"role", "snapshot_ms", "positions", "account_value"}},
	"snapshot_stale":   {Event: "snapshot_stale", Required: []string{"role", "snapshot_ms", "last_fill_ms", "grace_ms"}},
	"snapshot_invalid": {Event: "snapshot_invalid", Required: []string{"role", "error"}},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key。未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s missing fields: %s", event, strings.Join(missing, ","))
	}
	return nil
}
