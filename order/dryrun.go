package order

import (
	"context"

	"copy-trader-go/infrastructure/logger"
)

// DryRunSubmitter 只记录订单，不提交。
type DryRunSubmitter struct {
	Log *logger.Logger
}

func (d DryRunSubmitter) SubmitOrders(_ context.Context, orders []Order, grouping string) ([]Ack, error) {
	acks := make([]Ack, 0, len(orders))
	for _, o := range orders {
		if d.Log != nil {
			fields := orderFields("", o)
			fields["grouping"] = grouping
			d.Log.LogOrder("order_dry_run", o.ClientID, fields)
		}
		acks = append(acks, Ack{ClientID: o.ClientID, Status: StatusDryRun})
	}
	return acks, nil
}
