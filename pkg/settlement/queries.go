package settlement

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/resiliency"
)

// OrderStatusQuery asks the provider's order endpoint. This is the current
// API shape and therefore goes first in the strategy list.
type OrderStatusQuery struct {
	BaseURL string
	HTTP    *resiliency.Client
}

func (q *OrderStatusQuery) Name() string { return "order-status" }

func (q *OrderStatusQuery) Query(ctx context.Context, handle connector.SettlementHandle) (string, json.RawMessage, error) {
	var body struct {
		Status string `json:"status"`
	}
	u := q.BaseURL + "/v1/orders/" + url.PathEscape(handle.OrderID) + "/status"
	if err := q.HTTP.GetJSON(ctx, u, &body); err != nil {
		return "", nil, err
	}
	raw, _ := json.Marshal(body)
	return body.Status, raw, nil
}

// TxStatusQuery asks the older transfer endpoint keyed by source
// transaction hash. Kept as a fallback for deployments still serving the
// previous shape.
type TxStatusQuery struct {
	BaseURL string
	HTTP    *resiliency.Client
}

func (q *TxStatusQuery) Name() string { return "tx-status" }

func (q *TxStatusQuery) Query(ctx context.Context, handle connector.SettlementHandle) (string, json.RawMessage, error) {
	var body struct {
		State string `json:"state"`
	}
	u := q.BaseURL + "/v1/transfers?txHash=" + url.QueryEscape(handle.SourceTxHash)
	if err := q.HTTP.GetJSON(ctx, u, &body); err != nil {
		return "", nil, err
	}
	raw, _ := json.Marshal(body)
	return body.State, raw, nil
}
