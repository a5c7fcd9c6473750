// Package orders provides persistence for trading orders and transactions.
// A transaction is a logical trade: one or more entry orders plus their
// TP/SL/close orders, tracked from open to close.
package orders

import (
	"encoding/json"
	"time"

	"github.com/akrivos/helmsman/internal/domain"
)

// Order is one trading order, local or already at the broker.
type Order struct {
	ID             int64              `json:"id"`
	AccountID      int64              `json:"account_id"`
	TransactionID  *int64             `json:"transaction_id,omitempty"`
	Symbol         string             `json:"symbol"`
	Side           domain.OrderSide   `json:"side"`
	Quantity       float64            `json:"quantity"`
	Type           domain.OrderType   `json:"type"`
	LimitPrice     *float64           `json:"limit_price,omitempty"`
	StopPrice      *float64           `json:"stop_price,omitempty"`
	Status         domain.OrderStatus `json:"status"`
	FilledQuantity float64            `json:"filled_quantity"`
	OpenPrice      *float64           `json:"open_price,omitempty"` // average fill price
	BrokerOrderID  string             `json:"broker_order_id,omitempty"`

	// Dependency constraint: submit this order when the parent reaches the
	// trigger status (see the reconciler's dependency resolver).
	DependsOnOrder            *int64              `json:"depends_on_order,omitempty"`
	DependsOrderStatusTrigger *domain.OrderStatus `json:"depends_order_status_trigger,omitempty"`

	GoodFor   domain.TimeInForce `json:"good_for"`
	Comment   string             `json:"comment,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"` // auxiliary blob (tp/sl percent targets)
	CreatedAt time.Time          `json:"created_at"`
}

// Auxiliary data keys stored in Order.Data.
const (
	DataKeyTPPercent = "tp_percent"
	DataKeySLPercent = "sl_percent"
)

// IsEntry reports whether the order opens exposure (no parent dependency).
func (o *Order) IsEntry() bool {
	return o.DependsOnOrder == nil
}

// DataFloat reads a float value from the auxiliary blob.
func (o *Order) DataFloat(key string) (float64, bool) {
	if o.Data == nil {
		return 0, false
	}
	v, ok := o.Data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// SetDataFloat writes a float value into the auxiliary blob.
func (o *Order) SetDataFloat(key string, value float64) {
	if o.Data == nil {
		o.Data = make(map[string]interface{})
	}
	o.Data[key] = value
}

// Transaction is a logical trade tracked from open to close. TakeProfit and
// StopLoss are the source of truth; broker-side TP/SL orders mirror them.
type Transaction struct {
	ID          int64                    `json:"id"`
	Symbol      string                   `json:"symbol"`
	Quantity    float64                  `json:"quantity"`
	Side        domain.OrderSide         `json:"side"`
	OpenPrice   *float64                 `json:"open_price,omitempty"`
	ClosePrice  *float64                 `json:"close_price,omitempty"`
	OpenDate    *time.Time               `json:"open_date,omitempty"`
	CloseDate   *time.Time               `json:"close_date,omitempty"`
	Status      domain.TransactionStatus `json:"status"`
	TakeProfit  *float64                 `json:"take_profit,omitempty"`
	StopLoss    *float64                 `json:"stop_loss,omitempty"`
	ExpertID    *int64                   `json:"expert_id,omitempty"`
	CloseReason string                   `json:"close_reason,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
}

// IsLong reports whether the transaction's entry side is BUY.
func (t *Transaction) IsLong() bool {
	return t.Side == domain.SideBuy
}
