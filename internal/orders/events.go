package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderPaid          = "OrderPaid"
	EventOrderStatusChanged = "OrderStatusChanged"
)

// Envelope is the versioned wrapper every order event travels in.
// CorrelationID is the order id so one order's events keep their ordering
// on a partition.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type LinePayload struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID     string          `json:"order_id"`
	ExternalID  string          `json:"external_id"`
	UserID      string          `json:"user_id"`
	MerchantID  string          `json:"merchant_id"`
	Lines       []LinePayload   `json:"lines"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type OrderPaidPayload struct {
	OrderID string          `json:"order_id"`
	UserID  string          `json:"user_id"`
	Method  PaymentMethod   `json:"payment_method"`
	Amount  decimal.Decimal `json:"amount"`
	PaidAt  time.Time       `json:"paid_at"`
}

type OrderStatusChangedPayload struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
	ActorID string `json:"actor_id,omitempty"`
}
