package auditworker

import (
	"context"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkax "github.com/Bed-guy/newshop/internal/kafka"
	"github.com/Bed-guy/newshop/internal/orders"
)

func envelope(eventType, orderID string, payload any) kafkago.Message {
	env := orders.Envelope{
		EventID:       "evt-1",
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      "shop-api-test",
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	return kafkago.Message{Key: []byte(orderID), Value: kafkax.MustMarshal(env)}
}

func TestHandleEvent_OrderPaid(t *testing.T) {
	sink := orders.NewMemStore()
	svc := &Service{Sink: sink, ServiceName: "auditworker-test"}

	msg := envelope(orders.EventOrderPaid, "o-1", orders.OrderPaidPayload{
		OrderID: "o-1",
		UserID:  "u-1",
		Method:  orders.PayAlipay,
		Amount:  decimal.RequireFromString("39.98"),
		PaidAt:  time.Now().UTC(),
	})
	require.NoError(t, svc.HandleEvent(context.Background(), msg))

	recs := sink.AdminOpRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, "u-1", recs[0].ActorID)
	assert.Equal(t, "order", recs[0].ObjectType)
	assert.Equal(t, "o-1", recs[0].ObjectID)
	assert.Contains(t, recs[0].Content, "alipay")
	assert.Contains(t, recs[0].Content, "39.98")
}

func TestHandleEvent_StatusChanged(t *testing.T) {
	sink := orders.NewMemStore()
	svc := &Service{Sink: sink, ServiceName: "auditworker-test"}

	msg := envelope(orders.EventOrderStatusChanged, "o-2", orders.OrderStatusChangedPayload{
		OrderID: "o-2",
		From:    orders.StatusPaid,
		To:      orders.StatusShipped,
		ActorID: "admin-1",
	})
	require.NoError(t, svc.HandleEvent(context.Background(), msg))

	recs := sink.AdminOpRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, "admin-1", recs[0].ActorID)
	assert.Contains(t, recs[0].Content, "paid -> shipped")
}

func TestHandleEvent_UnknownTypeIsSkipped(t *testing.T) {
	sink := orders.NewMemStore()
	svc := &Service{Sink: sink, ServiceName: "auditworker-test"}

	msg := envelope("OrderArchived", "o-3", map[string]string{"order_id": "o-3"})
	require.NoError(t, svc.HandleEvent(context.Background(), msg))
	assert.Empty(t, sink.AdminOpRecords())
}

func TestHandleEvent_MalformedEnvelope(t *testing.T) {
	sink := orders.NewMemStore()
	svc := &Service{Sink: sink, ServiceName: "auditworker-test"}

	err := svc.HandleEvent(context.Background(), kafkago.Message{Value: []byte("{not json")})
	assert.Error(t, err)
	assert.Empty(t, sink.AdminOpRecords())
}
