package auditworker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/Bed-guy/newshop/internal/kafka"
	"github.com/Bed-guy/newshop/internal/orders"
	"github.com/Bed-guy/newshop/internal/redisx"
)

// Service turns order events into admin operation log rows. It sits behind
// the audit topics, so a failure here never touches an order; redelivery is
// absorbed by the Redis event-id dedup.
type Service struct {
	Sink        orders.AdminOpSink
	Redis       *redis.Client
	ServiceName string
}

// HandleEvent is mounted as the consumer handler for every order topic.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnwrapEnvelope(m.Value, &env); err != nil {
		return err
	}

	if s.Redis != nil {
		dkey := fmt.Sprintf(redisx.KeyDedup, "auditworker", env.EventID)
		if exists, _ := redisx.Exists(ctx, s.Redis, dkey); exists {
			return nil
		}
		_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	}

	rec, ok, err := s.recordFor(env)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.Sink.AppendAdminOp(ctx, rec)
}

func (s *Service) recordFor(env orders.Envelope) (orders.AdminOpRecord, bool, error) {
	rec := orders.AdminOpRecord{
		Operation:  "event",
		ObjectType: "order",
		ObjectID:   env.CorrelationID,
		At:         env.OccurredAt,
	}
	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return rec, false, err
		}
		rec.ActorID = p.UserID
		rec.Content = fmt.Sprintf("order created, total %s", p.TotalAmount.StringFixed(2))
	case orders.EventOrderPaid:
		p, err := kafkax.UnwrapPayload[orders.OrderPaidPayload](env.Payload)
		if err != nil {
			return rec, false, err
		}
		rec.ActorID = p.UserID
		rec.Content = fmt.Sprintf("order paid via %s, amount %s", p.Method, p.Amount.StringFixed(2))
	case orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			return rec, false, err
		}
		rec.ActorID = p.ActorID
		rec.Content = fmt.Sprintf("order status %s -> %s", p.From, p.To)
	default:
		return rec, false, nil
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	return rec, true, nil
}
