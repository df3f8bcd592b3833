package orders

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Controller governs post-creation status transitions. No stock mutation
// happens here unless the restock-on-cancel policy is enabled.
type Controller struct {
	store    Store
	payments PaymentSink
	adminOps AdminOpSink

	// RestockOnCancel restores line quantities when an order is cancelled.
	// Off by default: the upstream system cancelled without restocking.
	RestockOnCancel bool
}

func NewController(store Store, payments PaymentSink, adminOps AdminOpSink) *Controller {
	return &Controller{store: store, payments: payments, adminOps: adminOps}
}

// Pay moves a pending order to paid, stamping the payment method and time.
// A non-admin payer may only pay their own order. The payment record is
// appended after commit; a sink failure is logged, never rolled back.
func (c *Controller) Pay(ctx context.Context, orderID string, method PaymentMethod, payerID, payerIP string, admin bool) (*Order, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: payment_method is required", ErrInvalidRequest)
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown payment_method %q", ErrInvalidRequest, method)
	}

	o, err := c.store.Transition(ctx, orderID, StatusPaid, TransitionOpts{
		Method:     method,
		ActorID:    payerID,
		ActorAdmin: admin,
	})
	if err != nil {
		return nil, err
	}

	if c.payments != nil {
		rec := PaymentRecord{
			UserID:  o.UserID,
			OrderID: o.ID,
			Amount:  o.TotalAmount,
			Method:  method,
			Result:  "success",
			IP:      payerIP,
			At:      time.Now().UTC(),
		}
		if err := c.payments.AppendPayment(ctx, rec); err != nil {
			log.Printf("payment record append failed (order %s): %v", o.ID, err)
		}
	}
	return o, nil
}

// SetStatus is the administrative transition. Entering paid requires a
// payment method and must go through Pay.
func (c *Controller) SetStatus(ctx context.Context, orderID string, to Status, actorID, actorIP string) (*Order, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if to == StatusPaid {
		return nil, fmt.Errorf("%w: transition to paid requires a payment method; use the pay operation", ErrInvalidRequest)
	}

	o, err := c.store.Transition(ctx, orderID, to, TransitionOpts{
		ActorID:    actorID,
		ActorAdmin: true,
		Restock:    c.RestockOnCancel && to == StatusCancelled,
	})
	if err != nil {
		return nil, err
	}

	if c.adminOps != nil {
		rec := AdminOpRecord{
			ActorID:    actorID,
			Operation:  "update",
			Content:    fmt.Sprintf("order status set to %s", to),
			ObjectType: "order",
			ObjectID:   o.ID,
			IP:         actorIP,
			At:         time.Now().UTC(),
		}
		if err := c.adminOps.AppendAdminOp(ctx, rec); err != nil {
			log.Printf("admin op record append failed (order %s): %v", o.ID, err)
		}
	}
	return o, nil
}
