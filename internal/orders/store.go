package orders

import "context"

// PlacementInput is one placement attempt. ExternalID is the client's
// idempotency key: resubmitting the same key returns the already-created
// order instead of placing a second one.
type PlacementInput struct {
	ExternalID string
	UserID     string
	Recipient  Recipient
	Lines      []LineInput
}

type TransitionOpts struct {
	// Method must be set when transitioning into paid.
	Method PaymentMethod
	// ActorID/ActorAdmin drive the ownership check: a non-admin actor may
	// only transition their own order.
	ActorID    string
	ActorAdmin bool
	// Restock puts every line's quantity back on the shelf inside the same
	// transaction; only meaningful for transitions into cancelled.
	Restock bool
}

type ListFilter struct {
	UserID     string
	MerchantID string
	Status     Status
	Limit      int
	Offset     int
}

// Store owns every multi-entity mutation of the order core. Both the pgx
// and the in-memory implementation serialize stock the same way: the read
// and the decrement share one lock scope, so two concurrent placements for
// the last unit of a product cannot both succeed.
type Store interface {
	// PlaceOrder commits, as one indivisible unit: the order header
	// (status pending), all lines with snapshotted unit prices, the stock
	// decrements, one purchase record per line, and removal of the matching
	// cart rows. existed is true when in.ExternalID was already used; the
	// previously created order is returned and nothing is mutated.
	PlaceOrder(ctx context.Context, in PlacementInput) (o *Order, existed bool, err error)

	// Transition moves an order to a new status under the transition table,
	// recording payment fields when entering paid.
	Transition(ctx context.Context, orderID string, to Status, opts TransitionOpts) (*Order, error)

	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, f ListFilter) ([]Order, error)
	GetProduct(ctx context.Context, productID string) (*Product, error)
}

// CartStore is the cart snapshot collaborator. Removal of purchased rows
// happens inside the placement transaction, not through this interface.
type CartStore interface {
	Items(ctx context.Context, userID string) ([]CartItem, error)
}

// PaymentSink and AdminOpSink are the audit collaborators. Append failures
// are logged by callers and never roll an order back.
type PaymentSink interface {
	AppendPayment(ctx context.Context, rec PaymentRecord) error
}

type AdminOpSink interface {
	AppendAdminOp(ctx context.Context, rec AdminOpRecord) error
}
