package orders

import (
	"context"
	"fmt"
	"strings"
)

// Engine validates placement requests and drives the atomic placement unit.
type Engine struct {
	store Store
	cart  CartStore
}

func NewEngine(store Store, cart CartStore) *Engine {
	return &Engine{store: store, cart: cart}
}

// PlaceOrder turns a requested line-item set into a persisted order, or
// fails with no persisted side effect. Duplicate product ids in the request
// are merged before hitting the store.
func (e *Engine) PlaceOrder(ctx context.Context, in PlacementInput) (*Order, bool, error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}
	in.Lines = mergeLines(in.Lines)
	return e.store.PlaceOrder(ctx, in)
}

// PlaceOrderFromCart builds the line set from the user's cart snapshot and
// places it. The matching cart rows are removed inside the placement
// transaction.
func (e *Engine) PlaceOrderFromCart(ctx context.Context, externalID, userID string, rcpt Recipient) (*Order, bool, error) {
	items, err := e.cart.Items(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("read cart: %w", err)
	}
	if len(items) == 0 {
		return nil, false, fmt.Errorf("%w: cart is empty", ErrInvalidRequest)
	}
	lines := make([]LineInput, 0, len(items))
	for _, it := range items {
		lines = append(lines, LineInput{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return e.PlaceOrder(ctx, PlacementInput{
		ExternalID: externalID,
		UserID:     userID,
		Recipient:  rcpt,
		Lines:      lines,
	})
}

func (in PlacementInput) validate() error {
	switch {
	case strings.TrimSpace(in.ExternalID) == "":
		return fmt.Errorf("%w: external_id is required", ErrInvalidRequest)
	case in.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case strings.TrimSpace(in.Recipient.Name) == "",
		strings.TrimSpace(in.Recipient.Phone) == "",
		strings.TrimSpace(in.Recipient.Address) == "":
		return fmt.Errorf("%w: recipient name, phone and address are required", ErrInvalidRequest)
	case len(in.Lines) == 0:
		return fmt.Errorf("%w: at least one line item is required", ErrInvalidRequest)
	}
	for _, l := range in.Lines {
		if l.ProductID == "" {
			return fmt.Errorf("%w: line item without product_id", ErrInvalidRequest)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be a positive integer (product %s)", ErrInvalidRequest, l.ProductID)
		}
	}
	return nil
}

// mergeLines sums quantities of repeated product ids, keeping first-seen
// order so locking stays deterministic downstream.
func mergeLines(lines []LineInput) []LineInput {
	idx := make(map[string]int, len(lines))
	out := make([]LineInput, 0, len(lines))
	for _, l := range lines {
		if i, ok := idx[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}
