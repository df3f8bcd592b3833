package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemStore is an in-memory Store with the same contract and error taxonomy
// as Repo. One mutex plays the role of the row locks: the stock read and
// decrement share its critical section. It backs the unit tests and the
// -memory mode of cmd/api.
type MemStore struct {
	mu          sync.Mutex
	products    map[string]*Product
	orders      map[string]*Order
	byExternal  map[string]string // external id -> order id
	cart        map[string][]CartItem
	purchases   []PurchaseRecord
	payments    []PaymentRecord
	adminOps    []AdminOpRecord
}

var (
	_ Store       = (*MemStore)(nil)
	_ CartStore   = (*MemStore)(nil)
	_ PaymentSink = (*MemStore)(nil)
	_ AdminOpSink = (*MemStore)(nil)
)

func NewMemStore() *MemStore {
	return &MemStore{
		products:   make(map[string]*Product),
		orders:     make(map[string]*Order),
		byExternal: make(map[string]string),
		cart:       make(map[string][]CartItem),
	}
}

func (m *MemStore) PutProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.products[p.ID] = &cp
}

func (m *MemStore) PutCartItem(it CartItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cart[it.UserID] = append(m.cart[it.UserID], it)
}

func (m *MemStore) PlaceOrder(ctx context.Context, in PlacementInput) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byExternal[in.ExternalID]; ok {
		return cloneOrder(m.orders[id]), true, nil
	}

	// Validate the full set before mutating anything; all checks and the
	// decrements happen under one lock, so a failure is a clean no-op.
	for _, l := range in.Lines {
		if _, ok := m.products[l.ProductID]; !ok {
			return nil, false, fmt.Errorf("%w: product %s", ErrNotFound, l.ProductID)
		}
	}
	merchantID := m.products[in.Lines[0].ProductID].MerchantID
	for _, l := range in.Lines {
		if m.products[l.ProductID].MerchantID != merchantID {
			return nil, false, fmt.Errorf("%w: line items span multiple merchants", ErrInvalidRequest)
		}
	}
	var shortages []StockShortage
	for _, l := range in.Lines {
		if p := m.products[l.ProductID]; p.Stock < l.Quantity {
			shortages = append(shortages, StockShortage{ProductID: l.ProductID, Required: l.Quantity, Available: p.Stock})
		}
	}
	if len(shortages) > 0 {
		return nil, false, &InsufficientStockError{Shortages: shortages}
	}

	now := time.Now().UTC()
	o := &Order{
		ID:          uuid.NewString(),
		ExternalID:  in.ExternalID,
		UserID:      in.UserID,
		MerchantID:  merchantID,
		Recipient:   in.Recipient,
		Status:      StatusPending,
		TotalAmount: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, l := range in.Lines {
		p := m.products[l.ProductID]
		p.Stock -= l.Quantity
		p.UpdatedAt = now

		line := OrderLine{OrderID: o.ID, ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: p.Price}
		o.Lines = append(o.Lines, line)
		o.TotalAmount = o.TotalAmount.Add(line.Subtotal())

		m.purchases = append(m.purchases, PurchaseRecord{
			UserID:      in.UserID,
			ProductID:   l.ProductID,
			CategoryID:  p.CategoryID,
			OrderID:     o.ID,
			UnitPrice:   p.Price,
			Quantity:    l.Quantity,
			TotalPrice:  line.Subtotal(),
			PurchasedAt: now,
		})
		m.removeCartItemLocked(in.UserID, l.ProductID)
	}

	m.orders[o.ID] = o
	m.byExternal[o.ExternalID] = o.ID
	return cloneOrder(o), false, nil
}

func (m *MemStore) Transition(ctx context.Context, orderID string, to Status, opts TransitionOpts) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if opts.ActorID != "" && !opts.ActorAdmin && o.UserID != opts.ActorID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", ErrPermissionDenied, orderID)
	}
	if !CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, to)
	}

	now := time.Now().UTC()
	if to == StatusPaid {
		if !opts.Method.Valid() {
			return nil, fmt.Errorf("%w: unknown payment_method %q", ErrInvalidRequest, opts.Method)
		}
		o.PaymentMethod = opts.Method
		o.PaymentTime = &now
	}
	o.Status = to
	o.UpdatedAt = now

	if opts.Restock && to == StatusCancelled {
		for _, l := range o.Lines {
			if p, ok := m.products[l.ProductID]; ok {
				p.Stock += l.Quantity
				p.UpdatedAt = now
			}
		}
	}
	return cloneOrder(o), nil
}

func (m *MemStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return cloneOrder(o), nil
}

func (m *MemStore) ListOrders(ctx context.Context, f ListFilter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Order
	for _, o := range m.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.MerchantID != "" && o.MerchantID != f.MerchantID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		all = append(all, *cloneOrder(o))
	}
	sortOrdersNewestFirst(all)

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemStore) GetProduct(ctx context.Context, productID string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) Items(ctx context.Context, userID string) ([]CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CartItem(nil), m.cart[userID]...), nil
}

func (m *MemStore) AppendPayment(ctx context.Context, rec PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, rec)
	return nil
}

func (m *MemStore) AppendAdminOp(ctx context.Context, rec AdminOpRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adminOps = append(m.adminOps, rec)
	return nil
}

// Test/inspection helpers.

func (m *MemStore) PurchaseRecords() []PurchaseRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PurchaseRecord(nil), m.purchases...)
}

func (m *MemStore) PaymentRecords() []PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PaymentRecord(nil), m.payments...)
}

func (m *MemStore) AdminOpRecords() []AdminOpRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AdminOpRecord(nil), m.adminOps...)
}

func (m *MemStore) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *MemStore) removeCartItemLocked(userID, productID string) {
	items := m.cart[userID]
	out := items[:0]
	for _, it := range items {
		if it.ProductID != productID {
			out = append(out, it)
		}
	}
	m.cart[userID] = out
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Lines = append([]OrderLine(nil), o.Lines...)
	if o.PaymentTime != nil {
		t := *o.PaymentTime
		cp.PaymentTime = &t
	}
	return &cp
}

func sortOrdersNewestFirst(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
