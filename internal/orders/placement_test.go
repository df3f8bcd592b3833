package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRecipient() Recipient {
	return Recipient{Name: "Li Lei", Phone: "13800000000", Address: "1 Main St"}
}

func newStoreWith(products ...Product) *MemStore {
	m := NewMemStore()
	now := time.Now().UTC()
	for _, p := range products {
		if p.CreatedAt.IsZero() {
			p.CreatedAt, p.UpdatedAt = now, now
		}
		m.PutProduct(p)
	}
	return m
}

func product(id, merchant, price string, stock int) Product {
	return Product{ID: id, MerchantID: merchant, CategoryID: "c-1", Name: "product " + id, Price: dec(price), Stock: stock}
}

func TestPlaceOrder_TotalIsExactDecimalSum(t *testing.T) {
	store := newStoreWith(
		product("p-1", "m-1", "19.99", 10),
		product("p-2", "m-1", "9.95", 10),
		product("p-3", "m-1", "0.10", 10),
	)
	eng := NewEngine(store, store)

	o, existed, err := eng.PlaceOrder(context.Background(), PlacementInput{
		ExternalID: "ext-1",
		UserID:     "u-1",
		Recipient:  testRecipient(),
		Lines: []LineInput{
			{ProductID: "p-1", Quantity: 3},
			{ProductID: "p-2", Quantity: 2},
			{ProductID: "p-3", Quantity: 7},
		},
	})
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, "m-1", o.MerchantID)
	require.Len(t, o.Lines, 3)

	// 19.99*3 + 9.95*2 + 0.10*7 = 59.97 + 19.90 + 0.70
	assert.True(t, o.TotalAmount.Equal(dec("80.57")), "total = %s", o.TotalAmount)

	p1, err := store.GetProduct(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 7, p1.Stock)

	recs := store.PurchaseRecords()
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, o.ID, rec.OrderID)
		assert.True(t, rec.TotalPrice.Equal(rec.UnitPrice.Mul(decimal.NewFromInt(int64(rec.Quantity)))))
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	store := newStoreWith(product("p-1", "m-1", "10.00", 5))
	eng := NewEngine(store, store)

	valid := PlacementInput{
		ExternalID: "ext-1",
		UserID:     "u-1",
		Recipient:  testRecipient(),
		Lines:      []LineInput{{ProductID: "p-1", Quantity: 1}},
	}

	tests := []struct {
		name   string
		mutate func(in *PlacementInput)
	}{
		{"missing external id", func(in *PlacementInput) { in.ExternalID = "  " }},
		{"missing user id", func(in *PlacementInput) { in.UserID = "" }},
		{"missing recipient name", func(in *PlacementInput) { in.Recipient.Name = "" }},
		{"missing recipient phone", func(in *PlacementInput) { in.Recipient.Phone = "" }},
		{"missing shipping address", func(in *PlacementInput) { in.Recipient.Address = "" }},
		{"no lines", func(in *PlacementInput) { in.Lines = nil }},
		{"zero quantity", func(in *PlacementInput) { in.Lines = []LineInput{{ProductID: "p-1", Quantity: 0}} }},
		{"negative quantity", func(in *PlacementInput) { in.Lines = []LineInput{{ProductID: "p-1", Quantity: -2}} }},
		{"empty product id", func(in *PlacementInput) { in.Lines = []LineInput{{ProductID: "", Quantity: 1}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			in.Lines = append([]LineInput(nil), valid.Lines...)
			tt.mutate(&in)

			_, _, err := eng.PlaceOrder(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Equal(t, 0, store.OrderCount())
		})
	}
}

func TestPlaceOrder_ProductNotFound(t *testing.T) {
	store := newStoreWith(product("p-1", "m-1", "10.00", 5))
	eng := NewEngine(store, store)

	_, _, err := eng.PlaceOrder(context.Background(), PlacementInput{
		ExternalID: "ext-1",
		UserID:     "u-1",
		Recipient:  testRecipient(),
		Lines:      []LineInput{{ProductID: "p-missing", Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.OrderCount())
}

func TestPlaceOrder_InsufficientStockIsAtomic(t *testing.T) {
	store := newStoreWith(
		product("p-1", "m-1", "10.00", 5),
		product("p-2", "m-1", "4.00", 1),
	)
	store.PutCartItem(CartItem{UserID: "u-1", ProductID: "p-1", Quantity: 2})
	eng := NewEngine(store, store)

	_, _, err := eng.PlaceOrder(context.Background(), PlacementInput{
		ExternalID: "ext-1",
		UserID:     "u-1",
		Recipient:  testRecipient(),
		Lines: []LineInput{
			{ProductID: "p-1", Quantity: 2},
			{ProductID: "p-2", Quantity: 3},
		},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var shortage *InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.Len(t, shortage.Shortages, 1)
	assert.Equal(t, StockShortage{ProductID: "p-2", Required: 3, Available: 1}, shortage.Shortages[0])

	// attempt-then-fail must equal no-op
	p1, _ := store.GetProduct(context.Background(), "p-1")
	p2, _ := store.GetProduct(context.Background(), "p-2")
	assert.Equal(t, 5, p1.Stock)
	assert.Equal(t, 1, p2.Stock)
	assert.Equal(t, 0, store.OrderCount())
	assert.Empty(t, store.PurchaseRecords())

	items, _ := store.Items(context.Background(), "u-1")
	assert.Len(t, items, 1, "cart must be untouched by a failed placement")
}

func TestPlaceOrder_RejectsMixedMerchants(t *testing.T) {
	store := newStoreWith(
		product("p-1", "m-1", "10.00", 5),
		product("p-2", "m-2", "4.00", 5),
	)
	eng := NewEngine(store, store)

	_, _, err := eng.PlaceOrder(context.Background(), PlacementInput{
		ExternalID: "ext-1",
		UserID:     "u-1",
		Recipient:  testRecipient(),
		Lines: []LineInput{
			{ProductID: "p-1", Quantity: 1},
			{ProductID: "p-2", Quantity: 1},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, store.OrderCount())
}

func TestPlaceOrder_MergesDuplicateLines(t *testing.T) {
	store := newStoreWith(product("p-1", "m-1", "10.00", 5))
	eng := NewEngine(store, store)

	o, _, err := eng.PlaceOrder(context.Background(), PlacementInput{
		ExternalID: "ext-1",
		UserID:     "u-1",
		Recipient:  testRecipient(),
		Lines: []LineInput{
			{ProductID: "p-1", Quantity: 1},
			{ProductID: "p-1", Quantity: 2},
		},
	})
	require.NoError(t, err)
	require.Len(t, o.Lines, 1)
	assert.Equal(t, 3, o.Lines[0].Quantity)
	assert.True(t, o.TotalAmount.Equal(dec("30.00")))
}

func TestPlaceOrder_PriceSnapshotIsImmutable(t *testing.T) {
	store := newStoreWith(product("p-1", "m-1", "19.99", 10))
	eng := NewEngine(store, store)

	o, _, err := eng.PlaceOrder(context.Background(), PlacementInput{
		ExternalID: "ext-1",
		UserID:     "u-1",
		Recipient:  testRecipient(),
		Lines:      []LineInput{{ProductID: "p-1", Quantity: 2}},
	})
	require.NoError(t, err)

	// price change after placement
	store.PutProduct(product("p-1", "m-1", "99.99", 8))

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, got.Lines[0].UnitPrice.Equal(dec("19.99")))
	assert.True(t, got.TotalAmount.Equal(dec("39.98")))
}

func TestPlaceOrder_IdempotentRetry(t *testing.T) {
	store := newStoreWith(product("p-1", "m-1", "10.00", 5))
	eng := NewEngine(store, store)

	in := PlacementInput{
		ExternalID: "ext-retry",
		UserID:     "u-1",
		Recipient:  testRecipient(),
		Lines:      []LineInput{{ProductID: "p-1", Quantity: 2}},
	}

	first, existed, err := eng.PlaceOrder(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, existed)

	second, existed, err := eng.PlaceOrder(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first.ID, second.ID)

	p, _ := store.GetProduct(context.Background(), "p-1")
	assert.Equal(t, 3, p.Stock, "retry must not decrement twice")
	assert.Equal(t, 1, store.OrderCount())
}

func TestPlaceOrder_ConcurrentLastUnits(t *testing.T) {
	// Product with stock 2, two concurrent requests for 2 each: exactly one
	// succeeds with total 20.00 and stock ends at 0.
	store := newStoreWith(product("p-1", "m-1", "10.00", 2))
	eng := NewEngine(store, store)

	results := make([]error, 2)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		i := i
		g.Go(func() error {
			_, _, err := eng.PlaceOrder(context.Background(), PlacementInput{
				ExternalID: fmt.Sprintf("ext-%d", i),
				UserID:     "u-1",
				Recipient:  testRecipient(),
				Lines:      []LineInput{{ProductID: "p-1", Quantity: 2}},
			})
			results[i] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, short int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)

	p, _ := store.GetProduct(context.Background(), "p-1")
	assert.Equal(t, 0, p.Stock)
	assert.Equal(t, 1, store.OrderCount())

	list, err := store.ListOrders(context.Background(), ListFilter{UserID: "u-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].TotalAmount.Equal(dec("20.00")))
}

func TestPlaceOrder_NoOversell(t *testing.T) {
	const stock = 5
	const attempts = 20

	store := newStoreWith(product("p-1", "m-1", "3.33", stock))
	eng := NewEngine(store, store)

	var g errgroup.Group
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		i := i
		g.Go(func() error {
			_, _, err := eng.PlaceOrder(context.Background(), PlacementInput{
				ExternalID: fmt.Sprintf("ext-%d", i),
				UserID:     fmt.Sprintf("u-%d", i),
				Recipient:  testRecipient(),
				Lines:      []LineInput{{ProductID: "p-1", Quantity: 1}},
			})
			results[i] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok int
	for _, err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientStock)
		}
	}
	assert.Equal(t, stock, ok, "successful placements must exactly consume the stock")

	p, _ := store.GetProduct(context.Background(), "p-1")
	assert.Equal(t, 0, p.Stock)
	assert.Equal(t, stock, store.OrderCount())
}

func TestPlaceOrderFromCart(t *testing.T) {
	store := newStoreWith(
		product("p-1", "m-1", "19.99", 10),
		product("p-2", "m-1", "5.00", 10),
	)
	store.PutCartItem(CartItem{UserID: "u-1", ProductID: "p-1", Quantity: 3})
	store.PutCartItem(CartItem{UserID: "u-1", ProductID: "p-2", Quantity: 1})
	eng := NewEngine(store, store)

	o, _, err := eng.PlaceOrderFromCart(context.Background(), "ext-cart", "u-1", testRecipient())
	require.NoError(t, err)
	require.Len(t, o.Lines, 2)
	assert.True(t, o.TotalAmount.Equal(dec("64.97")))

	items, _ := store.Items(context.Background(), "u-1")
	assert.Empty(t, items, "purchased cart rows are removed with the placement")
}

func TestPlaceOrderFromCart_EmptyCart(t *testing.T) {
	store := newStoreWith(product("p-1", "m-1", "10.00", 5))
	eng := NewEngine(store, store)

	_, _, err := eng.PlaceOrderFromCart(context.Background(), "ext-cart", "u-1", testRecipient())
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
