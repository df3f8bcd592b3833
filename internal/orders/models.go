package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID         string
	MerchantID string
	CategoryID string
	Name       string
	Price      decimal.Decimal
	Stock      int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Recipient struct {
	Name    string `json:"recipient_name"`
	Phone   string `json:"recipient_phone"`
	Address string `json:"shipping_address"`
}

type Order struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id"`
	UserID        string          `json:"user_id"`
	MerchantID    string          `json:"merchant_id"`
	Recipient     Recipient       `json:"recipient"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        Status          `json:"status"`
	PaymentMethod PaymentMethod   `json:"payment_method,omitempty"`
	PaymentTime   *time.Time      `json:"payment_time,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Lines         []OrderLine     `json:"lines"`
}

// OrderLine freezes the unit price at placement time; later product price
// changes never touch it.
type OrderLine struct {
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LineInput is a requested (product, quantity) pair, pre-persistence.
type LineInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CartItem struct {
	UserID    string
	ProductID string
	Quantity  int
}

// PurchaseRecord is the denormalized append-only row written per line as
// part of the placement transaction.
type PurchaseRecord struct {
	UserID      string
	ProductID   string
	CategoryID  string
	OrderID     string
	UnitPrice   decimal.Decimal
	Quantity    int
	TotalPrice  decimal.Decimal
	PurchasedAt time.Time
}

type PaymentRecord struct {
	UserID  string
	OrderID string
	Amount  decimal.Decimal
	Method  PaymentMethod
	Result  string
	IP      string
	At      time.Time
}

type AdminOpRecord struct {
	ActorID    string
	Operation  string
	Content    string
	ObjectType string
	ObjectID   string
	IP         string
	At         time.Time
}
