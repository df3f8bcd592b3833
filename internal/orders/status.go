package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusPaid: true, StatusCancelled: true},
	StatusPaid:      {StatusShipped: true, StatusCancelled: true},
	StatusShipped:   {StatusDelivered: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

type PaymentMethod string

const (
	PayAlipay     PaymentMethod = "alipay"
	PayWechat     PaymentMethod = "wechat"
	PayCreditCard PaymentMethod = "credit_card"
	PayCash       PaymentMethod = "cash"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PayAlipay, PayWechat, PayCreditCard, PayCash:
		return true
	}
	return false
}
