package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:   {StatusPaid, StatusCancelled},
		StatusPaid:      {StatusShipped, StatusCancelled},
		StatusShipped:   {StatusDelivered},
		StatusDelivered: {},
		StatusCancelled: {},
	}
	all := []Status{StatusPending, StatusPaid, StatusShipped, StatusDelivered, StatusCancelled}

	for from, tos := range allowed {
		ok := make(map[Status]bool, len(tos))
		for _, to := range tos {
			ok[to] = true
		}
		for _, to := range all {
			assert.Equal(t, ok[to], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_UnknownStates(t *testing.T) {
	assert.False(t, CanTransition("refunded", StatusPaid))
	assert.False(t, CanTransition(StatusPending, "refunded"))
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusPaid, StatusShipped, StatusDelivered, StatusCancelled} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, Status("refunded").Valid())
	assert.False(t, Status("").Valid())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusPaid.Terminal())
	assert.False(t, StatusShipped.Terminal())
}

func TestPaymentMethodValid(t *testing.T) {
	for _, m := range []PaymentMethod{PayAlipay, PayWechat, PayCreditCard, PayCash} {
		assert.True(t, m.Valid(), string(m))
	}
	assert.False(t, PaymentMethod("paypal").Valid())
	assert.False(t, PaymentMethod("").Valid())
}
