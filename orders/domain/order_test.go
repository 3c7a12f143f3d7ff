package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderState_IsTerminal(t *testing.T) {
	terminal := []OrderState{OrderStateShipped, OrderStateCanceled, OrderStateFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "state %s", s)
	}

	open := []OrderState{
		OrderStateReceived, OrderStateValidated, OrderStateAwaitingApproval,
		OrderStateApproved, OrderStatePaymentCharged, OrderStateShipping,
	}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), "state %s", s)
	}
}

func TestAmount(t *testing.T) {
	money := Amount([]Item{{SKU: "ABC", Qty: 2}, {SKU: "XYZ", Qty: 3}})
	assert.Equal(t, int64(500), money.Amount)
	assert.Equal(t, "USD", money.Currency)

	empty := Amount(nil)
	assert.True(t, empty.IsZero())
}
