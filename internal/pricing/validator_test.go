package pricing_test

import (
	"testing"

	"settlement/internal/model"
	"settlement/internal/pricing"

	"github.com/stretchr/testify/require"
)

func newValidator() *pricing.Validator {
	return pricing.NewValidator([]pricing.Zone{
		{Name: "metro", Fee: 200, Keywords: []string{"Nairobi", "Westlands"}},
		{Name: "peri-urban", Fee: 300, Keywords: []string{"kiambu"}},
	}, 400, 0, nil)
}

func TestDeliveryFee(t *testing.T) {
	v := newValidator()

	zone, fee := v.DeliveryFee("Nairobi", "", "")
	require.Equal(t, "metro", zone)
	require.Equal(t, int64(200), fee)

	zone, fee = v.DeliveryFee("", "Kiambu County", "")
	require.Equal(t, "peri-urban", zone)
	require.Equal(t, int64(300), fee)

	_, fee = v.DeliveryFee("", "", "Plot 4, off Waiyaki Way, westlands")
	require.Equal(t, int64(200), fee)

	zone, fee = v.DeliveryFee("Eldoret", "Uasin Gishu", "")
	require.Equal(t, "default", zone)
	require.Equal(t, int64(400), fee)
}

func TestApplyOverwritesTamperedTotal(t *testing.T) {
	v := newValidator()
	order := &model.Order{
		OrderNo:        "ORD1",
		Subtotal:       5000,
		ShippingFee:    0,
		Total:          100,
		CommissionRate: "0.10",
		ShippingCity:   "Eldoret",
	}

	q := v.Apply(order)

	require.True(t, q.Corrected)
	require.Equal(t, int64(-5300), q.Discrepancy)
	require.Equal(t, int64(400), order.ShippingFee)
	require.Equal(t, int64(5400), order.Total)
	require.Equal(t, int64(540), order.CommissionAmount)
	require.Equal(t, int64(4860), order.PayoutAmount)
}

func TestApplyKeepsInvariantsForAnySubmittedValues(t *testing.T) {
	v := newValidator()
	for _, submitted := range []int64{-1, 0, 5400, 5401, 99999} {
		order := &model.Order{Subtotal: 5000, Total: submitted, ShippingFee: submitted, CommissionRate: "0.10", ShippingCity: "nairobi"}
		v.Apply(order)
		require.Equal(t, order.Subtotal+order.ShippingFee, order.Total)
		require.Equal(t, order.Total-order.CommissionAmount, order.PayoutAmount)
	}
}

func TestQuoteConsistentOrderIsNotCorrected(t *testing.T) {
	v := newValidator()
	order := &model.Order{
		Subtotal: 1000, ShippingFee: 200, Total: 1200,
		CommissionRate: "0.10", CommissionAmount: 120, PayoutAmount: 1080,
		ShippingCity: "Nairobi",
	}
	q := v.Quote(order)
	require.False(t, q.Corrected)
	require.Zero(t, q.Discrepancy)
}

func TestCommissionRoundsHalfUp(t *testing.T) {
	require.Equal(t, int64(540), pricing.Commission(5400, "0.10"))
	require.Equal(t, int64(13), pricing.Commission(125, "0.10"))
	require.Equal(t, int64(0), pricing.Commission(5400, "not-a-rate"))
	require.Equal(t, int64(0), pricing.Commission(5400, "0"))
}
