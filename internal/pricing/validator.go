// Package pricing recomputes delivery fees and order totals on the server.
// Client supplied totals are never forwarded to a gateway without passing
// through Validator.Apply.
package pricing

import (
	"log/slog"
	"strings"

	"settlement/internal/model"

	"github.com/shopspring/decimal"
)

// Zone is a delivery zone matched by keywords found in the shipping address.
type Zone struct {
	Name     string
	Fee      int64
	Keywords []string
}

type Quote struct {
	Zone        string
	ShippingFee int64
	Total       int64
	Commission  int64
	Payout      int64
	// Corrected is set when any stored amount differed from the quote.
	Corrected bool
	// Discrepancy is stored total minus computed total.
	Discrepancy int64
}

type Validator struct {
	zones      []Zone
	defaultFee int64
	tolerance  int64
	logger     *slog.Logger
}

func NewValidator(zones []Zone, defaultFee, tolerance int64, logger *slog.Logger) *Validator {
	normalized := make([]Zone, 0, len(zones))
	for _, z := range zones {
		kws := make([]string, 0, len(z.Keywords))
		for _, k := range z.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		normalized = append(normalized, Zone{Name: z.Name, Fee: z.Fee, Keywords: kws})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		zones:      normalized,
		defaultFee: defaultFee,
		tolerance:  tolerance,
		logger:     logger.With(slog.String("component", "price_validator")),
	}
}

// DeliveryFee picks the zone for an address. City is checked before region,
// region before the free-text line, so a specific city wins over a broader
// region keyword.
func (v *Validator) DeliveryFee(city, region, address string) (string, int64) {
	for _, field := range []string{city, region, address} {
		field = strings.ToLower(field)
		if field == "" {
			continue
		}
		for _, z := range v.zones {
			for _, kw := range z.Keywords {
				if strings.Contains(field, kw) {
					return z.Name, z.Fee
				}
			}
		}
	}
	return "default", v.defaultFee
}

// Quote computes the server side amounts for an order without modifying it.
func (v *Validator) Quote(order *model.Order) Quote {
	zone, shippingFee := v.DeliveryFee(order.ShippingCity, order.ShippingRegion, order.ShippingAddress)
	total := order.Subtotal + shippingFee
	commission := Commission(total, order.CommissionRate)
	q := Quote{
		Zone:        zone,
		ShippingFee: shippingFee,
		Total:       total,
		Commission:  commission,
		Payout:      total - commission,
		Discrepancy: order.Total - total,
	}
	q.Corrected = order.ShippingFee != q.ShippingFee ||
		order.Total != q.Total ||
		order.CommissionAmount != q.Commission ||
		order.PayoutAmount != q.Payout
	return q
}

// Apply overwrites the order's shipping fee, total, commission and payout with
// the server computed values. A total that differs from the computed one by
// more than the tolerance is logged as possible tampering.
func (v *Validator) Apply(order *model.Order) Quote {
	q := v.Quote(order)
	if abs(q.Discrepancy) > v.tolerance {
		v.logger.Warn("order total mismatch, overwriting with server computed amounts",
			slog.String("order_no", order.OrderNo),
			slog.Int64("buyer_id", order.BuyerID),
			slog.Int64("submitted_total", order.Total),
			slog.Int64("submitted_shipping_fee", order.ShippingFee),
			slog.Int64("computed_total", q.Total),
			slog.Int64("computed_shipping_fee", q.ShippingFee),
			slog.String("zone", q.Zone),
			slog.Bool("possible_tampering", true),
		)
	}
	order.ShippingFee = q.ShippingFee
	order.Total = q.Total
	order.CommissionAmount = q.Commission
	order.PayoutAmount = q.Payout
	return q
}

// Commission returns total*rate rounded half up to whole currency units. An
// unparsable rate yields zero commission; rates are validated when orders are
// created.
func Commission(total int64, rate string) int64 {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return 0
	}
	return decimal.NewFromInt(total).Mul(r).Round(0).IntPart()
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
