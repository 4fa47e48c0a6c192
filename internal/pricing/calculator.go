// Package pricing computes document totals. Compute is a pure function:
// amounts are carried as decimals through the whole computation and
// rounded half-up to two places once, at the output edge, so reordering
// lines never changes the result.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/jesusaln/asistenciavircom-sub007/internal/tenants"
)

// Mode selects which side of the tax configuration applies.
type Mode string

const (
	ModeSales     Mode = "sales"
	ModePurchases Mode = "purchases"
)

// Line is a single input row. UnitPrice is the catalog or negotiated
// price per unit; DiscountPct is a per-line percentage in [0,100].
type Line struct {
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	DiscountPct decimal.Decimal
	TaxRate     decimal.Decimal
}

// Totals is the computed breakdown. All fields are rounded to two
// decimal places.
type Totals struct {
	Subtotal             decimal.Decimal `json:"subtotal"`
	ItemDiscountTotal    decimal.Decimal `json:"item_discount_total"`
	HeaderDiscountAmount decimal.Decimal `json:"header_discount_amount"`
	TaxTotal             decimal.Decimal `json:"tax_total"`
	WithholdingIVA       decimal.Decimal `json:"withholding_iva"`
	WithholdingISR       decimal.Decimal `json:"withholding_isr"`
	Total                decimal.Decimal `json:"total"`
}

// InvalidInputError reports a rejected line or header value.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("pricing: invalid %s: %s", e.Field, e.Reason)
}

var hundred = decimal.NewFromInt(100)

// Option adjusts a single computation.
type Option func(*computeOptions)

type computeOptions struct {
	forceWithholdings bool
}

// WithWithholdings applies the tenant's enabled withholdings even in
// sales mode. Used for persona moral clients when the tenant opts in.
func WithWithholdings() Option {
	return func(o *computeOptions) { o.forceWithholdings = true }
}

// ValidateCurrency reports whether code is a well-formed ISO 4217 code.
func ValidateCurrency(code string) error {
	if _, err := currency.ParseISO(code); err != nil {
		return &InvalidInputError{Field: "currency", Reason: "unknown ISO 4217 code " + code}
	}
	return nil
}

// Compute runs the totals algorithm over lines. Per-line tax rates
// default to the tenant rate when zero-valued; withholdings apply in
// purchase mode, or when an option forces them, and only when the
// tenant enables them.
func Compute(lines []Line, headerDiscountPct decimal.Decimal, cfg tenants.TaxConfig, mode Mode, opts ...Option) (Totals, error) {
	var options computeOptions
	for _, opt := range opts {
		opt(&options)
	}
	if headerDiscountPct.IsNegative() || headerDiscountPct.GreaterThan(hundred) {
		return Totals{}, &InvalidInputError{Field: "header_discount_pct", Reason: "must be between 0 and 100"}
	}

	subtotal := decimal.Zero
	itemDiscounts := decimal.Zero
	taxAccum := decimal.Zero
	defaultRate := decimal.NewFromFloat(cfg.IVARate)

	for i, ln := range lines {
		if ln.Quantity.IsNegative() {
			return Totals{}, &InvalidInputError{Field: fmt.Sprintf("lines[%d].quantity", i), Reason: "must not be negative"}
		}
		if ln.UnitPrice.IsNegative() {
			return Totals{}, &InvalidInputError{Field: fmt.Sprintf("lines[%d].unit_price", i), Reason: "must not be negative"}
		}
		if ln.DiscountPct.IsNegative() || ln.DiscountPct.GreaterThan(hundred) {
			return Totals{}, &InvalidInputError{Field: fmt.Sprintf("lines[%d].discount_pct", i), Reason: "must be between 0 and 100"}
		}

		gross := ln.Quantity.Mul(ln.UnitPrice)
		discount := gross.Mul(ln.DiscountPct).Div(hundred)
		net := gross.Sub(discount)

		rate := ln.TaxRate
		if rate.IsZero() {
			rate = defaultRate
		}
		// Tax is accumulated per line so mixed-rate documents stay
		// correct; the header discount scales it proportionally below.
		taxAccum = taxAccum.Add(net.Mul(rate).Div(hundred))

		subtotal = subtotal.Add(net)
		itemDiscounts = itemDiscounts.Add(discount)
	}

	headerDiscount := subtotal.Mul(headerDiscountPct).Div(hundred)
	taxableBase := subtotal.Sub(headerDiscount)

	taxTotal := taxAccum
	if !subtotal.IsZero() {
		taxTotal = taxAccum.Mul(taxableBase).Div(subtotal)
	}

	withIVA := decimal.Zero
	withISR := decimal.Zero
	if mode == ModePurchases || options.forceWithholdings {
		if cfg.RetentionIVAEnabled {
			withIVA = taxableBase.Mul(decimal.NewFromFloat(cfg.RetentionIVARate)).Div(hundred)
		}
		if cfg.RetentionISREnabled {
			withISR = taxableBase.Mul(decimal.NewFromFloat(cfg.RetentionISRRate)).Div(hundred)
		}
	}

	total := taxableBase.Add(taxTotal).Sub(withIVA).Sub(withISR)

	return Totals{
		Subtotal:             round(subtotal),
		ItemDiscountTotal:    round(itemDiscounts),
		HeaderDiscountAmount: round(headerDiscount),
		TaxTotal:             round(taxTotal),
		WithholdingIVA:       round(withIVA),
		WithholdingISR:       round(withISR),
		Total:                round(total),
	}, nil
}

// round applies half-up rounding to two places.
func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
