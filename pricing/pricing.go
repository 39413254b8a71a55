/*
Package pricing computes invoice amounts for training packages.

PURPOSE:
  Invoices are priced from the package a client bought: the package price
  plus tax at the package's rate. All arithmetic is decimal so totals are
  exact to the cent; values leave this package as float64 JSON numbers.

ROUNDING:
  Tax is rounded half-up to 2 decimal places. Total = amount + rounded tax,
  so the three stored numbers always add up.

EXAMPLE:
  q, _ := pricing.QuotePackage(generic.Record{"price": 450.0, "tax_rate": 0.2, "sessions": 10.0})
  // q.Amount = 450.00, q.Tax = 90.00, q.Total = 540.00, q.PerSession = 45.00

SEE ALSO:
  - store/sqlite/backend.go: generate_invoice uses this for new invoices
*/
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/coachdesk/generic"
)

// DefaultCurrency applies when a package does not name one.
const DefaultCurrency = "USD"

var hundred = decimal.NewFromInt(100)

// Quote is a priced package.
type Quote struct {
	Amount     decimal.Decimal
	Tax        decimal.Decimal
	Total      decimal.Decimal
	PerSession decimal.Decimal
	Currency   string
}

// QuotePackage prices one purchase of pkg.
func QuotePackage(pkg generic.Record) (Quote, error) {
	price, err := column(pkg, "price", true)
	if err != nil {
		return Quote{}, err
	}
	if price.IsNegative() {
		return Quote{}, fmt.Errorf("package %s: negative price", pkg.ID())
	}
	rate, err := column(pkg, "tax_rate", false)
	if err != nil {
		return Quote{}, err
	}
	sessions, err := column(pkg, "sessions", false)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		Amount:   price.Round(2),
		Tax:      price.Mul(rate).Round(2),
		Currency: pkg.String("currency"),
	}
	q.Total = q.Amount.Add(q.Tax)
	if sessions.IsPositive() {
		q.PerSession = q.Amount.DivRound(sessions, 2)
	}
	if q.Currency == "" {
		q.Currency = DefaultCurrency
	}
	return q, nil
}

// Apply writes the quote's amounts onto an invoice row.
func (q Quote) Apply(invoice generic.Record) {
	invoice["amount"] = q.Amount.InexactFloat64()
	invoice["tax"] = q.Tax.InexactFloat64()
	invoice["total"] = q.Total.InexactFloat64()
	invoice["currency"] = q.Currency
}

// Cents returns the total in minor units.
func (q Quote) Cents() int64 {
	return q.Total.Mul(hundred).IntPart()
}

// InvoiceNumber formats the n-th invoice number of a trainer.
func InvoiceNumber(n int) string {
	return fmt.Sprintf("INV-%05d", n)
}

func column(r generic.Record, name string, required bool) (decimal.Decimal, error) {
	v, ok := r[name]
	if !ok || v == nil {
		if required {
			return decimal.Zero, fmt.Errorf("package %s: missing %s", r.ID(), name)
		}
		return decimal.Zero, nil
	}
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, fmt.Errorf("package %s: %s: %w", r.ID(), name, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("package %s: %s: unsupported type %T", r.ID(), name, v)
	}
}
