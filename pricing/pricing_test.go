package pricing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/pricing"
)

func TestQuotePackage(t *testing.T) {
	tests := []struct {
		name       string
		pkg        generic.Record
		total      string
		tax        string
		perSession string
		currency   string
	}{
		{
			name:       "price with tax",
			pkg:        generic.Record{"price": 450.0, "tax_rate": 0.2, "sessions": 10.0, "currency": "EUR"},
			total:      "540",
			tax:        "90",
			perSession: "45",
			currency:   "EUR",
		},
		{
			name:       "no tax defaults currency",
			pkg:        generic.Record{"price": 99.99, "sessions": 3.0},
			total:      "99.99",
			tax:        "0",
			perSession: "33.33",
			currency:   pricing.DefaultCurrency,
		},
		{
			name:       "tax rounds half up to cents",
			pkg:        generic.Record{"price": "10.05", "tax_rate": "0.1"},
			total:      "11.06",
			tax:        "1.01",
			perSession: "0",
			currency:   pricing.DefaultCurrency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := pricing.QuotePackage(tt.pkg)
			require.NoError(t, err)
			assert.Equal(t, tt.total, q.Total.String())
			assert.Equal(t, tt.tax, q.Tax.String())
			assert.Equal(t, tt.perSession, q.PerSession.String())
			assert.Equal(t, tt.currency, q.Currency)
		})
	}
}

func TestQuotePackage_Invalid(t *testing.T) {
	_, err := pricing.QuotePackage(generic.Record{"id": "p1"})
	assert.ErrorContains(t, err, "missing price")

	_, err = pricing.QuotePackage(generic.Record{"price": -1.0})
	assert.ErrorContains(t, err, "negative price")

	_, err = pricing.QuotePackage(generic.Record{"price": "abc"})
	assert.Error(t, err)
}

func TestQuote_Apply(t *testing.T) {
	q, err := pricing.QuotePackage(generic.Record{"price": 100.0, "tax_rate": 0.075})
	require.NoError(t, err)

	inv := generic.Record{}
	q.Apply(inv)

	assert.Equal(t, 100.0, inv["amount"])
	assert.Equal(t, 7.5, inv["tax"])
	assert.Equal(t, 107.5, inv["total"])
	assert.Equal(t, int64(10750), q.Cents())
	assert.Equal(t, "INV-00042", pricing.InvoiceNumber(42))
}
