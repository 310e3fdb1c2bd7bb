package exchanges

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cryptotax/src/models"
)

// tradeFill is a provider-neutral view of one executed trade.
type tradeFill struct {
	id       string
	ts       time.Time
	exchange string
	base     string
	quote    string
	buy      bool
	qty      decimal.Decimal // base units
	price    decimal.Decimal // quote per base
	quoteQty decimal.Decimal // quote units
	fee      decimal.Decimal
	feeAsset string
}

// tradeLegs maps a fill onto the base-asset record and, when the quote is a
// crypto asset, the opposite leg for the quote (disposed when buying, acquired
// when selling). Prices are only set when the quote is the reporting currency;
// the normalizer fills the rest.
func tradeLegs(f tradeFill, reporting string) []models.NormalizedTransaction {
	feeAsset := strings.ToUpper(f.feeAsset)
	if feeAsset == "" {
		feeAsset = f.quote
	}

	base := models.NormalizedTransaction{
		ID:          f.id,
		Timestamp:   f.ts.UTC(),
		Kind:        models.KindSell,
		Asset:       f.base,
		Quantity:    f.qty,
		FeeQuantity: f.fee,
		FeeAsset:    feeAsset,
		Exchange:    f.exchange,
		QuoteAsset:  f.quote,
	}
	if f.buy {
		base.Kind = models.KindBuy
	}
	if f.quote == reporting {
		base.UnitPrice = f.price
		base.GrossValue = f.quoteQty
	}
	if feeAsset == reporting {
		base.FeeValue = f.fee
	}

	out := []models.NormalizedTransaction{base}
	if isFiat(f.quote) || !f.quoteQty.IsPositive() {
		return out
	}

	quote := models.NormalizedTransaction{
		ID:         f.id + "-quote",
		Timestamp:  f.ts.UTC(),
		Kind:       models.KindBuy,
		Asset:      f.quote,
		Quantity:   f.quoteQty,
		Exchange:   f.exchange,
		QuoteAsset: f.base,
	}
	if f.buy {
		quote.Kind = models.KindSwap
	}
	return append(out, quote)
}

// splitMarket splits "BTC-EUR" or "BTC_EUR" into base and quote.
func splitMarket(market string) (string, string, bool) {
	market = strings.ToUpper(market)
	for _, sep := range []string{"-", "_", "/"} {
		if base, quote, ok := strings.Cut(market, sep); ok && base != "" && quote != "" {
			return base, quote, true
		}
	}
	return "", "", false
}

var fiatCurrencies = map[string]bool{
	"EUR": true, "USD": true, "GBP": true, "TRY": true, "BRL": true, "AUD": true,
	"PLN": true, "UAH": true, "ARS": true, "ZAR": true, "JPY": true, "CHF": true,
}

func isFiat(asset string) bool {
	return fiatCurrencies[strings.ToUpper(asset)]
}
