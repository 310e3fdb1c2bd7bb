package processors

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, dd int) time.Time { return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC) }

func tx(id string, at time.Time, kind models.TransactionKind, asset, qty, price string) models.NormalizedTransaction {
	q, p := d(qty), d(price)
	return models.NormalizedTransaction{
		ID:         id,
		Timestamp:  at,
		Kind:       kind,
		Asset:      asset,
		Quantity:   q,
		UnitPrice:  p,
		GrossValue: q.Mul(p),
		Exchange:   "test",
	}
}

func btcScenario() []models.NormalizedTransaction {
	return []models.NormalizedTransaction{
		tx("s1", day(2024, 2, 1), models.KindSell, "BTC", "1.2", "50000"),
		tx("b2", day(2023, 6, 1), models.KindBuy, "BTC", "0.5", "40000"),
		tx("b1", day(2023, 1, 10), models.KindBuy, "BTC", "1.0", "30000"),
	}
}

func TestGenerateTaxCalculation_BTCScenario(t *testing.T) {
	engine := NewTaxEngine("EUR", false, 365)

	res, err := engine.GenerateTaxCalculation(btcScenario(), 2024)
	require.NoError(t, err)

	require.Len(t, res.CapitalGainEvents, 2)
	first, second := res.CapitalGainEvents[0], res.CapitalGainEvents[1]

	assert.True(t, first.Quantity.Equal(d("1.0")))
	assert.True(t, first.UnitCost.Equal(d("30000")))
	assert.True(t, first.UnitProceeds.Equal(d("50000")))
	assert.True(t, first.Gain.Equal(d("20000")))
	assert.Equal(t, 387, first.HoldingPeriodDays)
	assert.True(t, first.LongTerm)
	assert.Equal(t, day(2023, 1, 10), first.AcquisitionDate)

	assert.True(t, second.Quantity.Equal(d("0.2")))
	assert.True(t, second.UnitCost.Equal(d("40000")))
	assert.True(t, second.Gain.Equal(d("2000")))
	assert.Equal(t, 245, second.HoldingPeriodDays)
	assert.False(t, second.LongTerm)

	assert.True(t, res.Summary.TotalGains.Equal(d("22000")))
	assert.True(t, res.Summary.TotalLosses.IsZero())
	assert.True(t, res.Summary.NetResult.Equal(d("22000")))
	assert.True(t, res.Summary.LongTermNet.Equal(d("20000")))
	assert.True(t, res.Summary.ShortTermNet.Equal(d("2000")))
	assert.Equal(t, 1, res.TransactionsInYear)
	assert.Empty(t, res.Warnings)

	require.Len(t, res.Holdings, 1)
	assert.Equal(t, "BTC", res.Holdings[0].Asset)
	assert.True(t, res.Holdings[0].Quantity.Equal(d("0.3")))
	assert.True(t, res.Holdings[0].AverageCost.Equal(d("40000")))
	assert.True(t, res.Holdings[0].TotalCost.Equal(d("12000")))
}

func TestGenerateTaxCalculation_GainIdentity(t *testing.T) {
	q, p1, p2 := "0.123456789", "27123.45", "31999.99"
	txs := []models.NormalizedTransaction{
		tx("b", day(2024, 1, 1), models.KindBuy, "ETH", q, p1),
		tx("s", day(2024, 3, 1), models.KindSell, "ETH", q, p2),
	}
	res, err := NewTaxEngine("EUR", true, 365).GenerateTaxCalculation(txs, 2024)
	require.NoError(t, err)

	require.Len(t, res.CapitalGainEvents, 1)
	want := d(q).Mul(d(p2).Sub(d(p1)))
	assert.True(t, res.CapitalGainEvents[0].Gain.Equal(want), "got %s want %s", res.CapitalGainEvents[0].Gain, want)
	assert.Empty(t, res.Holdings)
}

func TestGenerateTaxCalculation_FIFOTieBreak(t *testing.T) {
	txs := []models.NormalizedTransaction{
		tx("lot1", day(2024, 1, 1), models.KindBuy, "SOL", "10", "20"),
		tx("lot2", day(2024, 1, 2), models.KindBuy, "SOL", "10", "30"),
		tx("sell", day(2024, 2, 1), models.KindSell, "SOL", "4", "50"),
	}
	res, err := NewTaxEngine("EUR", true, 365).GenerateTaxCalculation(txs, 2024)
	require.NoError(t, err)

	require.Len(t, res.CapitalGainEvents, 1)
	assert.True(t, res.CapitalGainEvents[0].UnitCost.Equal(d("20")), "only the oldest lot is touched")
	require.Len(t, res.Holdings, 1)
	assert.True(t, res.Holdings[0].Quantity.Equal(d("16")))
	assert.True(t, res.Holdings[0].TotalCost.Equal(d("420")))
}

func TestGenerateTaxCalculation_PriorYearDisposalsConsumeLots(t *testing.T) {
	txs := []models.NormalizedTransaction{
		tx("b1", day(2022, 3, 1), models.KindBuy, "BTC", "1", "20000"),
		tx("b2", day(2022, 9, 1), models.KindBuy, "BTC", "1", "25000"),
		tx("s-2023", day(2023, 5, 1), models.KindTransferOut, "BTC", "1", "28000"),
		tx("s-2024", day(2024, 5, 1), models.KindSell, "BTC", "1", "60000"),
	}
	res, err := NewTaxEngine("EUR", true, 365).GenerateTaxCalculation(txs, 2024)
	require.NoError(t, err)

	require.Len(t, res.CapitalGainEvents, 1, "the 2023 disposal emits no event")
	ev := res.CapitalGainEvents[0]
	assert.True(t, ev.UnitCost.Equal(d("25000")), "the 2022-03 lot was consumed in 2023")
	assert.True(t, ev.Gain.Equal(d("35000")))
	assert.Equal(t, "s-2024", ev.DisposalTransactionID)
	assert.Equal(t, 1, res.TransactionsInYear)
}

func TestGenerateTaxCalculation_LotConservation(t *testing.T) {
	txs := []models.NormalizedTransaction{
		tx("1", day(2024, 1, 1), models.KindBuy, "ADA", "1000", "0.3"),
		tx("2", day(2024, 1, 5), models.KindTransferIn, "ADA", "250.5", "0.35"),
		tx("3", day(2024, 2, 1), models.KindSwap, "ADA", "600.25", "0.5"),
		tx("4", day(2024, 2, 2), models.KindBuy, "DOT", "12", "6"),
		tx("5", day(2024, 3, 1), models.KindSell, "ADA", "100", "0.4"),
		tx("6", day(2024, 3, 2), models.KindTransferOut, "DOT", "2.5", "7"),
	}
	res, err := NewTaxEngine("EUR", true, 365).GenerateTaxCalculation(txs, 2024)
	require.NoError(t, err)

	acquired := map[string]decimal.Decimal{}
	disposed := map[string]decimal.Decimal{}
	for _, r := range txs {
		if r.Kind.IsAcquisition() {
			acquired[r.Asset] = acquired[r.Asset].Add(r.Quantity)
		} else {
			disposed[r.Asset] = disposed[r.Asset].Add(r.Quantity)
		}
	}
	require.Len(t, res.Holdings, 2)
	for _, h := range res.Holdings {
		assert.True(t, acquired[h.Asset].Sub(disposed[h.Asset]).Equal(h.Quantity), h.Asset)
	}
	assert.Equal(t, []string{"ADA", "DOT"}, []string{res.Holdings[0].Asset, res.Holdings[1].Asset})
}

func TestGenerateTaxCalculation_Idempotent(t *testing.T) {
	input := append(btcScenario(),
		tx("l", day(2024, 7, 1), models.KindBuy, "ETH", "2", "3000"),
		tx("m", day(2024, 8, 1), models.KindSell, "ETH", "1", "2500"),
	)
	before, err := json.Marshal(input)
	require.NoError(t, err)

	engine := NewTaxEngine("EUR", false, 365)
	r1, err := engine.GenerateTaxCalculation(input, 2024)
	require.NoError(t, err)
	r2, err := engine.GenerateTaxCalculation(input, 2024)
	require.NoError(t, err)

	j1, err := json.Marshal(r1)
	require.NoError(t, err)
	j2, err := json.Marshal(r2)
	require.NoError(t, err)
	assert.Equal(t, string(j1), string(j2))

	after, err := json.Marshal(input)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "input is not reordered or mutated")

	assert.True(t, r1.Summary.TotalLosses.Equal(d("500")))
	assert.True(t, r1.Summary.NetResult.Equal(d("21500")))
}

func TestGenerateTaxCalculation_Oversell(t *testing.T) {
	txs := []models.NormalizedTransaction{
		tx("b", day(2024, 1, 1), models.KindBuy, "BTC", "0.5", "30000"),
		tx("s", day(2024, 2, 1), models.KindSell, "BTC", "0.8", "40000"),
	}

	t.Run("strict", func(t *testing.T) {
		_, err := NewTaxEngine("EUR", true, 365).GenerateTaxCalculation(txs, 2024)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrInsufficientLots))

		var lotsErr *apperrors.InsufficientLotsError
		require.ErrorAs(t, err, &lotsErr)
		assert.Equal(t, "s", lotsErr.TransactionID)
		assert.True(t, lotsErr.Unmatched.Equal(d("0.3")))
	})

	t.Run("warning", func(t *testing.T) {
		res, err := NewTaxEngine("EUR", false, 365).GenerateTaxCalculation(txs, 2024)
		require.NoError(t, err)

		require.Len(t, res.CapitalGainEvents, 1)
		assert.True(t, res.CapitalGainEvents[0].Quantity.Equal(d("0.5")))
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, "BTC", res.Warnings[0].Asset)
		assert.True(t, res.Warnings[0].Quantity.Equal(d("0.3")))
		assert.Empty(t, res.Holdings)
	})
}

func TestGenerateTaxCalculation_FeesAndValidation(t *testing.T) {
	buy := tx("b", day(2024, 1, 1), models.KindBuy, "BNB", "10", "300")
	buy.FeeValue = d("1.5")
	fee := tx("f", day(2024, 1, 2), models.KindFee, "BNB", "0.01", "300")
	old := tx("o", day(2023, 1, 2), models.KindBuy, "BNB", "1", "200")
	old.FeeValue = d("9")

	res, err := NewTaxEngine("EUR", true, 365).GenerateTaxCalculation([]models.NormalizedTransaction{buy, fee, old}, 2024)
	require.NoError(t, err)
	assert.True(t, res.Summary.TotalFees.Equal(d("4.5")))
	require.Len(t, res.Holdings, 1)
	assert.True(t, res.Holdings[0].Quantity.Equal(d("11")), "fee records do not consume lots")

	_, err = NewTaxEngine("EUR", true, 365).GenerateTaxCalculation(nil, 1999)
	assert.ErrorIs(t, err, apperrors.ErrInvalidFiscalYear)
}

func TestGenerateTaxCalculation_FeeRecordCountedOnce(t *testing.T) {
	raw := []models.NormalizedTransaction{{
		ID: "fee-1", Timestamp: day(2024, 3, 1), Kind: models.KindFee, Asset: "EUR",
		Quantity: d("5"), FeeQuantity: d("5"), FeeAsset: "EUR",
	}}
	normalized, err := NewTransactionNormalizer(&fakePrices{}, "EUR").Normalize(t.Context(), raw)
	require.NoError(t, err)
	require.Len(t, normalized, 1)

	res, err := NewTaxEngine("EUR", true, 365).GenerateTaxCalculation(normalized, 2024)
	require.NoError(t, err)
	assert.True(t, res.Summary.TotalFees.Equal(d("5")), "got %s", res.Summary.TotalFees)
}

func TestGenerateTaxCalculation_SameInstantBuyBeforeSell(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	txs := []models.NormalizedTransaction{
		tx("coinbase-b", at, models.KindBuy, "BTC", "1", "100"),
		tx("coinbase-a", at, models.KindSell, "BTC", "1", "200"),
	}
	res, err := NewTaxEngine("EUR", false, 365).GenerateTaxCalculation(txs, 2024)
	require.NoError(t, err)

	require.Len(t, res.CapitalGainEvents, 1)
	assert.True(t, res.CapitalGainEvents[0].Gain.Equal(d("100")))
	assert.Empty(t, res.Warnings)
	assert.Empty(t, res.Holdings)
}

func TestGenerateTaxCalculation_HoldingPeriodUsesCalendarDates(t *testing.T) {
	txs := []models.NormalizedTransaction{
		tx("b", time.Date(2023, 1, 10, 15, 0, 0, 0, time.UTC), models.KindBuy, "ETH", "1", "1000"),
		tx("s", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), models.KindSell, "ETH", "1", "2000"),
	}
	res, err := NewTaxEngine("EUR", true, 365).GenerateTaxCalculation(txs, 2024)
	require.NoError(t, err)

	require.Len(t, res.CapitalGainEvents, 1)
	assert.Equal(t, 365, res.CapitalGainEvents[0].HoldingPeriodDays)
	assert.True(t, res.CapitalGainEvents[0].LongTerm)

	assert.Equal(t, 0, holdingDays(day(2024, 2, 2), day(2024, 2, 1)))
	assert.Equal(t, 1, holdingDays(time.Date(2024, 2, 1, 23, 59, 0, 0, time.UTC), time.Date(2024, 2, 2, 0, 1, 0, 0, time.UTC)))
}

func TestLotQueue(t *testing.T) {
	var q LotQueue
	for i := range 6 {
		q.Push(models.Lot{Quantity: decimal.NewFromInt(1), UnitCost: decimal.NewFromInt(int64(i + 1)), TransactionID: string(rune('a' + i))})
	}
	assert.Equal(t, 6, q.Len())

	taken, rest := q.Consume(d("2.5"))
	assert.True(t, rest.IsZero())
	require.Len(t, taken, 3)
	assert.True(t, taken[2].Quantity.Equal(d("0.5")))
	assert.Equal(t, "c", taken[2].Lot.TransactionID)

	lots := q.Lots()
	require.Len(t, lots, 4)
	assert.True(t, lots[0].Quantity.Equal(d("0.5")), "partially consumed lot stays at the front")
	lots[0].Quantity = d("100")
	assert.True(t, q.Quantity().Equal(d("3.5")), "Lots returns a copy")

	taken, rest = q.Consume(d("10"))
	assert.Len(t, taken, 4)
	assert.True(t, rest.Equal(d("6.5")))
	assert.Zero(t, q.Len())
	assert.True(t, q.Cost().IsZero())
}
