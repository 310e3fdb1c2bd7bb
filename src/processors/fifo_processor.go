// src/processors/fifo_processor.go
package processors

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/metrics"
	"github.com/username/cryptotax/src/models"
)

const (
	minFiscalYear = 2009
	maxFiscalYear = 2100
)

// TaxEngine matches disposals against acquisitions first-in-first-out.
// It holds no state between calls.
type TaxEngine struct {
	ReportingCurrency     string
	Strict                bool // Fail on oversell instead of recording a warning
	LongTermThresholdDays int
}

func NewTaxEngine(reportingCurrency string, strict bool, longTermDays int) *TaxEngine {
	if longTermDays <= 0 {
		longTermDays = 365
	}
	return &TaxEngine{ReportingCurrency: reportingCurrency, Strict: strict, LongTermThresholdDays: longTermDays}
}

// GenerateTaxCalculation replays the full history in time order and reports the
// gain events whose disposal falls in fiscalYear (UTC calendar year). Lots are
// consumed by every disposal, in-year or not. The input slice is not modified.
func (e *TaxEngine) GenerateTaxCalculation(txs []models.NormalizedTransaction, fiscalYear int) (*models.TaxCalculationResult, error) {
	if fiscalYear < minFiscalYear || fiscalYear > maxFiscalYear {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrInvalidFiscalYear, fiscalYear)
	}
	threshold := e.LongTermThresholdDays
	if threshold <= 0 {
		threshold = 365
	}

	ordered := slices.Clone(txs)
	models.SortTransactions(ordered)

	inYear := func(t time.Time) bool { return t.UTC().Year() == fiscalYear }

	queues := make(map[string]*LotQueue)
	queueFor := func(asset string) *LotQueue {
		q, ok := queues[asset]
		if !ok {
			q = &LotQueue{}
			queues[asset] = q
		}
		return q
	}

	result := &models.TaxCalculationResult{
		FiscalYear:        fiscalYear,
		ReportingCurrency: e.ReportingCurrency,
		Holdings:          []models.AssetHolding{},
		CapitalGainEvents: []models.CapitalGainEvent{},
	}
	summary := models.TaxSummary{
		TotalGains:   decimal.Zero,
		TotalLosses:  decimal.Zero,
		NetResult:    decimal.Zero,
		TotalFees:    decimal.Zero,
		ShortTermNet: decimal.Zero,
		LongTermNet:  decimal.Zero,
	}

	for _, tx := range ordered {
		if !tx.Quantity.IsPositive() || !tx.Kind.Valid() {
			logger.L.Warn("Skipping transaction the engine cannot replay", "id", tx.ID, "kind", tx.Kind, "quantity", tx.Quantity.String())
			continue
		}
		counted := inYear(tx.Timestamp)
		if counted {
			result.TransactionsInYear++
			summary.TotalFees = summary.TotalFees.Add(feeCost(tx))
		}

		switch {
		case tx.Kind.IsAcquisition():
			queueFor(tx.Asset).Push(models.Lot{
				AcquisitionDate: tx.Timestamp.UTC(),
				Quantity:        tx.Quantity,
				UnitCost:        tx.UnitPrice,
				TransactionID:   tx.ID,
			})

		case tx.Kind.IsDisposal():
			slicesTaken, unmatched := queueFor(tx.Asset).Consume(tx.Quantity)
			for _, s := range slicesTaken {
				ev := gainEvent(tx, s, threshold)
				if !counted {
					continue
				}
				result.CapitalGainEvents = append(result.CapitalGainEvents, ev)
				if ev.Gain.IsNegative() {
					summary.TotalLosses = summary.TotalLosses.Add(ev.Gain.Neg())
				} else {
					summary.TotalGains = summary.TotalGains.Add(ev.Gain)
				}
				if ev.LongTerm {
					summary.LongTermNet = summary.LongTermNet.Add(ev.Gain)
				} else {
					summary.ShortTermNet = summary.ShortTermNet.Add(ev.Gain)
				}
			}
			if unmatched.IsPositive() {
				if e.Strict {
					return nil, &apperrors.InsufficientLotsError{
						Asset:         tx.Asset,
						TransactionID: tx.ID,
						Requested:     tx.Quantity,
						Unmatched:     unmatched,
					}
				}
				metrics.UnmatchedDisposalsTotal.Inc()
				logger.L.Warn("Disposal exceeds recorded holdings",
					"id", tx.ID, "asset", tx.Asset, "requested", tx.Quantity.String(), "unmatched", unmatched.String())
				result.Warnings = append(result.Warnings, models.UnmatchedDisposal{
					TransactionID: tx.ID,
					Asset:         tx.Asset,
					Date:          tx.Timestamp.UTC(),
					Quantity:      unmatched,
				})
			}
		}
	}

	summary.NetResult = summary.TotalGains.Sub(summary.TotalLosses)
	result.Summary = summary
	result.Holdings = holdings(queues)
	return result, nil
}

// feeCost is the fee a record adds to the summary. A standalone fee record is
// itself the cost, counted once even when it also carries its fee fields.
func feeCost(tx models.NormalizedTransaction) decimal.Decimal {
	if tx.Kind == models.KindFee && tx.GrossValue.IsPositive() {
		return tx.GrossValue
	}
	return tx.FeeValue
}

func gainEvent(tx models.NormalizedTransaction, s LotSlice, threshold int) models.CapitalGainEvent {
	days := holdingDays(s.Lot.AcquisitionDate, tx.Timestamp)
	return models.CapitalGainEvent{
		DisposalDate:          tx.Timestamp.UTC(),
		Asset:                 tx.Asset,
		Quantity:              s.Quantity,
		AcquisitionDate:       s.Lot.AcquisitionDate,
		UnitCost:              s.Lot.UnitCost,
		UnitProceeds:          tx.UnitPrice,
		Gain:                  s.Quantity.Mul(tx.UnitPrice.Sub(s.Lot.UnitCost)),
		HoldingPeriodDays:     days,
		LongTerm:              days >= threshold,
		DisposalTransactionID: tx.ID,
		PriceEstimated:        tx.PriceEstimated,
	}
}

// holdings projects the open lots, sorted by asset.
func holdings(queues map[string]*LotQueue) []models.AssetHolding {
	assets := make([]string, 0, len(queues))
	for a := range queues {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	out := []models.AssetHolding{}
	for _, a := range assets {
		q := queues[a]
		qty := q.Quantity()
		if !qty.IsPositive() {
			continue
		}
		cost := q.Cost()
		out = append(out, models.AssetHolding{
			Asset:       a,
			Quantity:    qty,
			AverageCost: cost.Div(qty),
			TotalCost:   cost,
		})
	}
	return out
}
