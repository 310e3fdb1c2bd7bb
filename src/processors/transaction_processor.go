// src/processors/transaction_processor.go
package processors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/models"
	"golang.org/x/sync/errgroup"
)

// PriceSource is the part of the price oracle the normalizer needs.
type PriceSource interface {
	CurrentPrices(ctx context.Context, assets []string) map[string]models.Price
	HistoricalPrice(ctx context.Context, asset string, at time.Time) models.Price
}

type PriceScope int

const (
	// ScopeHistorical prices each record at its own day, falling back to the current price.
	ScopeHistorical PriceScope = iota
	// ScopeCurrent prices every record at today's price.
	ScopeCurrent
)

// TransactionNormalizer canonicalizes records and fills in missing prices and fee values.
type TransactionNormalizer struct {
	Prices            PriceSource
	ReportingCurrency string
	Scope             PriceScope
	Concurrency       int // Parallel historical lookups
}

func NewTransactionNormalizer(prices PriceSource, reportingCurrency string) *TransactionNormalizer {
	return &TransactionNormalizer{
		Prices:            prices,
		ReportingCurrency: strings.ToUpper(reportingCurrency),
		Scope:             ScopeHistorical,
		Concurrency:       4,
	}
}

type dayKey struct {
	asset string
	day   string
}

// Normalize returns the enriched records in input order. Records with a
// non-positive quantity are dropped. Only a cancelled context yields an error.
func (n *TransactionNormalizer) Normalize(ctx context.Context, txs []models.NormalizedTransaction) ([]models.NormalizedTransaction, error) {
	reporting := strings.ToUpper(n.ReportingCurrency)
	out := make([]models.NormalizedTransaction, 0, len(txs))

	// --- Canonicalize and derive what can be derived locally ---
	for _, tx := range txs {
		tx.Asset = strings.ToUpper(strings.TrimSpace(tx.Asset))
		tx.FeeAsset = strings.ToUpper(strings.TrimSpace(tx.FeeAsset))
		tx.QuoteAsset = strings.ToUpper(strings.TrimSpace(tx.QuoteAsset))
		tx.Timestamp = tx.Timestamp.UTC()
		if !tx.Quantity.IsPositive() {
			logger.L.Warn("Dropping transaction with non-positive quantity", "id", tx.ID, "asset", tx.Asset, "quantity", tx.Quantity.String())
			continue
		}
		if tx.FeeAsset == "" {
			tx.FeeAsset = tx.Asset
		}
		if tx.ID == "" {
			tx.ID = generateHash(tx)
		}

		switch {
		case tx.Asset == reporting:
			tx.UnitPrice = decimal.NewFromInt(1)
			tx.GrossValue = tx.Quantity
		case tx.UnitPrice.IsPositive() && tx.GrossValue.IsZero():
			tx.GrossValue = tx.Quantity.Mul(tx.UnitPrice)
		case tx.GrossValue.IsPositive() && tx.UnitPrice.IsZero():
			tx.UnitPrice = tx.GrossValue.Div(tx.Quantity)
		}
		out = append(out, tx)
	}

	// --- Collect distinct lookups ---
	needed := make(map[dayKey]struct{})
	for _, tx := range out {
		if tx.NeedsPrice() {
			needed[dayKey{tx.Asset, dayOf(tx.Timestamp)}] = struct{}{}
		}
		if n.feeNeedsOracle(tx, reporting) {
			needed[dayKey{tx.FeeAsset, dayOf(tx.Timestamp)}] = struct{}{}
		}
	}
	if len(needed) == 0 {
		return n.applyFees(out, nil, reporting), nil
	}

	resolved, err := n.resolve(ctx, needed)
	if err != nil {
		return nil, err
	}

	// --- Apply prices ---
	for i := range out {
		tx := &out[i]
		if !tx.NeedsPrice() {
			continue
		}
		p := resolved[dayKey{tx.Asset, dayOf(tx.Timestamp)}]
		tx.UnitPrice = p.Value
		tx.GrossValue = tx.Quantity.Mul(p.Value)
		if p.Estimated {
			tx.PriceEstimated = true
		}
	}
	return n.applyFees(out, resolved, reporting), nil
}

// resolve prices each distinct (asset, day). Historical misses and the current
// scope share a single batched current-price request.
func (n *TransactionNormalizer) resolve(ctx context.Context, needed map[dayKey]struct{}) (map[dayKey]models.Price, error) {
	resolved := make(map[dayKey]models.Price, len(needed))
	var currentAssets []string
	seen := make(map[string]bool)
	addCurrent := func(asset string) {
		if !seen[asset] {
			seen[asset] = true
			currentAssets = append(currentAssets, asset)
		}
	}

	if n.Scope == ScopeHistorical {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(n.Concurrency, 1))
		for k := range needed {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				p := n.Prices.HistoricalPrice(gctx, k.asset, dayStart(k.day))
				mu.Lock()
				resolved[k] = p
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for k, p := range resolved {
			if p.Estimated {
				addCurrent(k.asset)
			}
		}
	} else {
		for k := range needed {
			addCurrent(k.asset)
		}
	}

	if len(currentAssets) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := n.Prices.CurrentPrices(ctx, currentAssets)
		for k := range needed {
			cur, ok := current[k.asset]
			if !ok {
				continue
			}
			if prev, had := resolved[k]; had && (!prev.Estimated || cur.Estimated) {
				continue
			}
			// Today's price standing in for a past one is never exact.
			cur.Estimated = true
			resolved[k] = cur
		}
	}
	return resolved, nil
}

func (n *TransactionNormalizer) feeNeedsOracle(tx models.NormalizedTransaction, reporting string) bool {
	if !tx.FeeQuantity.IsPositive() || !tx.FeeValue.IsZero() {
		return false
	}
	return tx.FeeAsset != reporting && tx.FeeAsset != tx.Asset
}

func (n *TransactionNormalizer) applyFees(txs []models.NormalizedTransaction, resolved map[dayKey]models.Price, reporting string) []models.NormalizedTransaction {
	for i := range txs {
		tx := &txs[i]
		if !tx.FeeQuantity.IsPositive() || !tx.FeeValue.IsZero() {
			continue
		}
		switch tx.FeeAsset {
		case reporting:
			tx.FeeValue = tx.FeeQuantity
		case tx.Asset:
			tx.FeeValue = tx.FeeQuantity.Mul(tx.UnitPrice)
		default:
			p, ok := resolved[dayKey{tx.FeeAsset, dayOf(tx.Timestamp)}]
			if !ok {
				continue
			}
			tx.FeeValue = tx.FeeQuantity.Mul(p.Value)
			if p.Estimated {
				tx.PriceEstimated = true
			}
		}
	}
	return txs
}

// generateHash derives a stable ID for records that arrive without one.
func generateHash(tx models.NormalizedTransaction) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s", tx.Exchange, tx.Timestamp.Format(time.RFC3339Nano), tx.Kind, tx.Asset, tx.Quantity.String(), tx.GrossValue.String())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

func dayOf(t time.Time) string { return t.UTC().Format(time.DateOnly) }

func dayStart(day string) time.Time {
	t, _ := time.Parse(time.DateOnly, day)
	return t
}
