// src/models/transaction.go
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind is the canonical classification every provider record is mapped onto.
type TransactionKind string

const (
	KindBuy         TransactionKind = "buy"
	KindSell        TransactionKind = "sell"
	KindTransferIn  TransactionKind = "transferIn"
	KindTransferOut TransactionKind = "transferOut"
	KindSwap        TransactionKind = "swap"
	KindFee         TransactionKind = "fee"
)

var kindAliases = map[string]TransactionKind{
	"buy":          KindBuy,
	"trade_buy":    KindBuy,
	"bid":          KindBuy,
	"sell":         KindSell,
	"trade_sell":   KindSell,
	"ask":          KindSell,
	"transferin":   KindTransferIn,
	"transfer_in":  KindTransferIn,
	"deposit":      KindTransferIn,
	"receive":      KindTransferIn,
	"transferout":  KindTransferOut,
	"transfer_out": KindTransferOut,
	"withdrawal":   KindTransferOut,
	"withdraw":     KindTransferOut,
	"send":         KindTransferOut,
	"swap":         KindSwap,
	"convert":      KindSwap,
	"fee":          KindFee,
	"commission":   KindFee,
}

// ParseTransactionKind maps a provider's vocabulary onto the canonical enum.
func ParseTransactionKind(s string) (TransactionKind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown transaction kind %q", s)
}

func (k TransactionKind) IsAcquisition() bool {
	return k == KindBuy || k == KindTransferIn
}

func (k TransactionKind) IsDisposal() bool {
	return k == KindSell || k == KindTransferOut || k == KindSwap
}

func (k TransactionKind) Valid() bool {
	switch k {
	case KindBuy, KindSell, KindTransferIn, KindTransferOut, KindSwap, KindFee:
		return true
	}
	return false
}

func (k *TransactionKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTransactionKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NormalizedTransaction is the provider-independent record consumed by the tax engine.
// All values are expressed in the reporting currency.
type NormalizedTransaction struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Kind        TransactionKind `json:"kind"`
	Asset       string          `json:"asset"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	GrossValue  decimal.Decimal `json:"gross_value"`
	FeeQuantity decimal.Decimal `json:"fee_quantity"`
	FeeAsset    string          `json:"fee_asset,omitempty"`
	FeeValue    decimal.Decimal `json:"fee_value"`
	Exchange    string          `json:"exchange"`
	QuoteAsset  string          `json:"quote_asset,omitempty"` // Counter asset of a trade, empty for transfers

	// PriceEstimated is set when any price on the record came from a fallback rather than a market quote.
	PriceEstimated bool `json:"price_estimated"`
}

// NeedsPrice reports whether the record is missing its unit price or gross value.
func (t NormalizedTransaction) NeedsPrice() bool {
	return t.UnitPrice.IsZero() || t.GrossValue.IsZero()
}

// DateWindow bounds a fetch. A zero Start or End leaves that side open.
type DateWindow struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

func (w DateWindow) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// FilterWindow returns the records that fall inside w, keeping their order.
func FilterWindow(txs []NormalizedTransaction, w DateWindow) []NormalizedTransaction {
	out := make([]NormalizedTransaction, 0, len(txs))
	for _, tx := range txs {
		if w.Contains(tx.Timestamp) {
			out = append(out, tx)
		}
	}
	return out
}

// SortTransactions orders records ascending by timestamp, then ID, so that any
// merged stream has a total order. At the same instant acquisitions come first,
// so a disposal can consume a lot opened in the same second.
func SortTransactions(txs []NormalizedTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.Before(txs[j].Timestamp)
		}
		if ri, rj := replayRank(txs[i].Kind), replayRank(txs[j].Kind); ri != rj {
			return ri < rj
		}
		return txs[i].ID < txs[j].ID
	})
}

func replayRank(k TransactionKind) int {
	if k.IsAcquisition() {
		return 0
	}
	return 1
}
