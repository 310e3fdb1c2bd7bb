package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is a remaining acquisition owned by exactly one per-asset queue.
type Lot struct {
	AcquisitionDate time.Time       `json:"acquisition_date"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	TransactionID   string          `json:"transaction_id"`
}

// CapitalGainEvent records one lot slice matched against a disposal.
type CapitalGainEvent struct {
	DisposalDate          time.Time       `json:"disposal_date"`
	Asset                 string          `json:"asset"`
	Quantity              decimal.Decimal `json:"quantity"`
	AcquisitionDate       time.Time       `json:"acquisition_date"`
	UnitCost              decimal.Decimal `json:"unit_cost"`
	UnitProceeds          decimal.Decimal `json:"unit_proceeds"`
	Gain                  decimal.Decimal `json:"gain"` // Signed: positive gain, negative loss
	HoldingPeriodDays     int             `json:"holding_period_days"`
	LongTerm              bool            `json:"long_term"` // Informational only
	DisposalTransactionID string          `json:"disposal_transaction_id"`
	PriceEstimated        bool            `json:"price_estimated"`
}

type AssetHolding struct {
	Asset       string          `json:"asset"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

type TaxSummary struct {
	TotalGains   decimal.Decimal `json:"total_gains"`
	TotalLosses  decimal.Decimal `json:"total_losses"`
	NetResult    decimal.Decimal `json:"net_result"`
	TotalFees    decimal.Decimal `json:"total_fees"`
	ShortTermNet decimal.Decimal `json:"short_term_net"`
	LongTermNet  decimal.Decimal `json:"long_term_net"`
}

// UnmatchedDisposal is the part of a disposal that found no lots to consume.
type UnmatchedDisposal struct {
	TransactionID string          `json:"transaction_id"`
	Asset         string          `json:"asset"`
	Date          time.Time       `json:"date"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// TaxCalculationResult is everything the engine hands to report formatting.
type TaxCalculationResult struct {
	FiscalYear         int                 `json:"fiscal_year"`
	ReportingCurrency  string              `json:"reporting_currency"`
	TransactionsInYear int                 `json:"transactions_in_year"`
	Holdings           []AssetHolding      `json:"holdings"`
	CapitalGainEvents  []CapitalGainEvent  `json:"capital_gain_events"`
	Summary            TaxSummary          `json:"summary"`
	Warnings           []UnmatchedDisposal `json:"warnings,omitempty"`
}
