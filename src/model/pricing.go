package model

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetIDMapping is a row in asset_id_map: an exchange ticker resolved to a
// price provider's coin identifier.
type AssetIDMapping struct {
	Symbol        string
	Provider      string
	ProviderID    string
	Name          sql.NullString
	CreatedAt     time.Time
	LastCheckedAt sql.NullTime
}

// GetMappingsBySymbols returns the known mappings for symbols, keyed by symbol.
func GetMappingsBySymbols(ctx context.Context, db *sql.DB, provider string, symbols []string) (map[string]AssetIDMapping, error) {
	mappings := make(map[string]AssetIDMapping)
	if len(symbols) == 0 {
		return mappings, nil
	}

	query := `SELECT symbol, provider, provider_id, name, created_at, last_checked_at FROM asset_id_map
		WHERE provider = ? AND symbol IN (?` + strings.Repeat(",?", len(symbols)-1) + `)`

	args := make([]any, 0, len(symbols)+1)
	args = append(args, provider)
	for _, s := range symbols {
		args = append(args, s)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m AssetIDMapping
		if err := rows.Scan(&m.Symbol, &m.Provider, &m.ProviderID, &m.Name, &m.CreatedAt, &m.LastCheckedAt); err != nil {
			return nil, err
		}
		mappings[m.Symbol] = m
	}
	return mappings, rows.Err()
}

// UpsertMapping stores or refreshes a symbol mapping.
func UpsertMapping(ctx context.Context, db *sql.DB, m AssetIDMapping) error {
	query := `
		INSERT INTO asset_id_map (symbol, provider, provider_id, name, last_checked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol, provider) DO UPDATE SET
			provider_id = excluded.provider_id,
			name = excluded.name,
			last_checked_at = excluded.last_checked_at`

	_, err := db.ExecContext(ctx, query, m.Symbol, m.Provider, m.ProviderID, m.Name, time.Now().UTC())
	return err
}

// HistoricalPrice is a row in historical_prices. Past prices never change, so
// rows are written once and read forever.
type HistoricalPrice struct {
	Symbol    string
	Currency  string
	Day       string // YYYY-MM-DD, UTC
	Price     decimal.Decimal
	Source    string
	FetchedAt time.Time
}

// GetHistoricalPrice returns the stored price and whether one exists.
func GetHistoricalPrice(ctx context.Context, db *sql.DB, symbol, currency, day string) (HistoricalPrice, bool, error) {
	var (
		p   HistoricalPrice
		raw string
	)
	err := db.QueryRowContext(ctx,
		`SELECT symbol, currency, day, price, source, fetched_at FROM historical_prices WHERE symbol = ? AND currency = ? AND day = ?`,
		symbol, currency, day,
	).Scan(&p.Symbol, &p.Currency, &p.Day, &raw, &p.Source, &p.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return HistoricalPrice{}, false, nil
	}
	if err != nil {
		return HistoricalPrice{}, false, err
	}
	p.Price, err = decimal.NewFromString(raw)
	if err != nil {
		return HistoricalPrice{}, false, err
	}
	return p, true, nil
}

func InsertHistoricalPrice(ctx context.Context, db *sql.DB, p HistoricalPrice) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO historical_prices (symbol, currency, day, price, source, fetched_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.Symbol, p.Currency, p.Day, p.Price.String(), p.Source, time.Now().UTC(),
	)
	return err
}
