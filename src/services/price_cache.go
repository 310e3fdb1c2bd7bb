package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/cryptotax/src/model"
	"github.com/username/cryptotax/src/models"
)

// PriceCache holds recently resolved prices. Implementations must be safe for
// concurrent use; reports running in parallel share one cache.
type PriceCache interface {
	Get(key string) (models.Price, bool)
	Set(key string, p models.Price)
}

type memoryPriceCache struct {
	c *cache.Cache
}

// NewMemoryPriceCache returns a go-cache backed PriceCache whose entries expire after ttl.
func NewMemoryPriceCache(ttl time.Duration) PriceCache {
	return &memoryPriceCache{c: cache.New(ttl, 2*ttl)}
}

func (m *memoryPriceCache) Get(key string) (models.Price, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return models.Price{}, false
	}
	p, ok := v.(models.Price)
	return p, ok
}

func (m *memoryPriceCache) Set(key string, p models.Price) {
	m.c.SetDefault(key, p)
}

// PriceStore persists data that does not expire: symbol mappings and past prices.
type PriceStore interface {
	LookupAssetIDs(ctx context.Context, symbols []string) (map[string]string, error)
	SaveAssetID(ctx context.Context, symbol, id, name string) error
	LookupHistorical(ctx context.Context, symbol, currency, day string) (decimal.Decimal, bool, error)
	SaveHistorical(ctx context.Context, symbol, currency, day string, price decimal.Decimal) error
}

const coinGeckoProvider = "coingecko"

type sqlPriceStore struct {
	db *sql.DB
}

func NewSQLPriceStore(db *sql.DB) PriceStore {
	return &sqlPriceStore{db: db}
}

func (s *sqlPriceStore) LookupAssetIDs(ctx context.Context, symbols []string) (map[string]string, error) {
	rows, err := model.GetMappingsBySymbols(ctx, s.db, coinGeckoProvider, symbols)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for sym, m := range rows {
		out[sym] = m.ProviderID
	}
	return out, nil
}

func (s *sqlPriceStore) SaveAssetID(ctx context.Context, symbol, id, name string) error {
	return model.UpsertMapping(ctx, s.db, model.AssetIDMapping{
		Symbol:     symbol,
		Provider:   coinGeckoProvider,
		ProviderID: id,
		Name:       sql.NullString{String: name, Valid: name != ""},
	})
}

func (s *sqlPriceStore) LookupHistorical(ctx context.Context, symbol, currency, day string) (decimal.Decimal, bool, error) {
	p, found, err := model.GetHistoricalPrice(ctx, s.db, symbol, currency, day)
	if err != nil || !found {
		return decimal.Zero, false, err
	}
	return p.Price, true, nil
}

func (s *sqlPriceStore) SaveHistorical(ctx context.Context, symbol, currency, day string, price decimal.Decimal) error {
	return model.InsertHistoricalPrice(ctx, s.db, model.HistoricalPrice{
		Symbol:   symbol,
		Currency: currency,
		Day:      day,
		Price:    price,
		Source:   coinGeckoProvider,
	})
}
