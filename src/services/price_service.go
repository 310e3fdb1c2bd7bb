// src/services/price_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cryptotax/src/config"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/metrics"
	"github.com/username/cryptotax/src/models"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"
)

// PriceOracle resolves unit prices in the reporting currency. It never fails:
// when the market source is unavailable it returns a fallback flagged Estimated.
type PriceOracle interface {
	CurrentPrices(ctx context.Context, assets []string) map[string]models.Price
	HistoricalPrice(ctx context.Context, asset string, at time.Time) models.Price
	ReportingCurrency() string
}

// Structs for CoinGecko API responses
type coinGeckoHistory struct {
	MarketData *struct {
		CurrentPrice map[string]decimal.Decimal `json:"current_price"`
	} `json:"market_data"`
}

type coinGeckoSearch struct {
	Coins []struct {
		ID            string `json:"id"`
		Symbol        string `json:"symbol"`
		Name          string `json:"name"`
		MarketCapRank int    `json:"market_cap_rank"`
	} `json:"coins"`
}

// Well-known tickers, checked before the store and the search endpoint.
var staticAssetIDs = map[string]string{
	"BTC": "bitcoin", "ETH": "ethereum", "BNB": "binancecoin", "SOL": "solana",
	"XRP": "ripple", "ADA": "cardano", "DOGE": "dogecoin", "DOT": "polkadot",
	"MATIC": "matic-network", "POL": "polygon-ecosystem-token", "LTC": "litecoin",
	"AVAX": "avalanche-2", "LINK": "chainlink", "TRX": "tron", "ATOM": "cosmos",
	"SHIB": "shiba-inu", "XLM": "stellar", "UNI": "uniswap", "BCH": "bitcoin-cash",
	"ETC": "ethereum-classic", "NEAR": "near", "APT": "aptos", "ARB": "arbitrum",
	"OP": "optimism", "TON": "the-open-network", "WBT": "whitebit",
	"USDT": "tether", "USDC": "usd-coin", "BUSD": "binance-usd", "FDUSD": "first-digital-usd",
	"DAI": "dai", "EURC": "euro-coin",
}

// Reference EUR prices used when no market price can be obtained.
var fallbackPricesEUR = map[string]string{
	"BTC": "40000", "ETH": "2200", "BNB": "300", "SOL": "90", "XRP": "0.5",
	"ADA": "0.45", "DOGE": "0.08", "DOT": "6", "MATIC": "0.7", "LTC": "70",
	"AVAX": "30", "LINK": "14", "TRX": "0.1", "ATOM": "9", "WBT": "5",
	"USDT": "0.92", "USDC": "0.92", "BUSD": "0.92", "FDUSD": "0.92", "DAI": "0.92",
	"EURC": "1", "USD": "0.92", "GBP": "1.16", "CHF": "1.04",
}

// PriceServiceOptions configures the CoinGecko-backed oracle. Zero values take defaults.
type PriceServiceOptions struct {
	BaseURL            string
	APIKey             string
	ReportingCurrency  string
	CacheTTL           time.Duration
	HistoricalAttempts int
	HistoricalBackoff  time.Duration
	Cache              PriceCache
	Store              PriceStore
	HTTPClient         *http.Client
	Sleep              func(ctx context.Context, d time.Duration) error
}

// PriceOptionsFromConfig maps the prices section of the app config onto oracle options.
func PriceOptionsFromConfig(cfg *config.AppConfig) PriceServiceOptions {
	return PriceServiceOptions{
		BaseURL:            cfg.Prices.CoinGeckoBaseURL,
		APIKey:             cfg.Prices.CoinGeckoAPIKey,
		ReportingCurrency:  cfg.ReportingCurrency,
		CacheTTL:           cfg.Prices.CacheTTL,
		HistoricalAttempts: cfg.Prices.HistoricalAttempts,
		HistoricalBackoff:  cfg.Prices.HistoricalBackoff,
	}
}

const historicalLookupTimeout = 2 * time.Minute

// priceServiceImpl implements PriceOracle against the CoinGecko REST API.
type priceServiceImpl struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	currency   string
	attempts   int
	backoff    time.Duration
	cache      PriceCache
	store      PriceStore
	sleep      func(ctx context.Context, d time.Duration) error
	flight     singleflight.Group
}

// NewPriceService creates the price oracle. The HTTP client keeps cookies
// between calls, which the public API uses for its rate-limit bookkeeping.
func NewPriceService(opts PriceServiceOptions) PriceOracle {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.ReportingCurrency == "" {
		opts.ReportingCurrency = "EUR"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.HistoricalAttempts < 1 {
		opts.HistoricalAttempts = 3
	}
	if opts.HistoricalBackoff <= 0 {
		opts.HistoricalBackoff = 2 * time.Second
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryPriceCache(opts.CacheTTL)
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.HTTPClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			logger.L.Error("Failed to create cookie jar", "error", err)
		}
		opts.HTTPClient = &http.Client{Jar: jar, Timeout: 20 * time.Second}
	}

	return &priceServiceImpl{
		httpClient: opts.HTTPClient,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		currency:   strings.ToUpper(opts.ReportingCurrency),
		attempts:   opts.HistoricalAttempts,
		backoff:    opts.HistoricalBackoff,
		cache:      opts.Cache,
		store:      opts.Store,
		sleep:      opts.Sleep,
	}
}

func (s *priceServiceImpl) ReportingCurrency() string { return s.currency }

func (s *priceServiceImpl) CurrentPrices(ctx context.Context, assets []string) map[string]models.Price {
	result := make(map[string]models.Price, len(assets))
	var misses []string
	for _, a := range dedupeUpper(assets) {
		if a == s.currency {
			result[a] = parityPrice()
			continue
		}
		if p, ok := s.cache.Get(currentKey(a, s.currency)); ok {
			p.Source = models.PriceSourceCache
			result[a] = p
			metrics.PriceLookupsTotal.WithLabelValues("current", models.PriceSourceCache).Inc()
			continue
		}
		misses = append(misses, a)
	}
	if len(misses) == 0 {
		return result
	}

	ids := s.resolveIDs(ctx, misses)
	byID := make(map[string][]string)
	for _, sym := range misses {
		if id, ok := ids[sym]; ok {
			byID[id] = append(byID[id], sym)
		}
	}

	quotes, err := s.fetchSimplePrices(ctx, mapKeys(byID))
	if err != nil {
		logger.L.Warn("Current price lookup failed, using fallback prices", "assets", len(misses), "error", err)
	}
	vs := strings.ToLower(s.currency)
	for id, syms := range byID {
		v, ok := quotes[id][vs]
		if !ok || !v.IsPositive() {
			continue
		}
		for _, sym := range syms {
			p := models.Price{Value: v, Source: models.PriceSourceNetwork}
			s.cache.Set(currentKey(sym, s.currency), p)
			result[sym] = p
			metrics.PriceLookupsTotal.WithLabelValues("current", models.PriceSourceNetwork).Inc()
		}
	}

	for _, sym := range misses {
		if _, ok := result[sym]; !ok {
			result[sym] = s.fallback(sym, "current")
		}
	}
	return result
}

func (s *priceServiceImpl) HistoricalPrice(ctx context.Context, asset string, at time.Time) models.Price {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == s.currency {
		return parityPrice()
	}
	day := at.UTC().Format(time.DateOnly)
	key := "hist:" + asset + ":" + s.currency + ":" + day

	if p, ok := s.cache.Get(key); ok {
		p.Source = models.PriceSourceCache
		metrics.PriceLookupsTotal.WithLabelValues("historical", models.PriceSourceCache).Inc()
		return p
	}

	// Concurrent lookups of the same asset/day share one request. The shared
	// lookup is detached from any single caller's cancellation.
	ch := s.flight.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historicalLookupTimeout)
		defer cancel()
		return s.lookupHistorical(lookupCtx, asset, day, key), nil
	})
	select {
	case r := <-ch:
		return r.Val.(models.Price)
	case <-ctx.Done():
		return s.fallback(asset, "historical")
	}
}

func (s *priceServiceImpl) lookupHistorical(ctx context.Context, asset, day, key string) models.Price {
	if s.store != nil {
		v, found, err := s.store.LookupHistorical(ctx, asset, s.currency, day)
		if err != nil {
			logger.L.Warn("Historical price store read failed", "asset", asset, "day", day, "error", err)
		} else if found {
			p := models.Price{Value: v, Source: models.PriceSourceStore}
			s.cache.Set(key, p)
			metrics.PriceLookupsTotal.WithLabelValues("historical", models.PriceSourceStore).Inc()
			return p
		}
	}

	id, ok := s.resolveIDs(ctx, []string{asset})[asset]
	if !ok {
		return s.fallback(asset, "historical")
	}

	v, err := s.fetchHistorical(ctx, id, day)
	if err != nil {
		logger.L.Warn("Historical price lookup failed, using fallback price", "asset", asset, "day", day, "error", err)
		return s.fallback(asset, "historical")
	}

	p := models.Price{Value: v, Source: models.PriceSourceNetwork}
	s.cache.Set(key, p)
	if s.store != nil {
		if err := s.store.SaveHistorical(ctx, asset, s.currency, day, v); err != nil {
			logger.L.Warn("Historical price store write failed", "asset", asset, "day", day, "error", err)
		}
	}
	metrics.PriceLookupsTotal.WithLabelValues("historical", models.PriceSourceNetwork).Inc()
	return p
}

// fetchHistorical calls coins/{id}/history, backing off on 429.
func (s *priceServiceImpl) fetchHistorical(ctx context.Context, id, day string) (decimal.Decimal, error) {
	t, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return decimal.Zero, err
	}
	q := url.Values{"date": {t.Format("02-01-2006")}, "localization": {"false"}}
	endpoint := fmt.Sprintf("%s/coins/%s/history?%s", s.baseURL, url.PathEscape(id), q.Encode())

	var body []byte
	for attempt := 1; ; attempt++ {
		var status int
		body, status, err = s.get(ctx, endpoint)
		if err != nil {
			return decimal.Zero, err
		}
		if status == http.StatusOK {
			break
		}
		if status != http.StatusTooManyRequests || attempt >= s.attempts {
			return decimal.Zero, fmt.Errorf("coingecko history for %s returned HTTP %d", id, status)
		}
		delay := s.backoff * time.Duration(1<<(attempt-1))
		logger.L.Debug("CoinGecko rate limited, backing off", "id", id, "attempt", attempt, "delay", delay.String())
		if err := s.sleep(ctx, delay); err != nil {
			return decimal.Zero, err
		}
	}

	var hist coinGeckoHistory
	if err := json.Unmarshal(body, &hist); err != nil {
		return decimal.Zero, fmt.Errorf("decoding coingecko history: %w", err)
	}
	if hist.MarketData == nil {
		return decimal.Zero, fmt.Errorf("coingecko has no market data for %s on %s", id, day)
	}
	v, ok := hist.MarketData.CurrentPrice[strings.ToLower(s.currency)]
	if !ok || !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("coingecko has no %s price for %s on %s", s.currency, id, day)
	}
	return v, nil
}

// fetchSimplePrices batches ids into simple/price calls of at most 250 ids.
func (s *priceServiceImpl) fetchSimplePrices(ctx context.Context, ids []string) (map[string]map[string]decimal.Decimal, error) {
	out := make(map[string]map[string]decimal.Decimal, len(ids))
	sort.Strings(ids)
	for start := 0; start < len(ids); start += 250 {
		chunk := ids[start:min(start+250, len(ids))]
		q := url.Values{"ids": {strings.Join(chunk, ",")}, "vs_currencies": {strings.ToLower(s.currency)}}
		body, status, err := s.get(ctx, s.baseURL+"/simple/price?"+q.Encode())
		if err != nil {
			return out, err
		}
		if status != http.StatusOK {
			return out, fmt.Errorf("coingecko simple/price returned HTTP %d", status)
		}
		var page map[string]map[string]decimal.Decimal
		if err := json.Unmarshal(body, &page); err != nil {
			return out, fmt.Errorf("decoding coingecko prices: %w", err)
		}
		for id, v := range page {
			out[id] = v
		}
	}
	return out, nil
}

// resolveIDs maps symbols to CoinGecko ids: static table, then the store, then search.
func (s *priceServiceImpl) resolveIDs(ctx context.Context, symbols []string) map[string]string {
	ids := make(map[string]string, len(symbols))
	var unknown []string
	for _, sym := range symbols {
		if id, ok := staticAssetIDs[sym]; ok {
			ids[sym] = id
		} else if _, known := s.cache.Get("noid:" + sym); !known {
			unknown = append(unknown, sym)
		}
	}
	if len(unknown) == 0 {
		return ids
	}

	if s.store != nil {
		stored, err := s.store.LookupAssetIDs(ctx, unknown)
		if err != nil {
			logger.L.Warn("Asset id store read failed", "error", err)
		}
		remaining := unknown[:0:0]
		for _, sym := range unknown {
			if id, ok := stored[sym]; ok {
				ids[sym] = id
			} else {
				remaining = append(remaining, sym)
			}
		}
		unknown = remaining
	}

	for _, sym := range unknown {
		id, name, err := s.search(ctx, sym)
		if err != nil || id == "" {
			logger.L.Info("No price provider id for asset", "asset", sym, "error", err)
			s.cache.Set("noid:"+sym, models.Price{})
			continue
		}
		ids[sym] = id
		if s.store != nil {
			if err := s.store.SaveAssetID(ctx, sym, id, name); err != nil {
				logger.L.Warn("Asset id store write failed", "asset", sym, "error", err)
			}
		}
	}
	return ids
}

// search picks the exact-symbol match with the best market cap rank.
func (s *priceServiceImpl) search(ctx context.Context, symbol string) (string, string, error) {
	body, status, err := s.get(ctx, s.baseURL+"/search?"+url.Values{"query": {symbol}}.Encode())
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("coingecko search returned HTTP %d", status)
	}
	var res coinGeckoSearch
	if err := json.Unmarshal(body, &res); err != nil {
		return "", "", fmt.Errorf("decoding coingecko search: %w", err)
	}

	bestID, bestName, bestRank := "", "", 0
	for _, c := range res.Coins {
		if !strings.EqualFold(c.Symbol, symbol) {
			continue
		}
		rank := c.MarketCapRank
		if rank == 0 {
			rank = 1 << 30
		}
		if bestID == "" || rank < bestRank {
			bestID, bestName, bestRank = c.ID, c.Name, rank
		}
	}
	return bestID, bestName, nil
}

func (s *priceServiceImpl) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// fallback returns the reference price, or 1 when the asset has none. Never cached.
func (s *priceServiceImpl) fallback(asset, scope string) models.Price {
	metrics.PriceLookupsTotal.WithLabelValues(scope, models.PriceSourceFallback).Inc()
	if s.currency == "EUR" {
		if raw, ok := fallbackPricesEUR[asset]; ok {
			return models.Price{Value: decimal.RequireFromString(raw), Estimated: true, Source: models.PriceSourceFallback}
		}
	}
	return models.Price{Value: decimal.NewFromInt(1), Estimated: true, Source: models.PriceSourceFallback}
}

func parityPrice() models.Price {
	return models.Price{Value: decimal.NewFromInt(1), Source: models.PriceSourceParity}
}

func currentKey(asset, currency string) string {
	return "current:" + asset + ":" + currency
}

func dedupeUpper(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
