package exchanges

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/metrics"
	"github.com/username/cryptotax/src/models"
	"github.com/username/cryptotax/src/signers"
	"golang.org/x/time/rate"
)

const (
	coinbaseBaseURL      = "https://api.coinbase.com"
	coinbaseFillPageSize = 100
)

type coinbaseAccounts struct {
	Accounts *[]json.RawMessage `json:"accounts"`
}

type coinbaseFill struct {
	EntryID     string          `json:"entry_id"`
	TradeID     string          `json:"trade_id"`
	OrderID     string          `json:"order_id"`
	TradeTime   time.Time       `json:"trade_time"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	Commission  decimal.Decimal `json:"commission"`
	ProductID   string          `json:"product_id"`
	SizeInQuote bool            `json:"size_in_quote"`
	Side        string          `json:"side"`
}

type coinbaseFillsPage struct {
	Fills  []coinbaseFill `json:"fills"`
	Cursor string         `json:"cursor"`
}

type coinbaseErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CoinbaseAdapter reads Advanced Trade fills using per-request JWT bearer tokens.
type CoinbaseAdapter struct {
	opts   Options
	host   string
	req    *requester
	signer signers.CoinbaseSigner
}

func NewCoinbaseAdapter(opts Options) *CoinbaseAdapter {
	o := opts.withDefaults(coinbaseBaseURL, rate.Limit(10), 10)
	host := "api.coinbase.com"
	if u, err := url.Parse(o.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &CoinbaseAdapter{
		opts: o,
		host: host,
		req:  newRequester(models.ProviderCoinbase, o, classifyCoinbaseError),
	}
}

func (a *CoinbaseAdapter) Name() string { return models.ProviderCoinbase }

func (a *CoinbaseAdapter) TestConnection(ctx context.Context, creds models.Credentials) (bool, error) {
	body, err := a.get(ctx, creds, "/api/v3/brokerage/accounts", url.Values{"limit": {"1"}})
	if err != nil {
		return false, fmt.Errorf("fetching coinbase accounts: %w", err)
	}
	var accts coinbaseAccounts
	if err := decodeJSON(a.Name(), body, &accts); err != nil {
		return false, err
	}
	return accts.Accounts != nil, nil
}

func (a *CoinbaseAdapter) FetchAllTransactions(ctx context.Context, creds models.Credentials, window models.DateWindow) ([]models.NormalizedTransaction, error) {
	fills, err := a.fetchFills(ctx, creds, window)
	if err != nil {
		return nil, err
	}

	transfers, err := a.fetchTransfers(ctx, creds, window)
	if err != nil {
		if !errors.Is(err, apperrors.ErrUnsupportedOperation) {
			return nil, err
		}
		logger.L.Info("Provider has no transfer history, continuing with trades only", "provider", a.Name(), "reason", err.Error())
	}

	metrics.ExchangeRecordsFetched.WithLabelValues(a.Name(), "trades").Add(float64(len(fills)))

	all := append(fills, transfers...)
	all = models.FilterWindow(all, window)
	models.SortTransactions(all)
	return all, nil
}

// fetchTransfers reports that deposit and withdrawal history is not exposed
// by the Advanced Trade API.
func (a *CoinbaseAdapter) fetchTransfers(context.Context, models.Credentials, models.DateWindow) ([]models.NormalizedTransaction, error) {
	return nil, &apperrors.UnsupportedOperationError{Provider: a.Name(), Operation: "deposit/withdrawal history"}
}

func (a *CoinbaseAdapter) fetchFills(ctx context.Context, creds models.Credentials, window models.DateWindow) ([]models.NormalizedTransaction, error) {
	var (
		out     []models.NormalizedTransaction
		fetched int
		cursor  string
	)
	for {
		params := url.Values{"limit": {strconv.Itoa(coinbaseFillPageSize)}}
		if !window.Start.IsZero() {
			params.Set("start_sequence_timestamp", window.Start.UTC().Format(time.RFC3339))
		}
		if !window.End.IsZero() {
			params.Set("end_sequence_timestamp", window.End.UTC().Format(time.RFC3339))
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		body, err := a.get(ctx, creds, "/api/v3/brokerage/orders/historical/fills", params)
		if err != nil {
			return nil, fmt.Errorf("fetching coinbase fills: %w", err)
		}
		var page coinbaseFillsPage
		if err := decodeJSON(a.Name(), body, &page); err != nil {
			return nil, err
		}

		for _, f := range page.Fills {
			out = append(out, a.mapFill(f)...)
		}
		fetched += len(page.Fills)
		if len(page.Fills) == 0 || page.Cursor == "" || page.Cursor == cursor {
			break
		}
		if capReached(a.Name(), "trades", fetched, a.opts.MaxRecords) {
			break
		}
		cursor = page.Cursor
	}
	return out, nil
}

func (a *CoinbaseAdapter) mapFill(f coinbaseFill) []models.NormalizedTransaction {
	base, quote, ok := splitMarket(f.ProductID)
	if !ok || !f.Price.IsPositive() {
		logger.L.Warn("Skipping Coinbase fill with unusable product or price", "entryId", f.EntryID, "product", f.ProductID)
		return nil
	}
	kind, err := models.ParseTransactionKind(f.Side)
	if err != nil {
		logger.L.Warn("Skipping Coinbase fill with unknown side", "entryId", f.EntryID, "side", f.Side)
		return nil
	}

	qty, quoteQty := f.Size, f.Size.Mul(f.Price)
	if f.SizeInQuote {
		qty, quoteQty = f.Size.Div(f.Price), f.Size
	}

	id := f.EntryID
	if id == "" {
		id = f.TradeID
	}
	return tradeLegs(tradeFill{
		id:       "coinbase-" + id,
		ts:       f.TradeTime,
		exchange: a.Name(),
		base:     base,
		quote:    quote,
		buy:      kind == models.KindBuy,
		qty:      qty,
		price:    f.Price,
		quoteQty: quoteQty,
		fee:      f.Commission,
		feeAsset: quote,
	}, a.opts.ReportingCurrency)
}

func (a *CoinbaseAdapter) get(ctx context.Context, creds models.Credentials, path string, params url.Values) ([]byte, error) {
	return a.req.do(ctx, func(ctx context.Context) (*http.Request, error) {
		token, err := a.signer.Sign(creds, http.MethodGet, a.host, path, a.opts.Now())
		if err != nil {
			return nil, err
		}
		target := a.opts.BaseURL + path
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
}

func classifyCoinbaseError(status int, body []byte) error {
	var e coinbaseErrorBody
	_ = json.Unmarshal(body, &e)
	msg := strings.TrimSpace(e.Error + " " + e.Message)
	lower := strings.ToLower(e.Message)

	switch status {
	case http.StatusUnauthorized:
		return &apperrors.CredentialError{Provider: models.ProviderCoinbase, Reason: apperrors.ReasonInvalidKey, Message: msg}
	case http.StatusForbidden:
		reason := apperrors.ReasonInsufficientPermissions
		if strings.Contains(lower, "ip") && (strings.Contains(lower, "allow") || strings.Contains(lower, "whitelist")) {
			reason = apperrors.ReasonIPNotAllowed
		}
		return &apperrors.CredentialError{Provider: models.ProviderCoinbase, Reason: reason, Message: msg}
	}
	return &apperrors.APIError{Provider: models.ProviderCoinbase, StatusCode: status, Code: e.Error, Message: e.Message}
}
