package exchanges

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
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
	whiteBitBaseURL  = "https://whitebit.com"
	whiteBitPageSize = 100

	whiteBitMethodDeposit  = 1
	whiteBitMethodWithdraw = 2
)

// Main-account history statuses that mean the transfer settled.
var whiteBitSettledStatuses = map[int]bool{3: true, 7: true}

type whiteBitTrade struct {
	ID       int64           `json:"id"`
	Time     float64         `json:"time"`
	Side     string          `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Deal     decimal.Decimal `json:"deal"`
	Fee      decimal.Decimal `json:"fee"`
	FeeAsset string          `json:"feeAsset"`
	OrderID  int64           `json:"orderId"`
}

type whiteBitHistoryRecord struct {
	UniqueID        string          `json:"uniqueId"`
	CreatedAt       int64           `json:"createdAt"`
	Ticker          string          `json:"ticker"`
	Method          int             `json:"method"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	Status          int             `json:"status"`
	TransactionHash string          `json:"transactionHash"`
}

type whiteBitHistoryPage struct {
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
	Records []whiteBitHistoryRecord `json:"records"`
	Total   int                     `json:"total"`
}

type whiteBitErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
}

// WhiteBitAdapter reads v4 executed trades and main-account transfer history.
type WhiteBitAdapter struct {
	opts   Options
	req    *requester
	signer signers.WhiteBitSigner
	nonces signers.NonceSource
}

func NewWhiteBitAdapter(opts Options) *WhiteBitAdapter {
	o := opts.withDefaults(whiteBitBaseURL, rate.Limit(5), 5)
	return &WhiteBitAdapter{
		opts:   o,
		req:    newRequester(models.ProviderWhiteBit, o, classifyWhiteBitError),
		nonces: signers.NewMonotonicNonce(),
	}
}

func (a *WhiteBitAdapter) Name() string { return models.ProviderWhiteBit }

func (a *WhiteBitAdapter) TestConnection(ctx context.Context, creds models.Credentials) (bool, error) {
	body, err := a.post(ctx, creds, "/api/v4/trade-account/balance", map[string]any{})
	if err != nil {
		return false, fmt.Errorf("fetching whitebit balance: %w", err)
	}
	var balances map[string]json.RawMessage
	if err := decodeJSON(a.Name(), body, &balances); err != nil {
		return false, err
	}
	return balances != nil, nil
}

func (a *WhiteBitAdapter) FetchAllTransactions(ctx context.Context, creds models.Credentials, window models.DateWindow) ([]models.NormalizedTransaction, error) {
	trades, err := a.fetchTrades(ctx, creds)
	if err != nil {
		return nil, err
	}
	deposits, err := a.fetchHistory(ctx, creds, whiteBitMethodDeposit)
	if err != nil {
		return nil, err
	}
	withdrawals, err := a.fetchHistory(ctx, creds, whiteBitMethodWithdraw)
	if err != nil {
		return nil, err
	}

	metrics.ExchangeRecordsFetched.WithLabelValues(a.Name(), "trades").Add(float64(len(trades)))
	metrics.ExchangeRecordsFetched.WithLabelValues(a.Name(), "deposits").Add(float64(len(deposits)))
	metrics.ExchangeRecordsFetched.WithLabelValues(a.Name(), "withdrawals").Add(float64(len(withdrawals)))

	all := make([]models.NormalizedTransaction, 0, len(trades)+len(deposits)+len(withdrawals))
	all = append(all, trades...)
	all = append(all, deposits...)
	all = append(all, withdrawals...)
	all = models.FilterWindow(all, window)
	models.SortTransactions(all)
	return all, nil
}

func (a *WhiteBitAdapter) fetchTrades(ctx context.Context, creds models.Credentials) ([]models.NormalizedTransaction, error) {
	var (
		out     []models.NormalizedTransaction
		fetched int
	)
	for offset := 0; ; offset += whiteBitPageSize {
		body, err := a.post(ctx, creds, "/api/v4/trade-account/executed-history", map[string]any{
			"limit":  whiteBitPageSize,
			"offset": offset,
		})
		if err != nil {
			return nil, fmt.Errorf("fetching whitebit trades: %w", err)
		}

		var page map[string][]whiteBitTrade
		if err := decodeJSON(a.Name(), body, &page); err != nil {
			return nil, err
		}

		// Map iteration order is random; walk markets sorted so IDs come out stable.
		markets := make([]string, 0, len(page))
		n := 0
		for m, trades := range page {
			markets = append(markets, m)
			n += len(trades)
		}
		sort.Strings(markets)
		for _, m := range markets {
			for _, t := range page[m] {
				out = append(out, a.mapTrade(m, t)...)
			}
		}

		fetched += n
		if n < whiteBitPageSize || capReached(a.Name(), "trades", fetched, a.opts.MaxRecords) {
			break
		}
	}
	return out, nil
}

func (a *WhiteBitAdapter) mapTrade(market string, t whiteBitTrade) []models.NormalizedTransaction {
	base, quote, ok := splitMarket(market)
	if !ok {
		logger.L.Warn("Skipping WhiteBit trade with unknown market", "market", market, "id", t.ID)
		return nil
	}
	kind, err := models.ParseTransactionKind(t.Side)
	if err != nil {
		logger.L.Warn("Skipping WhiteBit trade with unknown side", "id", t.ID, "side", t.Side)
		return nil
	}

	quoteQty := t.Deal
	if quoteQty.IsZero() {
		quoteQty = t.Amount.Mul(t.Price)
	}
	return tradeLegs(tradeFill{
		id:       fmt.Sprintf("whitebit-%s-%d", market, t.ID),
		ts:       floatSecondsToTime(t.Time),
		exchange: a.Name(),
		base:     base,
		quote:    quote,
		buy:      kind == models.KindBuy,
		qty:      t.Amount,
		price:    t.Price,
		quoteQty: quoteQty,
		fee:      t.Fee,
		feeAsset: t.FeeAsset,
	}, a.opts.ReportingCurrency)
}

func (a *WhiteBitAdapter) fetchHistory(ctx context.Context, creds models.Credentials, method int) ([]models.NormalizedTransaction, error) {
	category, kind := "deposits", models.KindTransferIn
	if method == whiteBitMethodWithdraw {
		category, kind = "withdrawals", models.KindTransferOut
	}

	var (
		out     []models.NormalizedTransaction
		fetched int
	)
	for offset := 0; ; offset += whiteBitPageSize {
		body, err := a.post(ctx, creds, "/api/v4/main-account/history", map[string]any{
			"transactionMethod": method,
			"limit":             whiteBitPageSize,
			"offset":            offset,
		})
		if err != nil {
			return nil, fmt.Errorf("fetching whitebit %s: %w", category, err)
		}
		var page whiteBitHistoryPage
		if err := decodeJSON(a.Name(), body, &page); err != nil {
			return nil, err
		}

		for _, r := range page.Records {
			if !whiteBitSettledStatuses[r.Status] || !r.Amount.IsPositive() {
				continue
			}
			tx := models.NormalizedTransaction{
				ID:        fmt.Sprintf("whitebit-%s-%s", category, r.UniqueID),
				Timestamp: time.Unix(r.CreatedAt, 0).UTC(),
				Kind:      kind,
				Asset:     strings.ToUpper(r.Ticker),
				Quantity:  r.Amount,
				FeeAsset:  strings.ToUpper(r.Ticker),
				Exchange:  a.Name(),
			}
			if kind == models.KindTransferOut {
				tx.FeeQuantity = r.Fee
			}
			out = append(out, tx)
		}

		fetched += len(page.Records)
		if len(page.Records) < whiteBitPageSize || (page.Total > 0 && offset+len(page.Records) >= page.Total) {
			break
		}
		if capReached(a.Name(), category, fetched, a.opts.MaxRecords) {
			break
		}
	}
	return out, nil
}

func (a *WhiteBitAdapter) post(ctx context.Context, creds models.Credentials, path string, body map[string]any) ([]byte, error) {
	return a.req.do(ctx, func(ctx context.Context) (*http.Request, error) {
		signed, err := a.signer.Sign(creds, path, body, a.nonces.Next())
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.BaseURL+path, bytes.NewReader(signed.Body))
		if err != nil {
			return nil, err
		}
		for k, v := range signed.Headers {
			req.Header[k] = v
		}
		return req, nil
	})
}

func classifyWhiteBitError(status int, body []byte) error {
	var e whiteBitErrorBody
	_ = json.Unmarshal(body, &e)
	lower := strings.ToLower(e.Message)
	credErr := func(reason apperrors.CredentialReason) error {
		return &apperrors.CredentialError{Provider: models.ProviderWhiteBit, Reason: reason, Message: e.Message}
	}

	switch {
	case strings.Contains(lower, "ip") && (strings.Contains(lower, "allow") || strings.Contains(lower, "whitelist")):
		return credErr(apperrors.ReasonIPNotAllowed)
	case status == http.StatusForbidden || (strings.Contains(lower, "unauthorized") && strings.Contains(lower, "enable")):
		return credErr(apperrors.ReasonInsufficientPermissions)
	case status == http.StatusUnauthorized || strings.Contains(lower, "invalid payload") || strings.Contains(lower, "invalid signature"):
		return credErr(apperrors.ReasonInvalidKey)
	}
	code := ""
	if e.Code != 0 {
		code = strconv.Itoa(e.Code)
	}
	return &apperrors.APIError{Provider: models.ProviderWhiteBit, StatusCode: status, Code: code, Message: e.Message}
}

func floatSecondsToTime(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}
