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
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	binanceBaseURL        = "https://api.binance.com"
	binanceRecvWindow     = 10 * time.Second
	binanceTradePageSize  = 1000
	binanceFundsPageSize  = 1000
	binanceFundsWindow    = 90 * 24 * time.Hour
	binanceCodeBadSymbol  = "-1121"
	binanceDepositSuccess = 1
	binanceDepositCredit  = 6 // credited, withdrawal still locked
	binanceWithdrawDone   = 6
)

// Earliest date deposit/withdrawal history is scanned from when the window has no start.
var binanceHistoryStart = time.Date(2017, 7, 1, 0, 0, 0, 0, time.UTC)

var (
	binanceQuoteAssets = []string{"USDT", "BUSD", "USDC", "FDUSD", "EUR", "BTC", "ETH", "BNB"}
	binanceMajorAssets = []string{"BTC", "ETH", "BNB"}
)

type binanceBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

type binanceAccount struct {
	Balances *[]binanceBalance `json:"balances"`
}

type binanceTrade struct {
	Symbol          string          `json:"symbol"`
	ID              int64           `json:"id"`
	OrderID         int64           `json:"orderId"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	QuoteQty        decimal.Decimal `json:"quoteQty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Time            int64           `json:"time"`
	IsBuyer         bool            `json:"isBuyer"`
}

type binanceDeposit struct {
	ID         string          `json:"id"`
	Amount     decimal.Decimal `json:"amount"`
	Coin       string          `json:"coin"`
	Status     int             `json:"status"`
	TxID       string          `json:"txId"`
	InsertTime int64           `json:"insertTime"`
}

type binanceWithdrawal struct {
	ID             string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	TransactionFee decimal.Decimal `json:"transactionFee"`
	Coin           string          `json:"coin"`
	Status         int             `json:"status"`
	ApplyTime      string          `json:"applyTime"`
	TxID           string          `json:"txId"`
}

type binanceErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type binanceSymbol struct {
	symbol, base, quote string
}

// BinanceAdapter reads Spot trades (per symbol) and SAPI capital deposits/withdrawals.
type BinanceAdapter struct {
	opts   Options
	req    *requester
	signer signers.BinanceSigner
}

func NewBinanceAdapter(opts Options) *BinanceAdapter {
	o := opts.withDefaults(binanceBaseURL, rate.Limit(8), 8)
	return &BinanceAdapter{
		opts: o,
		req:  newRequester(models.ProviderBinance, o, classifyBinanceError),
	}
}

func (a *BinanceAdapter) Name() string { return models.ProviderBinance }

func (a *BinanceAdapter) TestConnection(ctx context.Context, creds models.Credentials) (bool, error) {
	acct, err := a.account(ctx, creds)
	if err != nil {
		return false, err
	}
	return acct.Balances != nil, nil
}

func (a *BinanceAdapter) FetchAllTransactions(ctx context.Context, creds models.Credentials, window models.DateWindow) ([]models.NormalizedTransaction, error) {
	acct, err := a.account(ctx, creds)
	if err != nil {
		return nil, err
	}
	if acct.Balances == nil {
		return nil, fmt.Errorf("binance account response has no balances")
	}

	symbols := candidateSymbols(*acct.Balances)
	logger.L.Info("Fetching Binance trades", "candidateSymbols", len(symbols), "batchSize", a.opts.BatchSize)

	trades, err := a.fetchTrades(ctx, creds, symbols)
	if err != nil {
		return nil, err
	}
	deposits, err := a.fetchDeposits(ctx, creds, window)
	if err != nil {
		return nil, err
	}
	withdrawals, err := a.fetchWithdrawals(ctx, creds, window)
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

func (a *BinanceAdapter) account(ctx context.Context, creds models.Credentials) (*binanceAccount, error) {
	body, err := a.signedGet(ctx, creds, "/api/v3/account", url.Values{"omitZeroBalances": {"true"}})
	if err != nil {
		return nil, fmt.Errorf("fetching binance account: %w", err)
	}
	var acct binanceAccount
	if err := decodeJSON(a.Name(), body, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// candidateSymbols pairs every held asset with the common quotes, plus the
// majors quoted in every held asset, since trades can only be listed per symbol.
func candidateSymbols(balances []binanceBalance) []binanceSymbol {
	seen := make(map[string]bool)
	var out []binanceSymbol
	add := func(base, quote string) {
		if base == quote || seen[base+quote] {
			return
		}
		seen[base+quote] = true
		out = append(out, binanceSymbol{symbol: base + quote, base: base, quote: quote})
	}

	for _, b := range balances {
		if b.Free.Add(b.Locked).IsZero() {
			continue
		}
		asset := strings.ToUpper(b.Asset)
		for _, q := range binanceQuoteAssets {
			add(asset, q)
		}
		for _, m := range binanceMajorAssets {
			add(m, asset)
		}
	}
	return out
}

// fetchTrades queries symbols in concurrent batches, pausing between batches.
func (a *BinanceAdapter) fetchTrades(ctx context.Context, creds models.Credentials, symbols []binanceSymbol) ([]models.NormalizedTransaction, error) {
	var out []models.NormalizedTransaction
	for start := 0; start < len(symbols); start += a.opts.BatchSize {
		if start > 0 {
			if err := a.opts.Sleep(ctx, a.opts.BatchDelay); err != nil {
				return nil, err
			}
		}
		batch := symbols[start:min(start+a.opts.BatchSize, len(symbols))]
		results := make([][]models.NormalizedTransaction, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, sym := range batch {
			g.Go(func() error {
				txs, err := a.fetchSymbolTrades(gctx, creds, sym)
				if err != nil {
					return err
				}
				results[i] = txs
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, r := range results {
			out = append(out, r...)
		}
	}
	return out, nil
}

func (a *BinanceAdapter) fetchSymbolTrades(ctx context.Context, creds models.Credentials, sym binanceSymbol) ([]models.NormalizedTransaction, error) {
	var (
		trades []binanceTrade
		fromID int64
	)
	for {
		params := url.Values{
			"symbol": {sym.symbol},
			"limit":  {strconv.Itoa(binanceTradePageSize)},
			"fromId": {strconv.FormatInt(fromID, 10)},
		}
		body, err := a.signedGet(ctx, creds, "/api/v3/myTrades", params)
		if err != nil {
			var apiErr *apperrors.APIError
			if errors.As(err, &apiErr) && apiErr.Code == binanceCodeBadSymbol {
				return nil, nil
			}
			return nil, fmt.Errorf("fetching binance trades for %s: %w", sym.symbol, err)
		}

		var page []binanceTrade
		if err := decodeJSON(a.Name(), body, &page); err != nil {
			return nil, err
		}
		trades = append(trades, page...)
		if len(page) < binanceTradePageSize || capReached(a.Name(), "trades:"+sym.symbol, len(trades), a.opts.MaxRecords) {
			break
		}
		fromID = page[len(page)-1].ID + 1
	}

	out := make([]models.NormalizedTransaction, 0, len(trades))
	for _, t := range trades {
		out = append(out, a.mapTrade(sym, t)...)
	}
	return out, nil
}

func (a *BinanceAdapter) mapTrade(sym binanceSymbol, t binanceTrade) []models.NormalizedTransaction {
	return tradeLegs(tradeFill{
		id:       fmt.Sprintf("binance-%s-%d", sym.symbol, t.ID),
		ts:       time.UnixMilli(t.Time),
		exchange: a.Name(),
		base:     sym.base,
		quote:    sym.quote,
		buy:      t.IsBuyer,
		qty:      t.Qty,
		price:    t.Price,
		quoteQty: t.QuoteQty,
		fee:      t.Commission,
		feeAsset: t.CommissionAsset,
	}, a.opts.ReportingCurrency)
}

func (a *BinanceAdapter) fetchDeposits(ctx context.Context, creds models.Credentials, window models.DateWindow) ([]models.NormalizedTransaction, error) {
	var out []models.NormalizedTransaction
	err := a.scanFundsHistory(ctx, creds, window, "/sapi/v1/capital/deposit/hisrec", "deposits", func(body []byte) (int, error) {
		var page []binanceDeposit
		if err := decodeJSON(a.Name(), body, &page); err != nil {
			return 0, err
		}
		for _, d := range page {
			if d.Status != binanceDepositSuccess && d.Status != binanceDepositCredit {
				continue
			}
			if !d.Amount.IsPositive() {
				continue
			}
			out = append(out, models.NormalizedTransaction{
				ID:        "binance-deposit-" + d.ID,
				Timestamp: time.UnixMilli(d.InsertTime).UTC(),
				Kind:      models.KindTransferIn,
				Asset:     strings.ToUpper(d.Coin),
				Quantity:  d.Amount,
				FeeAsset:  strings.ToUpper(d.Coin),
				Exchange:  a.Name(),
			})
		}
		return len(page), nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching binance deposits: %w", err)
	}
	return out, nil
}

func (a *BinanceAdapter) fetchWithdrawals(ctx context.Context, creds models.Credentials, window models.DateWindow) ([]models.NormalizedTransaction, error) {
	var out []models.NormalizedTransaction
	err := a.scanFundsHistory(ctx, creds, window, "/sapi/v1/capital/withdraw/history", "withdrawals", func(body []byte) (int, error) {
		var page []binanceWithdrawal
		if err := decodeJSON(a.Name(), body, &page); err != nil {
			return 0, err
		}
		for _, w := range page {
			if w.Status != binanceWithdrawDone || !w.Amount.IsPositive() {
				continue
			}
			ts, err := time.Parse(time.DateTime, w.ApplyTime)
			if err != nil {
				logger.L.Warn("Skipping Binance withdrawal with unparseable time", "id", w.ID, "applyTime", w.ApplyTime)
				continue
			}
			out = append(out, models.NormalizedTransaction{
				ID:          "binance-withdrawal-" + w.ID,
				Timestamp:   ts.UTC(),
				Kind:        models.KindTransferOut,
				Asset:       strings.ToUpper(w.Coin),
				Quantity:    w.Amount,
				FeeQuantity: w.TransactionFee,
				FeeAsset:    strings.ToUpper(w.Coin),
				Exchange:    a.Name(),
			})
		}
		return len(page), nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching binance withdrawals: %w", err)
	}
	return out, nil
}

// scanFundsHistory walks [start, end] in 90-day slices, offset-paginating each.
// handle decodes one page and returns its raw record count.
func (a *BinanceAdapter) scanFundsHistory(ctx context.Context, creds models.Credentials, window models.DateWindow, path, category string, handle func([]byte) (int, error)) error {
	start, end := window.Start, window.End
	if start.IsZero() {
		start = binanceHistoryStart
	}
	if end.IsZero() {
		end = a.opts.Now().UTC()
	}

	fetched := 0
	for sliceStart := start; sliceStart.Before(end); {
		sliceEnd := sliceStart.Add(binanceFundsWindow)
		if sliceEnd.After(end) {
			sliceEnd = end
		}
		for offset := 0; ; {
			params := url.Values{
				"startTime": {strconv.FormatInt(sliceStart.UnixMilli(), 10)},
				"endTime":   {strconv.FormatInt(sliceEnd.UnixMilli(), 10)},
				"offset":    {strconv.Itoa(offset)},
				"limit":     {strconv.Itoa(binanceFundsPageSize)},
			}
			body, err := a.signedGet(ctx, creds, path, params)
			if err != nil {
				return err
			}
			n, err := handle(body)
			if err != nil {
				return err
			}
			fetched += n
			if capReached(a.Name(), category, fetched, a.opts.MaxRecords) {
				return nil
			}
			if n < binanceFundsPageSize {
				break
			}
			offset += n
		}
		sliceStart = sliceEnd
	}
	return nil
}

func (a *BinanceAdapter) signedGet(ctx context.Context, creds models.Credentials, path string, params url.Values) ([]byte, error) {
	return a.req.do(ctx, func(ctx context.Context) (*http.Request, error) {
		query, err := a.signer.Sign(creds, params, a.opts.Now(), binanceRecvWindow)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.opts.BaseURL+path+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", creds.APIKey)
		return req, nil
	})
}

// classifyBinanceError uses the JSON error code where present; Binance reports
// most auth failures as 400/401 with a negative code.
func classifyBinanceError(status int, body []byte) error {
	var e binanceErrorBody
	_ = json.Unmarshal(body, &e)
	code := ""
	if e.Code != 0 {
		code = strconv.Itoa(e.Code)
	}
	credErr := func(reason apperrors.CredentialReason) error {
		return &apperrors.CredentialError{Provider: models.ProviderBinance, Reason: reason, Message: strings.TrimSpace(code + " " + e.Msg)}
	}

	switch e.Code {
	case -2014, -2008, -1022:
		return credErr(apperrors.ReasonInvalidKey)
	case -2015:
		// Binance uses one code for bad key, IP restriction and missing permission.
		return credErr(apperrors.ReasonInvalidKey)
	case -1002:
		return credErr(apperrors.ReasonInsufficientPermissions)
	}
	switch status {
	case http.StatusUnauthorized:
		return credErr(apperrors.ReasonInvalidKey)
	case http.StatusForbidden:
		return credErr(apperrors.ReasonInsufficientPermissions)
	}
	return &apperrors.APIError{Provider: models.ProviderBinance, StatusCode: status, Code: code, Message: e.Msg}
}
