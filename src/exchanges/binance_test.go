package exchanges

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/models"
)

const (
	binanceTestKey    = "binance-key"
	binanceTestSecret = "binance-secret"
)

func mustDec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ms(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
}

// verifyBinanceSignature checks the signature the same way the exchange does.
func verifyBinanceSignature(t *testing.T, r *http.Request) {
	t.Helper()
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	if !assert.Positive(t, idx, "signature missing") {
		return
	}
	mac := hmac.New(sha256.New, []byte(binanceTestSecret))
	mac.Write([]byte(raw[:idx]))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), raw[idx+len("&signature="):])
	assert.Equal(t, binanceTestKey, r.Header.Get("X-MBX-APIKEY"))
}

func newBinanceServer(t *testing.T, tradeCalls *atomic.Int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		verifyBinanceSignature(t, r)
		fmt.Fprint(w, `{"balances":[{"asset":"BTC","free":"0.4","locked":"0"},{"asset":"EUR","free":"100","locked":"0"},{"asset":"DOGE","free":"0","locked":"0"}]}`)
	})
	mux.HandleFunc("/api/v3/myTrades", func(w http.ResponseWriter, r *http.Request) {
		verifyBinanceSignature(t, r)
		tradeCalls.Add(1)
		switch r.URL.Query().Get("symbol") {
		case "BTCEUR":
			fmt.Fprintf(w, `[
				{"symbol":"BTCEUR","id":0,"price":"20000","qty":"0.1","quoteQty":"2000","commission":"0","commissionAsset":"EUR","time":%d,"isBuyer":true},
				{"symbol":"BTCEUR","id":1,"price":"30000","qty":"1","quoteQty":"30000","commission":"0.001","commissionAsset":"BTC","time":%d,"isBuyer":true},
				{"symbol":"BTCEUR","id":2,"price":"50000","qty":"0.5","quoteQty":"25000","commission":"25","commissionAsset":"EUR","time":%d,"isBuyer":false}
			]`, ms(2023, 12, 1), ms(2024, 1, 10), ms(2024, 2, 1))
		case "BTCUSDT":
			fmt.Fprintf(w, `[{"symbol":"BTCUSDT","id":7,"price":"42000","qty":"0.1","quoteQty":"4200","commission":"0","commissionAsset":"USDT","time":%d,"isBuyer":true}]`, ms(2024, 1, 15))
		case "BTCUSDC", "ETHBTC":
			fmt.Fprint(w, `[]`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		}
	})
	mux.HandleFunc("/sapi/v1/capital/deposit/hisrec", func(w http.ResponseWriter, r *http.Request) {
		verifyBinanceSignature(t, r)
		fmt.Fprintf(w, `[
			{"id":"d1","amount":"5000","coin":"USDT","status":1,"insertTime":%d},
			{"id":"d2","amount":"1","coin":"ETH","status":0,"insertTime":%d}
		]`, ms(2024, 1, 5), ms(2024, 1, 6))
	})
	mux.HandleFunc("/sapi/v1/capital/withdraw/history", func(w http.ResponseWriter, r *http.Request) {
		verifyBinanceSignature(t, r)
		fmt.Fprint(w, `[
			{"id":"w1","amount":"0.1","transactionFee":"0.0005","coin":"BTC","status":6,"applyTime":"2024-02-10 08:00:00"},
			{"id":"w2","amount":"0.2","transactionFee":"0.0005","coin":"BTC","status":1,"applyTime":"2024-02-11 08:00:00"}
		]`)
	})
	return httptest.NewServer(mux)
}

func TestBinanceAdapter_FetchAllTransactions(t *testing.T) {
	var tradeCalls atomic.Int32
	srv := newBinanceServer(t, &tradeCalls)
	defer srv.Close()

	sleeper := &recordingSleeper{}
	a := NewBinanceAdapter(testOptions(srv.URL, sleeper))
	creds := models.Credentials{APIKey: binanceTestKey, APISecret: binanceTestSecret}
	window := models.DateWindow{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	txs, err := a.FetchAllTransactions(t.Context(), creds, window)
	require.NoError(t, err)

	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	assert.Equal(t, []string{
		"binance-deposit-d1",
		"binance-BTCEUR-1",
		"binance-BTCUSDT-7",
		"binance-BTCUSDT-7-quote",
		"binance-BTCEUR-2",
		"binance-withdrawal-w1",
	}, ids)

	buy := txs[1]
	assert.Equal(t, models.KindBuy, buy.Kind)
	assert.Equal(t, "BTC", buy.Asset)
	assert.True(t, buy.UnitPrice.Equal(mustDec("30000")))
	assert.True(t, buy.GrossValue.Equal(mustDec("30000")))
	assert.Equal(t, "BTC", buy.FeeAsset)
	assert.True(t, buy.FeeValue.IsZero(), "fee in BTC is valued by the normalizer")

	usdtLeg := txs[3]
	assert.Equal(t, models.KindSwap, usdtLeg.Kind)
	assert.Equal(t, "USDT", usdtLeg.Asset)
	assert.True(t, usdtLeg.Quantity.Equal(mustDec("4200")))

	sell := txs[4]
	assert.Equal(t, models.KindSell, sell.Kind)
	assert.True(t, sell.FeeValue.Equal(mustDec("25")))

	withdrawal := txs[5]
	assert.Equal(t, models.KindTransferOut, withdrawal.Kind)
	assert.True(t, withdrawal.FeeQuantity.Equal(mustDec("0.0005")))
	assert.Equal(t, time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC), withdrawal.Timestamp)

	// More candidate symbols than one batch: the batches are separated by the configured delay.
	assert.Greater(t, int(tradeCalls.Load()), 10)
	assert.Contains(t, sleeper.Delays(), time.Second)
}

func TestBinanceAdapter_CandidateSymbols(t *testing.T) {
	syms := candidateSymbols([]binanceBalance{
		{Asset: "SOL", Free: mustDec("3")},
		{Asset: "SHIB", Free: decimal.Zero},
	})
	names := make(map[string]bool)
	for _, s := range syms {
		names[s.symbol] = true
	}
	assert.True(t, names["SOLUSDT"])
	assert.True(t, names["SOLEUR"])
	assert.True(t, names["BTCSOL"], "majors are also tried with the held asset as quote")
	assert.False(t, names["SHIBUSDT"], "zero balances are skipped")
}

func TestBinanceAdapter_TestConnection(t *testing.T) {
	var tradeCalls atomic.Int32
	srv := newBinanceServer(t, &tradeCalls)
	defer srv.Close()

	a := NewBinanceAdapter(testOptions(srv.URL, &recordingSleeper{}))
	ok, err := a.TestConnection(t.Context(), models.Credentials{APIKey: binanceTestKey, APISecret: binanceTestSecret})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBinanceAdapter_InvalidKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`)
	}))
	defer srv.Close()

	a := NewBinanceAdapter(testOptions(srv.URL, &recordingSleeper{}))
	ok, err := a.TestConnection(t.Context(), models.Credentials{APIKey: "k", APISecret: "s"})

	assert.False(t, ok)
	var ce *apperrors.CredentialError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.ProviderBinance, ce.Provider)
	assert.Contains(t, err.Error(), "check your API key/permissions")
	assert.EqualValues(t, 1, calls.Load())
}

func TestBinanceAdapter_MalformedSecretSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	a := NewBinanceAdapter(testOptions(srv.URL, &recordingSleeper{}))
	_, err := a.TestConnection(t.Context(), models.Credentials{APIKey: "k", APISecret: "bad secret"})

	assert.ErrorIs(t, err, apperrors.ErrCredential)
	assert.EqualValues(t, 0, calls.Load())
}

func TestClassifyBinanceError(t *testing.T) {
	err := classifyBinanceError(http.StatusBadRequest, []byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "-1121", apiErr.Code)

	err = classifyBinanceError(http.StatusBadRequest, []byte(`{"code":-1002,"msg":"You are not authorized to execute this request."}`))
	var ce *apperrors.CredentialError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, apperrors.ReasonInsufficientPermissions, ce.Reason)
}
