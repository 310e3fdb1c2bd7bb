package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/config"
	"github.com/username/cryptotax/src/models"
	"github.com/username/cryptotax/src/services"
	"golang.org/x/time/rate"
)

type stubTaxService struct {
	release  chan struct{}
	connErr  error
	calcSeen []models.NormalizedTransaction
}

func (s *stubTaxService) GenerateReport(ctx context.Context, req services.ReportRequest, progress services.ProgressFunc) (*models.TaxCalculationResult, error) {
	progress(services.ProgressEvent{Stage: services.StageFetching, Percent: 5})
	if s.release != nil {
		<-s.release
	}
	progress(services.ProgressEvent{Stage: services.StageCalculating, Percent: 90})
	progress(services.ProgressEvent{Stage: services.StageDone, Percent: 100})
	return &models.TaxCalculationResult{FiscalYear: req.FiscalYear, ReportingCurrency: "EUR"}, nil
}

func (s *stubTaxService) Calculate(ctx context.Context, txs []models.NormalizedTransaction, fiscalYear int) (*models.TaxCalculationResult, error) {
	s.calcSeen = txs
	if fiscalYear == 1900 {
		return nil, apperrors.ErrInvalidFiscalYear
	}
	return &models.TaxCalculationResult{FiscalYear: fiscalYear, TransactionsInYear: len(txs)}, nil
}

func (s *stubTaxService) TestConnection(ctx context.Context, provider string, creds models.Credentials) (bool, error) {
	if s.connErr != nil {
		return false, s.connErr
	}
	return true, nil
}

type stubOracle struct{}

func (stubOracle) CurrentPrices(_ context.Context, assets []string) map[string]models.Price {
	out := map[string]models.Price{}
	for _, a := range assets {
		out[strings.ToUpper(a)] = models.Price{Value: decimal.NewFromInt(2), Source: models.PriceSourceNetwork}
	}
	return out
}

func (stubOracle) HistoricalPrice(context.Context, string, time.Time) models.Price {
	return models.Price{Value: decimal.NewFromInt(1)}
}

func (stubOracle) ReportingCurrency() string { return "EUR" }

func newTestRouter(t *testing.T, svc *stubTaxService) (http.Handler, *services.ReportJobs) {
	t.Helper()
	jobs := services.NewReportJobs(t.Context(), svc, time.Minute)
	t.Cleanup(jobs.Wait)
	return NewRouter(config.Default(), Dependencies{
		TaxService: svc,
		Jobs:       jobs,
		Prices:     stubOracle{},
		Limiter:    rate.NewLimiter(rate.Inf, 1),
	}), jobs
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTestConnectionEndpoint(t *testing.T) {
	svc := &stubTaxService{}
	router, _ := newTestRouter(t, svc)

	rec := doRequest(router, http.MethodPost, "/api/exchanges/binance/test-connection", `{"api_key":"k","api_secret":"s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"provider":"binance","connected":true}`, rec.Body.String())

	rec = doRequest(router, http.MethodPost, "/api/exchanges/binance/test-connection", `{"api_key":"k"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.connErr = &apperrors.CredentialError{Provider: "binance", Reason: apperrors.ReasonInsufficientPermissions}
	rec = doRequest(router, http.MethodPost, "/api/exchanges/binance/test-connection", `{"api_key":"k","api_secret":"s"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "credential", body["code"])
	assert.Contains(t, body["error"], "permissions")
	assert.NotContains(t, rec.Body.String(), `"s"`)

	svc.connErr = apperrors.ErrUnknownProvider
	rec = doRequest(router, http.MethodPost, "/api/exchanges/kraken/test-connection", `{"api_key":"k","api_secret":"s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListProvidersAndRoot(t *testing.T) {
	router, _ := newTestRouter(t, &stubTaxService{})

	rec := doRequest(router, http.MethodGet, "/api/exchanges/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"providers":["binance","coinbase","whitebit"]}`, rec.Body.String())

	rec = doRequest(router, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReportLifecycleEndpoints(t *testing.T) {
	svc := &stubTaxService{release: make(chan struct{})}
	router, jobs := newTestRouter(t, svc)
	srv := httptest.NewServer(router)
	defer srv.Close()

	rec := doRequest(router, http.MethodPost, "/api/reports/",
		`{"fiscal_year":2024,"accounts":[{"provider":"binance","credentials":{"api_key":"k","api_secret":"s"}}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	resp, err := http.Get(srv.URL + created["events_url"])
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(svc.release)

	var names []string
	var lastData string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			lastData = data
		}
	}
	require.NotEmpty(t, names)
	assert.Equal(t, "progress", names[0])
	assert.Equal(t, "result", names[len(names)-1])

	var final services.ReportJob
	require.NoError(t, json.Unmarshal([]byte(lastData), &final))
	assert.Equal(t, services.JobDone, final.Status)
	assert.Equal(t, 2024, final.Result.FiscalYear)
	jobs.Wait()

	rec = doRequest(router, http.MethodGet, "/api/reports/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.NotContains(t, rec.Body.String(), "api_secret")

	req := httptest.NewRequest(http.MethodGet, "/api/reports/"+id, nil)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNotModified, rec2.Code)

	rec = doRequest(router, http.MethodGet, "/api/reports/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, http.MethodPost, "/api/reports/", `{"fiscal_year":2024,"accounts":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodPost, "/api/reports/", `{"fiscal_year":2024,"unexpected":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalculateEndpoint(t *testing.T) {
	svc := &stubTaxService{}
	router, _ := newTestRouter(t, svc)

	body := `{"fiscal_year":2024,"transactions":[
		{"id":"1","timestamp":"2024-01-01T00:00:00Z","kind":"deposit","asset":"BTC","quantity":"1","unit_price":"100"}
	]}`
	rec := doRequest(router, http.MethodPost, "/api/tax/calculate", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.calcSeen, 1)
	assert.Equal(t, models.KindTransferIn, svc.calcSeen[0].Kind)

	rec = doRequest(router, http.MethodPost, "/api/tax/calculate", `{"fiscal_year":2024,"transactions":[{"kind":"airdrop"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodPost, "/api/tax/calculate", `{"fiscal_year":1900,"transactions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCurrentPricesEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &stubTaxService{})

	rec := doRequest(router, http.MethodGet, "/api/prices/current?assets=btc,%20eth,", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp currentPricesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "EUR", resp.Currency)
	assert.Len(t, resp.Prices, 2)

	rec = doRequest(router, http.MethodGet, "/api/prices/current", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(rate.NewLimiter(0, 1))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
