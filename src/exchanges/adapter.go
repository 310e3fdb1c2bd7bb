// src/exchanges/adapter.go
package exchanges

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/config"
	"github.com/username/cryptotax/src/models"
	"golang.org/x/time/rate"
)

// Adapter fetches one provider's account history and maps it onto NormalizedTransaction.
type Adapter interface {
	Name() string
	// TestConnection performs one authenticated, side-effect-free request.
	TestConnection(ctx context.Context, creds models.Credentials) (bool, error)
	// FetchAllTransactions returns every record inside window, sorted ascending by timestamp.
	FetchAllTransactions(ctx context.Context, creds models.Credentials, window models.DateWindow) ([]models.NormalizedTransaction, error)
}

// Options configures an adapter. Zero fields take the defaults from DefaultOptions.
type Options struct {
	BaseURL           string
	HTTPClient        *http.Client
	Limiter           *rate.Limiter
	Retry             RetryPolicy
	RequestTimeout    time.Duration
	Sleep             Sleeper
	Now               func() time.Time
	MaxRecords        int
	ReportingCurrency string

	// Binance symbol batches
	BatchSize  int
	BatchDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		HTTPClient:        &http.Client{},
		Retry:             RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		RequestTimeout:    20 * time.Second,
		Sleep:             SleepContext,
		Now:               time.Now,
		MaxRecords:        10000,
		ReportingCurrency: "EUR",
		BatchSize:         10,
		BatchDelay:        time.Second,
	}
}

// OptionsFromConfig maps the exchange section of the app config onto adapter options.
func OptionsFromConfig(cfg *config.AppConfig, provider string) Options {
	o := DefaultOptions()
	o.Retry = RetryPolicy{
		MaxAttempts: cfg.Exchanges.MaxAttempts,
		BaseDelay:   cfg.Exchanges.BaseBackoff,
		MaxDelay:    cfg.Exchanges.MaxBackoff,
	}
	o.RequestTimeout = cfg.Exchanges.RequestTimeout
	o.MaxRecords = cfg.Exchanges.MaxRecords
	o.ReportingCurrency = cfg.ReportingCurrency
	o.BatchSize = cfg.Exchanges.BatchSize
	o.BatchDelay = cfg.Exchanges.BatchDelay
	switch provider {
	case models.ProviderBinance:
		o.BaseURL = cfg.Exchanges.BinanceBaseURL
	case models.ProviderCoinbase:
		o.BaseURL = cfg.Exchanges.CoinbaseURL
	case models.ProviderWhiteBit:
		o.BaseURL = cfg.Exchanges.WhiteBitURL
	}
	return o
}

func (o Options) withDefaults(baseURL string, limit rate.Limit, burst int) Options {
	d := DefaultOptions()
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.HTTPClient == nil {
		o.HTTPClient = d.HTTPClient
	}
	if o.Limiter == nil {
		o.Limiter = rate.NewLimiter(limit, burst)
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry = d.Retry
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.Sleep == nil {
		o.Sleep = d.Sleep
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.MaxRecords < 1 {
		o.MaxRecords = d.MaxRecords
	}
	if o.ReportingCurrency == "" {
		o.ReportingCurrency = d.ReportingCurrency
	}
	o.ReportingCurrency = strings.ToUpper(o.ReportingCurrency)
	if o.BatchSize < 1 {
		o.BatchSize = d.BatchSize
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	return o
}

// Providers lists the provider names GetAdapter accepts.
func Providers() []string {
	return []string{models.ProviderBinance, models.ProviderCoinbase, models.ProviderWhiteBit}
}

func GetAdapter(provider string, opts Options) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case models.ProviderBinance:
		return NewBinanceAdapter(opts), nil
	case models.ProviderCoinbase:
		return NewCoinbaseAdapter(opts), nil
	case models.ProviderWhiteBit, "whitebit.com", "white_bit":
		return NewWhiteBitAdapter(opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownProvider, provider)
	}
}
