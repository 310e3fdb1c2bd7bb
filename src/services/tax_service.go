// src/services/tax_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/exchanges"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/metrics"
	"github.com/username/cryptotax/src/models"
	"github.com/username/cryptotax/src/processors"
	"golang.org/x/sync/errgroup"
)

// AccountRequest is one exchange account to include in a report.
type AccountRequest struct {
	Provider    string             `json:"provider"`
	Credentials models.Credentials `json:"credentials"`
}

type ReportRequest struct {
	FiscalYear int              `json:"fiscal_year"`
	Accounts   []AccountRequest `json:"accounts"`
}

// Validate checks the request shape before any network call.
func (r ReportRequest) Validate() error {
	if r.FiscalYear < 2009 || r.FiscalYear > 2100 {
		return fmt.Errorf("%w: %d", apperrors.ErrInvalidFiscalYear, r.FiscalYear)
	}
	if len(r.Accounts) == 0 {
		return fmt.Errorf("%w: at least one account is required", apperrors.ErrInvalidRequest)
	}
	for _, a := range r.Accounts {
		if a.Credentials.Empty() {
			return fmt.Errorf("%w: %s account is missing its API key or secret", apperrors.ErrInvalidRequest, a.Provider)
		}
	}
	return nil
}

type ProgressStage string

const (
	StageQueued      ProgressStage = "queued"
	StageFetching    ProgressStage = "fetching"
	StageFetched     ProgressStage = "fetched"
	StageNormalizing ProgressStage = "normalizing"
	StageCalculating ProgressStage = "calculating"
	StageDone        ProgressStage = "done"
	StageFailed      ProgressStage = "failed"
)

func (s ProgressStage) Terminal() bool { return s == StageDone || s == StageFailed }

type ProgressEvent struct {
	Stage    ProgressStage `json:"stage"`
	Percent  int           `json:"percent"`
	Message  string        `json:"message,omitempty"`
	Provider string        `json:"provider,omitempty"`
}

// ProgressFunc receives pipeline updates. It must not block.
type ProgressFunc func(ProgressEvent)

// AdapterFactory builds the adapter for a provider name.
type AdapterFactory func(provider string) (exchanges.Adapter, error)

// TaxService runs the fetch, normalize and calculate pipeline.
type TaxService interface {
	GenerateReport(ctx context.Context, req ReportRequest, progress ProgressFunc) (*models.TaxCalculationResult, error)
	Calculate(ctx context.Context, txs []models.NormalizedTransaction, fiscalYear int) (*models.TaxCalculationResult, error)
	TestConnection(ctx context.Context, provider string, creds models.Credentials) (bool, error)
}

type taxServiceImpl struct {
	adapters   AdapterFactory
	normalizer *processors.TransactionNormalizer
	engine     *processors.TaxEngine
}

func NewTaxService(adapters AdapterFactory, normalizer *processors.TransactionNormalizer, engine *processors.TaxEngine) TaxService {
	return &taxServiceImpl{adapters: adapters, normalizer: normalizer, engine: engine}
}

func (s *taxServiceImpl) GenerateReport(ctx context.Context, req ReportRequest, progress ProgressFunc) (result *models.TaxCalculationResult, err error) {
	start := time.Now()
	if progress == nil {
		progress = func(ProgressEvent) {}
	}
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			progress(ProgressEvent{Stage: StageFailed, Percent: 100, Message: err.Error()})
		} else {
			progress(ProgressEvent{Stage: StageDone, Percent: 100})
		}
		metrics.ReportDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	logger.L.Info("GenerateReport START", "fiscalYear", req.FiscalYear, "accounts", len(req.Accounts))

	// Later years cannot affect this year's lots.
	window := models.DateWindow{End: time.Date(req.FiscalYear+1, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)}

	progress(ProgressEvent{Stage: StageFetching, Percent: 5})
	txs, err := s.fetchAll(ctx, req.Accounts, window, progress)
	if err != nil {
		return nil, err
	}

	progress(ProgressEvent{Stage: StageNormalizing, Percent: 70, Message: fmt.Sprintf("%d records", len(txs))})
	normalized, err := s.normalizer.Normalize(ctx, txs)
	if err != nil {
		return nil, err
	}

	progress(ProgressEvent{Stage: StageCalculating, Percent: 90})
	result, err = s.engine.GenerateTaxCalculation(normalized, req.FiscalYear)
	if err != nil {
		return nil, err
	}

	logger.L.Info("GenerateReport END", "fiscalYear", req.FiscalYear, "events", len(result.CapitalGainEvents),
		"warnings", len(result.Warnings), "duration", time.Since(start))
	return result, nil
}

// fetchAll fetches every account concurrently and merges the results into one ordered stream.
func (s *taxServiceImpl) fetchAll(ctx context.Context, accounts []AccountRequest, window models.DateWindow, progress ProgressFunc) ([]models.NormalizedTransaction, error) {
	var (
		mu     sync.Mutex
		merged []models.NormalizedTransaction
		done   int
	)
	adapters := make([]exchanges.Adapter, len(accounts))
	for i, acc := range accounts {
		a, err := s.adapters(acc.Provider)
		if err != nil {
			return nil, err
		}
		adapters[i] = a
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, acc := range accounts {
		adapter := adapters[i]
		g.Go(func() error {
			txs, err := adapter.FetchAllTransactions(gctx, acc.Credentials, window)
			if err != nil {
				return fmt.Errorf("fetching %s transactions: %w", adapter.Name(), err)
			}
			mu.Lock()
			merged = append(merged, txs...)
			done++
			pct := 10 + 50*done/len(accounts)
			mu.Unlock()
			progress(ProgressEvent{
				Stage:    StageFetched,
				Percent:  pct,
				Provider: adapter.Name(),
				Message:  fmt.Sprintf("%d records", len(txs)),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	models.SortTransactions(merged)
	return merged, nil
}

// Calculate runs normalization and the engine over caller-supplied records.
func (s *taxServiceImpl) Calculate(ctx context.Context, txs []models.NormalizedTransaction, fiscalYear int) (*models.TaxCalculationResult, error) {
	for i, tx := range txs {
		if !tx.Kind.Valid() {
			return nil, fmt.Errorf("%w: transaction %d has no valid kind", apperrors.ErrInvalidRequest, i)
		}
		if strings.TrimSpace(tx.Asset) == "" {
			return nil, fmt.Errorf("%w: transaction %d has no asset", apperrors.ErrInvalidRequest, i)
		}
	}
	normalized, err := s.normalizer.Normalize(ctx, txs)
	if err != nil {
		return nil, err
	}
	return s.engine.GenerateTaxCalculation(normalized, fiscalYear)
}

func (s *taxServiceImpl) TestConnection(ctx context.Context, provider string, creds models.Credentials) (bool, error) {
	adapter, err := s.adapters(provider)
	if err != nil {
		return false, err
	}
	ok, err := adapter.TestConnection(ctx, creds)
	if err != nil {
		logger.L.Info("Connection test failed", "provider", provider, "credentials", creds, "error", err)
		return false, err
	}
	return ok, nil
}

// ErrorCode maps a pipeline error onto a stable machine-readable category.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, apperrors.ErrCredential):
		return "credential"
	case errors.Is(err, apperrors.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, apperrors.ErrNetwork):
		return "network"
	case errors.Is(err, apperrors.ErrInsufficientLots):
		return "insufficient_lots"
	case errors.Is(err, apperrors.ErrUnknownProvider),
		errors.Is(err, apperrors.ErrInvalidFiscalYear),
		errors.Is(err, apperrors.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		var apiErr *apperrors.APIError
		if errors.As(err, &apiErr) {
			return "provider_error"
		}
		return "internal"
	}
}
