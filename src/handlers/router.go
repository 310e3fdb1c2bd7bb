package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/username/cryptotax/src/config"
	"github.com/username/cryptotax/src/services"
	"github.com/username/cryptotax/src/utils"
	"golang.org/x/time/rate"
)

// Dependencies are the services the HTTP surface needs.
type Dependencies struct {
	TaxService services.TaxService
	Jobs       *services.ReportJobs
	Prices     services.PriceOracle
	Limiter    *rate.Limiter // nil uses the default global limiter
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg *config.AppConfig, deps Dependencies) http.Handler {
	limiter := deps.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(NewCORS(cfg.AllowedOrigins).Handler)
	r.Use(RateLimitMiddleware(limiter))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		utils.SendJSON(w, map[string]string{"message": "cryptotax backend is running"}, http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	exchangeHandler := NewExchangeHandler(deps.TaxService)
	reportHandler := NewReportHandler(deps.TaxService, deps.Jobs)
	priceHandler := NewPriceHandler(deps.Prices)

	r.Route("/api", func(r chi.Router) {
		r.Route("/exchanges", func(r chi.Router) {
			r.Get("/", exchangeHandler.HandleListProviders)
			r.Post("/{provider}/test-connection", exchangeHandler.HandleTestConnection)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Post("/", reportHandler.HandleCreateReport)
			r.Get("/{id}", reportHandler.HandleGetReport)
			r.Get("/{id}/events", reportHandler.HandleReportEvents)
		})

		r.Post("/tax/calculate", reportHandler.HandleCalculate)
		r.Get("/prices/current", priceHandler.HandleCurrentPrices)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.SendJSONError(w, "not found", http.StatusNotFound)
	})

	return r
}
