package commands

import (
	"database/sql"

	"github.com/username/cryptotax/src/config"
	"github.com/username/cryptotax/src/database"
	"github.com/username/cryptotax/src/exchanges"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/processors"
	"github.com/username/cryptotax/src/services"
)

// app is the wired service graph shared by the serve and report commands.
type app struct {
	db         *sql.DB
	oracle     services.PriceOracle
	taxService services.TaxService
}

func newApp(cfg *config.AppConfig) (*app, error) {
	logger.L.Info("Initializing database...", "path", cfg.DatabasePath)
	if err := database.InitDB(cfg.DatabasePath); err != nil {
		return nil, err
	}

	logger.L.Info("Initializing services...")
	priceOpts := services.PriceOptionsFromConfig(cfg)
	priceOpts.Store = services.NewSQLPriceStore(database.DB)
	oracle := services.NewPriceService(priceOpts)

	normalizer := processors.NewTransactionNormalizer(oracle, cfg.ReportingCurrency)
	engine := processors.NewTaxEngine(cfg.ReportingCurrency, cfg.Tax.StrictLots, cfg.Tax.LongTermThresholdDays)
	factory := func(provider string) (exchanges.Adapter, error) {
		return exchanges.GetAdapter(provider, exchanges.OptionsFromConfig(cfg, provider))
	}

	return &app{
		db:         database.DB,
		oracle:     oracle,
		taxService: services.NewTaxService(factory, normalizer, engine),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.L.Warn("Closing database failed", "error", err)
	}
}
