package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port              string   `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel          string   `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	DatabasePath      string   `yaml:"database_path" env:"DATABASE_PATH" env-default:"./cryptotax.db"`
	ReportingCurrency string   `yaml:"reporting_currency" env:"REPORTING_CURRENCY" env-default:"EUR"`
	AllowedOrigins    []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-default:"http://localhost:3000"`

	Prices    PriceConfig    `yaml:"prices"`
	Exchanges ExchangeConfig `yaml:"exchanges"`
	Tax       TaxConfig      `yaml:"tax"`
}

type PriceConfig struct {
	CoinGeckoBaseURL   string        `yaml:"coingecko_base_url" env:"COINGECKO_BASE_URL" env-default:"https://api.coingecko.com/api/v3"`
	CoinGeckoAPIKey    string        `yaml:"coingecko_api_key" env:"COINGECKO_API_KEY"`
	CacheTTL           time.Duration `yaml:"cache_ttl" env:"PRICE_CACHE_TTL" env-default:"5m"`
	HistoricalAttempts int           `yaml:"historical_attempts" env:"PRICE_HISTORICAL_ATTEMPTS" env-default:"3"`
	HistoricalBackoff  time.Duration `yaml:"historical_backoff" env:"PRICE_HISTORICAL_BACKOFF" env-default:"2s"`
	WarmAssets         []string      `yaml:"warm_assets" env:"WARM_ASSETS" env-default:"BTC,ETH,BNB,SOL,XRP,ADA"`
	WarmSchedule       string        `yaml:"warm_schedule" env:"PRICE_WARM_SCHEDULE" env-default:"@every 5m"`
}

type ExchangeConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" env:"EXCHANGE_REQUEST_TIMEOUT" env-default:"20s"`
	MaxAttempts    int           `yaml:"max_attempts" env:"EXCHANGE_MAX_ATTEMPTS" env-default:"4"`
	BaseBackoff    time.Duration `yaml:"base_backoff" env:"EXCHANGE_BASE_BACKOFF" env-default:"1s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"EXCHANGE_MAX_BACKOFF" env-default:"30s"`
	MaxRecords     int           `yaml:"max_records" env:"EXCHANGE_MAX_RECORDS" env-default:"10000"`
	BatchSize      int           `yaml:"batch_size" env:"BINANCE_BATCH_SIZE" env-default:"10"`
	BatchDelay     time.Duration `yaml:"batch_delay" env:"BINANCE_BATCH_DELAY" env-default:"1s"`
	BinanceBaseURL string        `yaml:"binance_base_url" env:"BINANCE_BASE_URL" env-default:"https://api.binance.com"`
	CoinbaseURL    string        `yaml:"coinbase_base_url" env:"COINBASE_BASE_URL" env-default:"https://api.coinbase.com"`
	WhiteBitURL    string        `yaml:"whitebit_base_url" env:"WHITEBIT_BASE_URL" env-default:"https://whitebit.com"`
}

type TaxConfig struct {
	StrictLots            bool `yaml:"strict_lots" env:"TAX_STRICT_LOTS" env-default:"false"`
	LongTermThresholdDays int  `yaml:"long_term_threshold_days" env:"TAX_LONG_TERM_DAYS" env-default:"365"`
}

var Cfg *AppConfig

// LoadConfig reads .env, an optional YAML file named by CONFIG_PATH and the
// process environment, in that order of precedence (environment wins).
func LoadConfig() (*AppConfig, error) {
	if errEnv := godotenv.Load(); errEnv != nil {
		log.Println("Info: No .env file found. Relying on OS environment variables and defaults.")
	} else {
		log.Println(".env file loaded successfully.")
	}

	var cfg AppConfig
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	Cfg = &cfg
	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, ReportingCurrency=%s",
		cfg.Port, cfg.LogLevel, cfg.DatabasePath, cfg.ReportingCurrency)
	return Cfg, nil
}

// Validate normalizes the config in place and rejects values the pipeline cannot run with.
func (c *AppConfig) Validate() error {
	c.ReportingCurrency = strings.ToUpper(strings.TrimSpace(c.ReportingCurrency))
	if len(c.ReportingCurrency) != 3 {
		return fmt.Errorf("invalid REPORTING_CURRENCY %q: expected a 3-letter code", c.ReportingCurrency)
	}
	if c.Exchanges.MaxAttempts < 1 {
		return fmt.Errorf("EXCHANGE_MAX_ATTEMPTS must be at least 1, got %d", c.Exchanges.MaxAttempts)
	}
	if c.Exchanges.BatchSize < 1 {
		return fmt.Errorf("BINANCE_BATCH_SIZE must be at least 1, got %d", c.Exchanges.BatchSize)
	}
	if c.Exchanges.MaxRecords < 1 {
		return fmt.Errorf("EXCHANGE_MAX_RECORDS must be at least 1, got %d", c.Exchanges.MaxRecords)
	}
	if c.Prices.HistoricalAttempts < 1 {
		c.Prices.HistoricalAttempts = 1
	}
	if c.Tax.LongTermThresholdDays <= 0 {
		c.Tax.LongTermThresholdDays = 365
	}
	for i, a := range c.Prices.WarmAssets {
		c.Prices.WarmAssets[i] = strings.ToUpper(strings.TrimSpace(a))
	}
	return nil
}

// Default returns the configuration produced by an empty environment.
func Default() *AppConfig {
	var cfg AppConfig
	// ReadEnv only fails on malformed values; defaults are well-formed.
	_ = cleanenv.ReadEnv(&cfg)
	_ = cfg.Validate()
	return &cfg
}
