package models

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// Credentials are owned by the caller for a single request. They are never
// stored, cached or logged; String and LogValue redact the secret parts.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{APIKey:%s, APISecret:[REDACTED]}", maskKey(c.APIKey))
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("api_key", maskKey(c.APIKey)))
}

func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == ""
}

func maskKey(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return k[:4] + "****"
}

// Price is a unit price in the reporting currency.
type Price struct {
	Value     decimal.Decimal `json:"value"`
	Estimated bool            `json:"estimated"`
	Source    string          `json:"source"`
}

const (
	PriceSourceCache    = "cache"
	PriceSourceStore    = "store"
	PriceSourceNetwork  = "network"
	PriceSourceFallback = "fallback"
	PriceSourceParity   = "parity"
)
