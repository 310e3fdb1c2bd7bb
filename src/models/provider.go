package models

const (
	ProviderBinance  = "binance"
	ProviderCoinbase = "coinbase"
	ProviderWhiteBit = "whitebit"
)
