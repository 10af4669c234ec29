package binance

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/config"
)

type Config struct {
	APIKey      string
	SecretKey   string
	RESTBaseURL string
	Testnet     bool
	HTTPTimeout time.Duration
	ProxyURL    string
	// TakerRate 用于手续费估算，交易所规格里不带费率。
	TakerRate decimal.Decimal
}

// ConfigFrom 从应用配置构建网关配置。
func ConfigFrom(cfg config.BinanceConfig) Config {
	return Config{
		APIKey:      cfg.APIKey,
		SecretKey:   cfg.SecretKey,
		RESTBaseURL: cfg.BaseURL,
		Testnet:     cfg.Testnet,
		TakerRate:   decimal.NewFromFloat(cfg.TakerRate),
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.SecretKey = strings.TrimSpace(out.SecretKey)
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
		if out.Testnet {
			out.RESTBaseURL = "https://testnet.binancefuture.com"
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if !out.TakerRate.IsPositive() {
		out.TakerRate = decimal.RequireFromString("0.0005")
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	return out
}
