package gate

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/config"
)

const (
	defaultGateREST   = "https://api.gateio.ws/api/v4"
	defaultGateSettle = "usdt"
)

type Config struct {
	APIKey      string
	SecretKey   string
	RESTBaseURL string
	Settle      string
	HTTPTimeout time.Duration
	ProxyURL    string
	// TakerRate 仅在合约规格未返回费率时使用。
	TakerRate decimal.Decimal
}

func ConfigFrom(cfg config.GateConfig) Config {
	return Config{
		APIKey:      cfg.APIKey,
		SecretKey:   cfg.SecretKey,
		RESTBaseURL: cfg.BaseURL,
		Settle:      cfg.Settle,
		TakerRate:   decimal.NewFromFloat(cfg.TakerRate),
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.SecretKey = strings.TrimSpace(out.SecretKey)
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = defaultGateREST
	}
	out.Settle = strings.ToLower(strings.TrimSpace(out.Settle))
	if out.Settle == "" {
		out.Settle = defaultGateSettle
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
