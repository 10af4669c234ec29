package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"

	"riskguard/internal/market"
)

// restAPI 是网关用到的 USDⓈ-M 合约接口子集，字段均为交易所原始字符串。
type restAPI interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
	LastPrice(ctx context.Context, symbol string) (string, error)
	SymbolFilters(ctx context.Context, symbol string) (symbolFilters, error)
	CreateOrder(ctx context.Context, p orderParams) (int64, error)
	GetOrder(ctx context.Context, symbol string, id int64) (orderState, error)
	CancelOrder(ctx context.Context, symbol string, id int64) error
	PositionRisk(ctx context.Context, symbol string) ([]positionRisk, error)
}

type symbolFilters struct {
	StepSize string
	MinQty   string
	TickSize string
}

type orderParams struct {
	Symbol     string
	Side       futures.SideType
	Type       futures.OrderType
	Quantity   string
	StopPrice  string
	ReduceOnly bool
	ClientID   string
}

type orderState struct {
	Status     string
	Executed   string
	AvgPrice   string
	UpdateTime int64
}

type positionRisk struct {
	Amount     string
	EntryPrice string
	MarkPrice  string
	Leverage   string
}

// sdkREST 用 go-binance SDK 实现 restAPI。
type sdkREST struct {
	client *futures.Client
}

func newSDKREST(cfg Config) (*sdkREST, error) {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	client.BaseURL = cfg.RESTBaseURL
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &sdkREST{client: client}, nil
}

func (r *sdkREST) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	kls, err := r.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out, nil
}

func (r *sdkREST) LastPrice(ctx context.Context, symbol string) (string, error) {
	prices, err := r.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range prices {
		if p != nil && strings.EqualFold(p.Symbol, symbol) {
			return p.Price, nil
		}
	}
	return "", fmt.Errorf("no price for %s", symbol)
}

func (r *sdkREST) SymbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	info, err := r.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return symbolFilters{}, err
	}
	for _, s := range info.Symbols {
		if !strings.EqualFold(s.Symbol, symbol) {
			continue
		}
		var out symbolFilters
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				out.TickSize, _ = f["tickSize"].(string)
			case "LOT_SIZE":
				out.StepSize, _ = f["stepSize"].(string)
				out.MinQty, _ = f["minQty"].(string)
			}
		}
		return out, nil
	}
	return symbolFilters{}, fmt.Errorf("symbol %s not listed", symbol)
}

func (r *sdkREST) CreateOrder(ctx context.Context, p orderParams) (int64, error) {
	svc := r.client.NewCreateOrderService().
		Symbol(p.Symbol).
		Side(p.Side).
		Type(p.Type).
		Quantity(p.Quantity).
		ReduceOnly(p.ReduceOnly)
	if p.StopPrice != "" {
		svc = svc.StopPrice(p.StopPrice).WorkingType(futures.WorkingTypeMarkPrice)
	}
	if p.ClientID != "" {
		svc = svc.NewClientOrderID(p.ClientID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return 0, err
	}
	return res.OrderID, nil
}

func (r *sdkREST) GetOrder(ctx context.Context, symbol string, id int64) (orderState, error) {
	o, err := r.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return orderState{}, err
	}
	return orderState{
		Status:     string(o.Status),
		Executed:   o.ExecutedQuantity,
		AvgPrice:   o.AvgPrice,
		UpdateTime: o.UpdateTime,
	}, nil
}

func (r *sdkREST) CancelOrder(ctx context.Context, symbol string, id int64) error {
	_, err := r.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return err
}

func (r *sdkREST) PositionRisk(ctx context.Context, symbol string) ([]positionRisk, error) {
	risks, err := r.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]positionRisk, 0, len(risks))
	for _, p := range risks {
		if p == nil {
			continue
		}
		out = append(out, positionRisk{
			Amount:     p.PositionAmt,
			EntryPrice: p.EntryPrice,
			MarkPrice:  p.MarkPrice,
			Leverage:   p.Leverage,
		})
	}
	return out, nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
