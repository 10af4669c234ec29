package gate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/antihax/optional"
	gateapi "github.com/gateio/gateapi-go/v7"

	"riskguard/internal/config"
	"riskguard/internal/market"
)

const gateMaxHistoryLimit = 2000

// restAPI 是网关用到的 Gate 合约接口子集。数量均为带符号的张数：正为买，负为卖。
type restAPI interface {
	Candles(ctx context.Context, contract, interval string, limit int) ([]market.Candle, error)
	LastPrice(ctx context.Context, contract string) (string, error)
	Contract(ctx context.Context, contract string) (contractInfo, error)
	CreateOrder(ctx context.Context, p orderParams) (int64, error)
	GetOrder(ctx context.Context, orderID string) (orderState, error)
	CreateTrigger(ctx context.Context, p triggerParams) (int64, error)
	CancelTrigger(ctx context.Context, orderID string) error
	Position(ctx context.Context, contract string) (positionInfo, error)
}

type contractInfo struct {
	Multiplier string
	PriceTick  string
	MinSize    int64
	TakerRate  string
}

type orderParams struct {
	Contract   string
	Size       int64
	ReduceOnly bool
	Text       string
}

type orderState struct {
	Status    string
	FinishAs  string
	Size      int64
	Left      int64
	FillPrice string
}

// triggerParams.Rule: 1 表示价格 >= 触发价，2 表示 <=。
type triggerParams struct {
	Contract string
	Size     int64
	Price    string
	Rule     int32
	Text     string
}

type positionInfo struct {
	Size       int64
	EntryPrice string
	MarkPrice  string
	Leverage   string
}

// sdkREST 用 gateapi-go 实现 restAPI；鉴权信息通过 context 传给 SDK。
type sdkREST struct {
	client *gateapi.APIClient
	settle string
	auth   gateapi.GateAPIV4
}

func newSDKREST(cfg Config) (*sdkREST, error) {
	conf := gateapi.NewConfiguration()
	conf.BasePath = cfg.RESTBaseURL
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid gate REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	conf.HTTPClient = httpClient
	return &sdkREST{
		client: gateapi.NewAPIClient(conf),
		settle: cfg.Settle,
		auth:   gateapi.GateAPIV4{Key: cfg.APIKey, Secret: cfg.SecretKey},
	}, nil
}

func (r *sdkREST) authed(ctx context.Context) context.Context {
	return context.WithValue(ctx, gateapi.ContextGateAPIV4, r.auth)
}

func (r *sdkREST) Candles(ctx context.Context, contract, interval string, limit int) ([]market.Candle, error) {
	opts := &gateapi.ListFuturesCandlesticksOpts{
		Limit:    optional.NewInt32(int32(limit)),
		Interval: optional.NewString(interval),
	}
	kls, _, err := r.client.FuturesApi.ListFuturesCandlesticks(ctx, r.settle, contract, opts)
	if err != nil {
		return nil, err
	}
	dur, durErr := config.ParseInterval(interval)
	hasDur := durErr == nil
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		openTime := int64(kl.T * 1000)
		closeTime := openTime
		if hasDur {
			closeTime = openTime + dur.Milliseconds()
		}
		out = append(out, market.Candle{
			OpenTime:  openTime,
			CloseTime: closeTime,
			Open:      parseFloat(kl.O),
			High:      parseFloat(kl.H),
			Low:       parseFloat(kl.L),
			Close:     parseFloat(kl.C),
			Volume:    parseFloat(kl.Sum),
		})
	}
	return out, nil
}

func (r *sdkREST) LastPrice(ctx context.Context, contract string) (string, error) {
	tickers, _, err := r.client.FuturesApi.ListFuturesTickers(ctx, r.settle, &gateapi.ListFuturesTickersOpts{
		Contract: optional.NewString(contract),
	})
	if err != nil {
		return "", err
	}
	for _, t := range tickers {
		if strings.EqualFold(t.Contract, contract) {
			return t.Last, nil
		}
	}
	return "", fmt.Errorf("no ticker for %s", contract)
}

func (r *sdkREST) Contract(ctx context.Context, contract string) (contractInfo, error) {
	c, _, err := r.client.FuturesApi.GetFuturesContract(ctx, r.settle, contract)
	if err != nil {
		return contractInfo{}, err
	}
	return contractInfo{
		Multiplier: c.QuantoMultiplier,
		PriceTick:  c.OrderPriceRound,
		MinSize:    c.OrderSizeMin,
		TakerRate:  c.TakerFeeRate,
	}, nil
}

// CreateOrder 以 price=0 + ioc 下市价单。
func (r *sdkREST) CreateOrder(ctx context.Context, p orderParams) (int64, error) {
	order := gateapi.FuturesOrder{
		Contract:   p.Contract,
		Size:       p.Size,
		Price:      "0",
		Tif:        "ioc",
		ReduceOnly: p.ReduceOnly,
		Text:       p.Text,
	}
	res, _, err := r.client.FuturesApi.CreateFuturesOrder(r.authed(ctx), r.settle, order, nil)
	if err != nil {
		return 0, err
	}
	return res.Id, nil
}

func (r *sdkREST) GetOrder(ctx context.Context, orderID string) (orderState, error) {
	o, _, err := r.client.FuturesApi.GetFuturesOrder(r.authed(ctx), r.settle, orderID)
	if err != nil {
		return orderState{}, err
	}
	return orderState{
		Status:    o.Status,
		FinishAs:  o.FinishAs,
		Size:      o.Size,
		Left:      o.Left,
		FillPrice: o.FillPrice,
	}, nil
}

func (r *sdkREST) CreateTrigger(ctx context.Context, p triggerParams) (int64, error) {
	trigger := gateapi.FuturesPriceTriggeredOrder{
		Initial: gateapi.FuturesInitialOrder{
			Contract:   p.Contract,
			Size:       p.Size,
			Price:      "0",
			Tif:        "ioc",
			ReduceOnly: true,
			Text:       p.Text,
		},
		Trigger: gateapi.FuturesPriceTrigger{
			StrategyType: 0,
			PriceType:    1,
			Price:        p.Price,
			Rule:         p.Rule,
		},
	}
	res, _, err := r.client.FuturesApi.CreatePriceTriggeredOrder(r.authed(ctx), r.settle, trigger)
	if err != nil {
		return 0, err
	}
	return res.Id, nil
}

func (r *sdkREST) CancelTrigger(ctx context.Context, orderID string) error {
	_, _, err := r.client.FuturesApi.CancelPriceTriggeredOrder(r.authed(ctx), r.settle, orderID)
	return err
}

func (r *sdkREST) Position(ctx context.Context, contract string) (positionInfo, error) {
	p, _, err := r.client.FuturesApi.GetPosition(r.authed(ctx), r.settle, contract)
	if err != nil {
		return positionInfo{}, err
	}
	return positionInfo{
		Size:       p.Size,
		EntryPrice: p.EntryPrice,
		MarkPrice:  p.MarkPrice,
		Leverage:   p.Leverage,
	}, nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

// clientText 把 client order id 转为 Gate 要求的 "t-" 前缀格式，长度上限 28。
func clientText(id string) string {
	id = strings.ReplaceAll(strings.TrimSpace(id), "-", "")
	if id == "" {
		return ""
	}
	if len(id) > 26 {
		id = id[:26]
	}
	return "t-" + id
}
