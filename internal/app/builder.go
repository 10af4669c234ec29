package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	rediscache "riskguard/internal/cache/redis"
	"riskguard/internal/config"
	"riskguard/internal/consistency"
	"riskguard/internal/gateway/binance"
	"riskguard/internal/gateway/gate"
	"riskguard/internal/gateway/notifier"
	"riskguard/internal/logger"
	"riskguard/internal/market"
	"riskguard/internal/metrics"
	"riskguard/internal/pkg/circuit"
	"riskguard/internal/store"
	"riskguard/internal/store/memstore"
	"riskguard/internal/store/sqlite"
	"riskguard/internal/strategy/exit"
	"riskguard/internal/strategy/stoploss"
	"riskguard/internal/strategy/volatility"
	"riskguard/internal/tools"
	toolshttp "riskguard/internal/transport/http/tools"
	"riskguard/internal/venue"
)

// memoryStorePath 作为 store.path 时使用内存存储，仅用于演示与测试。
const memoryStorePath = ":memory:"

const candleCacheTTL = 30 * time.Second

type AppBuilder struct {
	cfg *config.Config

	venueFn  func(config.VenueConfig) (venue.Client, market.Source, error)
	storeFn  func(config.StoreConfig) (store.Store, string, error)
	markerFn func(context.Context, config.RedisConfig) (consistency.Marker, func() error, error)
	clock    func() time.Time
}

type AppBuilderOption func(*AppBuilder)

// WithVenue 注入交易所与行情源，替代按配置构建的网关。
func WithVenue(client venue.Client, src market.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		b.venueFn = func(config.VenueConfig) (venue.Client, market.Source, error) {
			return client, src, nil
		}
	}
}

func WithStore(s store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(config.StoreConfig) (store.Store, string, error) {
			return s, "injected", nil
		}
	}
}

func WithClock(now func() time.Time) AppBuilderOption {
	return func(b *AppBuilder) { b.clock = now }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:      cfg,
		venueFn:  buildVenue,
		storeFn:  buildStore,
		markerFn: buildMarker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildVenue(cfg config.VenueConfig) (venue.Client, market.Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Active)) {
	case "binance":
		bcfg := binance.ConfigFrom(cfg.Binance)
		client, err := binance.NewClient(bcfg)
		if err != nil {
			return nil, nil, err
		}
		src, err := binance.NewSource(bcfg)
		if err != nil {
			return nil, nil, err
		}
		return client, src, nil
	case "gate":
		gcfg := gate.ConfigFrom(cfg.Gate)
		client, err := gate.NewClient(gcfg)
		if err != nil {
			return nil, nil, err
		}
		src, err := gate.NewSource(gcfg)
		if err != nil {
			return nil, nil, err
		}
		return client, src, nil
	default:
		return nil, nil, fmt.Errorf("unsupported venue %q", cfg.Active)
	}
}

func buildStore(cfg config.StoreConfig) (store.Store, string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == memoryStorePath {
		return memstore.New(), "memory", nil
	}
	st, err := sqlite.NewSqliteStore(path)
	if err != nil {
		return nil, "", fmt.Errorf("open store %s: %w", path, err)
	}
	return st, "sqlite " + path, nil
}

// buildMarker 连接失败时降级为只依赖存储去重。
func buildMarker(ctx context.Context, cfg config.RedisConfig) (consistency.Marker, func() error, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	client, err := rediscache.New(ctx, rediscache.ClientConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
	})
	if err != nil {
		logger.Warnf("redis marker unavailable, falling back to store-only duplicate checks: %v", err)
		return nil, nil, nil
	}
	return client, client.Close, nil
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	app := &App{cfg: cfg}

	m := metrics.New()
	rawClient, rawSource, err := b.venueFn(cfg.Venue)
	if err != nil {
		return nil, fmt.Errorf("build venue: %w", err)
	}
	breaker := circuit.NewCircuitBreaker(rawClient.Name(), cfg.Venue.Breaker.FailureThreshold, cfg.Venue.Breaker.Cooldown())
	breaker.SetStateChangeHandler(func(name string, _, to circuit.State) {
		m.SetBreakerState(name, int(to))
	})
	client := venue.NewGuarded(rawClient, breaker, m.ObserveVenueCall)
	src := market.NewCachedSource(rawSource, candleCacheTTL)
	logger.Infof("✓ venue %s ready", client.Name())

	st, storeDesc, err := b.storeFn(cfg.Store)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, st.Close)

	marker, closeMarker, err := b.markerFn(ctx, cfg.Redis)
	if err != nil {
		app.Close()
		return nil, err
	}
	markerDesc := "store only"
	if marker != nil {
		markerDesc = "redis " + cfg.Redis.Addr
		app.closers = append(app.closers, closeMarker)
	}

	guardOpts := []consistency.Option{consistency.WithMetrics(m)}
	if marker != nil {
		guardOpts = append(guardOpts, consistency.WithMarker(marker))
	}
	if b.clock != nil {
		guardOpts = append(guardOpts, consistency.WithClock(b.clock))
	}
	alertDesc := "-"
	if tg := cfg.Notify.Telegram; tg.Enabled {
		sender := notifier.NewTelegram(tg.BotToken, tg.ChatID)
		if tg.BaseURL != "" {
			sender.BaseURL = tg.BaseURL
		}
		guardOpts = append(guardOpts, consistency.WithAlerter(notifier.NewReconciliationAlerter(sender)))
		alertDesc = "telegram"
	}
	guard := consistency.NewGuard(st, cfg.Guard, guardOpts...)

	analyzer := volatility.NewAnalyzer(src, cfg.Volatility, cfg.Market)
	calc := stoploss.NewCalculator(src, analyzer, cfg.StopLoss, cfg.Volatility, cfg.Market)
	ctrl, err := exit.NewController(exit.Deps{
		Venue:      client,
		Market:     src,
		Volatility: analyzer,
		StopLoss:   calc,
		Guard:      guard,
		Metrics:    m,
	}, exit.SettingsFrom(cfg))
	if err != nil {
		app.Close()
		return nil, err
	}

	schemas, err := tools.LoadSchemas(cfg.Tools.SchemaPath, cfg.Tools.Watch)
	if err != nil {
		app.Close()
		return nil, err
	}
	registry, err := tools.NewRegistry(ctrl, calc, schemas)
	if err != nil {
		app.Close()
		return nil, err
	}
	server, err := toolshttp.NewServer(toolshttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Tools:   registry,
		Metrics: m.Handler(),
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.controller = ctrl
	app.registry = registry
	app.http = server
	if cfg.Monitor.Enabled {
		app.monitor = exit.NewMonitor(ctrl, cfg.Monitor)
	}
	app.Summary = newSummary(cfg, client.Name(), storeDesc, markerDesc, alertDesc, registry.Names())
	return app, nil
}
