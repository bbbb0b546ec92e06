package app

import (
	"fmt"
	"os"
	"time"

	"backcast/internal/backtest"
	bccfg "backcast/internal/config"
	"backcast/internal/datasource"
	"backcast/internal/logger"
	backtesthttp "backcast/internal/transport/http/backtest"

	"backcast/internal/strategy"
)

// AppBuilder 按依赖顺序组装应用：缓存 → 数据源 → 策略注册表 →
// 模拟器 → 运行存储 → 服务 → HTTP。测试可用 override 替换任一环节。
type AppBuilder struct {
	cfg *bccfg.Config

	getterOverride   datasource.Getter
	registryOverride *strategy.Registry
}

type AppBuilderOption func(*AppBuilder)

// WithGetter 替换 vendor HTTP 客户端，测试用。
func WithGetter(g datasource.Getter) AppBuilderOption {
	return func(b *AppBuilder) { b.getterOverride = g }
}

// WithRegistry 替换策略注册表。
func WithRegistry(r *strategy.Registry) AppBuilderOption {
	return func(b *AppBuilder) { b.registryOverride = r }
}

func NewAppBuilder(cfg *bccfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *AppBuilder) Build() (*App, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	cache, err := datasource.NewBarCache(cfg.Data.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线缓存失败: %w", err)
	}
	local, err := datasource.NewLocalCSVSource(cfg.Data.LocalDir, cache)
	if err != nil {
		return nil, fmt.Errorf("初始化本地数据源失败: %w", err)
	}

	getter := b.getterOverride
	if getter == nil {
		getter = datasource.NewHTTPClient(15 * time.Second)
	}
	tiingo, err := datasource.NewTiingoSource(datasource.TiingoConfig{
		BaseURL:   cfg.Data.Tiingo.BaseURL,
		Token:     func() string { return cfg.Data.Tiingo.Token },
		ChunkDays: cfg.Data.Tiingo.ChunkDays,
		Delay:     time.Duration(cfg.Data.Tiingo.DelayMS) * time.Millisecond,
		TTL:       time.Duration(cfg.Data.Tiingo.TTLMinutes) * time.Minute,
	}, getter, cache)
	if err != nil {
		return nil, fmt.Errorf("初始化 tiingo 数据源失败: %w", err)
	}
	polygon, err := datasource.NewPolygonSource(datasource.PolygonConfig{
		BaseURL: cfg.Data.Polygon.BaseURL,
		Key:     func() string { return cfg.Data.Polygon.Key },
		TTL:     time.Duration(cfg.Data.Polygon.TTLMinutes) * time.Minute,
	}, getter, cache)
	if err != nil {
		return nil, fmt.Errorf("初始化 polygon 数据源失败: %w", err)
	}
	resolver := datasource.NewResolver(local, map[string]datasource.Source{
		datasource.SourceTiingo:  tiingo,
		datasource.SourcePolygon: polygon,
	})

	registry := b.registryOverride
	if registry == nil {
		registry, err = strategy.DefaultRegistry()
		if err != nil {
			return nil, fmt.Errorf("初始化策略注册表失败: %w", err)
		}
		if path := cfg.Strategies.DefaultsPath; path != "" {
			if _, statErr := os.Stat(path); statErr == nil {
				if err := registry.LoadDefaults(path); err != nil {
					return nil, fmt.Errorf("加载策略默认参数失败: %w", err)
				}
			} else {
				logger.Warnf("策略默认参数文件不存在，跳过: %s", path)
			}
		}
	}

	sim, err := backtest.NewSimulator(registry, resolver)
	if err != nil {
		return nil, fmt.Errorf("初始化模拟器失败: %w", err)
	}
	store, err := backtest.NewRunStore(cfg.Backtest.DBDir)
	if err != nil {
		return nil, fmt.Errorf("初始化运行存储失败: %w", err)
	}
	writer, err := backtest.NewArtifactWriter(cfg.App.ArtifactsDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化产物目录失败: %w", err)
	}
	risk := backtest.RiskProfile{
		MaxDailyLossPct: cfg.Risk.MaxDailyLossPct,
		MaxPositionPct:  cfg.Risk.MaxPositionPct,
		PerOrderCapPct:  cfg.Risk.PerOrderCapPct,
		GlobalDDKillPct: cfg.Risk.GlobalDDKillPct,
		CooldownMinutes: cfg.Risk.CooldownMinutes,
	}
	svc := backtest.NewService(sim, store, writer, risk, cfg.Backtest.MaxConcurrent)

	server, err := backtesthttp.NewServer(backtesthttp.Config{
		Addr:         cfg.App.HTTPAddr,
		Svc:          svc,
		Resolver:     resolver,
		Registry:     registry,
		ArtifactsDir: cfg.App.ArtifactsDir,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}

	return &App{
		cfg:    cfg,
		local:  local,
		cache:  cache,
		store:  store,
		svc:    svc,
		server: server,
	}, nil
}
