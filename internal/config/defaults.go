package config

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":9992"
	defaultAppLogPath       = "data/logs/backcast.log"
	defaultAppArtifactsDir  = "data/artifacts"
	defaultDataLocalDir     = "data/bars"
	defaultDataCacheDir     = "data/cache"
	defaultTiingoBase       = "https://api.tiingo.com"
	defaultTiingoChunkDays  = 10
	defaultTiingoDelayMS    = 1100
	defaultTiingoTTLMin     = 30
	defaultPolygonBase      = "https://api.polygon.io"
	defaultPolygonTTLMin    = 30
	defaultRiskDailyLoss    = 0.03
	defaultRiskMaxPosition  = 0.25
	defaultRiskPerOrderCap  = 0.10
	defaultRiskGlobalDD     = 0.20
	defaultRiskCooldownMin  = 0
	defaultBTMaxConcurrent  = 2
	defaultBTDBDir          = "data/db"
	defaultBTInitialCash    = 100_000
	defaultBTFeeBps         = 0
	defaultBTSlippageBps    = 0
	defaultStrategyDefaults = "configs/strategy_defaults.yaml"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults() {
	c.App.applyDefaults()
	c.Data.applyDefaults()
	c.Risk.applyDefaults()
	c.Backtest.applyDefaults()
	if c.Strategies.DefaultsPath == "" {
		c.Strategies.DefaultsPath = defaultStrategyDefaults
	}
}

func (a *AppConfig) applyDefaults() {
	if a.Env == "" {
		a.Env = defaultAppEnv
	}
	if a.LogLevel == "" {
		a.LogLevel = defaultAppLogLevel
	}
	if a.HTTPAddr == "" {
		a.HTTPAddr = defaultAppHTTPAddr
	}
	if a.LogPath == "" {
		a.LogPath = defaultAppLogPath
	}
	if a.ArtifactsDir == "" {
		a.ArtifactsDir = defaultAppArtifactsDir
	}
}

func (d *DataConfig) applyDefaults() {
	if d.LocalDir == "" {
		d.LocalDir = defaultDataLocalDir
	}
	if d.CacheDir == "" {
		d.CacheDir = defaultDataCacheDir
	}
	if d.Tiingo.BaseURL == "" {
		d.Tiingo.BaseURL = defaultTiingoBase
	}
	if d.Tiingo.ChunkDays <= 0 {
		d.Tiingo.ChunkDays = defaultTiingoChunkDays
	}
	if d.Tiingo.DelayMS <= 0 {
		d.Tiingo.DelayMS = defaultTiingoDelayMS
	}
	if d.Tiingo.TTLMinutes <= 0 {
		d.Tiingo.TTLMinutes = defaultTiingoTTLMin
	}
	if d.Polygon.BaseURL == "" {
		d.Polygon.BaseURL = defaultPolygonBase
	}
	if d.Polygon.TTLMinutes <= 0 {
		d.Polygon.TTLMinutes = defaultPolygonTTLMin
	}
}

func (r *RiskConfig) applyDefaults() {
	if r.MaxDailyLossPct <= 0 {
		r.MaxDailyLossPct = defaultRiskDailyLoss
	}
	if r.MaxPositionPct <= 0 {
		r.MaxPositionPct = defaultRiskMaxPosition
	}
	if r.PerOrderCapPct <= 0 {
		r.PerOrderCapPct = defaultRiskPerOrderCap
	}
	if r.GlobalDDKillPct <= 0 {
		r.GlobalDDKillPct = defaultRiskGlobalDD
	}
	if r.CooldownMinutes < 0 {
		r.CooldownMinutes = defaultRiskCooldownMin
	}
}

func (b *BacktestConfig) applyDefaults() {
	if b.MaxConcurrent <= 0 {
		b.MaxConcurrent = defaultBTMaxConcurrent
	}
	if b.DBDir == "" {
		b.DBDir = defaultBTDBDir
	}
	if b.InitialCash <= 0 {
		b.InitialCash = defaultBTInitialCash
	}
	if b.FeeBps < 0 {
		b.FeeBps = defaultBTFeeBps
	}
	if b.SlippageBps < 0 {
		b.SlippageBps = defaultBTSlippageBps
	}
}
