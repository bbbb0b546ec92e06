package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 环境变量里的密钥优先级高于配置文件，方便部署时不落盘。
const (
	EnvTiingoToken = "BACKCAST_TIINGO_TOKEN"
	EnvPolygonKey  = "BACKCAST_POLYGON_KEY"
)

// Config 是 backcast 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Data       DataConfig       `toml:"data"`
	Risk       RiskConfig       `toml:"risk"`
	Backtest   BacktestConfig   `toml:"backtest"`
	Strategies StrategiesConfig `toml:"strategies"`
}

type AppConfig struct {
	Env          string `toml:"env"`
	LogLevel     string `toml:"log_level"`
	LogPath      string `toml:"log_path"`
	HTTPAddr     string `toml:"http_addr"`
	ArtifactsDir string `toml:"artifacts_dir"`
}

type DataConfig struct {
	LocalDir string        `toml:"local_dir"`
	CacheDir string        `toml:"cache_dir"`
	Tiingo   TiingoConfig  `toml:"tiingo"`
	Polygon  PolygonConfig `toml:"polygon"`
}

type TiingoConfig struct {
	BaseURL    string `toml:"base_url"`
	Token      string `toml:"token"`
	ChunkDays  int    `toml:"chunk_days"`
	DelayMS    int    `toml:"delay_ms"`
	TTLMinutes int    `toml:"ttl_minutes"`
}

type PolygonConfig struct {
	BaseURL    string `toml:"base_url"`
	Key        string `toml:"key"`
	TTLMinutes int    `toml:"ttl_minutes"`
}

// RiskConfig 是全局风控盘面，字段含义见 backtest.RiskProfile。
type RiskConfig struct {
	MaxDailyLossPct float64 `toml:"max_daily_loss_pct"`
	MaxPositionPct  float64 `toml:"max_position_pct"`
	PerOrderCapPct  float64 `toml:"per_order_cap_pct"`
	GlobalDDKillPct float64 `toml:"global_dd_kill_pct"`
	CooldownMinutes int     `toml:"cooldown_minutes"`
}

type BacktestConfig struct {
	MaxConcurrent int     `toml:"max_concurrent"`
	DBDir         string  `toml:"db_dir"`
	InitialCash   float64 `toml:"initial_cash"`
	FeeBps        float64 `toml:"fee_bps"`
	SlippageBps   float64 `toml:"slippage_bps"`
}

type StrategiesConfig struct {
	DefaultsPath string `toml:"defaults_path"`
}

func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 用环境变量覆盖 vendor 密钥。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvTiingoToken)); v != "" {
		c.Data.Tiingo.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPolygonKey)); v != "" {
		c.Data.Polygon.Key = v
	}
}
