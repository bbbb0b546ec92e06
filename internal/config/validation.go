package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level 不支持: %s", a.LogLevel)
	}
	return nil
}

func (d *DataConfig) validate() error {
	if strings.TrimSpace(d.LocalDir) == "" {
		return fmt.Errorf("data.local_dir cannot be empty")
	}
	if strings.TrimSpace(d.CacheDir) == "" {
		return fmt.Errorf("data.cache_dir cannot be empty")
	}
	if d.Tiingo.ChunkDays < 1 {
		return fmt.Errorf("data.tiingo.chunk_days must be >= 1")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	type bound struct {
		name string
		val  float64
	}
	for _, b := range []bound{
		{"risk.max_daily_loss_pct", r.MaxDailyLossPct},
		{"risk.max_position_pct", r.MaxPositionPct},
		{"risk.per_order_cap_pct", r.PerOrderCapPct},
		{"risk.global_dd_kill_pct", r.GlobalDDKillPct},
	} {
		if b.val <= 0 || b.val > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", b.name, b.val)
		}
	}
	return nil
}
