package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// RunRecord 对应 backtest_runs 表，是调度视角的运行状态机：
// queued → processing → completed|failed。
type RunRecord struct {
	ID             string `gorm:"primaryKey;size:64" json:"id"`
	Symbol         string `gorm:"index" json:"symbol"`
	Timeframe      string `json:"timeframe"`
	Strategy       string `json:"strategy"`
	Status         string `gorm:"index" json:"status"`
	Message        string `json:"message"`
	InitialCash    float64 `json:"initial_cash"`
	FinalEquity    float64 `json:"final_equity"`
	ReturnPct      float64 `json:"return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	WinRate        float64 `json:"win_rate"`
	Trades         int     `json:"trades"`
	Config         datatypes.JSON `json:"config"`
	Summary        datatypes.JSON `json:"summary"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

func (RunRecord) TableName() string { return "backtest_runs" }

// FillRecord 对应 backtest_fills 表。
type FillRecord struct {
	ID        uint    `gorm:"primaryKey" json:"-"`
	RunID     string  `gorm:"index;size:64" json:"run_id"`
	FillID    string  `json:"fill_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
	PnL       float64 `json:"pnl"`
	Fees      float64 `json:"fees"`
	Reason    string  `json:"reason"`
}

func (FillRecord) TableName() string { return "backtest_fills" }

// EquityRecord 对应 backtest_equity 表。
type EquityRecord struct {
	ID        uint    `gorm:"primaryKey" json:"-"`
	RunID     string  `gorm:"index;size:64" json:"run_id"`
	Timestamp string  `json:"timestamp"`
	Equity    float64 `json:"equity"`
}

func (EquityRecord) TableName() string { return "backtest_equity" }

// RunStore 用 Gorm + SQLite 持久化运行记录与产出行。
type RunStore struct {
	db *gorm.DB
}

func NewRunStore(root string) (*RunStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("run store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("打开 run store 失败 %s: %w", path, err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &FillRecord{}, &EquityRecord{}); err != nil {
		return nil, fmt.Errorf("run store 建表失败: %w", err)
	}
	return &RunStore{db: db}, nil
}

func (s *RunStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertRun 以 queued 状态登记新运行。
func (s *RunStore) InsertRun(ctx context.Context, id string, req RunRequest, risk RiskProfile) (RunRecord, error) {
	cfg, err := json.Marshal(struct {
		RunRequest
		Risk RiskProfile `json:"risk"`
	}{req, risk})
	if err != nil {
		return RunRecord{}, err
	}
	rec := RunRecord{
		ID:          id,
		Symbol:      strings.ToUpper(req.Symbol),
		Timeframe:   req.Timeframe,
		Strategy:    req.Strategy,
		Status:      RunStatusQueued,
		InitialCash: req.InitialCash,
		Config:      datatypes.JSON(cfg),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

// UpdateStatus 推进状态机并更新提示信息。
func (s *RunStore) UpdateStatus(ctx context.Context, id, status, message string) error {
	return s.db.WithContext(ctx).Model(&RunRecord{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "message": message}).Error
}

// CompleteRun 写入终态摘要及成交/权益行。
func (s *RunStore) CompleteRun(ctx context.Context, id string, res *Result) error {
	summary, err := json.Marshal(res.Summary)
	if err != nil {
		return err
	}
	now := time.Now()
	updates := map[string]any{
		"status":           RunStatusCompleted,
		"message":          "完成",
		"final_equity":     res.Summary["final_equity"],
		"return_pct":       res.Summary["total_return_pct"],
		"max_drawdown_pct": res.Summary["max_drawdown_pct"],
		"win_rate":         res.Summary["win_rate"],
		"trades":           int(res.Summary["trades"]),
		"summary":          datatypes.JSON(summary),
		"completed_at":     &now,
	}
	if res.StoppedEarly {
		updates["message"] = "完成（风控提前结束: " + res.StopReason + "）"
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&RunRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		if len(res.Fills) > 0 {
			fills := make([]FillRecord, 0, len(res.Fills))
			for _, f := range res.Fills {
				fills = append(fills, FillRecord{
					RunID: id, FillID: f.ID, Symbol: f.Symbol, Side: f.Side,
					Quantity: f.Quantity, Price: f.Price, Timestamp: f.Timestamp,
					PnL: f.PnL, Fees: f.Fees, Reason: f.Reason,
				})
			}
			if err := tx.CreateInBatches(fills, 200).Error; err != nil {
				return err
			}
		}
		if len(res.EquityCurve) > 0 {
			points := make([]EquityRecord, 0, len(res.EquityCurve))
			for _, p := range res.EquityCurve {
				points = append(points, EquityRecord{RunID: id, Timestamp: p.Timestamp, Equity: p.Equity})
			}
			if err := tx.CreateInBatches(points, 500).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RunStore) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var rec RunRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var recs []RunRecord
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

func (s *RunStore) ListFills(ctx context.Context, runID string) ([]FillRecord, error) {
	var fills []FillRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Find(&fills).Error
	return fills, err
}

func (s *RunStore) ListEquity(ctx context.Context, runID string) ([]EquityRecord, error) {
	var points []EquityRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Find(&points).Error
	return points, err
}
