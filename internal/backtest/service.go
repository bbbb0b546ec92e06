package backtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"backcast/internal/logger"

	"github.com/google/uuid"
)

// Service 负责接单与排队：请求先落库为 queued，再投递到有界
// 并发的后台执行，HTTP 层只拿到 RunRecord。
type Service struct {
	sim    *Simulator
	store  *RunStore
	writer *ArtifactWriter
	risk   RiskProfile

	slots chan struct{}
	wg    sync.WaitGroup
}

func NewService(sim *Simulator, store *RunStore, writer *ArtifactWriter, risk RiskProfile, maxConcurrent int) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Service{
		sim:    sim,
		store:  store,
		writer: writer,
		risk:   risk,
		slots:  make(chan struct{}, maxConcurrent),
	}
}

// Submit 入队一次回测。RunID 允许调用方自带以便重放，否则生成 uuid。
func (s *Service) Submit(ctx context.Context, req RunRequest) (RunRecord, error) {
	if strings.TrimSpace(req.RunID) == "" {
		req.RunID = uuid.NewString()
	}
	rec, err := s.store.InsertRun(ctx, req.RunID, req, s.risk)
	if err != nil {
		return RunRecord{}, fmt.Errorf("入库失败: %w", err)
	}
	s.wg.Add(1)
	go s.execute(req)
	return rec, nil
}

func (s *Service) execute(req RunRequest) {
	defer s.wg.Done()
	s.slots <- struct{}{}
	defer func() { <-s.slots }()

	ctx := context.Background()
	if err := s.store.UpdateStatus(ctx, req.RunID, RunStatusProcessing, ""); err != nil {
		logger.Errorf("run %s 置为 processing 失败: %v", req.RunID, err)
	}
	logger.Infof("回测开始: run=%s symbol=%s tf=%s strategy=%s", req.RunID, req.Symbol, req.Timeframe, req.Strategy)

	res, err := s.sim.Run(ctx, req, s.risk)
	if err != nil {
		logger.Errorf("回测失败: run=%s err=%v", req.RunID, err)
		if uerr := s.store.UpdateStatus(ctx, req.RunID, RunStatusFailed, err.Error()); uerr != nil {
			logger.Errorf("run %s 置为 failed 失败: %v", req.RunID, uerr)
		}
		return
	}
	if s.writer != nil {
		if err := s.writer.Write(res, req); err != nil {
			logger.Warnf("run %s 产物写入失败: %v", req.RunID, err)
		}
	}
	if err := s.store.CompleteRun(ctx, req.RunID, res); err != nil {
		logger.Errorf("run %s 落库失败: %v", req.RunID, err)
		return
	}
	logger.Infof("回测完成: run=%s final_equity=%.2f trades=%.0f", req.RunID, res.Summary["final_equity"], res.Summary["trades"])
}

// Wait 等待在途任务收尾，进程退出前调用。
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) GetRun(ctx context.Context, id string) (RunRecord, error) {
	return s.store.GetRun(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	return s.store.ListRuns(ctx, limit)
}

func (s *Service) ListFills(ctx context.Context, runID string) ([]FillRecord, error) {
	return s.store.ListFills(ctx, runID)
}

func (s *Service) ListEquity(ctx context.Context, runID string) ([]EquityRecord, error) {
	return s.store.ListEquity(ctx, runID)
}
