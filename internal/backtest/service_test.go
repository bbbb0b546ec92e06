package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, h *simHarness) *Service {
	t.Helper()
	store := newTestStore(t)
	writer, err := NewArtifactWriter(t.TempDir())
	require.NoError(t, err)
	return NewService(h.sim, store, writer, looseRisk(), 2)
}

func TestService_SubmitRunsToCompletion(t *testing.T) {
	h := newSimHarness(t, risingCSV(100, 101, 102, 103, 104), &scripted{
		buyOn:  map[string]bool{"2024-01-03": true},
		sellOn: map[string]bool{"2024-01-05": true},
	})
	svc := newTestService(t, h)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "run-test", rec.ID)
	assert.Equal(t, RunStatusQueued, rec.Status)

	svc.Wait()
	got, err := svc.GetRun(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, 100980.0, got.FinalEquity)

	fills, err := svc.ListFills(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	points, err := svc.ListEquity(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, points, 5)
}

func TestService_GeneratesRunID(t *testing.T) {
	h := newSimHarness(t, risingCSV(100, 101), &scripted{})
	svc := newTestService(t, h)

	req := baseRequest()
	req.RunID = ""
	rec, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	svc.Wait()
}

func TestService_FailedRunRecordsMessage(t *testing.T) {
	h := newSimHarness(t, risingCSV(100, 101), &scripted{})
	svc := newTestService(t, h)
	ctx := context.Background()

	req := baseRequest()
	req.Symbol = "GHOST" // 无数据文件且无 vendor → Loading 阶段致命
	rec, err := svc.Submit(ctx, req)
	require.NoError(t, err, "入队成功，失败体现在终态")

	svc.Wait()
	require.Eventually(t, func() bool {
		got, gerr := svc.GetRun(ctx, rec.ID)
		return gerr == nil && got.Status == RunStatusFailed
	}, 3*time.Second, 20*time.Millisecond)

	got, err := svc.GetRun(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Message, "数据集为空")
}
