package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantback/internal/market"
	"quantback/internal/strategy"
)

func testService(t *testing.T, store *ResultStore) (*Service, *market.Panel) {
	closes := map[string][]float64{
		"A": {10, 10.3, 10.5, 10.8},
		"B": {20, 19.8, 20.1, 20.3},
	}
	p := testPanel(t, closes, []string{"A", "B"})
	snap := strategy.Snapshot{
		Version:    1,
		LoadedAt:   time.Now(),
		Strategies: []*strategy.Compiled{testStrategy(t, "mom", []string{"A", "B"})},
	}
	svc, err := NewService(OrchestratorConfig{
		Panel:       p,
		InitialCash: decimal.NewFromInt(100000),
		LotSize:     100,
	}, store, func() strategy.Snapshot { return snap })
	require.NoError(t, err)
	return svc, p
}

func TestServiceSubmit(t *testing.T) {
	t.Run("异步跑完并落盘", func(t *testing.T) {
		store, err := NewResultStore(t.TempDir())
		require.NoError(t, err)
		defer store.Close()
		svc, p := testService(t, store)

		job, err := svc.Submit(BatchRequest{
			Start: p.Calendar[0].String(),
			End:   p.Calendar[len(p.Calendar)-1].String(),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"mom"}, job.Strategies)

		require.Eventually(t, func() bool {
			j, ok := svc.Job(job.ID)
			return ok && j.Status == JobStatusDone
		}, 5*time.Second, 10*time.Millisecond)

		j, _ := svc.Job(job.ID)
		require.Len(t, j.RunIDs, 1)
		saved, err := store.GetRun(j.RunIDs[0])
		require.NoError(t, err)
		assert.Equal(t, RunStatusDone, saved.Status)
	})

	t.Run("日期区间非法", func(t *testing.T) {
		svc, _ := testService(t, nil)
		_, err := svc.Submit(BatchRequest{Start: "2024-02-01", End: "2024-01-01"})
		require.Error(t, err)
		_, err = svc.Submit(BatchRequest{Start: "bad", End: "2024-01-01"})
		require.Error(t, err)
	})

	t.Run("未知策略名", func(t *testing.T) {
		svc, p := testService(t, nil)
		_, err := svc.Submit(BatchRequest{
			Strategies: []string{"不存在"},
			Start:      p.Calendar[0].String(),
			End:        p.Calendar[len(p.Calendar)-1].String(),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "不存在")
	})

	t.Run("任务列表按提交时间倒序", func(t *testing.T) {
		svc, p := testService(t, nil)
		start, end := p.Calendar[0].String(), p.Calendar[len(p.Calendar)-1].String()
		first, err := svc.Submit(BatchRequest{Start: start, End: end})
		require.NoError(t, err)
		second, err := svc.Submit(BatchRequest{Start: start, End: end})
		require.NoError(t, err)

		jobs := svc.Jobs()
		require.Len(t, jobs, 2)
		ids := []string{jobs[0].ID, jobs[1].ID}
		assert.Contains(t, ids, first.ID)
		assert.Contains(t, ids, second.ID)
	})
}
