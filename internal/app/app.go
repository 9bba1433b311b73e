// Package app 负责应用级编排：加载数据→编译策略→跑批量回测，
// 可选启动 HTTP 服务对外受理任务。
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"quantback/internal/backtest"
	qbcfg "quantback/internal/config"
	"quantback/internal/datafeed"
	"quantback/internal/factor"
	"quantback/internal/fee"
	"quantback/internal/logger"
	"quantback/internal/market"
	"quantback/internal/report"
	"quantback/internal/strategy"
	httpapi "quantback/internal/transport/http"
)

// App 持有全部已初始化的依赖，Close 逆序释放。
type App struct {
	cfg     *qbcfg.Config
	bars    *datafeed.Store
	results *backtest.ResultStore
	watcher *strategy.Watcher
	svc     *backtest.Service
	server  *httpapi.Server
	panel   *market.Panel
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(ctx context.Context, cfg *qbcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	a := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	bars, err := datafeed.NewStore(cfg.Data.BarDB)
	if err != nil {
		return nil, fmt.Errorf("打开行情库失败: %w", err)
	}
	a.bars = bars
	if cfg.Data.CSVDir != "" {
		n, err := bars.ImportCSVDir(ctx, cfg.Data.CSVDir)
		if err != nil {
			return nil, fmt.Errorf("导入 CSV 失败: %w", err)
		}
		logger.Infof("已从 %s 导入 %d 条日线", cfg.Data.CSVDir, n)
	}

	results, err := backtest.NewResultStore(cfg.Data.ResultDir)
	if err != nil {
		return nil, fmt.Errorf("打开结果库失败: %w", err)
	}
	a.results = results

	newWatcher := strategy.NewStaticWatcher
	if cfg.Strategy.Watch {
		newWatcher = strategy.NewWatcher
	}
	watcher, err := newWatcher(cfg.Strategy.Dir, factor.DefaultRegistry())
	if err != nil {
		return nil, fmt.Errorf("加载策略目录失败: %w", err)
	}
	a.watcher = watcher
	snap := watcher.Snapshot()
	logger.Infof("已加载 %d 条策略", len(snap.Strategies))

	schedules, err := loadSchedules(cfg.Strategy.FeeSchedules)
	if err != nil {
		return nil, err
	}

	start, end := cfg.Backtest.Range()
	panel, err := loadPanel(ctx, bars, cfg.Backtest.Universe, start, end, maxLookback(snap.Strategies))
	if err != nil {
		return nil, fmt.Errorf("组装数据面板失败: %w", err)
	}
	a.panel = panel

	svc, err := backtest.NewService(backtest.OrchestratorConfig{
		Panel:          panel,
		Schedules:      schedules,
		InitialCash:    decimal.NewFromFloat(cfg.Backtest.InitialCash),
		Start:          start,
		End:            end,
		Workers:        cfg.Backtest.Workers,
		LotSize:        cfg.Backtest.LotSize,
		NewListingDays: cfg.Backtest.NewListingDays,
	}, results, watcher.Snapshot)
	if err != nil {
		return nil, err
	}
	a.svc = svc

	if cfg.Server.Enabled {
		server, err := httpapi.NewServer(httpapi.Config{
			Addr:    cfg.Server.Addr,
			Svc:     svc,
			Results: results,
			Bars:    bars,
		})
		if err != nil {
			return nil, err
		}
		a.server = server
	}

	ok = true
	return a, nil
}

// Run 跑一次全量回测并输出报告；启用 HTTP 服务时随后常驻。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	a.svc.SetContext(ctx)

	group, ctx := errgroup.WithContext(ctx)
	if a.server != nil {
		group.Go(func() error { return a.server.Start(ctx) })
	}
	group.Go(func() error {
		if err := a.runOnce(ctx); err != nil {
			return err
		}
		if a.server == nil {
			return nil
		}
		<-ctx.Done()
		return nil
	})
	err := group.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *App) runOnce(ctx context.Context) error {
	snap := a.watcher.Snapshot()
	if len(snap.Strategies) == 0 {
		return fmt.Errorf("没有可回测的策略")
	}
	job, err := a.svc.Submit(backtest.BatchRequest{
		Start: a.cfg.Backtest.Start,
		End:   a.cfg.Backtest.End,
	})
	if err != nil {
		return err
	}
	final, err := a.waitJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if final.Status == backtest.JobStatusFailed {
		return fmt.Errorf("批量回测失败: %s", final.Message)
	}

	latest, err := a.results.LatestPerStrategy()
	if err != nil {
		return err
	}
	logger.Infof("%s", report.ConsensusText(backtest.Consensus(latest)))

	if a.cfg.Backtest.ReportPath == "" {
		return nil
	}
	full := make([]*backtest.Result, 0, len(latest))
	for _, res := range latest {
		r, err := a.results.GetRun(res.RunID)
		if err != nil {
			continue
		}
		full = append(full, r)
	}
	if len(full) == 0 {
		logger.Warnf("没有已完成的回测，跳过报告生成")
		return nil
	}
	if err := report.RenderFile(a.cfg.Backtest.ReportPath, full); err != nil {
		return fmt.Errorf("生成报告失败: %w", err)
	}
	logger.Infof("报告已写入 %s", a.cfg.Backtest.ReportPath)
	return nil
}

func (a *App) waitJob(ctx context.Context, id string) (backtest.BatchJob, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return backtest.BatchJob{}, ctx.Err()
		case <-ticker.C:
			job, ok := a.svc.Job(id)
			if !ok {
				return backtest.BatchJob{}, fmt.Errorf("任务 %s 丢失", id)
			}
			if job.Status == backtest.JobStatusDone || job.Status == backtest.JobStatusFailed {
				return job, nil
			}
		}
	}
}

// Close 释放全部资源，可重复调用。
func (a *App) Close() {
	if a.watcher != nil {
		_ = a.watcher.Close()
		a.watcher = nil
	}
	if a.results != nil {
		_ = a.results.Close()
		a.results = nil
	}
	if a.bars != nil {
		_ = a.bars.Close()
		a.bars = nil
	}
}

func loadSchedules(path string) (map[string]fee.Schedule, error) {
	if path == "" {
		return nil, nil
	}
	schedules, err := fee.LoadSchedules(path)
	if err != nil {
		return nil, fmt.Errorf("加载费率表失败: %w", err)
	}
	logger.Infof("已加载 %d 张自定义费率表", len(schedules))
	return schedules, nil
}

// loadPanel 把取数区间向前扩展，让区间首日也有足够历史算因子。
// 回望窗口按交易日计，日历天数取两倍余量覆盖节假日。
func loadPanel(ctx context.Context, src market.Source, universe []string, start, end market.Date, lookback int) (*market.Panel, error) {
	fetchStart := start
	if lookback > 0 {
		t := start.Time().AddDate(0, 0, -lookback*2-14)
		fetchStart = market.FromTime(t)
	}
	return src.GetPanel(ctx, universe, fetchStart, end)
}

func maxLookback(strategies []*strategy.Compiled) int {
	max := 0
	for _, st := range strategies {
		if lb := st.MaxLookback(); lb > max {
			max = lb
		}
	}
	return max
}
