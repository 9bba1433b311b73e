package backtest

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"quantback/internal/factor"
	"quantback/internal/fee"
	"quantback/internal/market"
	"quantback/internal/strategy"

	"github.com/shopspring/decimal"
)

// OrchestratorConfig 为一批策略回测的公共参数。
type OrchestratorConfig struct {
	Panel       *market.Panel
	Schedules   map[string]fee.Schedule
	InitialCash decimal.Decimal
	Start, End  market.Date

	// Workers 为并发上限，<=0 时取 min(GOMAXPROCS, 4)。
	// 每个 worker 顺序推进一条策略，压低并发以约束峰值内存。
	Workers int

	LotSize        int64
	NewListingDays int
}

func (c *OrchestratorConfig) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	n := runtime.GOMAXPROCS(0)
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Orchestrator 并发跑一批策略：共享只读面板与因子缓存，
// 每条策略独占账本与订单流水，互相之间无共享可变状态。
type Orchestrator struct {
	cfg   OrchestratorConfig
	cache *factor.Cache
}

// NewOrchestrator 创建编排器并初始化共享因子缓存。
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{cfg: cfg, cache: factor.NewCache()}
}

// RunAll 跑完全部策略后返回结果，顺序与传入策略一致。
// 单条策略失败不影响同批其他策略；ctx 取消让各策略保留已完成前缀。
func (o *Orchestrator) RunAll(ctx context.Context, strategies []*strategy.Compiled) []*Result {
	results := make([]*Result, len(strategies))
	eval := factor.NewEvaluator(o.cache)

	sem := make(chan struct{}, o.cfg.workers())
	var wg sync.WaitGroup
	for i, strat := range strategies {
		wg.Add(1)
		go func(i int, strat *strategy.Compiled) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			schedule := o.schedule(strat)
			results[i] = Run(ctx, RunnerConfig{
				Strategy:       strat,
				Panel:          o.cfg.Panel,
				Evaluator:      eval,
				Schedule:       schedule,
				InitialCash:    o.cfg.InitialCash,
				Start:          o.cfg.Start,
				End:            o.cfg.End,
				LotSize:        o.cfg.LotSize,
				NewListingDays: o.cfg.NewListingDays,
			})
		}(i, strat)
	}
	wg.Wait()
	return results
}

// RunAndSave 跑完全部策略并通过写接口落盘，存储错误汇总返回。
func (o *Orchestrator) RunAndSave(ctx context.Context, strategies []*strategy.Compiled, w ResultWriter) ([]*Result, error) {
	results := o.RunAll(ctx, strategies)
	if w == nil {
		return results, nil
	}
	g := new(errgroup.Group)
	for _, res := range results {
		res := res
		g.Go(func() error {
			if err := w.SaveResult(res); err != nil {
				return err
			}
			return w.SaveOrders(res.RunID, res.Orders)
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("回测结果落盘失败: %v", err)
		return results, err
	}
	return results, nil
}

func (o *Orchestrator) schedule(strat *strategy.Compiled) fee.Schedule {
	if s, ok := o.cfg.Schedules[strat.FeeSchedule]; ok {
		return s
	}
	if s, err := fee.BuiltinSchedule(strat.FeeSchedule); err == nil {
		return s
	}
	log.Warnf("策略 %s 费率表 %q 未找到，使用默认表", strat.Name, strat.FeeSchedule)
	return fee.ScheduleV2
}

// ConsensusEntry 为跨策略共识视图中的一行：
// 推荐买入该标的的策略数与平均排序分。
type ConsensusEntry struct {
	Symbol     string   `json:"symbol"`
	BuyCount   int      `json:"buy_count"`
	AvgScore   float64  `json:"avg_score"`
	Strategies []string `json:"strategies"`
}

// Consensus 聚合全部已完成回测的最终买入推荐。
// 输出按策略数降序、平均分降序、标的升序排列。
func Consensus(results []*Result) []ConsensusEntry {
	type agg struct {
		count int
		sum   float64
		names []string
	}
	bysym := make(map[string]*agg)
	for _, res := range results {
		if res == nil || res.Status != RunStatusDone {
			continue
		}
		for _, rec := range res.Recommendations {
			a := bysym[rec.Symbol]
			if a == nil {
				a = &agg{}
				bysym[rec.Symbol] = a
			}
			a.count++
			a.sum += rec.Score
			a.names = append(a.names, res.Strategy)
		}
	}
	out := make([]ConsensusEntry, 0, len(bysym))
	for sym, a := range bysym {
		out = append(out, ConsensusEntry{
			Symbol:     sym,
			BuyCount:   a.count,
			AvgScore:   a.sum / float64(a.count),
			Strategies: a.names,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BuyCount != out[j].BuyCount {
			return out[i].BuyCount > out[j].BuyCount
		}
		if out[i].AvgScore != out[j].AvgScore {
			return out[i].AvgScore > out[j].AvgScore
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
