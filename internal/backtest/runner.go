package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantback/internal/constraint"
	"quantback/internal/factor"
	"quantback/internal/fee"
	"quantback/internal/ledger"
	"quantback/internal/logger"
	"quantback/internal/market"
	"quantback/internal/rebalance"
	"quantback/internal/strategy"
)

var log = logger.Named("backtest")

// RunnerConfig 为单策略回测的全部输入。
type RunnerConfig struct {
	Strategy    *strategy.Compiled
	Panel       *market.Panel
	Evaluator   *factor.Evaluator
	Schedule    fee.Schedule
	InitialCash decimal.Decimal
	Start, End  market.Date

	LotSize        int64
	NewListingDays int
}

// Run 顺序推进一个策略的回测。日期之间检查取消信号，
// 取消后保留已完成前缀并标记 partial；账本损坏标记 failed。
func Run(ctx context.Context, cfg RunnerConfig) *Result {
	res := &Result{
		RunID:     uuid.NewString(),
		Strategy:  cfg.Strategy.Name,
		Status:    RunStatusRunning,
		CreatedAt: time.Now(),
		Config: RunConfig{
			Strategy:    cfg.Strategy.Name,
			Universe:    cfg.Strategy.Universe,
			Start:       cfg.Start.String(),
			End:         cfg.End.String(),
			Period:      cfg.Strategy.Period,
			InitialCash: cfg.InitialCash.String(),
			FeeSchedule: cfg.Schedule.Name,
			TopK:        cfg.Strategy.TopK,
		},
	}

	book, err := ledger.New(cfg.InitialCash)
	if err != nil {
		res.Status = RunStatusFailed
		res.Message = err.Error()
		res.CompletedAt = time.Now()
		return res
	}
	reb := rebalance.New(
		cfg.Strategy, cfg.Evaluator, cfg.Panel, book, cfg.Schedule,
		constraint.NewBandChecker(cfg.NewListingDays),
		constraint.NewLotRounder(cfg.LotSize),
	)

	dates := RebalanceDates(cfg.Panel.TradingDates(cfg.Start, cfg.End), cfg.Strategy.Period)
	if len(dates) == 0 {
		res.Status = RunStatusFailed
		res.Message = fmt.Sprintf("区间 [%s, %s] 内没有交易日", cfg.Start, cfg.End)
		res.CompletedAt = time.Now()
		return res
	}

	var lastDone market.Date
	status := RunStatusDone
	for _, d := range dates {
		select {
		case <-ctx.Done():
			status = RunStatusPartial
			res.Message = fmt.Sprintf("在 %s 前被取消: %v", d, ctx.Err())
			log.Infof("策略 %s 回测被取消，保留至 %s 的结果", cfg.Strategy.Name, lastDone)
		default:
		}
		if status == RunStatusPartial {
			break
		}
		if err := reb.Step(d); err != nil {
			status = RunStatusFailed
			res.Message = err.Error()
			log.Errorf("策略 %s 回测失败: %v", cfg.Strategy.Name, err)
			break
		}
		lastDone = d
		res.Equity = append(res.Equity, EquityPoint{
			Date:   d,
			Equity: decimalFloat(reb.Equity(d)),
		})
	}

	res.Orders = reb.Orders()
	res.Stats = computeStats(cfg.InitialCash, res.Equity, res.Orders)
	if status == RunStatusDone && lastDone > 0 {
		res.Recommendations = reb.RecommendBuys(lastDone)
	}
	res.Status = status
	res.CompletedAt = time.Now()
	log.Infof("策略 %s 回测 %s: 收益 %.2f%%, 最大回撤 %.2f%%, 订单 %d 笔",
		cfg.Strategy.Name, status, res.Stats.ReturnPct, res.Stats.MaxDrawdownPct, len(res.Orders))
	return res
}
