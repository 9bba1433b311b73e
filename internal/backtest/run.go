// Package backtest 驱动多策略回测：单策略按日期顺序推进调仓状态机，
// 多策略在有界 worker 池内并发，共享只读数据面板与因子缓存。
package backtest

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"quantback/internal/market"
	"quantback/internal/rebalance"
)

// 回测任务状态。
const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusPartial = "partial" // 被取消，保留已完成前缀
	RunStatusFailed  = "failed"
)

// RunConfig 记录一次回测的参数快照，便于重放。
type RunConfig struct {
	Strategy    string   `json:"strategy"`
	Universe    []string `json:"universe"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Period      string   `json:"period"`
	InitialCash string   `json:"initial_cash"`
	FeeSchedule string   `json:"fee_schedule"`
	TopK        int      `json:"top_k"`
}

// RunStats 汇总一次回测的收益与风控指标。
type RunStats struct {
	FinalEquity    float64   `json:"final_equity"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	AnnualizedPct  float64   `json:"annualized_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	TurnoverRatio  float64   `json:"turnover_ratio"`
	WinRate        float64   `json:"win_rate"`
	Orders         int       `json:"orders"`
	Fills          int       `json:"fills"`
	Rejected       int       `json:"rejected"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	RebalanceDates int       `json:"rebalance_dates"`
	FinishedAt     time.Time `json:"finished_at"`
}

// EquityPoint 为资金曲线上的一个点。
type EquityPoint struct {
	Date     market.Date `json:"date"`
	Equity   float64     `json:"equity"`
	Drawdown float64     `json:"drawdown"`
}

// Result 为一条策略的完整回测结果。
// 失败或被取消的回测保留已完成前缀，Message 带原因。
type Result struct {
	RunID    string `json:"run_id"`
	Strategy string `json:"strategy"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`

	Config RunConfig         `json:"config"`
	Stats  RunStats          `json:"stats"`
	Equity []EquityPoint     `json:"equity"`
	Orders []rebalance.Order `json:"orders"`

	// Recommendations 为最后一个完成调仓日的买入推荐，供共识聚合。
	Recommendations []rebalance.Recommendation `json:"recommendations,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// MarshalConfig 返回参数快照 JSON。
func (r *Result) MarshalConfig() ([]byte, error) { return json.Marshal(r.Config) }

// MarshalStats 返回指标 JSON。
func (r *Result) MarshalStats() ([]byte, error) { return json.Marshal(r.Stats) }

// ResultWriter 为核心向外输出结果的写接口，存储方自行选型。
type ResultWriter interface {
	SaveResult(res *Result) error
	SaveOrders(runID string, orders []rebalance.Order) error
}

func decimalFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
