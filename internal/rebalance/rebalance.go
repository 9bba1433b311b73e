// Package rebalance 实现单策略的调仓状态机：
// Idle → EvaluatingSells → EvaluatingBuys → Sizing → Validating →
// Settling → Idle。每个调仓日走一轮完整流程。
// 单标的的表达式错误只剔除该标的，账本不变式破坏才中止整个回测。
package rebalance

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"quantback/internal/constraint"
	"quantback/internal/factor"
	"quantback/internal/fee"
	"quantback/internal/ledger"
	"quantback/internal/logger"
	"quantback/internal/market"
	"quantback/internal/strategy"
)

var log = logger.Named("rebalance")

// State 为状态机状态，主要用于日志与测试观察。
type State int

const (
	Idle State = iota
	EvaluatingSells
	EvaluatingBuys
	Sizing
	Validating
	Settling
)

var stateNames = map[State]string{
	Idle: "idle", EvaluatingSells: "evaluating_sells",
	EvaluatingBuys: "evaluating_buys", Sizing: "sizing",
	Validating: "validating", Settling: "settling",
}

func (s State) String() string { return stateNames[s] }

// Rebalancer 持有一个策略回测的全部可变状态，单 goroutine 顺序驱动。
type Rebalancer struct {
	strat    *strategy.Compiled
	eval     *factor.Evaluator
	panel    *market.Panel
	ledger   *ledger.Ledger
	tracker  *constraint.SettlementTracker
	bands    *constraint.BandChecker
	lots     *constraint.LotRounder
	schedule fee.Schedule

	state  State
	orders []Order
	seq    int
}

// New 组装调仓器。
func New(
	strat *strategy.Compiled,
	eval *factor.Evaluator,
	panel *market.Panel,
	book *ledger.Ledger,
	schedule fee.Schedule,
	bands *constraint.BandChecker,
	lots *constraint.LotRounder,
) *Rebalancer {
	return &Rebalancer{
		strat:    strat,
		eval:     eval,
		panel:    panel,
		ledger:   book,
		tracker:  constraint.NewSettlementTracker(),
		bands:    bands,
		lots:     lots,
		schedule: schedule,
	}
}

// State 返回当前状态。
func (r *Rebalancer) State() State { return r.state }

// Orders 返回订单审计流水。
func (r *Rebalancer) Orders() []Order { return r.orders }

// Ledger 返回账本。
func (r *Rebalancer) Ledger() *ledger.Ledger { return r.ledger }

// intent 为结算前的一笔意向订单。
type intent struct {
	symbol   string
	side     constraint.Side
	quantity int64
	price    decimal.Decimal
	idx      int // 当日交易日下标
}

// Step 在调仓日 d 执行一轮完整状态机。
// 返回非空错误仅当账本损坏，其余问题记日志后继续。
func (r *Rebalancer) Step(d market.Date) error {
	r.state = EvaluatingSells
	sells := r.evaluateSells(d)

	r.state = EvaluatingBuys
	candidates := r.evaluateBuys(d, sells)

	r.state = Sizing
	intents := r.size(d, sells, candidates)

	r.state = Validating
	validated := r.validate(d, intents)

	r.state = Settling
	err := r.settle(d, validated)

	r.state = Idle
	return err
}

// evaluateSells 返回本日要清仓的标的集合。
// 卖出条件为 OR 语义：命中条数达到 sell_at_least_count 即触发。
// T+1 不满足的推迟到下个调仓日重评，不算错误。
func (r *Rebalancer) evaluateSells(d market.Date) map[string]bool {
	sells := make(map[string]bool)
	if len(r.strat.Sells) == 0 {
		return sells
	}
	for _, sym := range r.strat.Universe {
		pos := r.ledger.Position(sym)
		if pos == nil {
			continue
		}
		s := r.panel.Series(sym)
		if s == nil {
			continue
		}
		idx, trading := s.IndexOf(d)
		if !trading {
			continue // 停牌，卖不了
		}
		hits := 0
		for _, cond := range r.strat.Sells {
			ok, err := r.eval.BoolAt(cond, s, idx)
			if err != nil {
				if errors.Is(err, factor.ErrInsufficientHistory) {
					log.Debugf("策略 %s 卖出评估 %s@%s: %v", r.strat.Name, sym, d, err)
				} else {
					log.Warnf("策略 %s 卖出评估 %s@%s: %v", r.strat.Name, sym, d, err)
				}
				continue
			}
			if ok {
				hits++
			}
		}
		if hits < r.strat.SellAtLeastCount {
			continue
		}
		if !r.tracker.CanSell(sym, d) {
			log.Debugf("策略 %s: %s 受 T+1 限制，卖出推迟", r.strat.Name, sym)
			continue
		}
		sells[sym] = true
	}
	return sells
}

// evaluateBuys 评估未持有标的的买入条件并按排序表达式选出目标集合。
// 排序打平时保持标的池原始顺序，保证结果可复现。
func (r *Rebalancer) evaluateBuys(d market.Date, sells map[string]bool) []string {
	var eligible []string
	for _, sym := range r.strat.Universe {
		if sells[sym] {
			continue
		}
		if r.ledger.Position(sym) != nil {
			continue // 已持有，留在目标集里由 size 补齐
		}
		s := r.panel.Series(sym)
		if s == nil {
			continue
		}
		idx, trading := s.IndexOf(d)
		if !trading {
			continue
		}
		hits := 0
		for _, cond := range r.strat.Buys {
			ok, err := r.eval.BoolAt(cond, s, idx)
			if err != nil {
				if errors.Is(err, factor.ErrInsufficientHistory) {
					log.Debugf("策略 %s 买入评估 %s@%s: %v", r.strat.Name, sym, d, err)
				} else {
					log.Warnf("策略 %s 买入评估 %s@%s: %v", r.strat.Name, sym, d, err)
				}
				continue
			}
			if ok {
				hits++
			}
		}
		if hits >= r.strat.BuyAtLeastCount {
			eligible = append(eligible, sym)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	scores, err := r.eval.CrossSection(r.strat.Rank, r.panel, d)
	if err != nil {
		log.Warnf("策略 %s 排序表达式 %s@%s 求值失败: %v", r.strat.Name, r.strat.RankExpr, d, err)
		return nil
	}
	var ranked []string
	for _, sym := range eligible {
		if v, ok := scores[sym]; ok && v.Valid {
			ranked = append(ranked, sym)
		}
		// 排序分缺数的标的保守剔除
	}
	desc := r.strat.RankOrder != strategy.OrderAsc
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := scores[ranked[i]].Num, scores[ranked[j]].Num
		if desc {
			return a > b
		}
		return a < b
	})

	if r.strat.DropN > 0 {
		if r.strat.DropN >= len(ranked) {
			return nil
		}
		ranked = ranked[r.strat.DropN:]
	}
	held := r.ledger.HoldingCount() - len(sells)
	slots := r.strat.TopK - held
	if slots <= 0 {
		return nil
	}
	if len(ranked) > slots {
		ranked = ranked[:slots]
	}
	return ranked
}

// size 计算目标组合与当前持仓的差额，生成意向订单。
// 目标组合 = 留存持仓 + 新选标的，等权分配可投资金。
func (r *Rebalancer) size(d market.Date, sells map[string]bool, candidates []string) []intent {
	var intents []intent

	// 清仓单在前，释放资金
	for _, sym := range r.strat.Universe {
		if !sells[sym] {
			continue
		}
		pos := r.ledger.Position(sym)
		s := r.panel.Series(sym)
		idx, _ := s.IndexOf(d)
		intents = append(intents, intent{
			symbol:   sym,
			side:     constraint.Sell,
			quantity: pos.Quantity,
			price:    decimal.NewFromFloat(s.Close[idx]),
			idx:      idx,
		})
	}

	// 目标集合：留存持仓 + 新选标的，按标的池顺序保证确定性
	targets := make(map[string]bool, len(candidates))
	for _, sym := range candidates {
		targets[sym] = true
	}
	var targetList []string
	for _, sym := range r.strat.Universe {
		if sells[sym] {
			continue
		}
		if r.ledger.Position(sym) != nil || targets[sym] {
			targetList = append(targetList, sym)
		}
	}
	if len(targetList) == 0 {
		return intents
	}

	equity := r.ledger.Equity(r.marks(d))
	reserve := decimal.NewFromFloat(1 - r.strat.CashReserve)
	perSlot := equity.Mul(reserve).Div(decimal.NewFromInt(int64(r.strat.TopK)))

	for _, sym := range targetList {
		s := r.panel.Series(sym)
		if s == nil {
			continue
		}
		idx, trading := s.IndexOf(d)
		if !trading {
			continue // 停牌标的留仓不动
		}
		price := decimal.NewFromFloat(s.Close[idx])
		current := decimal.Zero
		if pos := r.ledger.Position(sym); pos != nil {
			current = pos.MarketValue(price)
		}
		diff := perSlot.Sub(current)
		if diff.IsPositive() {
			qty, ok := r.lots.SizeForValue(diff, price)
			if !ok {
				continue // 差额不足一手，不生成零股单
			}
			intents = append(intents, intent{symbol: sym, side: constraint.Buy, quantity: qty, price: price, idx: idx})
			continue
		}
		// 超配回调：卖出部分仓位，受 T+1 与整手约束
		trim := r.lots.RoundToLot(diff.Neg().Div(price).InexactFloat64())
		if trim <= 0 {
			continue
		}
		if !r.tracker.CanSell(sym, d) {
			log.Debugf("策略 %s: %s 回调受 T+1 限制，推迟", r.strat.Name, sym)
			continue
		}
		if pos := r.ledger.Position(sym); pos != nil && trim > pos.Quantity {
			trim = pos.Quantity
		}
		intents = append(intents, intent{symbol: sym, side: constraint.Sell, quantity: trim, price: price, idx: idx})
	}
	return intents
}

// marks 取估值价格表：当日有成交用当日收盘，停牌用停牌前最后收盘。
func (r *Rebalancer) marks(d market.Date) map[string]decimal.Decimal {
	marks := make(map[string]decimal.Decimal)
	for _, pos := range r.ledger.Holdings() {
		s := r.panel.Series(pos.Symbol)
		if s == nil {
			continue
		}
		if idx, ok := s.IndexOf(d); ok {
			marks[pos.Symbol] = decimal.NewFromFloat(s.Close[idx])
			continue
		}
		if idx, ok := s.LastIndexBefore(d); ok {
			marks[pos.Symbol] = decimal.NewFromFloat(s.Close[idx])
		}
	}
	return marks
}

// validated 为通过校验的意向与其审计标记。
type validated struct {
	intent
	bandUnverifiable bool
}

// validate 逐笔做涨跌停校验，违规的记为拒绝订单。
func (r *Rebalancer) validate(d market.Date, intents []intent) []validated {
	var out []validated
	for _, it := range intents {
		s := r.panel.Series(it.symbol)
		band := r.bands.Classify(s.Meta, d)
		res := r.bands.Check(it.side, it.price, s.PriorClose(it.idx), band)
		if res.Blocked {
			reason := ReasonLimitUp
			if it.side == constraint.Sell {
				reason = ReasonLimitDown
			}
			r.appendOrder(Order{
				Date: d, Symbol: it.symbol, Side: it.side,
				Quantity: it.quantity, Price: it.price,
				Status: OrderRejected, Reason: reason,
			})
			log.Infof("策略 %s: %s %s x%d @%s 触及涨跌停，拒单",
				r.strat.Name, it.side, it.symbol, it.quantity, it.price)
			continue
		}
		out = append(out, validated{intent: it, bandUnverifiable: res.Unverifiable})
	}
	return out
}

// settle 结算成交：算费、更新账本与 T+1 记录、落订单流水。
func (r *Rebalancer) settle(d market.Date, fills []validated) error {
	for _, f := range fills {
		if f.side == constraint.Buy {
			// 买入数量按剩余现金缩量，确保费后不透支
			f.quantity = r.affordable(f.quantity, f.price)
			if f.quantity <= 0 {
				log.Debugf("策略 %s: 现金不足，放弃买入 %s@%s", r.strat.Name, f.symbol, d)
				continue
			}
		}
		breakdown := fee.Calculate(f.side, f.quantity, f.price, r.schedule)
		var realized decimal.Decimal
		var err error
		if f.side == constraint.Buy {
			err = r.ledger.ApplyBuy(f.symbol, f.quantity, f.price, breakdown.Total, d)
			if err == nil {
				r.tracker.RecordBuy(f.symbol, d)
			}
		} else {
			if pos := r.ledger.Position(f.symbol); pos != nil {
				realized = f.price.Sub(pos.AvgCost).
					Mul(decimal.NewFromInt(f.quantity)).Sub(breakdown.Total)
			}
			err = r.ledger.ApplySell(f.symbol, f.quantity, f.price, breakdown.Total)
			if err == nil && r.ledger.Position(f.symbol) == nil {
				r.tracker.RemovePosition(f.symbol)
			}
		}
		if err != nil {
			if errors.Is(err, ledger.ErrCorruption) {
				return fmt.Errorf("策略 %s 在 %s 结算 %s: %w", r.strat.Name, d, f.symbol, err)
			}
			log.Warnf("策略 %s 结算 %s@%s 失败: %v", r.strat.Name, f.symbol, d, err)
			continue
		}
		r.appendOrder(Order{
			Date: d, Symbol: f.symbol, Side: f.side,
			Quantity: f.quantity, Price: f.price, Fees: breakdown,
			Status: OrderFilled, BandUnverifiable: f.bandUnverifiable,
			RealizedPnL: realized,
		})
	}
	return nil
}

// affordable 把买入数量压到现金够付的整手数。
func (r *Rebalancer) affordable(qty int64, price decimal.Decimal) int64 {
	cash := r.ledger.Cash()
	for qty > 0 {
		cost := price.Mul(decimal.NewFromInt(qty)).
			Add(fee.Calculate(constraint.Buy, qty, price, r.schedule).Total)
		if cost.LessThanOrEqual(cash) {
			return qty
		}
		qty -= r.lots.LotSize
	}
	return 0
}

func (r *Rebalancer) appendOrder(o Order) {
	r.seq++
	o.Seq = r.seq
	r.orders = append(r.orders, o)
}

// Recommendation 为策略在某日推荐买入的标的与排序分。
type Recommendation struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

// RecommendBuys 返回 d 日满足买入条件并通过排序窗口的推荐列表。
// 与 Step 的买入评估不同，这里不扣除持仓占用的名额，
// 持有中的标的同样视为在推荐，供跨策略共识聚合使用。
func (r *Rebalancer) RecommendBuys(d market.Date) []Recommendation {
	var eligible []string
	for _, sym := range r.strat.Universe {
		s := r.panel.Series(sym)
		if s == nil {
			continue
		}
		idx, trading := s.IndexOf(d)
		if !trading {
			continue
		}
		hits := 0
		for _, cond := range r.strat.Buys {
			if ok, err := r.eval.BoolAt(cond, s, idx); err == nil && ok {
				hits++
			}
		}
		if hits >= r.strat.BuyAtLeastCount {
			eligible = append(eligible, sym)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	scores, err := r.eval.CrossSection(r.strat.Rank, r.panel, d)
	if err != nil {
		log.Warnf("策略 %s 推荐排序 %s@%s 求值失败: %v", r.strat.Name, r.strat.RankExpr, d, err)
		return nil
	}
	var ranked []string
	for _, sym := range eligible {
		if v, ok := scores[sym]; ok && v.Valid {
			ranked = append(ranked, sym)
		}
	}
	desc := r.strat.RankOrder != strategy.OrderAsc
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := scores[ranked[i]].Num, scores[ranked[j]].Num
		if desc {
			return a > b
		}
		return a < b
	})
	if r.strat.DropN > 0 {
		if r.strat.DropN >= len(ranked) {
			return nil
		}
		ranked = ranked[r.strat.DropN:]
	}
	if len(ranked) > r.strat.TopK {
		ranked = ranked[:r.strat.TopK]
	}
	out := make([]Recommendation, 0, len(ranked))
	for _, sym := range ranked {
		out = append(out, Recommendation{Symbol: sym, Score: scores[sym].Num})
	}
	return out
}

// Equity 返回 d 日收盘后的总权益。
func (r *Rebalancer) Equity(d market.Date) decimal.Decimal {
	return r.ledger.Equity(r.marks(d))
}
