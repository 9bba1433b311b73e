package backtest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantback/internal/constraint"
	"quantback/internal/fee"
	"quantback/internal/market"
	"quantback/internal/rebalance"

	_ "modernc.org/sqlite"
)

// ResultStore 用 sqlite 管理 backtest_runs/backtest_orders/backtest_equity 表，
// 实现 ResultWriter。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewResultStore 在 root 目录下打开（或创建）runs.db。
func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store 目录不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

// Close 关闭底层连接。
func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			status TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			initial_cash TEXT NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			return_pct REAL NOT NULL DEFAULT 0,
			max_drawdown_pct REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			turnover_ratio REAL NOT NULL DEFAULT 0,
			orders INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			config_json TEXT NOT NULL,
			stats_json TEXT,
			recommendations_json TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			trade_date TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price TEXT NOT NULL,
			fee_total TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			band_unverifiable INTEGER NOT NULL DEFAULT 0,
			realized_pnl TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_orders_run ON backtest_orders(run_id, seq);`,
		`CREATE TABLE IF NOT EXISTS backtest_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			trade_date TEXT NOT NULL,
			equity REAL NOT NULL,
			drawdown REAL NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_equity_run ON backtest_equity(run_id, trade_date);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("建表失败: %w", err)
		}
	}
	return nil
}

// SaveResult 写入（或覆盖）一次回测的汇总与资金曲线。
func (s *ResultStore) SaveResult(res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("result store 已关闭")
	}
	configJSON, err := res.MarshalConfig()
	if err != nil {
		return err
	}
	statsJSON, err := res.MarshalStats()
	if err != nil {
		return err
	}
	recsJSON, err := json.Marshal(res.Recommendations)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO backtest_runs
		(id, strategy, status, start_date, end_date, initial_cash,
		 final_equity, return_pct, max_drawdown_pct, win_rate, turnover_ratio,
		 orders, message, config_json, stats_json, recommendations_json,
		 created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Strategy, res.Status,
		res.Config.Start, res.Config.End, res.Config.InitialCash,
		res.Stats.FinalEquity, res.Stats.ReturnPct, res.Stats.MaxDrawdownPct,
		res.Stats.WinRate, res.Stats.TurnoverRatio, res.Stats.Orders,
		res.Message, string(configJSON), string(statsJSON), string(recsJSON),
		res.CreatedAt.Unix(), res.CompletedAt.Unix())
	if err != nil {
		return fmt.Errorf("写入 run 失败: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM backtest_equity WHERE run_id = ?`, res.RunID); err != nil {
		return err
	}
	for _, pt := range res.Equity {
		if _, err := tx.Exec(`INSERT INTO backtest_equity (run_id, trade_date, equity, drawdown)
			VALUES (?, ?, ?, ?)`,
			res.RunID, pt.Date.Compact(), pt.Equity, pt.Drawdown); err != nil {
			return fmt.Errorf("写入资金曲线失败: %w", err)
		}
	}
	return tx.Commit()
}

// SaveOrders 写入订单流水。
func (s *ResultStore) SaveOrders(runID string, orders []rebalance.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("result store 已关闭")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM backtest_orders WHERE run_id = ?`, runID); err != nil {
		return err
	}
	for _, o := range orders {
		unverifiable := 0
		if o.BandUnverifiable {
			unverifiable = 1
		}
		if _, err := tx.Exec(`INSERT INTO backtest_orders
			(run_id, seq, trade_date, symbol, side, quantity, price, fee_total,
			 status, reason, band_unverifiable, realized_pnl)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, o.Seq, o.Date.Compact(), o.Symbol, o.Side.String(),
			o.Quantity, o.Price.String(), o.Fees.Total.String(),
			string(o.Status), o.Reason, unverifiable, o.RealizedPnL.String()); err != nil {
			return fmt.Errorf("写入订单失败: %w", err)
		}
	}
	return tx.Commit()
}

// RunSummary 为列表查询返回的摘要行。
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Strategy       string    `json:"strategy"`
	Status         string    `json:"status"`
	StartDate      string    `json:"start_date"`
	EndDate        string    `json:"end_date"`
	FinalEquity    float64   `json:"final_equity"`
	ReturnPct      float64   `json:"return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	WinRate        float64   `json:"win_rate"`
	Orders         int       `json:"orders"`
	Message        string    `json:"message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListRuns 按创建时间倒序返回最近 limit 条回测。
func (s *ResultStore) ListRuns(limit int) ([]RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("result store 已关闭")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, strategy, status, start_date, end_date,
		final_equity, return_pct, max_drawdown_pct, win_rate, orders,
		COALESCE(message, ''), created_at
		FROM backtest_runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var created int64
		if err := rows.Scan(&r.RunID, &r.Strategy, &r.Status, &r.StartDate, &r.EndDate,
			&r.FinalEquity, &r.ReturnPct, &r.MaxDrawdownPct, &r.WinRate,
			&r.Orders, &r.Message, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun 返回一次回测的完整记录（含资金曲线与订单）。
func (s *ResultStore) GetRun(runID string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("result store 已关闭")
	}
	row := s.db.QueryRow(`SELECT id, strategy, status, COALESCE(message, ''),
		config_json, COALESCE(stats_json, '{}'), COALESCE(recommendations_json, 'null'),
		created_at, COALESCE(completed_at, 0)
		FROM backtest_runs WHERE id = ?`, runID)
	var res Result
	var configJSON, statsJSON, recsJSON string
	var created, completed int64
	if err := row.Scan(&res.RunID, &res.Strategy, &res.Status, &res.Message,
		&configJSON, &statsJSON, &recsJSON, &created, &completed); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("回测 %s 不存在", runID)
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &res.Config); err != nil {
		return nil, fmt.Errorf("config 解析失败: %w", err)
	}
	if err := json.Unmarshal([]byte(statsJSON), &res.Stats); err != nil {
		return nil, fmt.Errorf("stats 解析失败: %w", err)
	}
	if err := json.Unmarshal([]byte(recsJSON), &res.Recommendations); err != nil {
		return nil, fmt.Errorf("recommendations 解析失败: %w", err)
	}
	res.CreatedAt = time.Unix(created, 0)
	if completed > 0 {
		res.CompletedAt = time.Unix(completed, 0)
	}

	equity, err := s.listEquityLocked(runID)
	if err != nil {
		return nil, err
	}
	res.Equity = equity
	orders, err := s.listOrdersLocked(runID)
	if err != nil {
		return nil, err
	}
	res.Orders = orders
	return &res, nil
}

// ListEquity 返回资金曲线。
func (s *ResultStore) ListEquity(runID string) ([]EquityPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("result store 已关闭")
	}
	return s.listEquityLocked(runID)
}

func (s *ResultStore) listEquityLocked(runID string) ([]EquityPoint, error) {
	rows, err := s.db.Query(`SELECT trade_date, equity, drawdown
		FROM backtest_equity WHERE run_id = ? ORDER BY trade_date`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var dateStr string
		var pt EquityPoint
		if err := rows.Scan(&dateStr, &pt.Equity, &pt.Drawdown); err != nil {
			return nil, err
		}
		d, err := market.ParseDate(dateStr)
		if err != nil {
			return nil, err
		}
		pt.Date = d
		out = append(out, pt)
	}
	return out, rows.Err()
}

// ListOrders 返回订单流水。
func (s *ResultStore) ListOrders(runID string) ([]rebalance.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("result store 已关闭")
	}
	return s.listOrdersLocked(runID)
}

func (s *ResultStore) listOrdersLocked(runID string) ([]rebalance.Order, error) {
	rows, err := s.db.Query(`SELECT seq, trade_date, symbol, side, quantity, price,
		fee_total, status, COALESCE(reason, ''), band_unverifiable, COALESCE(realized_pnl, '0')
		FROM backtest_orders WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rebalance.Order
	for rows.Next() {
		var o rebalance.Order
		var dateStr, sideStr, priceStr, feeStr, statusStr, pnlStr string
		var unverifiable int
		if err := rows.Scan(&o.Seq, &dateStr, &o.Symbol, &sideStr, &o.Quantity,
			&priceStr, &feeStr, &statusStr, &o.Reason, &unverifiable, &pnlStr); err != nil {
			return nil, err
		}
		d, err := market.ParseDate(dateStr)
		if err != nil {
			return nil, err
		}
		o.Date = d
		if sideStr == "sell" {
			o.Side = constraint.Sell
		} else {
			o.Side = constraint.Buy
		}
		if o.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, err
		}
		total, err := decimal.NewFromString(feeStr)
		if err != nil {
			return nil, err
		}
		o.Fees = fee.Breakdown{Total: total}
		if o.RealizedPnL, err = decimal.NewFromString(pnlStr); err != nil {
			return nil, err
		}
		o.Status = rebalance.OrderStatus(statusStr)
		o.BandUnverifiable = unverifiable == 1
		out = append(out, o)
	}
	return out, rows.Err()
}

// LatestPerStrategy 取每条策略最近一次完成的回测，用于共识视图。
func (s *ResultStore) LatestPerStrategy() ([]*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("result store 已关闭")
	}
	rows, err := s.db.Query(`SELECT id, strategy, status, COALESCE(recommendations_json, 'null')
		FROM backtest_runs r
		WHERE status = ? AND created_at = (
			SELECT MAX(created_at) FROM backtest_runs
			WHERE strategy = r.strategy AND status = ?
		)
		ORDER BY strategy`, RunStatusDone, RunStatusDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Result
	for rows.Next() {
		var res Result
		var recsJSON string
		if err := rows.Scan(&res.RunID, &res.Strategy, &res.Status, &recsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recsJSON), &res.Recommendations); err != nil {
			return nil, fmt.Errorf("recommendations 解析失败: %w", err)
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}
