package datafeed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"quantback/internal/market"
)

// Store 为 sqlite 行情库，实现 market.Source。
// 导入是幂等的：同一 (symbol, trade_date) 重复导入走 upsert。
type Store struct {
	db *gorm.DB
}

// NewStore 打开（必要时创建）行情库文件。
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("行情库路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewStoreFromDB(db)
}

// NewStoreFromDB 在已有连接上建库，测试用内存库走这里。
func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&BarModel{}, &FundamentalModel{}, &SymbolModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ImportRows 批量写入行情与随行的基本面快照。
func (s *Store) ImportRows(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	bars := make([]BarModel, 0, len(rows))
	var funds []FundamentalModel
	for _, row := range rows {
		bars = append(bars, BarModel{
			Symbol:   row.Symbol,
			Date:     row.Date.String(),
			Open:     row.Open,
			High:     row.High,
			Low:      row.Low,
			Close:    row.Close,
			Volume:   row.Volume,
			Turnover: row.TurnoverRate,
		})
		if row.PE.Valid || row.PB.Valid || row.PS.Valid || row.ROE.Valid || row.TotalMV.Valid {
			funds = append(funds, FundamentalModel{
				Symbol:  row.Symbol,
				Date:    row.Date.String(),
				PE:      optFloat(row.PE),
				PB:      optFloat(row.PB),
				PS:      optFloat(row.PS),
				ROE:     optFloat(row.ROE),
				TotalMV: optFloat(row.TotalMV),
			})
		}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "trade_date"}},
			UpdateAll: true,
		}).CreateInBatches(bars, 500).Error; err != nil {
			return fmt.Errorf("写入日线失败: %w", err)
		}
		if len(funds) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "trade_date"}},
			UpdateAll: true,
		}).CreateInBatches(funds, 500).Error; err != nil {
			return fmt.Errorf("写入基本面失败: %w", err)
		}
		return nil
	})
}

// ImportMeta 写入标的元信息。
func (s *Store) ImportMeta(ctx context.Context, metas []MetaRow) error {
	if len(metas) == 0 {
		return nil
	}
	models := make([]SymbolModel, 0, len(metas))
	for _, m := range metas {
		sm := SymbolModel{Symbol: m.Symbol, Name: m.Name, ST: m.ST}
		if m.ListDate > 0 {
			sm.ListDate = m.ListDate.String()
		}
		if len(m.Extra) > 0 {
			raw, err := json.Marshal(m.Extra)
			if err != nil {
				return fmt.Errorf("序列化 %s 附加属性失败: %w", m.Symbol, err)
			}
			sm.ExtraJSON = datatypes.JSON(raw)
		}
		models = append(models, sm)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).CreateInBatches(models, 500).Error
}

// GetPanel 从库里组装只读面板，实现 market.Source。
// 每只标的行情按日期升序返回；基本面按 (symbol, trade_date) 对齐，缺数为 None。
func (s *Store) GetPanel(ctx context.Context, symbols []string, start, end market.Date) (*market.Panel, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("标的列表为空")
	}
	var bars []BarModel
	if err := s.db.WithContext(ctx).
		Where("symbol IN ? AND trade_date >= ? AND trade_date <= ?", symbols, start.String(), end.String()).
		Order("symbol, trade_date").
		Find(&bars).Error; err != nil {
		return nil, fmt.Errorf("查询日线失败: %w", err)
	}
	var funds []FundamentalModel
	if err := s.db.WithContext(ctx).
		Where("symbol IN ? AND trade_date >= ? AND trade_date <= ?", symbols, start.String(), end.String()).
		Find(&funds).Error; err != nil {
		return nil, fmt.Errorf("查询基本面失败: %w", err)
	}
	var metas []SymbolModel
	if err := s.db.WithContext(ctx).Where("symbol IN ?", symbols).Find(&metas).Error; err != nil {
		return nil, fmt.Errorf("查询标的元信息失败: %w", err)
	}

	type fkey struct {
		symbol, date string
	}
	fundIdx := make(map[fkey]FundamentalModel, len(funds))
	for _, f := range funds {
		fundIdx[fkey{f.Symbol, f.Date}] = f
	}
	rows := make([]Row, 0, len(bars))
	for _, b := range bars {
		d, err := market.ParseDate(b.Date)
		if err != nil {
			return nil, fmt.Errorf("库中日期损坏 %s/%s: %w", b.Symbol, b.Date, err)
		}
		row := Row{
			Symbol:       b.Symbol,
			Date:         d,
			Open:         b.Open,
			High:         b.High,
			Low:          b.Low,
			Close:        b.Close,
			Volume:       b.Volume,
			TurnoverRate: b.Turnover,
		}
		if f, ok := fundIdx[fkey{b.Symbol, b.Date}]; ok {
			row.PE = valueOf(f.PE)
			row.PB = valueOf(f.PB)
			row.PS = valueOf(f.PS)
			row.ROE = valueOf(f.ROE)
			row.TotalMV = valueOf(f.TotalMV)
		}
		rows = append(rows, row)
	}

	metaRows := make([]MetaRow, 0, len(metas))
	for _, m := range metas {
		metaRows = append(metaRows, metaRowOf(m))
	}
	return BuildPanel(rows, metaRows, symbols, start, end)
}

func metaRowOf(m SymbolModel) MetaRow {
	mr := MetaRow{Symbol: m.Symbol, Name: m.Name, ST: m.ST}
	if m.ListDate != "" {
		if d, err := market.ParseDate(m.ListDate); err == nil {
			mr.ListDate = d
		}
	}
	if len(m.ExtraJSON) > 0 {
		_ = json.Unmarshal(m.ExtraJSON, &mr.Extra)
	}
	return mr
}

// ListMeta 返回库中全部标的元信息，按代码升序。
func (s *Store) ListMeta(ctx context.Context) ([]MetaRow, error) {
	var models []SymbolModel
	if err := s.db.WithContext(ctx).Order("symbol").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("查询标的元信息失败: %w", err)
	}
	out := make([]MetaRow, 0, len(models))
	for _, m := range models {
		out = append(out, metaRowOf(m))
	}
	return out, nil
}

// ImportCSVDir 导入目录下全部 *.csv 日线文件。
// 名为 meta.csv 的文件按标的元信息解析，其余按日线解析。
// 返回导入的日线行数。
func (s *Store) ImportCSVDir(ctx context.Context, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, fmt.Errorf("目录 %s 下没有 CSV 文件", dir)
	}
	sort.Strings(paths)
	total := 0
	for _, p := range paths {
		if strings.EqualFold(filepath.Base(p), "meta.csv") {
			f, err := os.Open(p)
			if err != nil {
				return total, err
			}
			metas, err := ParseMetaCSV(f)
			f.Close()
			if err != nil {
				return total, fmt.Errorf("%s: %w", p, err)
			}
			if err := s.ImportMeta(ctx, metas); err != nil {
				return total, err
			}
			continue
		}
		rows, err := LoadBarsFile(p)
		if err != nil {
			return total, err
		}
		if err := s.ImportRows(ctx, rows); err != nil {
			return total, err
		}
		total += len(rows)
	}
	return total, nil
}

// ListSymbols 返回库中已有行情的标的代码，升序。
func (s *Store) ListSymbols(ctx context.Context) ([]string, error) {
	var syms []string
	if err := s.db.WithContext(ctx).Model(&BarModel{}).
		Distinct("symbol").Pluck("symbol", &syms).Error; err != nil {
		return nil, err
	}
	sort.Strings(syms)
	return syms, nil
}

func optFloat(v market.Value) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Num
	return &f
}

func valueOf(p *float64) market.Value {
	if p == nil {
		return market.None()
	}
	return market.Some(*p)
}

var _ market.Source = (*Store)(nil)
