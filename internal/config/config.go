// Package config 加载并校验 YAML 配置文件。
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"quantback/internal/market"
	"quantback/internal/pkg/symbol"
)

// Config 为进程级配置，各段见 configs/config.yaml 示例。
type Config struct {
	App      AppConfig      `yaml:"app"`
	Data     DataConfig     `yaml:"data"`
	Strategy StrategyConfig `yaml:"strategy"`
	Backtest BacktestConfig `yaml:"backtest"`
	Server   ServerConfig   `yaml:"server"`
}

type AppConfig struct {
	LogLevel string `yaml:"log_level"`
}

type DataConfig struct {
	// BarDB 为 sqlite 行情库路径；CSVDir 非空时启动先做一次导入。
	BarDB     string `yaml:"bar_db"`
	CSVDir    string `yaml:"csv_dir"`
	ResultDir string `yaml:"result_dir"`
}

type StrategyConfig struct {
	Dir          string `yaml:"dir"`
	Watch        bool   `yaml:"watch"`
	FeeSchedules string `yaml:"fee_schedules"` // 自定义费率表 YAML，可空
}

type BacktestConfig struct {
	Universe       []string `yaml:"universe"`
	Start          string   `yaml:"start"`
	End            string   `yaml:"end"`
	InitialCash    float64  `yaml:"initial_cash"`
	Workers        int      `yaml:"workers"`
	LotSize        int64    `yaml:"lot_size"`
	NewListingDays int      `yaml:"new_listing_days"`
	ReportPath     string   `yaml:"report_path"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load 读取配置文件，填默认值并做基础校验。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("配置文件路径不能为空")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	applyDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败 (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("data.bar_db", "data/bars.db")
	v.SetDefault("data.result_dir", "data/results")
	v.SetDefault("strategy.dir", "configs/strategies")
	v.SetDefault("strategy.watch", true)
	v.SetDefault("backtest.initial_cash", 1000000)
	v.SetDefault("backtest.lot_size", 100)
	v.SetDefault("backtest.new_listing_days", 5)
	v.SetDefault("backtest.report_path", "data/report.html")
	v.SetDefault("server.addr", ":9980")
}

func (c *Config) validate() error {
	if len(c.Backtest.Universe) == 0 {
		return fmt.Errorf("backtest.universe 至少需要一个标的")
	}
	seen := make(map[string]bool, len(c.Backtest.Universe))
	for i, raw := range c.Backtest.Universe {
		sym, err := symbol.Normalize(raw)
		if err != nil {
			return fmt.Errorf("backtest.universe: %w", err)
		}
		if seen[sym] {
			return fmt.Errorf("backtest.universe 标的重复: %s", sym)
		}
		seen[sym] = true
		c.Backtest.Universe[i] = sym
	}
	start, err := market.ParseDate(c.Backtest.Start)
	if err != nil {
		return fmt.Errorf("backtest.start: %w", err)
	}
	end, err := market.ParseDate(c.Backtest.End)
	if err != nil {
		return fmt.Errorf("backtest.end: %w", err)
	}
	if end < start {
		return fmt.Errorf("backtest.end %s 早于 start %s", c.Backtest.End, c.Backtest.Start)
	}
	if c.Backtest.InitialCash <= 0 {
		return fmt.Errorf("backtest.initial_cash 必须为正数")
	}
	if c.Backtest.LotSize <= 0 {
		return fmt.Errorf("backtest.lot_size 必须为正数")
	}
	if c.Backtest.NewListingDays < 0 {
		return fmt.Errorf("backtest.new_listing_days 不能为负")
	}
	if c.Backtest.Workers < 0 {
		return fmt.Errorf("backtest.workers 不能为负")
	}
	return nil
}

// Range 返回解析后的回测区间。Load 已校验过格式。
func (b *BacktestConfig) Range() (market.Date, market.Date) {
	start, _ := market.ParseDate(b.Start)
	end, _ := market.ParseDate(b.End)
	return start, end
}
