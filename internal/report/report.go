// Package report 把回测结果渲染为自包含的 HTML 报告：
// 每条策略一组净值与回撤图，页首是跨策略共识榜。
package report

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"quantback/internal/backtest"
)

const (
	colorEquity   = "#3b82f6"
	colorDrawdown = "#f87171"
	colorText     = "#374151"

	chartWidthPx     = 1200
	equityHeightPx   = 420
	drawdownHeightPx = 220
)

// Render 渲染全部结果到 w。结果为空时返回错误。
func Render(w io.Writer, results []*backtest.Result) error {
	page, err := buildPage(results)
	if err != nil {
		return err
	}
	return page.Render(w)
}

// RenderFile 渲染到文件，父目录不存在时创建。
func RenderFile(path string, results []*backtest.Result) error {
	var buf bytes.Buffer
	if err := Render(&buf, results); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func buildPage(results []*backtest.Result) (*components.Page, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = "回测报告"

	for _, res := range results {
		if res == nil || len(res.Equity) == 0 {
			continue
		}
		xAxis := make([]string, len(res.Equity))
		equity := make([]opts.LineData, len(res.Equity))
		drawdown := make([]opts.LineData, len(res.Equity))
		for i, p := range res.Equity {
			xAxis[i] = p.Date.String()
			equity[i] = opts.LineData{Value: round2(p.Equity)}
			drawdown[i] = opts.LineData{Value: round2(-p.Drawdown * 100)}
		}
		page.AddCharts(
			buildEquityChart(res, xAxis, equity),
			buildDrawdownChart(res, xAxis, drawdown),
		)
	}
	if len(page.Charts) == 0 {
		return nil, fmt.Errorf("没有可渲染的回测结果")
	}
	return page, nil
}

func buildEquityChart(res *backtest.Result, xAxis []string, data []opts.LineData) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  fmt.Sprintf("%dpx", chartWidthPx),
			Height: fmt.Sprintf("%dpx", equityHeightPx),
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s 净值", res.Strategy),
			Subtitle: fmt.Sprintf("收益 %.2f%% | 年化 %.2f%% | 最大回撤 %.2f%% | 胜率 %.0f%% | 订单 %d 笔 (%s)",
				res.Stats.ReturnPct, res.Stats.AnnualizedPct, res.Stats.MaxDrawdownPct,
				res.Stats.WinRate*100, res.Stats.Orders, res.Status),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorText, FontSize: 16},
			SubtitleStyle: &opts.TextStyle{Color: colorText},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("equity", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

func buildDrawdownChart(res *backtest.Result, xAxis []string, data []opts.LineData) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  fmt.Sprintf("%dpx", chartWidthPx),
			Height: fmt.Sprintf("%dpx", drawdownHeightPx),
		}),
		charts.WithTitleOpts(opts.Title{
			Title:      fmt.Sprintf("%s 回撤 (%%)", res.Strategy),
			Left:       "left",
			TitleStyle: &opts.TextStyle{Color: colorText, FontSize: 14},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("drawdown", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.25)}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

// ConsensusText 生成共识榜的纯文本摘要，CLI 输出用。
func ConsensusText(entries []backtest.ConsensusEntry) string {
	if len(entries) == 0 {
		return "无共识买入推荐"
	}
	var b strings.Builder
	b.WriteString("共识买入推荐:\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%2d. %-12s 策略数 %d  平均分 %.4f  [%s]\n",
			i+1, e.Symbol, e.BuyCount, e.AvgScore, strings.Join(e.Strategies, ", "))
	}
	return b.String()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
