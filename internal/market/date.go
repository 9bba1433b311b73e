package market

import (
	"fmt"
	"strings"
	"time"
)

// Date 表示一个交易日，编码为 YYYYMMDD 整数，天然可比较、可排序。
type Date int

// ParseDate 接受 "20240131" 或 "2024-01-31" 两种写法。
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "-", ""))
	if len(s) != 8 {
		return 0, fmt.Errorf("日期格式无效: %q", s)
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return 0, fmt.Errorf("日期格式无效: %q: %w", s, err)
	}
	return FromTime(t), nil
}

// MustDate 仅供测试与常量场景使用。
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func FromTime(t time.Time) Date {
	return Date(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

func (d Date) Time() time.Time {
	y := int(d) / 10000
	m := time.Month(int(d) / 100 % 100)
	day := int(d) % 100
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", int(d)/10000, int(d)/100%100, int(d)%100)
}

func (d Date) Compact() string {
	return fmt.Sprintf("%08d", int(d))
}

// ISOWeek 用于周频调仓的分组键。
func (d Date) ISOWeek() (year, week int) {
	return d.Time().ISOWeek()
}

// MonthKey 用于月频调仓的分组键。
func (d Date) MonthKey() int {
	return int(d) / 100
}
