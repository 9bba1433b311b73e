package fee

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// scheduleYAML 为 YAML 文件里的一条费率记录，数值先读为浮点再转定点。
type scheduleYAML struct {
	Name          string  `yaml:"name"`
	BrokerageRate float64 `yaml:"brokerage_rate"`
	MinBrokerage  float64 `yaml:"min_brokerage"`
	StampTaxRate  float64 `yaml:"stamp_tax_rate"`
	TransferRate  float64 `yaml:"transfer_rate"`
	Fixed         float64 `yaml:"fixed"`
}

func (y scheduleYAML) toSchedule() Schedule {
	return Schedule{
		Name:          y.Name,
		BrokerageRate: decimal.NewFromFloat(y.BrokerageRate),
		MinBrokerage:  decimal.NewFromFloat(y.MinBrokerage),
		StampTaxRate:  decimal.NewFromFloat(y.StampTaxRate),
		TransferRate:  decimal.NewFromFloat(y.TransferRate),
		Fixed:         decimal.NewFromFloat(y.Fixed),
	}
}

// LoadSchedules 从 YAML 文件加载费率表，按名称索引。
// 文件格式为 schedules 列表，记录字段见 scheduleYAML。
func LoadSchedules(path string) (map[string]Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取费率表文件失败: %w", err)
	}
	return ParseSchedules(data)
}

// ParseSchedules 解析费率表 YAML 内容。
func ParseSchedules(data []byte) (map[string]Schedule, error) {
	var doc struct {
		Schedules []scheduleYAML `yaml:"schedules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("费率表解析失败: %w", err)
	}
	out := make(map[string]Schedule, len(doc.Schedules))
	for _, y := range doc.Schedules {
		if y.Name == "" {
			return nil, fmt.Errorf("费率表缺少 name 字段")
		}
		if y.BrokerageRate < 0 || y.StampTaxRate < 0 || y.TransferRate < 0 || y.MinBrokerage < 0 || y.Fixed < 0 {
			return nil, fmt.Errorf("费率表 %s 存在负数费率", y.Name)
		}
		if _, dup := out[y.Name]; dup {
			return nil, fmt.Errorf("费率表名称重复: %s", y.Name)
		}
		out[y.Name] = y.toSchedule()
	}
	return out, nil
}
