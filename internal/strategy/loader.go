package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"quantback/internal/factor"
)

// 策略文件的结构约束。字段一致性（条件数、阈值等）由 Validate 把关，
// schema 只拦结构性错误，报错信息更友好。
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "universe", "buy_conditions", "buy_at_least_count", "rank_expr", "top_k", "period"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "universe": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "buy_conditions": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "buy_at_least_count": {"type": "integer", "minimum": 1},
    "sell_conditions": {"type": "array", "items": {"type": "string"}},
    "sell_at_least_count": {"type": "integer", "minimum": 0},
    "rank_expr": {"type": "string", "minLength": 1},
    "rank_order": {"type": "string", "enum": ["desc", "asc"]},
    "drop_n": {"type": "integer", "minimum": 0},
    "top_k": {"type": "integer", "minimum": 1},
    "period": {"type": "string", "enum": ["daily", "weekly", "monthly"]},
    "fee_schedule": {"type": "string"},
    "cash_reserve": {"type": "number", "minimum": 0, "exclusiveMaximum": 1}
  },
  "additionalProperties": false
}`

var strategySchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("strategy.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("策略 schema 注册失败: %v", err))
	}
	return compiler.MustCompile("strategy.json")
}

// Parse 解析并编译一份策略 JSON 内容。
func Parse(raw []byte, reg *factor.Registry) (*Compiled, error) {
	if !gjson.ValidBytes(raw) {
		return nil, invalidf("JSON 格式无效")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalidf("JSON 解析失败: %v", err)
	}
	if err := strategySchema.Validate(doc); err != nil {
		return nil, invalidf("schema 校验失败: %v", err)
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, invalidf("字段解析失败: %v", err)
	}
	return def.Compile(reg)
}

// LoadFile 从文件加载一条策略。
func LoadFile(path string, reg *factor.Registry) (*Compiled, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取策略文件失败: %w", err)
	}
	c, err := Parse(raw, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// LoadDir 加载目录下全部 *.json 策略文件，按文件名排序保证顺序稳定。
// 任何一个文件无效都整体失败，加载期暴露所有配置问题。
func LoadDir(dir string, reg *factor.Registry) ([]*Compiled, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []*Compiled
	names := make(map[string]string)
	for _, path := range paths {
		c, err := LoadFile(path, reg)
		if err != nil {
			return nil, err
		}
		if prev, dup := names[c.Name]; dup {
			return nil, invalidf("策略名 %s 在 %s 与 %s 重复",
				c.Name, filepath.Base(prev), filepath.Base(path))
		}
		names[c.Name] = path
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("目录 %s 下没有策略文件", dir)
	}
	return out, nil
}
