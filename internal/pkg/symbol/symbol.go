// Package symbol 归一化 A 股标的代码：统一为 "代码.交易所" 大写形式。
package symbol

import (
	"fmt"
	"strings"
)

// 交易所后缀。
const (
	SuffixSH = "SH" // 上交所
	SuffixSZ = "SZ" // 深交所
	SuffixBJ = "BJ" // 北交所
)

// Normalize 接受 "600000"、"600000.sh"、"600000.SH" 等写法，
// 输出统一的 "600000.SH"。无后缀时按代码段推断交易所。
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("标的代码为空")
	}
	code, suffix := s, ""
	if idx := strings.LastIndex(s, "."); idx >= 0 {
		code, suffix = s[:idx], s[idx+1:]
	}
	if len(code) != 6 || !allDigits(code) {
		return "", fmt.Errorf("标的代码无效: %q", raw)
	}
	if suffix == "" {
		suffix = inferSuffix(code)
		if suffix == "" {
			return "", fmt.Errorf("无法推断交易所: %q", raw)
		}
	}
	switch suffix {
	case SuffixSH, SuffixSZ, SuffixBJ:
		return code + "." + suffix, nil
	default:
		return "", fmt.Errorf("未知交易所后缀: %q", raw)
	}
}

// MustNormalize 仅供测试与常量场景使用。
func MustNormalize(raw string) string {
	s, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// inferSuffix 按 A 股代码段推断交易所：
// 6 开头上交所，0/3 开头深交所，4/8/9 开头北交所（含新三板转板）。
func inferSuffix(code string) string {
	switch code[0] {
	case '6':
		return SuffixSH
	case '0', '3':
		return SuffixSZ
	case '4', '8', '9':
		return SuffixBJ
	default:
		return ""
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
