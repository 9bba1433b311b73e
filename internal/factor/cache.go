package factor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"quantback/internal/market"
)

// Fingerprint 计算表达式求值结果的缓存键：
// 表达式文本、标的、日期区间共同决定一段结果序列。
func Fingerprint(expr, symbol string, start, end market.Date) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", expr, symbol, start, end)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache 为因子结果缓存。显式构造并注入，不做全局单例，
// 并发回测可共享一份，测试可各注入一份干净的。
// 首个计算者与等待者通过 singleflight 合并，保证同一指纹只算一次。
// 回测期内数据只读，缓存不做失效。
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]market.Value
	group   singleflight.Group
}

// NewCache 创建空缓存。
func NewCache() *Cache {
	return &Cache{entries: make(map[string][]market.Value)}
}

// GetOrCompute 取缓存值，未命中时调用 compute 并发合并计算。
// 返回的切片在所有调用方间共享，调用方必须只读。
func (c *Cache) GetOrCompute(key string, compute func() ([]market.Value, error)) ([]market.Value, error) {
	c.mu.RLock()
	if vec, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return vec, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		if vec, ok := c.entries[key]; ok {
			c.mu.RUnlock()
			return vec, nil
		}
		c.mu.RUnlock()

		vec, err := compute()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = vec
		c.mu.Unlock()
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]market.Value), nil
}

// Len 返回缓存条目数。
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
