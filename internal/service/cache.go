package service

import (
	"time"

	"assetvault/internal/repository"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetvault_metadata_cache_hits_total",
		Help: "Delivery lookups served from the metadata cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetvault_metadata_cache_misses_total",
		Help: "Delivery lookups that went to the catalog.",
	})
)

// RecordCache 是按 storage key 索引的元数据 LRU 缓存，带 TTL。
// 只缓存在线记录；过期判断始终基于当前时间重新计算，缓存不会让过期文件继续可见。
// nil 或 size 为 0 的缓存所有操作都是空操作。
type RecordCache struct {
	lru *expirable.LRU[string, repository.FileRecord]
}

// NewRecordCache 创建缓存，size <= 0 时返回 nil（禁用缓存）。
func NewRecordCache(size int, ttl time.Duration) *RecordCache {
	if size <= 0 {
		return nil
	}
	return &RecordCache{lru: expirable.NewLRU[string, repository.FileRecord](size, nil, ttl)}
}

// Get 按 key 取出记录副本。
func (c *RecordCache) Get(key string) (*repository.FileRecord, bool) {
	if c == nil {
		return nil, false
	}
	rec, ok := c.lru.Get(key)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return &rec, true
}

// Set 写入或覆盖记录。
func (c *RecordCache) Set(rec *repository.FileRecord) {
	if c == nil || rec == nil {
		return
	}
	c.lru.Add(rec.StorageKey, *rec)
}

// Invalidate 在记录被修改、过期或删除时移除缓存。
func (c *RecordCache) Invalidate(key string) {
	if c == nil {
		return
	}
	c.lru.Remove(key)
}

// Len 返回当前条目数。
func (c *RecordCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
