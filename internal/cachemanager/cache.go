// Package cachemanager wraps go-cache with a typed generic interface.
package cachemanager

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CacheManager is a typed TTL cache.
type CacheManager[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	SetWithTTL(key K, value V, ttl time.Duration)
	Delete(key K)
	Flush()
}

// InMemoryCacheManager implements CacheManager over go-cache.
type InMemoryCacheManager[K comparable, V any] struct {
	cache *gocache.Cache
}

// NewInMemoryCacheManager returns a cache with the given default TTL and a
// cleanup sweep at twice that interval.
func NewInMemoryCacheManager[K comparable, V any](defaultTTL time.Duration) *InMemoryCacheManager[K, V] {
	return &InMemoryCacheManager[K, V]{
		cache: gocache.New(defaultTTL, 2*defaultTTL),
	}
}

func (m *InMemoryCacheManager[K, V]) Get(key K) (V, bool) {
	var zero V
	v, ok := m.cache.Get(keyString(key))
	if !ok {
		return zero, false
	}
	typed, ok := v.(V)
	if !ok {
		return zero, false
	}
	return typed, true
}

func (m *InMemoryCacheManager[K, V]) Set(key K, value V) {
	m.cache.SetDefault(keyString(key), value)
}

func (m *InMemoryCacheManager[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	m.cache.Set(keyString(key), value, ttl)
}

func (m *InMemoryCacheManager[K, V]) Delete(key K) {
	m.cache.Delete(keyString(key))
}

func (m *InMemoryCacheManager[K, V]) Flush() {
	m.cache.Flush()
}

func keyString[K comparable](key K) string {
	return fmt.Sprintf("%v", key)
}
