package concurrent

import (
	"maps"
	"sync"

	"gopkg.in/yaml.v3"
)

// 默认分片数量
const DefaultShardCount = 32

// Option 定义配置函数的类型
type Option[K comparable, V any] func(*Map[K, V])

// WithShardCount 自定义分片数量, 建议为 2 的幂
func WithShardCount[K comparable, V any](count uint32) Option[K, V] {
	return func(m *Map[K, V]) {
		if count > 0 {
			m.shardCount = count
		}
	}
}

// Map 分片加锁的并发 Map
// 零值不可直接使用, 必须通过 NewMap 创建; yaml 反序列化时会自动初始化
type Map[K comparable, V any] struct {
	shards     []*shard[K, V]
	hashFunc   func(K) uint32
	shardCount uint32
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// NewMap 创建一个新的并发 Map, hashFunc 为 nil 时使用 DefaultHash
func NewMap[K comparable, V any](hashFunc func(K) uint32, opts ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		shardCount: DefaultShardCount,
		hashFunc:   hashFunc,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.init()
	return m
}

func (m *Map[K, V]) init() {
	if m.shardCount == 0 {
		m.shardCount = DefaultShardCount
	}
	if m.hashFunc == nil {
		m.hashFunc = DefaultHash[K]
	}
	m.shards = make([]*shard[K, V], m.shardCount)
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
}

func (m *Map[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[m.hashFunc(key)%m.shardCount]
}

func (m *Map[K, V]) Set(key K, value V) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	s.items[key] = value
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

func (m *Map[K, V]) Remove(key K) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	delete(s.items, key)
}

// Pop 删除 key 并返回删除前的值
func (m *Map[K, V]) Pop(key K) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	val, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return val, ok
}

// SetIfAbsent key 不存在时写入
// 返回实际存储的值, 以及是否为本次写入
func (m *Map[K, V]) SetIfAbsent(key K, value V) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	if old, ok := s.items[key]; ok {
		return old, false
	}
	s.items[key] = value
	return value, true
}

// Upsert 在分片锁内完成读取-修改-回写
func (m *Map[K, V]) Upsert(key K, cb func(exist bool, valueInMap V) V) V {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	old, ok := s.items[key]
	v := cb(ok, old)
	s.items[key] = v
	return v
}

// Count 高并发下为近似值
func (m *Map[K, V]) Count() int {
	count := 0
	for _, s := range m.shards {
		s.RLock()
		count += len(s.items)
		s.RUnlock()
	}
	return count
}

func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.Count())
	for _, s := range m.shards {
		s.RLock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.RUnlock()
	}
	return keys
}

// IterCb 逐个分片遍历, fn 返回 false 时停止
// 遍历期间持有当前分片的读锁, fn 内不能写同一个 Map
func (m *Map[K, V]) IterCb(fn func(key K, v V) bool) {
	for _, s := range m.shards {
		s.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.RUnlock()
				return
			}
		}
		s.RUnlock()
	}
}

// Snapshot 复制出一份普通 map
func (m *Map[K, V]) Snapshot() map[K]V {
	tmp := make(map[K]V, m.Count())
	for _, s := range m.shards {
		s.RLock()
		maps.Copy(tmp, s.items)
		s.RUnlock()
	}
	return tmp
}

// MarshalYAML 实现 yaml.Marshaler 接口
func (m *Map[K, V]) MarshalYAML() (any, error) {
	return m.Snapshot(), nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler 接口
func (m *Map[K, V]) UnmarshalYAML(value *yaml.Node) error {
	tmp := make(map[K]V)
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	if m.shards == nil {
		m.init()
	}
	for k, v := range tmp {
		m.Set(k, v)
	}
	return nil
}
