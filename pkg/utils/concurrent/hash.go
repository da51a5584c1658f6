package concurrent

import (
	"fmt"
	"hash/fnv"
)

// HashString FNV-1a
func HashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// 整数使用乘法哈希 (Knuth), 连续的序号也能均匀分布到各分片

func HashInt(key int) uint32 {
	return uint32(key) * 2654435761
}

func HashUint32(key uint32) uint32 {
	return key * 2654435761
}

// HashUint64 先异或高低 32 位, 让高位变化也能影响分片
func HashUint64(key uint64) uint32 {
	return uint32(key^(key>>32)) * 2654435761
}

// DefaultHash 按 key 的动态类型选择哈希函数, 其他类型退化为格式化后的字符串哈希
func DefaultHash[K comparable](key K) uint32 {
	switch k := any(key).(type) {
	case string:
		return HashString(k)
	case int:
		return HashInt(k)
	case uint32:
		return HashUint32(k)
	case uint64:
		return HashUint64(k)
	case int64:
		return HashUint64(uint64(k))
	default:
		return HashString(fmt.Sprint(k))
	}
}
