// Package fastmap provides a fast hash map keyed by page numbers.
// Uses fibonacci hashing for better distribution of sequential keys.
package fastmap

// Map is an open-addressing hash map from uint32 to V with linear probing.
// The zero value is ready to use.
type Map[V any] struct {
	buckets []bucket[V]
	count   int
	mask    uint32
}

type bucket[V any] struct {
	key   uint32
	value V
	used  bool // key=0 is a valid key
}

// Fibonacci hash constant: 2^32 / golden ratio
const fibHash32 = 2654435769

func (m *Map[V]) slot(key uint32) uint32 {
	return (key * fibHash32) & m.mask
}

// Get returns the value stored for key.
func (m *Map[V]) Get(key uint32) (V, bool) {
	var zero V
	if m.count == 0 {
		return zero, false
	}
	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			return zero, false
		}
		if b.key == key {
			return b.value, true
		}
		idx = (idx + 1) & m.mask
	}
}

// Has reports whether key is present.
func (m *Map[V]) Has(key uint32) bool {
	_, ok := m.Get(key)
	return ok
}

// Set stores a key-value pair, replacing any previous value.
func (m *Map[V]) Set(key uint32, value V) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket[V], 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.value = value
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

// Delete removes key and reports whether it was present.
// Uses backward-shift deletion so probe chains stay intact without tombstones.
func (m *Map[V]) Delete(key uint32) bool {
	if m.count == 0 {
		return false
	}
	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			return false
		}
		if b.key == key {
			break
		}
		idx = (idx + 1) & m.mask
	}

	hole := idx
	next := (hole + 1) & m.mask
	for m.buckets[next].used {
		home := m.slot(m.buckets[next].key)
		// Move the entry back if its home slot is not in (hole, next].
		if (next-home)&m.mask >= (next-hole)&m.mask {
			m.buckets[hole] = m.buckets[next]
			hole = next
		}
		next = (next + 1) & m.mask
	}
	m.buckets[hole] = bucket[V]{}
	m.count--
	return true
}

// grow doubles the hash table size
func (m *Map[V]) grow() {
	old := m.buckets
	m.buckets = make([]bucket[V], len(old)*2)
	m.mask = uint32(len(m.buckets) - 1)
	m.count = 0

	for i := range old {
		if old[i].used {
			m.Set(old[i].key, old[i].value)
		}
	}
}

// ForEach iterates over all key-value pairs in unspecified order.
func (m *Map[V]) ForEach(fn func(uint32, V)) {
	for i := range m.buckets {
		if m.buckets[i].used {
			fn(m.buckets[i].key, m.buckets[i].value)
		}
	}
}

// Keys returns all keys in unspecified order.
func (m *Map[V]) Keys() []uint32 {
	keys := make([]uint32, 0, m.count)
	for i := range m.buckets {
		if m.buckets[i].used {
			keys = append(keys, m.buckets[i].key)
		}
	}
	return keys
}

// Clear removes all entries but keeps the backing array.
func (m *Map[V]) Clear() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return m.count
}
