package syncmap

import "sync"

// Map is a mutex-guarded generic map. The zero value is not usable; call New.
type Map[K comparable, V any] struct {
	mut  sync.RWMutex
	data map[K]V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{data: make(map[K]V)}
}

func (m *Map[K, V]) Put(key K, val V) {
	m.mut.Lock()
	m.data[key] = val
	m.mut.Unlock()
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mut.RLock()
	val, exists := m.data[key]
	m.mut.RUnlock()

	return val, exists
}

func (m *Map[K, V]) Delete(keys ...K) {
	m.mut.Lock()
	for _, key := range keys {
		delete(m.data, key)
	}
	m.mut.Unlock()
}

func (m *Map[K, V]) Len() int {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return len(m.data)
}

// Values returns a snapshot of the current values in unspecified order.
func (m *Map[K, V]) Values() []V {
	m.mut.RLock()
	defer m.mut.RUnlock()

	out := make([]V, 0, len(m.data))
	for _, v := range m.data {
		out = append(out, v)
	}

	return out
}
