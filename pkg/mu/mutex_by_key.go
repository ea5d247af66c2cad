package mu

import "sync"

// MutexByKey hands out one RWMutex per key so callers can serialize
// read-modify-write cycles per entity instead of behind one broad lock.
type MutexByKey struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewMutexByKey() *MutexByKey {
	return &MutexByKey{locks: make(map[string]*sync.RWMutex)}
}

func (m *MutexByKey) GetOrCreate(key string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.RWMutex{}
		m.locks[key] = lock
	}
	return lock
}
