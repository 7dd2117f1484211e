package store

import (
	"fmt"
	"strconv"
	"sync"
)

// KeyValueStore is the durable key-value slot storage the offline cache
// persists into. Missing keys are reported with ok=false, never an error.
type KeyValueStore interface {
	GetString(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
	GetInt(key string) (value int, ok bool, err error)
	SetInt(key string, value int) error
	Ping() error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Open returns the key-value store for backend at path.
func Open(backend, path string) (KeyValueStore, error) {
	switch backend {
	case BackendSQLite, "":
		db, err := InitDB(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteKV(db), nil
	case BackendBolt:
		return OpenBoltKV(path)
	case BackendMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", backend)
	}
}

// MemoryKV keeps values in process memory only.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) GetString(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryKV) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryKV) GetInt(key string) (int, bool, error) {
	return getInt(m, key)
}

func (m *MemoryKV) SetInt(key string, value int) error {
	return m.Set(key, strconv.Itoa(value))
}

func (m *MemoryKV) Ping() error  { return nil }
func (m *MemoryKV) Close() error { return nil }

// getInt parses an integer slot stored as its decimal string.
func getInt(kv interface {
	GetString(string) (string, bool, error)
}, key string) (int, bool, error) {
	raw, ok, err := kv.GetString(key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("value of %s is not an integer: %w", key, err)
	}
	return n, true, nil
}
