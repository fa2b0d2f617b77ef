// Package kv defines the small string-keyed store used for client caches
// (key material, authorization tokens) and the content store.
package kv

import (
	"context"
	"sync"

	"PulseNebula/internal/storage"
)

// Store is a string-keyed byte store. A missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Memory is a process-local Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}

	return append([]byte(nil), v...), true, nil
}

// Set stores a copy of value under key.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)

	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)

	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.data)
}

// Pebble is a Store over a shared storage.Storage, namespaced by prefix.
type Pebble struct {
	db     *storage.Storage
	prefix string
}

// NewPebble wraps db. Every key is stored as prefix+key.
func NewPebble(db *storage.Storage, prefix string) *Pebble {
	return &Pebble{db: db, prefix: prefix}
}

// Get reads key from the underlying storage.
func (p *Pebble) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, err := p.db.Get([]byte(p.prefix + key))
	if err != nil {
		return nil, false, err
	}

	return v, v != nil, nil
}

// Set writes key to the underlying storage.
func (p *Pebble) Set(_ context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	return p.db.Set([]byte(p.prefix+key), value)
}

// Delete removes key from the underlying storage.
func (p *Pebble) Delete(_ context.Context, key string) error {
	return p.db.Delete([]byte(p.prefix + key))
}
