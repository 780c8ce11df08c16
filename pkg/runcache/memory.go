package runcache

import (
	"context"
	"sync"
)

// Memory is the in-process backend, used for tests and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Get(_ context.Context, runHash string) (*Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[runHash]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (m *Memory) Put(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entry.RunHash]; exists {
		return nil
	}
	m.entries[entry.RunHash] = entry
	return nil
}
