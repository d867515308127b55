package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/dewet/internal/persona"
)

// Memory keeps everything in process. Used by tests and the "memory" driver.
type Memory struct {
	mu        sync.RWMutex
	chat      []ChatRecord
	decisions []DecisionRecord
	kv        map[string]string
	states    map[string]persona.State
}

func NewMemory() *Memory {
	return &Memory{
		kv:     make(map[string]string),
		states: make(map[string]persona.State),
	}
}

func (m *Memory) RecordChat(_ context.Context, rec ChatRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.chat = append(m.chat, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecentChat(_ context.Context, limit int) ([]ChatRecord, error) {
	limit = clampLimit(limit, 50)
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if len(m.chat) > limit {
		start = len(m.chat) - limit
	}
	out := make([]ChatRecord, len(m.chat)-start)
	copy(out, m.chat[start:])
	return out, nil
}

func (m *Memory) RecordDecision(_ context.Context, rec DecisionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.decisions = append(m.decisions, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecentDecisions(_ context.Context, limit int) ([]DecisionRecord, error) {
	limit = clampLimit(limit, 50)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DecisionRecord, 0, min(limit, len(m.decisions)))
	for i := len(m.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.decisions[i])
	}
	return out, nil
}

func (m *Memory) PruneDecisions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.decisions[:0]
	var pruned int64
	for _, d := range m.decisions {
		if d.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, d)
	}
	m.decisions = kept
	return pruned, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.kv[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) SavePersonaState(_ context.Context, id string, st persona.State) error {
	m.mu.Lock()
	m.states[id] = st
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadPersonaStates(_ context.Context) (map[string]persona.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]persona.State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
