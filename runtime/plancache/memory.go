package plancache

import (
	"context"
	"sync"
	"time"

	"goa.design/parserator/runtime/plan"
)

// Memory is the default in-memory plan cache. It deep-clones entries on both
// store and fetch, applies the configured policy, and is safe for concurrent
// use. Suitable for single-process deployments; durable caches plug in via
// the Cache contract.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	policy  Policy
	now     func() time.Time
}

type memoryEntry struct {
	entry    *Entry
	storedAt time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory constructs an in-memory cache with the given policy.
func NewMemory(policy Policy) *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		policy:  policy,
		now:     time.Now,
	}
}

// Get returns a clone of the stored entry. Plans served from the cache have
// their origin rewritten to cached so consumers can tell provenance. Entries
// older than the staleness window come back with Stale set.
func (m *Memory) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	stored, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	entry := stored.entry.Clone()
	if entry.Plan != nil {
		entry.Plan.Metadata.Origin = plan.OriginCached
	}
	if m.policy.StaleAfter > 0 && m.now().Sub(stored.storedAt) > m.policy.StaleAfter {
		entry.Stale = true
	}
	return entry, nil
}

// Set stores a clone of the entry. Writes below the policy confidence floor
// are silently rejected.
func (m *Memory) Set(ctx context.Context, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil || entry.Plan == nil {
		return nil
	}
	if m.policy.MinConfidence > 0 && entry.Confidence < m.policy.MinConfidence {
		return nil
	}
	cp := entry.Clone()
	if cp.UpdatedAt == "" {
		cp.UpdatedAt = m.now().UTC().Format(time.RFC3339Nano)
	}
	m.mu.Lock()
	m.entries[key] = &memoryEntry{entry: cp, storedAt: m.now()}
	m.mu.Unlock()
	return nil
}

// Delete removes the entry for key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Clear removes all entries, or only those tagged with the given profile.
func (m *Memory) Clear(ctx context.Context, profile string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile == "" {
		m.entries = make(map[string]*memoryEntry)
		return nil
	}
	for key, stored := range m.entries {
		if stored.entry.Profile == profile {
			delete(m.entries, key)
		}
	}
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
