package cachestore

import (
	"container/list"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with LRU eviction at MaxKeys. It is the
// default backend for single-instance deployments and for tests. Grounded
// in the teacher's registry.MemoryCache TTL/expiry pattern, generalized
// from typed schema values to opaque byte blobs and given bounded-size LRU
// eviction (spec §4.A "In-process with LRU eviction at maxKeys").
type Memory struct {
	mu      sync.Mutex
	maxKeys int
	ll      *list.List // front = most recently used
	items   map[string]*list.Element
}

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory constructs a Memory store. maxKeys <= 0 means unbounded.
func NewMemory(maxKeys int) *Memory {
	return &Memory{
		maxKeys: maxKeys,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	ent := el.Value.(*memEntry)
	if !ent.expiresAt.IsZero() && time.Now().After(ent.expiresAt) {
		m.removeElement(el)
		return nil, nil
	}
	m.ll.MoveToFront(el)
	out := make([]byte, len(ent.value))
	copy(out, ent.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttlSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttlSeconds)
	return nil
}

func (m *Memory) setLocked(key string, value []byte, ttlSeconds int) {
	var expiresAt time.Time
	if ttlSeconds > 0 {
		expiresAt = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	if el, ok := m.items[key]; ok {
		ent := el.Value.(*memEntry)
		ent.value = cp
		ent.expiresAt = expiresAt
		m.ll.MoveToFront(el)
		return
	}
	el := m.ll.PushFront(&memEntry{key: key, value: cp, expiresAt: expiresAt})
	m.items[key] = el

	if m.maxKeys > 0 {
		for m.ll.Len() > m.maxKeys {
			back := m.ll.Back()
			if back == nil {
				break
			}
			m.removeElement(back)
		}
	}
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
	return nil
}

func (m *Memory) removeElement(el *list.Element) {
	ent := el.Value.(*memEntry)
	delete(m.items, ent.key)
	m.ll.Remove(el)
}

func (m *Memory) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, _ := m.Get(ctx, k)
		out[i] = v
	}
	return out, nil
}

func (m *Memory) MSet(ctx context.Context, entries map[string][]byte, ttlSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.setLocked(k, v, ttlSeconds)
	}
	return nil
}

func (m *Memory) Clear(_ context.Context, prefixGlob string) error {
	prefix := strings.TrimSuffix(prefixGlob, "*")
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, el := range m.items {
		matched := prefix == prefixGlob && key == prefixGlob // exact glob, no wildcard
		if !matched {
			if ok, _ := filepath.Match(prefixGlob, key); ok {
				matched = true
			} else if strings.HasSuffix(prefixGlob, "*") && strings.HasPrefix(key, prefix) {
				matched = true
			}
		}
		if matched {
			m.removeElement(el)
		}
	}
	return nil
}

// Len reports the number of live (not necessarily unexpired) entries. Used
// by tests asserting LRU eviction behavior.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}
