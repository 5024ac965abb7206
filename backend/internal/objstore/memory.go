package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	data      []byte
	expiresAt *time.Time
}

// MemoryStore 是进程内实现，用于开发环境和测试
type MemoryStore struct {
	mu   sync.RWMutex
	objs map[string]memEntry
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objs: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryStore) alive(e memEntry) bool {
	return e.expiresAt == nil || m.now().Before(*e.expiresAt)
}

func (m *MemoryStore) GetObject(ctx context.Context, key string, out any) (bool, error) {
	m.mu.RLock()
	e, ok := m.objs[key]
	m.mu.RUnlock()
	if !ok || !m.alive(e) {
		return false, nil
	}
	if err := decode(key, e.data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) PutObject(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(key, value)
	if err != nil {
		return err
	}
	// 拷贝一份，避免调用方复用底层数组
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.objs[key] = memEntry{data: buf, expiresAt: expiry(m.now(), ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objs, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListObjects(ctx context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0)
	for k, e := range m.objs {
		if !strings.HasPrefix(k, prefix) || !m.alive(e) {
			continue
		}
		out = append(out, Entry{Key: k, Value: append([]byte(nil), e.data...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
