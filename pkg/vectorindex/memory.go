package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"pai-docchat-go/pkg/retry"
)

// MemoryManager 把所有集合保存在进程内存中。
// 每个集合有自己的锁，不同会话之间没有共享锁。
type MemoryManager struct {
	prefix     string
	similarity Similarity

	mu          sync.Mutex
	collections map[string]*memoryCollection
}

// NewMemoryManager 创建一个内存索引管理器。
func NewMemoryManager(prefix string, similarity Similarity) *MemoryManager {
	return &MemoryManager{
		prefix:      prefix,
		similarity:  similarity,
		collections: make(map[string]*memoryCollection),
	}
}

type memoryCollection struct {
	mu      sync.RWMutex
	dims    int
	entries map[string]Entry
}

// memoryHandle 每次操作时按名字查找集合，集合被删除后句柄仍然可用。
type memoryHandle struct {
	m              *MemoryManager
	name           string
	conversationID string
}

func (m *MemoryManager) Collection(_ context.Context, conversationID string) (Collection, error) {
	name, err := CollectionName(m.prefix, conversationID)
	if err != nil {
		return nil, err
	}
	return &memoryHandle{m: m, name: name, conversationID: conversationID}, nil
}

func (m *MemoryManager) DeleteCollection(_ context.Context, conversationID string) error {
	name, err := CollectionName(m.prefix, conversationID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.collections, name)
	m.mu.Unlock()
	return nil
}

func (m *MemoryManager) lookup(name string, create bool) *memoryCollection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok && create {
		c = &memoryCollection{entries: make(map[string]Entry)}
		m.collections[name] = c
	}
	return c
}

func (h *memoryHandle) ConversationID() string { return h.conversationID }

func (h *memoryHandle) Upsert(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c := h.m.lookup(h.name, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if e.ChunkID == "" {
			return retry.Permanent(errors.New("entry without chunk id"))
		}
		if c.dims == 0 {
			c.dims = len(e.Vector)
		}
		if len(e.Vector) != c.dims {
			return retry.Permanent(fmt.Errorf("vector dimension %d does not match collection dimension %d", len(e.Vector), c.dims))
		}
	}
	for _, e := range entries {
		e.Vector = append([]float32(nil), e.Vector...)
		c.entries[e.ChunkID] = e
	}
	return nil
}

func (h *memoryHandle) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := h.m.lookup(h.name, false)
	if c == nil || topK <= 0 {
		return []Hit{}, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) > 0 && len(vector) != c.dims {
		return nil, retry.Permanent(fmt.Errorf("query dimension %d does not match collection dimension %d", len(vector), c.dims))
	}

	hits := make([]Hit, 0, len(c.entries))
	for _, e := range c.entries {
		if !filter.Match(e) {
			continue
		}
		score := h.m.similarity.Score(vector, e.Vector)
		if math.IsNaN(score) {
			continue
		}
		e.Vector = nil
		hits = append(hits, Hit{Entry: e, Score: score})
	}
	SortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (h *memoryHandle) Delete(ctx context.Context, chunkIDs ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := h.m.lookup(h.name, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range chunkIDs {
		delete(c.entries, id)
	}
	return nil
}

func (h *memoryHandle) DeleteDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := h.m.lookup(h.name, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.DocumentID == documentID {
			delete(c.entries, id)
		}
	}
	return nil
}

func (h *memoryHandle) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c := h.m.lookup(h.name, false)
	if c == nil {
		return 0, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}
