// Package repotest 提供仓储接口的内存实现，供其他包的单元测试使用。
package repotest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"pai-docchat-go/internal/model"
	"pai-docchat-go/internal/repository"
)

var (
	_ repository.DocumentRepository     = (*Documents)(nil)
	_ repository.ChunkRepository        = (*Chunks)(nil)
	_ repository.ConversationRepository = (*Conversations)(nil)
)

func key(conversationID, id string) string { return conversationID + "/" + id }

// Documents 是 DocumentRepository 的内存实现。
type Documents struct {
	mu   sync.Mutex
	docs map[string]model.Document
}

func NewDocuments() *Documents {
	return &Documents{docs: make(map[string]model.Document)}
}

func (d *Documents) Save(_ context.Context, doc *model.Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	d.docs[key(doc.ConversationID, doc.ID)] = *doc
	return nil
}

func (d *Documents) Get(_ context.Context, conversationID, documentID string) (*model.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[key(conversationID, documentID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &doc, nil
}

func (d *Documents) ListByConversation(_ context.Context, conversationID string) ([]model.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.Document
	for _, doc := range d.docs {
		if doc.ConversationID == conversationID {
			out = append(out, doc)
		}
	}
	slices.SortFunc(out, func(a, b model.Document) int {
		if c := b.UploadedAt.Compare(a.UploadedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (d *Documents) CountByConversation(ctx context.Context, conversationID string) (int64, error) {
	docs, _ := d.ListByConversation(ctx, conversationID)
	return int64(len(docs)), nil
}

// UpdateFields 只支持 processor 用到的字段。
func (d *Documents) UpdateFields(_ context.Context, conversationID, documentID string, fields map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key(conversationID, documentID)
	doc, ok := d.docs[k]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for name, v := range fields {
		switch name {
		case "status":
			doc.Status = v.(string)
		case "chunk_count":
			doc.ChunkCount = v.(int)
		case "truncated":
			doc.Truncated = v.(bool)
		case "error_message":
			doc.ErrorMessage = v.(string)
		case "indexed_at":
			doc.IndexedAt = v.(*time.Time)
		default:
			return fmt.Errorf("repotest: unsupported field %q", name)
		}
	}
	d.docs[k] = doc
	return nil
}

func (d *Documents) Delete(_ context.Context, conversationID, documentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.docs, key(conversationID, documentID))
	return nil
}

func (d *Documents) DeleteByConversation(_ context.Context, conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, doc := range d.docs {
		if doc.ConversationID == conversationID {
			delete(d.docs, k)
		}
	}
	return nil
}

// Chunks 是 ChunkRepository 的内存实现。
type Chunks struct {
	mu     sync.Mutex
	chunks map[string]model.ChunkRecord
}

func NewChunks() *Chunks {
	return &Chunks{chunks: make(map[string]model.ChunkRecord)}
}

func (c *Chunks) ReplaceForDocument(_ context.Context, conversationID, documentID string, chunks []model.ChunkRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, r := range c.chunks {
		if r.ConversationID == conversationID && r.DocumentID == documentID {
			delete(c.chunks, k)
		}
	}
	for _, r := range chunks {
		c.chunks[key(r.ConversationID, r.ChunkID)] = r
	}
	return nil
}

func (c *Chunks) FindByDocument(_ context.Context, conversationID, documentID string) ([]model.ChunkRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.ChunkRecord
	for _, r := range c.chunks {
		if r.ConversationID == conversationID && r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.ChunkRecord) int { return a.Ordinal - b.Ordinal })
	return out, nil
}

func (c *Chunks) FindByIDs(_ context.Context, conversationID string, chunkIDs []string) ([]model.ChunkRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.ChunkRecord
	for _, id := range chunkIDs {
		if r, ok := c.chunks[key(conversationID, id)]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Chunks) DeleteByDocument(_ context.Context, conversationID, documentID string) error {
	return c.ReplaceForDocument(context.Background(), conversationID, documentID, nil)
}

func (c *Chunks) DeleteByConversation(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, r := range c.chunks {
		if r.ConversationID == conversationID {
			delete(c.chunks, k)
		}
	}
	return nil
}

// Len 返回所有会话的分块总数。
func (c *Chunks) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// Conversations 是 ConversationRepository 的内存实现。
type Conversations struct {
	mu    sync.Mutex
	convs map[string]model.Conversation
	turns map[string][]model.Turn
}

func NewConversations() *Conversations {
	return &Conversations{
		convs: make(map[string]model.Conversation),
		turns: make(map[string][]model.Turn),
	}
}

func (c *Conversations) Create(_ context.Context, conv *model.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.convs[conv.ID]; ok {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	c.convs[conv.ID] = *conv
	return nil
}

func (c *Conversations) Get(_ context.Context, conversationID string) (*model.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[conversationID]
	if !ok {
		return nil, repository.ErrConversationMissing
	}
	return &conv, nil
}

func (c *Conversations) Delete(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, conversationID)
	delete(c.turns, conversationID)
	return nil
}

func (c *Conversations) AppendTurn(_ context.Context, conversationID string, turn model.Turn, keep int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns := append(c.turns[conversationID], turn)
	if keep > 0 && len(turns) > keep {
		turns = turns[len(turns)-keep:]
	}
	c.turns[conversationID] = turns
	return nil
}

func (c *Conversations) RecentTurns(_ context.Context, conversationID string, n int) ([]model.Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns := c.turns[conversationID]
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return slices.Clone(turns), nil
}

// ExpireHistory 模拟历史过期：清空对话历史，会话记录保留。
func (c *Conversations) ExpireHistory(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.turns, conversationID)
}

func (c *Conversations) CountTurns(_ context.Context, conversationID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns[conversationID]), nil
}
