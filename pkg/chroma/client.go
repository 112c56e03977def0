// Package chroma 提供了基于 Chroma 的会话向量索引，每个会话一个集合。
package chroma

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"

	"pai-docchat-go/internal/config"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/vectorindex"
)

// 元数据字段名
const (
	metaChunkID      = "chunk_id"
	metaDocumentID   = "document_id"
	metaFileName     = "file_name"
	metaOrdinal      = "ordinal"
	metaStart        = "start_offset"
	metaEnd          = "end_offset"
	metaModelVersion = "model_version"
)

// NewClient 根据配置创建 Chroma HTTP 客户端。
func NewClient(cfg config.ChromaConfig) (chromago.Client, error) {
	var opts []chromago.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, chromago.WithBaseURL(cfg.BaseURL))
	}
	return chromago.NewHTTPClient(opts...)
}

// Manager 实现 vectorindex.Manager。
type Manager struct {
	backend    backend
	prefix     string
	similarity vectorindex.Similarity

	collections sync.Map // name -> store
}

// NewManager 创建一个 Chroma 索引管理器。
func NewManager(client chromago.Client, prefix string, similarity vectorindex.Similarity) *Manager {
	return newManager(clientBackend{client: client}, prefix, similarity)
}

func newManager(b backend, prefix string, similarity vectorindex.Similarity) *Manager {
	return &Manager{backend: b, prefix: prefix, similarity: similarity}
}

func (m *Manager) Collection(_ context.Context, conversationID string) (vectorindex.Collection, error) {
	name, err := vectorindex.CollectionName(m.prefix, conversationID)
	if err != nil {
		return nil, err
	}
	return &collection{m: m, name: name, conversationID: conversationID}, nil
}

func (m *Manager) DeleteCollection(ctx context.Context, conversationID string) error {
	name, err := vectorindex.CollectionName(m.prefix, conversationID)
	if err != nil {
		return err
	}
	m.collections.Delete(name)
	if err := m.backend.drop(ctx, name); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete chroma collection %s: %w", name, err)
	}
	log.Infof("[Chroma] 集合 '%s' 已删除", name)
	return nil
}

func (m *Manager) space() string {
	if m.similarity == vectorindex.DotProduct {
		return "ip"
	}
	return "cosine"
}

// open 返回集合；create 为 false 且集合不存在时返回 nil。
func (m *Manager) open(ctx context.Context, name string, create bool) (store, error) {
	if c, ok := m.collections.Load(name); ok {
		return c.(store), nil
	}
	var (
		c   store
		err error
	)
	if create {
		c, err = m.backend.getOrCreate(ctx, name, m.space())
	} else {
		c, err = m.backend.get(ctx, name)
		if err != nil && isNotFound(err) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open chroma collection %s: %w", name, err)
	}
	m.collections.Store(name, c)
	return c, nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}

// collection 实现 vectorindex.Collection。
type collection struct {
	m              *Manager
	name           string
	conversationID string
}

func (c *collection) ConversationID() string { return c.conversationID }

func (c *collection) Upsert(ctx context.Context, entries ...vectorindex.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	col, err := c.m.open(ctx, c.name, true)
	if err != nil {
		return err
	}
	if err := col.upsert(ctx, entries); err != nil {
		return fmt.Errorf("failed to upsert into chroma collection %s: %w", c.name, err)
	}
	return nil
}

// Search 先取集合大小来限制 n_results，有过滤条件时取回全部结果再过滤。
// Chroma 返回的是距离，cosine 与 ip 空间下相似度都等于 1 - distance。
func (c *collection) Search(ctx context.Context, vector []float32, topK int, filter *vectorindex.Filter) ([]vectorindex.Hit, error) {
	if topK <= 0 {
		return []vectorindex.Hit{}, nil
	}
	col, err := c.m.open(ctx, c.name, false)
	if err != nil || col == nil {
		return []vectorindex.Hit{}, err
	}
	total, err := col.count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count chroma collection %s: %w", c.name, err)
	}
	if total == 0 {
		return []vectorindex.Hit{}, nil
	}
	n := min(topK, total)
	if filter != nil && len(filter.DocumentIDs) > 0 {
		n = total
	}

	rows, err := col.query(ctx, vector, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query chromadb: %w", err)
	}
	hits := make([]vectorindex.Hit, 0, len(rows))
	for _, row := range rows {
		e, err := entryFromMetadata(row.meta)
		if err != nil {
			log.Warnf("[Chroma] 无法解析分块元数据, collection: %s, error: %v", c.name, err)
			continue
		}
		e.Text = row.text
		if !filter.Match(e) {
			continue
		}
		hits = append(hits, vectorindex.Hit{Entry: e, Score: 1 - row.distance})
	}
	vectorindex.SortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// entryFromMetadata 通过 JSON 往返把 DocumentMetadata 转为 Entry。
func entryFromMetadata(meta any) (vectorindex.Entry, error) {
	if meta == nil {
		return vectorindex.Entry{}, fmt.Errorf("missing metadata")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return vectorindex.Entry{}, err
	}
	var m struct {
		ChunkID      string `json:"chunk_id"`
		DocumentID   string `json:"document_id"`
		FileName     string `json:"file_name"`
		Ordinal      int    `json:"ordinal"`
		Start        int    `json:"start_offset"`
		End          int    `json:"end_offset"`
		ModelVersion string `json:"model_version"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return vectorindex.Entry{}, err
	}
	if m.ChunkID == "" {
		return vectorindex.Entry{}, fmt.Errorf("metadata without %s", metaChunkID)
	}
	return vectorindex.Entry{
		ChunkID:      m.ChunkID,
		DocumentID:   m.DocumentID,
		FileName:     m.FileName,
		Ordinal:      m.Ordinal,
		Start:        m.Start,
		End:          m.End,
		ModelVersion: m.ModelVersion,
	}, nil
}

func (c *collection) Delete(ctx context.Context, chunkIDs ...string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	col, err := c.m.open(ctx, c.name, false)
	if err != nil || col == nil {
		return err
	}
	for _, id := range chunkIDs {
		if err := col.deleteWhere(ctx, metaChunkID, id); err != nil {
			return fmt.Errorf("failed to delete chunk %s from chroma: %w", id, err)
		}
	}
	return nil
}

func (c *collection) DeleteDocument(ctx context.Context, documentID string) error {
	col, err := c.m.open(ctx, c.name, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.deleteWhere(ctx, metaDocumentID, documentID); err != nil {
		return fmt.Errorf("failed to delete document %s from chroma: %w", documentID, err)
	}
	return nil
}

func (c *collection) Count(ctx context.Context) (int, error) {
	col, err := c.m.open(ctx, c.name, false)
	if err != nil || col == nil {
		return 0, err
	}
	n, err := col.count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count items in collection: %w", err)
	}
	return n, nil
}

// backend 是 Manager 用到的集合级操作。
type backend interface {
	getOrCreate(ctx context.Context, name, space string) (store, error)
	// get 在集合不存在时返回 isNotFound 能识别的错误。
	get(ctx context.Context, name string) (store, error)
	drop(ctx context.Context, name string) error
}

// store 是单个集合上用到的操作。
type store interface {
	upsert(ctx context.Context, entries []vectorindex.Entry) error
	query(ctx context.Context, vector []float32, n int) ([]queryRow, error)
	count(ctx context.Context) (int, error)
	deleteWhere(ctx context.Context, key, value string) error
}

type queryRow struct {
	text     string
	meta     any
	distance float64
}

// clientBackend 通过 chroma-go 访问 Chroma 服务。
type clientBackend struct {
	client chromago.Client
}

func (b clientBackend) getOrCreate(ctx context.Context, name, space string) (store, error) {
	c, err := b.client.GetOrCreateCollection(ctx, name,
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute("hnsw:space", space),
				chromago.NewStringAttribute("created_by", "pai-docchat-go"),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	return clientStore{col: c}, nil
}

func (b clientBackend) get(ctx context.Context, name string) (store, error) {
	c, err := b.client.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	return clientStore{col: c}, nil
}

func (b clientBackend) drop(ctx context.Context, name string) error {
	return b.client.DeleteCollection(ctx, name)
}

type clientStore struct {
	col chromago.Collection
}

func (s clientStore) upsert(ctx context.Context, entries []vectorindex.Entry) error {
	ids := make([]chromago.DocumentID, len(entries))
	texts := make([]string, len(entries))
	vectors := make([]embeddings.Embedding, len(entries))
	metas := make([]chromago.DocumentMetadata, len(entries))
	for i, e := range entries {
		ids[i] = chromago.DocumentID(e.ChunkID)
		texts[i] = e.Text
		vectors[i] = embeddings.NewEmbeddingFromFloat32(e.Vector)
		metas[i] = chromago.NewDocumentMetadata(
			chromago.NewStringAttribute(metaChunkID, e.ChunkID),
			chromago.NewStringAttribute(metaDocumentID, e.DocumentID),
			chromago.NewStringAttribute(metaFileName, e.FileName),
			chromago.NewIntAttribute(metaOrdinal, int64(e.Ordinal)),
			chromago.NewIntAttribute(metaStart, int64(e.Start)),
			chromago.NewIntAttribute(metaEnd, int64(e.End)),
			chromago.NewStringAttribute(metaModelVersion, e.ModelVersion),
		)
	}
	return s.col.Upsert(ctx,
		chromago.WithIDs(ids...),
		chromago.WithTexts(texts...),
		chromago.WithEmbeddings(vectors...),
		chromago.WithMetadatas(metas...),
	)
}

func (s clientStore) query(ctx context.Context, vector []float32, n int) ([]queryRow, error) {
	results, err := s.col.Query(ctx,
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
		chromago.WithNResults(n),
	)
	if err != nil {
		return nil, err
	}
	documentGroups := results.GetDocumentsGroups()
	metadataGroups := results.GetMetadatasGroups()
	distanceGroups := results.GetDistancesGroups()
	if len(documentGroups) == 0 {
		return nil, nil
	}
	rows := make([]queryRow, len(documentGroups[0]))
	for i, doc := range documentGroups[0] {
		rows[i].text = doc.ContentString()
		if len(metadataGroups) > 0 && i < len(metadataGroups[0]) {
			rows[i].meta = metadataGroups[0][i]
		}
		if len(distanceGroups) > 0 && i < len(distanceGroups[0]) {
			rows[i].distance = float64(distanceGroups[0][i])
		}
	}
	return rows, nil
}

func (s clientStore) count(ctx context.Context) (int, error) {
	n, err := s.col.Count(ctx)
	return int(n), err
}

func (s clientStore) deleteWhere(ctx context.Context, key, value string) error {
	return s.col.Delete(ctx, chromago.WithWhereDelete(chromago.EqString(key, value)))
}
