// Package es 提供了基于 Elasticsearch 的会话向量索引。
// 每个会话使用一个独立的索引 {prefix}{conversationID}，向量字段为 dense_vector。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"pai-docchat-go/internal/config"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/retry"
	"pai-docchat-go/pkg/vectorindex"
)

// 单次 knn 查询允许的最大候选数
const maxNumCandidates = 10000

var ESClient *elasticsearch.Client

// InitES 初始化 Elasticsearch 客户端
func InitES(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	ESClient = client
	return client, nil
}

// esDocument 定义了存储在 Elasticsearch 中的文档结构。
type esDocument struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   string    `json:"document_id"`
	FileName     string    `json:"file_name"`
	Ordinal      int       `json:"ordinal"`
	StartOffset  int       `json:"start_offset"`
	EndOffset    int       `json:"end_offset"`
	TextContent  string    `json:"text_content"`
	ModelVersion string    `json:"model_version"`
	Vector       []float32 `json:"vector,omitempty"`
}

func toESDocument(e vectorindex.Entry) esDocument {
	return esDocument{
		ChunkID:      e.ChunkID,
		DocumentID:   e.DocumentID,
		FileName:     e.FileName,
		Ordinal:      e.Ordinal,
		StartOffset:  e.Start,
		EndOffset:    e.End,
		TextContent:  e.Text,
		ModelVersion: e.ModelVersion,
		Vector:       e.Vector,
	}
}

func (d esDocument) entry() vectorindex.Entry {
	return vectorindex.Entry{
		ChunkID:      d.ChunkID,
		DocumentID:   d.DocumentID,
		FileName:     d.FileName,
		Ordinal:      d.Ordinal,
		Start:        d.StartOffset,
		End:          d.EndOffset,
		Text:         d.TextContent,
		ModelVersion: d.ModelVersion,
	}
}

// Manager 实现 vectorindex.Manager。
type Manager struct {
	client     *elasticsearch.Client
	prefix     string
	similarity vectorindex.Similarity
	dims       int

	// 已确认存在的索引名
	ensured sync.Map
}

// NewManager 创建一个 Elasticsearch 索引管理器，dims 为向量维度。
func NewManager(client *elasticsearch.Client, prefix string, similarity vectorindex.Similarity, dims int) *Manager {
	return &Manager{client: client, prefix: prefix, similarity: similarity, dims: dims}
}

func (m *Manager) Collection(_ context.Context, conversationID string) (vectorindex.Collection, error) {
	name, err := vectorindex.CollectionName(m.prefix, conversationID)
	if err != nil {
		return nil, err
	}
	return &collection{m: m, index: name, conversationID: conversationID}, nil
}

// DeleteCollection 删除会话对应的索引，索引不存在时直接返回。
func (m *Manager) DeleteCollection(ctx context.Context, conversationID string) error {
	name, err := vectorindex.CollectionName(m.prefix, conversationID)
	if err != nil {
		return err
	}
	res, err := m.client.Indices.Delete(
		[]string{name},
		m.client.Indices.Delete.WithContext(ctx),
		m.client.Indices.Delete.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	m.ensured.Delete(name)
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if err := checkResponse(res); err != nil {
		return err
	}
	log.Infof("[ES] 索引 '%s' 已删除", name)
	return nil
}

// ensureIndex 检查索引是否存在，如果不存在则创建它
func (m *Manager) ensureIndex(ctx context.Context, name string) error {
	if _, ok := m.ensured.Load(name); ok {
		return nil
	}
	res, err := m.client.Indices.Exists([]string{name}, m.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return err
	}
	res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if res.StatusCode == http.StatusOK {
		m.ensured.Store(name, struct{}{})
		return nil
	}
	// 如果 res.StatusCode 是 404，说明索引不存在，需要创建
	if res.StatusCode != http.StatusNotFound {
		return checkResponse(res)
	}

	res, err = m.client.Indices.Create(
		name,
		m.client.Indices.Create.WithContext(ctx),
		m.client.Indices.Create.WithBody(strings.NewReader(m.mapping())),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		// 并发创建时另一个请求可能已经建好
		if !strings.Contains(string(body), "resource_already_exists_exception") {
			return responseError(res.StatusCode, string(body))
		}
	} else {
		log.Infof("[ES] 索引 '%s' 创建成功", name)
	}
	m.ensured.Store(name, struct{}{})
	return nil
}

func (m *Manager) mapping() string {
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_id": { "type": "keyword" },
				"document_id": { "type": "keyword" },
				"file_name": { "type": "keyword" },
				"ordinal": { "type": "integer" },
				"start_offset": { "type": "integer" },
				"end_offset": { "type": "integer" },
				"text_content": { "type": "text" },
				"model_version": { "type": "keyword" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": %q
				}
			}
		}
	}`, m.dims, string(m.similarity))
}

// collection 实现 vectorindex.Collection。
type collection struct {
	m              *Manager
	index          string
	conversationID string
}

func (c *collection) ConversationID() string { return c.conversationID }

// Upsert 通过 bulk 请求写入，文档 ID 即分块 ID，重复写入会覆盖。
func (c *collection) Upsert(ctx context.Context, entries ...vectorindex.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := c.m.ensureIndex(ctx, c.index); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if len(e.Vector) != c.m.dims {
			return retry.Permanent(fmt.Errorf("vector dimension %d does not match index dimension %d", len(e.Vector), c.m.dims))
		}
		meta := map[string]any{"index": map[string]any{"_index": c.index, "_id": e.ChunkID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(toESDocument(e)); err != nil {
			return err
		}
	}
	return c.bulk(ctx, &buf)
}

func (c *collection) Search(ctx context.Context, vector []float32, topK int, filter *vectorindex.Filter) ([]vectorindex.Hit, error) {
	if topK <= 0 {
		return []vectorindex.Hit{}, nil
	}
	k := min(topK, maxNumCandidates)
	knn := map[string]any{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": min(max(k*10, 100), maxNumCandidates),
	}
	if filter != nil && len(filter.DocumentIDs) > 0 {
		knn["filter"] = map[string]any{"terms": map[string]any{"document_id": filter.DocumentIDs}}
	}
	query := map[string]any{
		"knn":     knn,
		"size":    k,
		"_source": map[string]any{"excludes": []string{"vector"}},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := c.m.client.Search(
		c.m.client.Search.WithContext(ctx),
		c.m.client.Search.WithIndex(c.index),
		c.m.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return []vectorindex.Hit{}, nil
	}
	if err := checkResponse(res); err != nil {
		return nil, err
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source esDocument `json:"_source"`
				Score  float64    `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]vectorindex.Hit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, vectorindex.Hit{Entry: h.Source.entry(), Score: similarityFromScore(h.Score)})
	}
	vectorindex.SortHits(hits)
	return hits, nil
}

// similarityFromScore 把 Elasticsearch 的 _score 还原为相似度。
// cosine 和 dot_product 的 _score 都是 (1 + sim) / 2。
func similarityFromScore(score float64) float64 {
	return 2*score - 1
}

func (c *collection) Delete(ctx context.Context, chunkIDs ...string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	exists, err := c.exists(ctx)
	if err != nil || !exists {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range chunkIDs {
		if err := enc.Encode(map[string]any{"delete": map[string]any{"_index": c.index, "_id": id}}); err != nil {
			return err
		}
	}
	return c.bulk(ctx, &buf)
}

func (c *collection) DeleteDocument(ctx context.Context, documentID string) error {
	body := fmt.Sprintf(`{"query":{"term":{"document_id":%q}}}`, documentID)
	res, err := c.m.client.DeleteByQuery(
		[]string{c.index},
		strings.NewReader(body),
		c.m.client.DeleteByQuery.WithContext(ctx),
		c.m.client.DeleteByQuery.WithRefresh(true),
		c.m.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkResponse(res)
}

func (c *collection) Count(ctx context.Context) (int, error) {
	res, err := c.m.client.Count(
		c.m.client.Count.WithContext(ctx),
		c.m.client.Count.WithIndex(c.index),
	)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if err := checkResponse(res); err != nil {
		return 0, err
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode es count: %w", err)
	}
	return out.Count, nil
}

func (c *collection) exists(ctx context.Context) (bool, error) {
	if _, ok := c.m.ensured.Load(c.index); ok {
		return true, nil
	}
	res, err := c.m.client.Indices.Exists([]string{c.index}, c.m.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, err
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, responseError(res.StatusCode, "")
}

func (c *collection) bulk(ctx context.Context, body io.Reader) error {
	res, err := c.m.client.Bulk(
		body,
		c.m.client.Bulk.WithContext(ctx),
		c.m.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := checkResponse(res); err != nil {
		return err
	}

	var out struct {
		Errors bool                         `json:"errors"`
		Items  []map[string]bulkItemResult `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !out.Errors {
		return nil
	}
	for _, item := range out.Items {
		for action, r := range item {
			// 删除不存在的文档不算失败
			if action == "delete" && r.Status == http.StatusNotFound {
				continue
			}
			if r.Status >= 300 {
				log.Errorf("[ES] bulk %s 失败, index: %s, status: %d, error: %s", action, c.index, r.Status, string(r.Error))
				return responseError(r.Status, string(r.Error))
			}
		}
	}
	return nil
}

type bulkItemResult struct {
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error"`
}

// checkResponse 把错误响应转换为 error。限流和 5xx 可以重试，其余 4xx 不重试。
func checkResponse(res *esapi.Response) error {
	if !res.IsError() {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	return responseError(res.StatusCode, string(body))
}

func responseError(status int, body string) error {
	err := fmt.Errorf("elasticsearch returned status %d: %s", status, body)
	if status == http.StatusTooManyRequests || status >= 500 {
		return err
	}
	return retry.Permanent(err)
}
