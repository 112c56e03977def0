// Package vectorindex 定义了按会话隔离的向量索引。
// 每个会话对应一个独立的集合，通过 Manager.Collection 取得句柄后才能读写，
// 句柄之间互不可见。
package vectorindex

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"

	"pai-docchat-go/internal/ragerr"
)

// Similarity 是一个部署内固定的相似度度量。
type Similarity string

const (
	Cosine     Similarity = "cosine"
	DotProduct Similarity = "dot_product"
)

// ParseSimilarity 解析配置中的相似度名称，空字符串视为 cosine。
func ParseSimilarity(s string) (Similarity, error) {
	switch Similarity(s) {
	case "", Cosine:
		return Cosine, nil
	case DotProduct:
		return DotProduct, nil
	}
	return "", fmt.Errorf("unknown similarity %q", s)
}

// Score 计算两个向量的相似度，维度不一致时返回 NaN。
func (s Similarity) Score(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if s == DotProduct {
		return dot
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Entry 是索引中的一条记录，对应文档的一个分块。
type Entry struct {
	ChunkID      string
	DocumentID   string
	FileName     string
	Ordinal      int
	Start        int
	End          int
	Text         string
	ModelVersion string
	Vector       []float32
}

// Hit 是一次检索命中。Entry.Vector 不保证被填充。
type Hit struct {
	Entry
	Score float64
}

// Filter 限定检索范围，nil 或空表示不过滤。
type Filter struct {
	DocumentIDs []string
}

// Match 判断 entry 是否满足过滤条件。
func (f *Filter) Match(e Entry) bool {
	if f == nil || len(f.DocumentIDs) == 0 {
		return true
	}
	return slices.Contains(f.DocumentIDs, e.DocumentID)
}

// Manager 按会话创建和销毁集合。
type Manager interface {
	// Collection 返回会话对应集合的句柄，集合在第一次写入时才真正创建。
	Collection(ctx context.Context, conversationID string) (Collection, error)
	// DeleteCollection 删除会话的集合，集合不存在时不报错。
	DeleteCollection(ctx context.Context, conversationID string) error
}

// Collection 是单个会话的向量集合。
type Collection interface {
	ConversationID() string
	// Upsert 按 ChunkID 幂等写入。
	Upsert(ctx context.Context, entries ...Entry) error
	// Search 返回最多 topK 条命中，按相似度降序，相同分数按 Ordinal、ChunkID 升序。
	// 集合不存在时返回空结果。
	Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Hit, error)
	// Delete 删除指定分块，不存在的 ID 被忽略。
	Delete(ctx context.Context, chunkIDs ...string) error
	// DeleteDocument 删除某个文档的全部分块。
	DeleteDocument(ctx context.Context, documentID string) error
	Count(ctx context.Context) (int, error)
}

// ErrInvalidConversationID 表示会话 ID 不能安全地映射为集合名。
var ErrInvalidConversationID = errors.New("invalid conversation id")

// 小写字母、数字和连字符，首尾为字母或数字。UUID 满足此格式。
var conversationIDPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,46}[a-z0-9])?$`)

// CollectionName 返回会话对应的集合名 {prefix}{conversationID}。
// 只接受不会被后端改写的 ID，保证不同会话不会映射到同一个集合。
func CollectionName(prefix, conversationID string) (string, error) {
	if !conversationIDPattern.MatchString(conversationID) {
		return "", ragerr.New(ragerr.ErrConversationNotFound, conversationID, "",
			fmt.Errorf("%w: %q", ErrInvalidConversationID, conversationID))
	}
	return prefix + conversationID, nil
}

// SortHits 按相似度降序排序，相同分数按 Ordinal、ChunkID 升序。
func SortHits(hits []Hit) {
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Ordinal, b.Ordinal); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkID, b.ChunkID)
	})
}
