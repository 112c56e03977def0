// Package retrieval 负责查询时的检索：向量化问题、在会话索引中搜索、
// 按分数筛选并在字符预算内拼装上下文。
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/pkg/embedding"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/vectorindex"
)

// ThresholdPolicy 决定 MinScore 如何生效。
type ThresholdPolicy string

const (
	// Lenient 只要有一条命中达到 MinScore，就保留全部命中；全部低于阈值时视为无相关内容。
	Lenient ThresholdPolicy = "lenient"
	// Strict 只保留达到 MinScore 的命中。
	Strict ThresholdPolicy = "strict"
)

const (
	defaultTopK    = 5
	blockSeparator = "\n\n"
)

// Options 是一次检索的参数。
type Options struct {
	TopK int
	// MaxContextChars 是上下文的码点预算，<= 0 表示不限制。
	MaxContextChars int
	MinScore        float64
	Policy          ThresholdPolicy
	// DocumentIDs 非空时只在这些文档中检索。
	DocumentIDs []string
}

// Included 是被放入上下文的一个分块。Marker 从 1 开始，与上下文中的 [n] 对应。
type Included struct {
	Marker int
	vectorindex.Hit
}

// Result 是一次检索的结果。
type Result struct {
	// Hits 是索引返回的全部命中，按分数降序。
	Hits []vectorindex.Hit
	// Included 按上下文中的顺序排列。
	Included          []Included
	Context           string
	NoRelevantContext bool
}

// Retriever 组合 Embedder 和会话索引完成检索。
type Retriever struct {
	embedder embedding.Client
	index    vectorindex.Manager
}

// NewRetriever 创建一个 Retriever。
func NewRetriever(embedder embedding.Client, index vectorindex.Manager) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Retrieve 只在 conversationID 对应的集合中检索。
func (r *Retriever) Retrieve(ctx context.Context, conversationID, query string, opts Options) (Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}

	vector, err := r.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return Result{}, ragerr.Wrap(ragerr.ErrEmbeddingServiceUnavailable, conversationID, "", err)
	}

	col, err := r.index.Collection(ctx, conversationID)
	if err != nil {
		return Result{}, ragerr.Wrap(ragerr.ErrIndexUnavailable, conversationID, "", err)
	}
	var filter *vectorindex.Filter
	if len(opts.DocumentIDs) > 0 {
		filter = &vectorindex.Filter{DocumentIDs: opts.DocumentIDs}
	}
	hits, err := col.Search(ctx, vector, opts.TopK, filter)
	if err != nil {
		return Result{}, ragerr.Wrap(ragerr.ErrIndexUnavailable, conversationID, "", err)
	}

	kept := applyThreshold(hits, opts.MinScore, opts.Policy)
	included, text := pack(kept, opts.MaxContextChars)
	log.Infof("[Retriever] 会话 %s 检索完成, 命中: %d, 保留: %d, 放入上下文: %d", conversationID, len(hits), len(kept), len(included))

	return Result{
		Hits:              hits,
		Included:          included,
		Context:           text,
		NoRelevantContext: len(included) == 0,
	}, nil
}

// applyThreshold 按策略筛选命中，hits 已按分数降序。
func applyThreshold(hits []vectorindex.Hit, minScore float64, policy ThresholdPolicy) []vectorindex.Hit {
	if len(hits) == 0 {
		return nil
	}
	if policy == Strict {
		kept := make([]vectorindex.Hit, 0, len(hits))
		for _, h := range hits {
			if h.Score >= minScore {
				kept = append(kept, h)
			}
		}
		return kept
	}
	if hits[0].Score < minScore {
		return nil
	}
	return hits
}

// pack 按分数从高到低依次放入上下文，放不下的块整体跳过，不截断。
// 预算按码点计算，包含块之间的分隔符。
func pack(hits []vectorindex.Hit, budget int) ([]Included, string) {
	var (
		included []Included
		sb       strings.Builder
		used     int
	)
	for _, h := range hits {
		block := formatBlock(len(included)+1, h)
		cost := utf8.RuneCountInString(block)
		if len(included) > 0 {
			cost += utf8.RuneCountInString(blockSeparator)
		}
		if budget > 0 && used+cost > budget {
			continue
		}
		if len(included) > 0 {
			sb.WriteString(blockSeparator)
		}
		sb.WriteString(block)
		used += cost
		included = append(included, Included{Marker: len(included) + 1, Hit: h})
	}
	return included, sb.String()
}

// formatBlock 生成带编号和出处的上下文块。
func formatBlock(marker int, h vectorindex.Hit) string {
	return fmt.Sprintf("[%d] %s (chunk %d, %d-%d)\n%s", marker, h.FileName, h.Ordinal, h.Start, h.End, h.Text)
}
