package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

const defaultHashDimensions = 256

// hashClient 通过特征哈希生成向量，不依赖外部服务。
// 英文按词切分，中日韩文字按单字和相邻二元组切分，结果经过 L2 归一化。
type hashClient struct {
	dims int
}

// NewHashClient 创建一个本地特征哈希客户端，dims <= 0 时使用 256 维。
func NewHashClient(dims int) Client {
	if dims <= 0 {
		dims = defaultHashDimensions
	}
	return &hashClient{dims: dims}
}

func (h *hashClient) Dimensions() int { return h.dims }

func (h *hashClient) Model() string { return fmt.Sprintf("hash-v1-%d", h.dims) }

func (h *hashClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, h.dims)
	for _, tok := range tokenize(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	l2normalize(v)
	return v, nil
}

func (h *hashClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.CreateEmbedding(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var prevHan rune
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case isHan(r):
			flush()
			tokens = append(tokens, string(r))
			if prevHan != 0 {
				tokens = append(tokens, string([]rune{prevHan, r}))
			}
			prevHan = r
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
		prevHan = 0
	}
	flush()
	return tokens
}

func isHan(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}
