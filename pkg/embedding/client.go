// Package embedding provides clients that turn text into vectors.
package embedding

import (
	"context"
	"fmt"
	"math"

	"pai-docchat-go/internal/config"
)

// Client defines the interface for an embedding client.
// 同一部署内，相同的输入必须得到相同的向量。
type Client interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
	// CreateEmbeddings 返回与 texts 一一对应的向量。
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Model 返回模型版本标识，随分块一起持久化。
	Model() string
}

// NewClient creates a new embedding client based on the provider in the config.
func NewClient(cfg config.EmbeddingConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg), nil
	case "hash":
		return NewHashClient(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// l2normalize 把向量缩放为单位长度，零向量保持不变。
func l2normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
