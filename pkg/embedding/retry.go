package embedding

import (
	"context"
	"errors"
	"time"

	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/retry"
)

type retryingClient struct {
	Client
	policy retry.Policy
}

// WithRetry 为 client 加上重试：只重试 IsTransient 的错误，
// 最终失败时返回 ragerr.ErrEmbeddingServiceUnavailable。
func WithRetry(client Client, policy retry.Policy) Client {
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			log.Warnf("[EmbeddingClient] 第 %d 次调用失败, %s 后重试: %v", attempt, wait, err)
		}
	}
	return &retryingClient{Client: client, policy: policy}
}

func (c *retryingClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.Client.CreateEmbedding(ctx, text)
		out = v
		return err
	})
	return out, err
}

func (c *retryingClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.Client.CreateEmbeddings(ctx, texts)
		out = v
		return err
	})
	return out, err
}

func (c *retryingClient) do(ctx context.Context, op func(context.Context) error) error {
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && !IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return ragerr.New(ragerr.ErrEmbeddingServiceUnavailable, "", "", err)
}
