package vectorindex

import (
	"context"
	"errors"
	"time"

	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/retry"
)

type retryingManager struct {
	next   Manager
	policy retry.Policy
}

type retryingCollection struct {
	next   Collection
	policy retry.Policy
}

// WithRetry 为 Manager 及其返回的每个集合加上重试。
// 后端用 retry.Permanent 标记的错误不会重试；最终失败时返回 ragerr.ErrIndexUnavailable。
func WithRetry(m Manager, policy retry.Policy) Manager {
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			log.Warnf("[VectorIndex] 第 %d 次调用失败, %s 后重试: %v", attempt, wait, err)
		}
	}
	return &retryingManager{next: m, policy: policy}
}

func (m *retryingManager) Collection(ctx context.Context, conversationID string) (Collection, error) {
	var c Collection
	err := do(ctx, m.policy, conversationID, func(ctx context.Context) error {
		var err error
		c, err = m.next.Collection(ctx, conversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &retryingCollection{next: c, policy: m.policy}, nil
}

func (m *retryingManager) DeleteCollection(ctx context.Context, conversationID string) error {
	return do(ctx, m.policy, conversationID, func(ctx context.Context) error {
		return m.next.DeleteCollection(ctx, conversationID)
	})
}

func (c *retryingCollection) ConversationID() string { return c.next.ConversationID() }

func (c *retryingCollection) Upsert(ctx context.Context, entries ...Entry) error {
	return do(ctx, c.policy, c.ConversationID(), func(ctx context.Context) error {
		return c.next.Upsert(ctx, entries...)
	})
}

func (c *retryingCollection) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Hit, error) {
	var hits []Hit
	err := do(ctx, c.policy, c.ConversationID(), func(ctx context.Context) error {
		var err error
		hits, err = c.next.Search(ctx, vector, topK, filter)
		return err
	})
	return hits, err
}

func (c *retryingCollection) Delete(ctx context.Context, chunkIDs ...string) error {
	return do(ctx, c.policy, c.ConversationID(), func(ctx context.Context) error {
		return c.next.Delete(ctx, chunkIDs...)
	})
}

func (c *retryingCollection) DeleteDocument(ctx context.Context, documentID string) error {
	return do(ctx, c.policy, c.ConversationID(), func(ctx context.Context) error {
		return c.next.DeleteDocument(ctx, documentID)
	})
}

func (c *retryingCollection) Count(ctx context.Context) (int, error) {
	var n int
	err := do(ctx, c.policy, c.ConversationID(), func(ctx context.Context) error {
		var err error
		n, err = c.next.Count(ctx)
		return err
	})
	return n, err
}

func do(ctx context.Context, policy retry.Policy, conversationID string, op func(context.Context) error) error {
	err := policy.Do(ctx, func(ctx context.Context) error {
		err := op(ctx)
		var re *ragerr.Error
		if errors.As(err, &re) {
			// 已分类的错误（例如会话 ID 非法）不重试
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
	if ragerr.KindOf(err) != nil {
		return err
	}
	return ragerr.New(ragerr.ErrIndexUnavailable, conversationID, "", err)
}
