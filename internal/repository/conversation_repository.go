package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"pai-docchat-go/internal/model"
)

// 对话历史在最后一次追加 7 天后过期。会话记录本身不过期，
// 只能通过 Delete 删除，这样文档、分块和索引总能随会话一起被清理。
const historyTTL = 7 * 24 * time.Hour

// ErrConversationMissing 表示 Redis 中没有该会话。
var ErrConversationMissing = errors.New("conversation does not exist")

// ConversationRepository 定义了会话和对话历史的操作接口。
type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	// Get 在会话不存在时返回 ErrConversationMissing。
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	Delete(ctx context.Context, conversationID string) error
	// AppendTurn 追加一轮问答，只保留最近 keep 轮。
	AppendTurn(ctx context.Context, conversationID string, turn model.Turn, keep int) error
	// RecentTurns 按时间顺序返回最近 n 轮，n <= 0 时返回全部。
	RecentTurns(ctx context.Context, conversationID string, n int) ([]model.Turn, error)
	CountTurns(ctx context.Context, conversationID string) (int, error)
}

type redisConversationRepository struct {
	redisClient *redis.Client
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(redisClient *redis.Client) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient}
}

func conversationKey(id string) string { return fmt.Sprintf("conversation:%s", id) }

func turnsKey(id string) string { return fmt.Sprintf("conversation:%s:turns", id) }

// Create 保存会话元数据。
func (r *redisConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	jsonData, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	ok, err := r.redisClient.SetNX(ctx, conversationKey(conv.ID), jsonData, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	if !ok {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	return nil
}

// Get 从 Redis 获取会话元数据。
func (r *redisConversationRepository) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	jsonData, err := r.redisClient.Get(ctx, conversationKey(conversationID)).Result()
	if err == redis.Nil {
		return nil, ErrConversationMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	var conv model.Conversation
	if err := json.Unmarshal([]byte(jsonData), &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (r *redisConversationRepository) Delete(ctx context.Context, conversationID string) error {
	if err := r.redisClient.Del(ctx, conversationKey(conversationID), turnsKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// AppendTurn 在一个事务中追加、裁剪并续期历史。
func (r *redisConversationRepository) AppendTurn(ctx context.Context, conversationID string, turn model.Turn, keep int) error {
	jsonData, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	if keep <= 0 {
		keep = 20
	}
	key := turnsKey(conversationID)
	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, jsonData)
		pipe.LTrim(ctx, key, int64(-keep), -1)
		pipe.Expire(ctx, key, historyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append conversation turn: %w", err)
	}
	return nil
}

func (r *redisConversationRepository) RecentTurns(ctx context.Context, conversationID string, n int) ([]model.Turn, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	items, err := r.redisClient.LRange(ctx, turnsKey(conversationID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	turns := make([]model.Turn, 0, len(items))
	for _, item := range items {
		var t model.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (r *redisConversationRepository) CountTurns(ctx context.Context, conversationID string) (int, error) {
	n, err := r.redisClient.LLen(ctx, turnsKey(conversationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count conversation turns: %w", err)
	}
	return int(n), nil
}
