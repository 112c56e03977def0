// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pai-docchat-go/internal/model"
	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/internal/repository"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/vectorindex"
)

// ConversationService 定义了会话生命周期相关的业务逻辑接口。
type ConversationService interface {
	Create(ctx context.Context) (*model.Conversation, error)
	Summary(ctx context.Context, conversationID string) (*model.ConversationSummary, error)
	History(ctx context.Context, conversationID string) ([]model.Turn, error)
	// Delete 删除会话及其全部文档、分块和索引。
	Delete(ctx context.Context, conversationID string) error
}

type conversationService struct {
	convRepo  repository.ConversationRepository
	docRepo   repository.DocumentRepository
	chunkRepo repository.ChunkRepository
	index     vectorindex.Manager
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(
	convRepo repository.ConversationRepository,
	docRepo repository.DocumentRepository,
	chunkRepo repository.ChunkRepository,
	index vectorindex.Manager,
) ConversationService {
	return &conversationService{convRepo: convRepo, docRepo: docRepo, chunkRepo: chunkRepo, index: index}
}

func (s *conversationService) Create(ctx context.Context) (*model.Conversation, error) {
	conv := &model.Conversation{ID: uuid.NewString(), CreatedAt: time.Now()}
	if err := s.convRepo.Create(ctx, conv); err != nil {
		return nil, err
	}
	log.Infof("[ConversationService] 创建会话: %s", conv.ID)
	return conv, nil
}

// Summary 汇总会话的轮数、文档数和已索引分块数。
func (s *conversationService) Summary(ctx context.Context, conversationID string) (*model.ConversationSummary, error) {
	conv, err := requireConversation(ctx, s.convRepo, conversationID)
	if err != nil {
		return nil, err
	}
	summary := &model.ConversationSummary{ID: conv.ID, CreatedAt: model.LocalTime(conv.CreatedAt)}

	if summary.TurnCount, err = s.convRepo.CountTurns(ctx, conversationID); err != nil {
		return nil, err
	}
	docs, err := s.docRepo.CountByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	summary.DocumentCount = int(docs)

	coll, err := s.index.Collection(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if summary.IndexedChunks, err = coll.Count(ctx); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrIndexUnavailable, conversationID, "", err)
	}

	last, err := s.convRepo.RecentTurns(ctx, conversationID, 1)
	if err != nil {
		return nil, err
	}
	if len(last) == 1 {
		t := model.LocalTime(last[0].Timestamp)
		summary.LastTurnAt = &t
	}
	return summary, nil
}

func (s *conversationService) History(ctx context.Context, conversationID string) ([]model.Turn, error) {
	if _, err := requireConversation(ctx, s.convRepo, conversationID); err != nil {
		return nil, err
	}
	return s.convRepo.RecentTurns(ctx, conversationID, 0)
}

func (s *conversationService) Delete(ctx context.Context, conversationID string) error {
	if _, err := requireConversation(ctx, s.convRepo, conversationID); err != nil {
		return err
	}
	if err := s.index.DeleteCollection(ctx, conversationID); err != nil {
		return ragerr.Wrap(ragerr.ErrIndexUnavailable, conversationID, "", err)
	}
	if err := s.chunkRepo.DeleteByConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := s.docRepo.DeleteByConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	if err := s.convRepo.Delete(ctx, conversationID); err != nil {
		return err
	}
	log.Infof("[ConversationService] 删除会话: %s", conversationID)
	return nil
}

// requireConversation 在会话不存在时返回 ragerr.ErrConversationNotFound。
func requireConversation(ctx context.Context, repo repository.ConversationRepository, conversationID string) (*model.Conversation, error) {
	conv, err := repo.Get(ctx, conversationID)
	if errors.Is(err, repository.ErrConversationMissing) {
		return nil, ragerr.New(ragerr.ErrConversationNotFound, conversationID, "", nil)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}
