package repository

import (
	"context"

	"gorm.io/gorm"

	"pai-docchat-go/internal/model"
)

// ChunkRepository 定义了对 document_chunks 表的数据操作接口。
type ChunkRepository interface {
	// ReplaceForDocument 在一个事务内删除文档的旧分块并写入新分块。
	ReplaceForDocument(ctx context.Context, conversationID, documentID string, chunks []model.ChunkRecord) error
	FindByDocument(ctx context.Context, conversationID, documentID string) ([]model.ChunkRecord, error)
	FindByIDs(ctx context.Context, conversationID string, chunkIDs []string) ([]model.ChunkRecord, error)
	DeleteByDocument(ctx context.Context, conversationID, documentID string) error
	DeleteByConversation(ctx context.Context, conversationID string) error
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

func (r *chunkRepository) ReplaceForDocument(ctx context.Context, conversationID, documentID string, chunks []model.ChunkRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ? AND document_id = ?", conversationID, documentID).
			Delete(&model.ChunkRecord{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, 100).Error // 每100条记录一批
	})
}

// FindByDocument 按序号返回文档的全部分块。
func (r *chunkRepository) FindByDocument(ctx context.Context, conversationID, documentID string) ([]model.ChunkRecord, error) {
	var chunks []model.ChunkRecord
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND document_id = ?", conversationID, documentID).
		Order("ordinal ASC").
		Find(&chunks).Error
	return chunks, err
}

func (r *chunkRepository) FindByIDs(ctx context.Context, conversationID string, chunkIDs []string) ([]model.ChunkRecord, error) {
	var chunks []model.ChunkRecord
	if len(chunkIDs) == 0 {
		return chunks, nil
	}
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND chunk_id IN ?", conversationID, chunkIDs).
		Find(&chunks).Error
	return chunks, err
}

func (r *chunkRepository) DeleteByDocument(ctx context.Context, conversationID, documentID string) error {
	return r.db.WithContext(ctx).
		Where("conversation_id = ? AND document_id = ?", conversationID, documentID).
		Delete(&model.ChunkRecord{}).Error
}

func (r *chunkRepository) DeleteByConversation(ctx context.Context, conversationID string) error {
	return r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&model.ChunkRecord{}).Error
}
