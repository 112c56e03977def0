// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pai-docchat-go/internal/model"
)

// DocumentRepository 定义了对 documents 表的数据操作接口。
// 记录不存在时返回 gorm.ErrRecordNotFound。
type DocumentRepository interface {
	// Save 创建记录，同一会话中已存在相同文档时整体覆盖。
	Save(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, conversationID, documentID string) (*model.Document, error)
	ListByConversation(ctx context.Context, conversationID string) ([]model.Document, error)
	CountByConversation(ctx context.Context, conversationID string) (int64, error)
	UpdateFields(ctx context.Context, conversationID, documentID string, fields map[string]any) error
	Delete(ctx context.Context, conversationID, documentID string) error
	DeleteByConversation(ctx context.Context, conversationID string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Save(ctx context.Context, doc *model.Document) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(doc).Error
}

func (r *documentRepository) Get(ctx context.Context, conversationID, documentID string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND id = ?", conversationID, documentID).
		First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListByConversation 按上传时间倒序返回会话中的全部文档。
func (r *documentRepository) ListByConversation(ctx context.Context, conversationID string) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("uploaded_at DESC").
		Find(&docs).Error
	return docs, err
}

func (r *documentRepository) CountByConversation(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	return n, err
}

func (r *documentRepository) UpdateFields(ctx context.Context, conversationID, documentID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("conversation_id = ? AND id = ?", conversationID, documentID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *documentRepository) Delete(ctx context.Context, conversationID, documentID string) error {
	return r.db.WithContext(ctx).
		Where("conversation_id = ? AND id = ?", conversationID, documentID).
		Delete(&model.Document{}).Error
}

func (r *documentRepository) DeleteByConversation(ctx context.Context, conversationID string) error {
	return r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&model.Document{}).Error
}
