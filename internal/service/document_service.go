package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"pai-docchat-go/internal/model"
	"pai-docchat-go/internal/pipeline"
	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/internal/repository"
	"pai-docchat-go/pkg/extract"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/tasks"
)

// Ingestor 执行文档入库与删除，由 pipeline.Processor 实现。
type Ingestor interface {
	Ingest(ctx context.Context, conversationID, documentID, fileName string, data []byte) (pipeline.Outcome, error)
	Remove(ctx context.Context, conversationID, documentID string) error
}

// AsyncIngest 把上传的文件暂存后交给消息队列异步入库。
type AsyncIngest struct {
	Stage   func(ctx context.Context, objectName string, data []byte) error
	Enqueue func(ctx context.Context, task tasks.IngestTask) error
	// ObjectName 返回暂存对象的名称
	ObjectName func(conversationID, documentID string) string
}

// ChunkSource 是一个被引用分块的原文，用于前端展示引用来源。
type ChunkSource struct {
	ChunkID    string `json:"chunkId"`
	DocumentID string `json:"documentId"`
	Ordinal    int    `json:"ordinal"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`
}

// DocumentService 接口定义了文档上传与管理相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, conversationID, fileName string, data []byte) (*model.UploadResult, error)
	List(ctx context.Context, conversationID string) ([]model.DocumentDTO, error)
	Get(ctx context.Context, conversationID, documentID string) (*model.DocumentDTO, error)
	Delete(ctx context.Context, conversationID, documentID string) error
	// ChunkSources 按 ID 返回分块原文，不存在的 ID 被忽略。
	ChunkSources(ctx context.Context, conversationID string, chunkIDs []string) ([]ChunkSource, error)
	SupportedTypes() []string
}

type documentService struct {
	convRepo  repository.ConversationRepository
	docRepo   repository.DocumentRepository
	chunkRepo repository.ChunkRepository
	registry  *extract.Registry
	ingestor  Ingestor
	async     *AsyncIngest
}

// NewDocumentService 创建一个新的 DocumentService 实例。async 为 nil 时上传请求同步完成入库。
func NewDocumentService(
	convRepo repository.ConversationRepository,
	docRepo repository.DocumentRepository,
	chunkRepo repository.ChunkRepository,
	registry *extract.Registry,
	ingestor Ingestor,
	async *AsyncIngest,
) DocumentService {
	return &documentService{
		convRepo:  convRepo,
		docRepo:   docRepo,
		chunkRepo: chunkRepo,
		registry:  registry,
		ingestor:  ingestor,
		async:     async,
	}
}

// Upload 登记文档并完成（或排队）入库。文档 ID 是内容的 MD5，
// 同一会话中重复上传相同内容会覆盖之前的分块。
func (s *documentService) Upload(ctx context.Context, conversationID, fileName string, data []byte) (*model.UploadResult, error) {
	if _, err := requireConversation(ctx, s.convRepo, conversationID); err != nil {
		return nil, err
	}
	if !s.registry.IsSupported(fileName) {
		return nil, ragerr.New(ragerr.ErrUnsupportedFormat, conversationID, "",
			fmt.Errorf("file %q", fileName))
	}

	sum := md5.Sum(data)
	documentID := hex.EncodeToString(sum[:])
	doc := &model.Document{
		ID:             documentID,
		ConversationID: conversationID,
		FileName:       fileName,
		FileType:       extract.FileType(fileName),
		Size:           int64(len(data)),
		Status:         model.DocumentStatusQueued,
	}
	if err := s.docRepo.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to save document: %w", err)
	}
	log.Infof("[DocumentService] 文档已登记, conversation: %s, document: %s, file: %s", conversationID, documentID, fileName)

	result := &model.UploadResult{DocumentID: documentID, FileName: fileName}
	if s.async != nil {
		if err := s.enqueue(ctx, conversationID, documentID, fileName, data); err != nil {
			_ = s.docRepo.UpdateFields(ctx, conversationID, documentID, map[string]any{
				"status":        model.DocumentStatusFailed,
				"error_message": err.Error(),
			})
			return nil, err
		}
		result.Status = model.DocumentStatusQueued
		return result, nil
	}

	out, err := s.ingestor.Ingest(ctx, conversationID, documentID, fileName, data)
	if err != nil {
		return nil, err
	}
	result.Status = model.DocumentStatusIndexed
	result.ChunkCount = out.ChunkCount
	result.Truncated = out.Truncated
	return result, nil
}

func (s *documentService) enqueue(ctx context.Context, conversationID, documentID, fileName string, data []byte) error {
	objectName := s.async.ObjectName(conversationID, documentID)
	if err := s.async.Stage(ctx, objectName, data); err != nil {
		return fmt.Errorf("failed to stage payload: %w", err)
	}
	task := tasks.IngestTask{
		ConversationID: conversationID,
		DocumentID:     documentID,
		FileName:       fileName,
		ObjectName:     objectName,
	}
	if err := s.async.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue ingest task: %w", err)
	}
	log.Infof("[DocumentService] 入库任务已发送, document: %s, object: %s", documentID, objectName)
	return nil
}

func (s *documentService) List(ctx context.Context, conversationID string) ([]model.DocumentDTO, error) {
	if _, err := requireConversation(ctx, s.convRepo, conversationID); err != nil {
		return nil, err
	}
	docs, err := s.docRepo.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	dtos := make([]model.DocumentDTO, 0, len(docs))
	for _, d := range docs {
		dtos = append(dtos, d.ToDTO())
	}
	return dtos, nil
}

func (s *documentService) Get(ctx context.Context, conversationID, documentID string) (*model.DocumentDTO, error) {
	doc, err := s.find(ctx, conversationID, documentID)
	if err != nil {
		return nil, err
	}
	dto := doc.ToDTO()
	return &dto, nil
}

func (s *documentService) Delete(ctx context.Context, conversationID, documentID string) error {
	if _, err := s.find(ctx, conversationID, documentID); err != nil {
		return err
	}
	return s.ingestor.Remove(ctx, conversationID, documentID)
}

func (s *documentService) ChunkSources(ctx context.Context, conversationID string, chunkIDs []string) ([]ChunkSource, error) {
	if _, err := requireConversation(ctx, s.convRepo, conversationID); err != nil {
		return nil, err
	}
	records, err := s.chunkRepo.FindByIDs(ctx, conversationID, chunkIDs)
	if err != nil {
		return nil, err
	}
	sources := make([]ChunkSource, 0, len(records))
	for _, r := range records {
		sources = append(sources, ChunkSource{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Ordinal:    r.Ordinal,
			Start:      r.StartOffset,
			End:        r.EndOffset,
			Text:       r.TextContent,
		})
	}
	return sources, nil
}

func (s *documentService) SupportedTypes() []string {
	return s.registry.Supported()
}

// find 先确认会话存在，再查找文档。
func (s *documentService) find(ctx context.Context, conversationID, documentID string) (*model.Document, error) {
	if _, err := requireConversation(ctx, s.convRepo, conversationID); err != nil {
		return nil, err
	}
	doc, err := s.docRepo.Get(ctx, conversationID, documentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ragerr.New(ragerr.ErrDocumentNotFound, conversationID, documentID, nil)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}
