// Package pipeline 定义了文档入库的核心流程：提取、清洗、分块、向量化、写入索引。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"pai-docchat-go/internal/model"
	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/internal/repository"
	"pai-docchat-go/pkg/embedding"
	"pai-docchat-go/pkg/extract"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/tasks"
	"pai-docchat-go/pkg/vectorindex"
)

// PayloadStore 读取和删除异步入库时暂存的原始文件。
type PayloadStore interface {
	Get(ctx context.Context, objectName string) ([]byte, error)
	Remove(ctx context.Context, objectName string) error
}

// Outcome 是一次成功入库的结果。
type Outcome struct {
	ChunkCount int
	Truncated  bool
}

// Processor 封装了文档入库的所有依赖和逻辑。
// 同一会话中同一文档的入库与删除互斥执行，分块行与索引条目总是一起被替换。
type Processor struct {
	extractor extract.Extractor
	cleaner   *Cleaner
	chunker   *Chunker
	embedder  embedding.Client
	index     vectorindex.Manager
	docRepo   repository.DocumentRepository
	chunkRepo repository.ChunkRepository
	payloads  PayloadStore
	batchSize int

	locks keyedMutex
}

// NewProcessor 创建一个新的 Processor 实例。payloads 只在异步入库时需要，可以为 nil。
func NewProcessor(
	extractor extract.Extractor,
	cleaner *Cleaner,
	chunker *Chunker,
	embedder embedding.Client,
	index vectorindex.Manager,
	docRepo repository.DocumentRepository,
	chunkRepo repository.ChunkRepository,
	payloads PayloadStore,
	batchSize int,
) *Processor {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Processor{
		extractor: extractor,
		cleaner:   cleaner,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		docRepo:   docRepo,
		chunkRepo: chunkRepo,
		payloads:  payloads,
		batchSize: batchSize,
	}
}

func lockKey(conversationID, documentID string) string {
	return conversationID + "/" + documentID
}

// Ingest 对一份已登记的文档执行完整的入库流程，并更新文档状态。
// 失败时文档被标记为 failed，返回的错误带有 ragerr 类别。
func (p *Processor) Ingest(ctx context.Context, conversationID, documentID, fileName string, data []byte) (Outcome, error) {
	unlock := p.locks.Lock(lockKey(conversationID, documentID))
	defer unlock()

	ctx = log.WithFields(ctx, "conversationId", conversationID, "documentId", documentID)
	log.Ctx(ctx).Infof("[Processor] 开始处理文件, file: %s, size: %d", fileName, len(data))
	p.setStatus(ctx, conversationID, documentID, map[string]any{"status": model.DocumentStatusProcessing})

	out, err := p.ingest(ctx, conversationID, documentID, fileName, data)
	if err != nil {
		if kind := ragerr.KindOf(err); kind != nil {
			err = ragerr.Wrap(kind, conversationID, documentID, err)
		}
		log.Ctx(ctx).Errorf("[Processor] 文件处理失败: %v", err)
		p.setStatus(ctx, conversationID, documentID, map[string]any{
			"status":        model.DocumentStatusFailed,
			"error_message": errorMessage(err),
		})
		return Outcome{}, err
	}

	now := time.Now()
	p.setStatus(ctx, conversationID, documentID, map[string]any{
		"status":        model.DocumentStatusIndexed,
		"chunk_count":   out.ChunkCount,
		"truncated":     out.Truncated,
		"error_message": "",
		"indexed_at":    &now,
	})
	log.Ctx(ctx).Infof("[Processor] 文件处理成功完成, chunks: %d", out.ChunkCount)
	return out, nil
}

func (p *Processor) ingest(ctx context.Context, conversationID, documentID, fileName string, data []byte) (Outcome, error) {
	// 1. 提取文本
	res, err := p.extractor.Extract(ctx, fileName, data)
	if err != nil {
		if ragerr.KindOf(err) == nil {
			err = ragerr.New(ragerr.ErrCorruptDocument, conversationID, documentID, err)
		}
		return Outcome{}, err
	}
	if res.Truncated {
		log.Ctx(ctx).Warnf("[Processor] 文件 '%s' 只提取到部分内容", fileName)
	}

	// 2. 清洗与分块
	text := p.cleaner.Clean(res.Text)
	chunks := p.chunker.Split(text)
	log.Ctx(ctx).Infof("[Processor] 文本清洗与分块完成, 长度: %d 字符, 分块数: %d", utf8.RuneCountInString(text), len(chunks))

	coll, err := p.index.Collection(ctx, conversationID)
	if err != nil {
		return Outcome{}, err
	}
	previous, err := p.chunkRepo.FindByDocument(ctx, conversationID, documentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load previous chunks: %w", err)
	}

	// 3. 分批向量化，全部成功后才写入索引
	entries := make([]vectorindex.Entry, 0, len(chunks))
	records := make([]model.ChunkRecord, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.batchSize {
		batch := chunks[start:min(start+p.batchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := p.embedder.CreateEmbeddings(ctx, texts)
		if err != nil {
			return Outcome{}, err
		}
		if len(vectors) != len(batch) {
			return Outcome{}, ragerr.New(ragerr.ErrEmbeddingServiceUnavailable, conversationID, documentID,
				fmt.Errorf("expected %d vectors, got %d", len(batch), len(vectors)))
		}
		for i, c := range batch {
			entry := vectorindex.Entry{
				ChunkID:      model.ChunkID(documentID, c.Ordinal),
				DocumentID:   documentID,
				FileName:     fileName,
				Ordinal:      c.Ordinal,
				Start:        c.Start,
				End:          c.End,
				Text:         c.Text,
				ModelVersion: p.embedder.Model(),
				Vector:       vectors[i],
			}
			entries = append(entries, entry)
			records = append(records, model.ChunkRecord{
				ChunkID:        entry.ChunkID,
				ConversationID: conversationID,
				DocumentID:     documentID,
				Ordinal:        c.Ordinal,
				StartOffset:    c.Start,
				EndOffset:      c.End,
				Overlap:        c.Overlap,
				TextContent:    c.Text,
				ModelVersion:   entry.ModelVersion,
			})
		}
		log.Ctx(ctx).Infof("[Processor] 已向量化分块 %d/%d", start+len(batch), len(chunks))
	}

	// 4. 写入索引，删除上一次入库遗留、本次不再存在的分块，最后保存分块记录。
	// 任何一步失败都撤回本次新写入的分块，索引中不留下数据库里没有的分块。
	var written []string
	fail := func(err error) (Outcome, error) {
		p.rollback(ctx, coll, newChunkIDs(written, previous))
		return Outcome{}, err
	}
	for start := 0; start < len(entries); start += p.batchSize {
		batch := entries[start:min(start+p.batchSize, len(entries))]
		if err := coll.Upsert(ctx, batch...); err != nil {
			return fail(err)
		}
		for _, e := range batch {
			written = append(written, e.ChunkID)
		}
	}
	if stale := staleChunkIDs(previous, len(chunks)); len(stale) > 0 {
		if err := coll.Delete(ctx, stale...); err != nil {
			return fail(err)
		}
	}
	if err := p.chunkRepo.ReplaceForDocument(ctx, conversationID, documentID, records); err != nil {
		return fail(fmt.Errorf("failed to save chunks: %w", err))
	}
	return Outcome{ChunkCount: len(chunks), Truncated: res.Truncated}, nil
}

// Remove 从索引和数据库中删除一份文档。
func (p *Processor) Remove(ctx context.Context, conversationID, documentID string) error {
	unlock := p.locks.Lock(lockKey(conversationID, documentID))
	defer unlock()

	coll, err := p.index.Collection(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := coll.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := p.chunkRepo.DeleteByDocument(ctx, conversationID, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := p.docRepo.Delete(ctx, conversationID, documentID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	log.Infof("[Processor] 文档已删除, conversation: %s, document: %s", conversationID, documentID)
	return nil
}

// Process 处理一个来自 Kafka 的异步入库任务。
// 只有索引或向量化服务暂时不可用时才返回错误，让消息重新投递；
// 其余失败已记录在文档状态中，暂存文件随即删除。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	if p.payloads == nil {
		return errors.New("payload store not configured")
	}
	data, err := p.payloads.Get(ctx, task.ObjectName)
	if err != nil {
		return err
	}
	_, err = p.Ingest(ctx, task.ConversationID, task.DocumentID, task.FileName, data)
	if err != nil && isTransient(err) {
		return err
	}
	if rmErr := p.payloads.Remove(ctx, task.ObjectName); rmErr != nil {
		log.Warnf("[Processor] 删除暂存文件失败, object: %s, error: %v", task.ObjectName, rmErr)
	}
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, ragerr.ErrEmbeddingServiceUnavailable) || errors.Is(err, ragerr.ErrIndexUnavailable)
}

func (p *Processor) setStatus(ctx context.Context, conversationID, documentID string, fields map[string]any) {
	if err := p.docRepo.UpdateFields(ctx, conversationID, documentID, fields); err != nil {
		log.Warnf("[Processor] 更新文档状态失败, document: %s, fields: %v, error: %v", documentID, fields, err)
	}
}

// Discard 在异步任务被放弃后删除暂存文件。文档已在最后一次失败时被标记为 failed。
func (p *Processor) Discard(ctx context.Context, task tasks.IngestTask) error {
	if p.payloads == nil {
		return nil
	}
	if err := p.payloads.Remove(ctx, task.ObjectName); err != nil {
		return err
	}
	log.Warnf("[Processor] 入库任务已放弃并删除暂存文件, document: %s, object: %s", task.DocumentID, task.ObjectName)
	return nil
}

// rollback 删除本次入库新写入的分块。使用独立的 context，请求被取消时也能完成清理。
func (p *Processor) rollback(ctx context.Context, coll vectorindex.Collection, chunkIDs []string) {
	if len(chunkIDs) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := coll.Delete(cleanupCtx, chunkIDs...); err != nil {
		log.Ctx(ctx).Errorf("[Processor] 撤回已写入的分块失败, chunks: %d, error: %v", len(chunkIDs), err)
		return
	}
	log.Ctx(ctx).Warnf("[Processor] 入库失败，已撤回 %d 个新写入的分块", len(chunkIDs))
}

// newChunkIDs 返回 written 中不属于上一次入库结果的分块 ID。
func newChunkIDs(written []string, previous []model.ChunkRecord) []string {
	known := make(map[string]struct{}, len(previous))
	for _, r := range previous {
		known[r.ChunkID] = struct{}{}
	}
	var out []string
	for _, id := range written {
		if _, ok := known[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// staleChunkIDs 返回上一次入库中序号不小于 n 的分块 ID。
func staleChunkIDs(previous []model.ChunkRecord, n int) []string {
	var ids []string
	for _, r := range previous {
		if r.Ordinal >= n {
			ids = append(ids, r.ChunkID)
		}
	}
	return ids
}

// errorMessage 返回写入 documents.error_message 的文本，超长时截断。
func errorMessage(err error) string {
	var re *ragerr.Error
	msg := err.Error()
	if errors.As(err, &re) {
		msg = re.Message()
		if re.Err != nil {
			msg += ": " + re.Err.Error()
		}
	}
	if r := []rune(msg); len(r) > 500 {
		msg = string(r[:500])
	}
	return msg
}
