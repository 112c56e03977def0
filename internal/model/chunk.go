package model

import "fmt"

// ChunkRecord 对应于数据库中的 document_chunks 表。
// 向量本身只存放在向量索引中，这里保留文本与位置，用于引用回溯和重建索引。
type ChunkRecord struct {
	ChunkID        string `gorm:"primaryKey;type:varchar(48);column:chunk_id"`
	ConversationID string `gorm:"primaryKey;type:varchar(64);index:idx_conv_doc,priority:1;column:conversation_id"`
	DocumentID     string `gorm:"type:varchar(32);not null;index:idx_conv_doc,priority:2;column:document_id"`
	Ordinal        int    `gorm:"not null;column:ordinal"`
	StartOffset    int    `gorm:"not null;column:start_offset"`
	EndOffset      int    `gorm:"not null;column:end_offset"`
	Overlap        int    `gorm:"not null;default:0;column:overlap"`
	TextContent    string `gorm:"type:text;column:text_content"`
	ModelVersion   string `gorm:"type:varchar(64);column:model_version"`
}

func (ChunkRecord) TableName() string {
	return "document_chunks"
}

// ChunkID 返回文档第 ordinal 个分块的确定性 ID，重复入库会覆盖而不是追加。
func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s_%d", documentID, ordinal)
}
