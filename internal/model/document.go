// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 文档处理状态
const (
	DocumentStatusQueued     = "queued"
	DocumentStatusProcessing = "processing"
	DocumentStatusIndexed    = "indexed"
	DocumentStatusFailed     = "failed"
)

// Document 定义了 documents 表的 ORM 模型。
// 同一份文件（按内容 MD5 识别）在不同会话中各有一条记录。
type Document struct {
	ID             string     `gorm:"primaryKey;type:varchar(32)" json:"documentId"`
	ConversationID string     `gorm:"primaryKey;type:varchar(64)" json:"conversationId"`
	FileName       string     `gorm:"type:varchar(255);not null" json:"fileName"`
	FileType       string     `gorm:"type:varchar(16);not null" json:"fileType"`
	Size           int64      `gorm:"not null" json:"size"`
	Status         string     `gorm:"type:varchar(16);not null;index" json:"status"`
	ChunkCount     int        `gorm:"not null;default:0" json:"chunkCount"`
	Truncated      bool       `gorm:"not null;default:false" json:"truncated"`
	ErrorMessage   string     `gorm:"type:varchar(512)" json:"errorMessage,omitempty"`
	UploadedAt     time.Time  `gorm:"autoCreateTime" json:"uploadedAt"`
	IndexedAt      *time.Time `gorm:"default:null" json:"indexedAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// DocumentDTO 是返回给前端的文档信息。
type DocumentDTO struct {
	DocumentID   string     `json:"documentId"`
	FileName     string     `json:"fileName"`
	FileType     string     `json:"fileType"`
	Size         int64      `json:"size"`
	Status       string     `json:"status"`
	ChunkCount   int        `json:"chunkCount"`
	Truncated    bool       `json:"truncated"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	UploadedAt   LocalTime  `json:"uploadedAt"`
	IndexedAt    *LocalTime `json:"indexedAt,omitempty"`
}

// ToDTO 把数据库记录转换为接口返回结构。
func (d Document) ToDTO() DocumentDTO {
	dto := DocumentDTO{
		DocumentID:   d.ID,
		FileName:     d.FileName,
		FileType:     d.FileType,
		Size:         d.Size,
		Status:       d.Status,
		ChunkCount:   d.ChunkCount,
		Truncated:    d.Truncated,
		ErrorMessage: d.ErrorMessage,
		UploadedAt:   LocalTime(d.UploadedAt),
	}
	if d.IndexedAt != nil {
		t := LocalTime(*d.IndexedAt)
		dto.IndexedAt = &t
	}
	return dto
}

// UploadResult 是上传接口的返回结构。
type UploadResult struct {
	DocumentID string `json:"documentId"`
	FileName   string `json:"fileName"`
	ChunkCount int    `json:"chunkCount"`
	Status     string `json:"status"`
	Truncated  bool   `json:"truncated"`
}
