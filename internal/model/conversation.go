// Package model 包含了应用的数据模型定义。
package model

import "time"

// Conversation 代表一个会话。会话是文档和检索索引的隔离边界。
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Turn 代表存储在 Redis 中的一轮问答。
type Turn struct {
	Query         string    `json:"query"`
	Answer        string    `json:"answer"`
	CitedChunkIDs []string  `json:"citedChunkIds,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ConversationSummary 是会话概览接口的返回结构。
type ConversationSummary struct {
	ID            string     `json:"id"`
	CreatedAt     LocalTime  `json:"createdAt"`
	TurnCount     int        `json:"turnCount"`
	DocumentCount int        `json:"documentCount"`
	IndexedChunks int        `json:"indexedChunks"`
	LastTurnAt    *LocalTime `json:"lastTurnAt,omitempty"`
}
