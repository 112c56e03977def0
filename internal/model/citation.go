package model

// Citation 把回答中的 [n] 标记映射回原始文档的位置。
type Citation struct {
	Marker       int    `json:"marker"`
	DocumentID   string `json:"documentId"`
	FileName     string `json:"fileName"`
	ChunkID      string `json:"chunkId"`
	ChunkOrdinal int    `json:"chunkOrdinal"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
	Referenced   bool   `json:"referenced"`
}

// QueryResponse 是问答接口的返回结构。
type QueryResponse struct {
	Answer      string     `json:"answer"`
	Citations   []Citation `json:"citations"`
	ContextUsed bool       `json:"contextUsed"`
	HistoryUsed int        `json:"historyUsed"`
}
