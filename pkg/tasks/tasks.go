// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestTask represents one staged upload waiting to be indexed.
type IngestTask struct {
	ConversationID string `json:"conversation_id"`
	DocumentID     string `json:"document_id"`
	FileName       string `json:"file_name"`
	ObjectName     string `json:"object_name"`
}

// Key identifies the (conversation, document) pair; used as the Kafka message key
// so deliveries for the same document stay ordered within a partition.
func (t IngestTask) Key() string {
	return t.ConversationID + "/" + t.DocumentID
}
