// Package ragerr 定义了文档问答流程中对外暴露的错误类别。
package ragerr

import (
	"errors"
	"strings"
)

// 错误类别。使用 errors.Is 判断类别，不要比较错误字符串。
var (
	ErrUnsupportedFormat           = errors.New("unsupported format")
	ErrCorruptDocument             = errors.New("corrupt document")
	ErrInvalidChunkConfig          = errors.New("invalid chunk config")
	ErrEmbeddingServiceUnavailable = errors.New("embedding service unavailable")
	ErrIndexUnavailable            = errors.New("index unavailable")
	ErrConversationNotFound        = errors.New("conversation not found")
	ErrDocumentNotFound            = errors.New("document not found")
	ErrGenerationUnavailable       = errors.New("generation service unavailable")
)

// userMessages 是各类别面向用户的提示文本，不包含任何底层传输细节。
var userMessages = map[error]string{
	ErrUnsupportedFormat:           "不支持的文件类型",
	ErrCorruptDocument:             "文件已损坏或无法解析",
	ErrInvalidChunkConfig:          "分块配置无效",
	ErrEmbeddingServiceUnavailable: "向量化服务暂时不可用，请稍后重试",
	ErrIndexUnavailable:            "检索索引暂时不可用，请稍后重试",
	ErrConversationNotFound:        "会话不存在",
	ErrDocumentNotFound:            "文档不存在",
	ErrGenerationUnavailable:       "AI服务暂时不可用，请稍后重试",
}

// Error 携带错误类别以及定位问题所需的会话 ID 和文档 ID。
type Error struct {
	Kind           error
	ConversationID string
	DocumentID     string
	Err            error
}

// New 创建一个带上下文的错误。err 可以为 nil。
func New(kind error, conversationID, documentID string, err error) *Error {
	return &Error{Kind: kind, ConversationID: conversationID, DocumentID: documentID, Err: err}
}

// Wrap 与 New 相同，但当 err 已经是 *Error 时只补全缺失的 ID，保留原有类别。
func Wrap(kind error, conversationID, documentID string, err error) error {
	var re *Error
	if errors.As(err, &re) {
		if re.ConversationID == "" {
			re.ConversationID = conversationID
		}
		if re.DocumentID == "" {
			re.DocumentID = documentID
		}
		return re
	}
	return New(kind, conversationID, documentID, err)
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.ConversationID != "" {
		b.WriteString(" (conversation=")
		b.WriteString(e.ConversationID)
		if e.DocumentID != "" {
			b.WriteString(", document=")
			b.WriteString(e.DocumentID)
		}
		b.WriteString(")")
	} else if e.DocumentID != "" {
		b.WriteString(" (document=")
		b.WriteString(e.DocumentID)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap 同时暴露类别与底层原因，errors.Is 对两者都能命中。
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Message 返回面向用户的提示，附带会话与文档 ID。
func (e *Error) Message() string {
	msg, ok := userMessages[e.Kind]
	if !ok {
		msg = "服务器内部错误"
	}
	if e.DocumentID != "" {
		msg += "（文档: " + e.DocumentID + "）"
	}
	if e.ConversationID != "" {
		msg += "（会话: " + e.ConversationID + "）"
	}
	return msg
}

// KindOf 返回 err 链上的第一个已知类别，没有则返回 nil。
func KindOf(err error) error {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	for kind := range userMessages {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
