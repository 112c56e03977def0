// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/internal/service"
	"pai-docchat-go/pkg/log"
)

// statusByKind 把错误类别映射为 HTTP 状态码。
var statusByKind = map[error]int{
	ragerr.ErrUnsupportedFormat:           http.StatusUnsupportedMediaType,
	ragerr.ErrCorruptDocument:             http.StatusUnprocessableEntity,
	ragerr.ErrInvalidChunkConfig:          http.StatusBadRequest,
	ragerr.ErrEmbeddingServiceUnavailable: http.StatusServiceUnavailable,
	ragerr.ErrIndexUnavailable:            http.StatusServiceUnavailable,
	ragerr.ErrConversationNotFound:        http.StatusNotFound,
	ragerr.ErrDocumentNotFound:            http.StatusNotFound,
	ragerr.ErrGenerationUnavailable:       http.StatusBadGateway,
}

// errorResponse 返回 err 对应的状态码和面向用户的提示。
func errorResponse(err error) (int, string) {
	if errors.Is(err, service.ErrEmptyPrompt) {
		return http.StatusBadRequest, "问题不能为空"
	}
	var re *ragerr.Error
	if errors.As(err, &re) {
		if status, ok := statusByKind[re.Kind]; ok {
			return status, re.Message()
		}
	}
	if kind := ragerr.KindOf(err); kind != nil {
		return statusByKind[kind], ragerr.New(kind, "", "", nil).Message()
	}
	return http.StatusInternalServerError, "服务器内部错误"
}

// respondError 记录错误并写出统一格式的错误响应。
func respondError(c *gin.Context, op string, err error) {
	status, message := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("%s: %v", op, err)
	} else {
		log.Warnf("%s: %v", op, err)
	}
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}

func respondOK(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": message, "data": data})
}
