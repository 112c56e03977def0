package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pai-docchat-go/internal/service"
)

// ConversationHandler 处理与会话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// Create 创建一个新会话。
func (h *ConversationHandler) Create(c *gin.Context) {
	conv, err := h.service.Create(c.Request.Context())
	if err != nil {
		respondError(c, "CreateConversation", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": http.StatusCreated, "message": "会话创建成功", "data": conv})
}

// Get 返回会话概览。
func (h *ConversationHandler) Get(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "GetConversation", err)
		return
	}
	respondOK(c, "success", summary)
}

// History 返回会话的问答历史。
func (h *ConversationHandler) History(c *gin.Context) {
	history, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "GetConversationHistory", err)
		return
	}
	respondOK(c, "success", history)
}

// Delete 删除会话及其全部文档。
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "DeleteConversation", err)
		return
	}
	respondOK(c, "会话已删除", nil)
}
