package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pai-docchat-go/internal/service"
	"pai-docchat-go/pkg/log"
)

// DocumentHandler 负责处理文档上传与管理相关的 API 请求。
type DocumentHandler struct {
	docService    service.DocumentService
	maxUploadSize int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。maxUploadSize <= 0 表示不限制。
func NewDocumentHandler(docService service.DocumentService, maxUploadSize int64) *DocumentHandler {
	return &DocumentHandler{docService: docService, maxUploadSize: maxUploadSize}
}

// Upload 处理 multipart 文件上传，字段名为 file。
func (h *DocumentHandler) Upload(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+1<<20)
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": "文件过大", "data": nil})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少上传文件", "data": nil})
		return
	}
	if h.maxUploadSize > 0 && fileHeader.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": "文件过大", "data": nil})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Error("Upload: failed to open multipart file", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无法读取上传文件", "data": nil})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		log.Error("Upload: failed to read multipart file", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无法读取上传文件", "data": nil})
		return
	}

	result, err := h.docService.Upload(c.Request.Context(), c.Param("id"), fileHeader.Filename, data)
	if err != nil {
		respondError(c, "Upload", err)
		return
	}
	respondOK(c, "上传成功", result)
}

// List 返回会话中的文档列表。
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.docService.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "ListDocuments", err)
		return
	}
	respondOK(c, "success", docs)
}

// Get 返回单个文档的状态。
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.docService.Get(c.Request.Context(), c.Param("id"), c.Param("documentId"))
	if err != nil {
		respondError(c, "GetDocument", err)
		return
	}
	respondOK(c, "success", doc)
}

// Delete 删除文档及其分块。
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.docService.Delete(c.Request.Context(), c.Param("id"), c.Param("documentId")); err != nil {
		respondError(c, "DeleteDocument", err)
		return
	}
	respondOK(c, "文档已删除", nil)
}

// Sources 按 ?ids=a,b 返回被引用分块的原文。
func (h *DocumentHandler) Sources(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少分块 ID", "data": nil})
		return
	}
	sources, err := h.docService.ChunkSources(c.Request.Context(), c.Param("id"), ids)
	if err != nil {
		respondError(c, "ChunkSources", err)
		return
	}
	respondOK(c, "success", sources)
}

// SupportedTypes 返回支持上传的文件类型。
func (h *DocumentHandler) SupportedTypes(c *gin.Context) {
	respondOK(c, "success", gin.H{"types": h.docService.SupportedTypes()})
}
