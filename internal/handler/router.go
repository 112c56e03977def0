package handler

import "github.com/gin-gonic/gin"

// RegisterRoutes 在 /api/v1 路由组上注册所有接口。
func RegisterRoutes(apiV1 *gin.RouterGroup, conv *ConversationHandler, docs *DocumentHandler, chat *ChatHandler) {
	apiV1.GET("/documents/supported-types", docs.SupportedTypes)

	conversations := apiV1.Group("/conversations")
	{
		conversations.POST("", conv.Create)
		conversations.GET("/:id", conv.Get)
		conversations.DELETE("/:id", conv.Delete)
		conversations.GET("/:id/history", conv.History)

		conversations.POST("/:id/documents", docs.Upload)
		conversations.GET("/:id/documents", docs.List)
		conversations.GET("/:id/documents/:documentId", docs.Get)
		conversations.DELETE("/:id/documents/:documentId", docs.Delete)
		conversations.GET("/:id/chunks", docs.Sources)

		conversations.POST("/:id/query", chat.Query)
		conversations.GET("/:id/chat", chat.Handle)
		conversations.GET("/:id/chat/websocket-token", chat.GetWebsocketStopToken)
	}
}
