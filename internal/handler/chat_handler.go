package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pai-docchat-go/internal/service"
	"pai-docchat-go/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// 停止令牌的有效期
const stopTokenTTL = time.Hour

// ChatHandler 负责处理问答请求，包括 REST 与 WebSocket 流式两种方式。
type ChatHandler struct {
	chatService service.ChatService
	// 停止令牌只在签发它的会话上有效，互不影响
	stopTokens sync.Map // key: token, value: stopToken
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

type stopToken struct {
	conversationID string
	issuedAt       time.Time
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// QueryRequest 是问答接口的请求体。
type QueryRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// Query 处理一次非流式问答。
func (h *ChatHandler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}
	resp, err := h.chatService.Query(c.Request.Context(), c.Param("id"), req.Prompt)
	if err != nil {
		respondError(c, "Query", err)
		return
	}
	respondOK(c, "success", resp)
}

// GetWebsocketStopToken 为会话签发一个可用于停止流的令牌。
// 令牌保存在内存中，只适用于单实例部署。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	now := time.Now()
	h.stopTokens.Range(func(k, v any) bool {
		if now.Sub(v.(stopToken).issuedAt) > stopTokenTTL {
			h.stopTokens.Delete(k)
		}
		return true
	})
	token := "WSS_STOP_CMD_" + uuid.NewString()
	h.stopTokens.Store(token, stopToken{conversationID: c.Param("id"), issuedAt: now})
	respondOK(c, "success", gin.H{"cmdToken": token})
}

// Handle 处理一个会话的 WebSocket 连接，每条文本消息是一个问题。
// 回答在独立的 goroutine 中流式写出，读循环因此可以随时收到停止指令。
func (h *ChatHandler) Handle(c *gin.Context) {
	conversationID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	key := sessionKey(conn)
	defer h.stopFlags.Delete(key)

	ws := &lockedConn{conn: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	var wg sync.WaitGroup
	var busy atomic.Bool
	defer func() {
		cancel()
		wg.Wait()
	}()

	log.Infof("WebSocket 连接已建立，会话: %s", conversationID)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			return
		}
		log.Infof("收到 WebSocket 消息: %s", string(message))

		if h.isStopCommand(conversationID, message) {
			// 设置停止标志并回发确认
			h.stopFlags.Store(key, true)
			ws.writeJSON(map[string]interface{}{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
				"date":      time.Now().Format("2006-01-02T15:04:05"),
			})
			continue
		}
		if !busy.CompareAndSwap(false, true) {
			ws.writeJSON(map[string]interface{}{"error": "上一个回答尚未完成", "code": http.StatusConflict})
			continue
		}

		// 清除旧标志
		h.stopFlags.Delete(key)
		shouldStop := func() bool {
			v, ok := h.stopFlags.Load(key)
			return ok && v.(bool)
		}
		wg.Add(1)
		go func(prompt string) {
			defer wg.Done()
			defer busy.Store(false)
			if _, err := h.chatService.StreamResponse(ctx, conversationID, prompt, ws, shouldStop); err != nil {
				status, msg := errorResponse(err)
				log.Errorf("处理流式响应失败: %v", err)
				ws.writeJSON(map[string]interface{}{"error": msg, "code": status})
				ws.writeJSON(map[string]interface{}{
					"type":      "completion",
					"status":    "finished",
					"message":   "响应已完成",
					"timestamp": time.Now().UnixMilli(),
					"date":      time.Now().Format("2006-01-02T15:04:05"),
				})
			}
		}(string(message))
	}
}

// isStopCommand 识别 JSON 停止指令 {"type":"stop","_internal_cmd_token":"..."} 或整条消息等于令牌，
// 令牌必须是为该会话签发且未过期的。
func (h *ChatHandler) isStopCommand(conversationID string, message []byte) bool {
	token := string(message)
	if len(message) > 0 && message[0] == '{' {
		var ctrl struct {
			Type  string `json:"type"`
			Token string `json:"_internal_cmd_token"`
		}
		if err := json.Unmarshal(message, &ctrl); err != nil || ctrl.Type != "stop" {
			return false
		}
		token = ctrl.Token
	}
	v, ok := h.stopTokens.Load(token)
	if !ok {
		return false
	}
	st := v.(stopToken)
	return st.conversationID == conversationID && time.Since(st.issuedAt) <= stopTokenTTL
}

// lockedConn 串行化对同一连接的写操作，gorilla/websocket 不允许并发写。
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *lockedConn) WriteMessage(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(messageType, data)
}

func (l *lockedConn) writeJSON(v any) {
	b, _ := json.Marshal(v)
	_ = l.WriteMessage(websocket.TextMessage, b)
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
