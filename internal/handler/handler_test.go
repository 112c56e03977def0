package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pai-docchat-go/internal/config"
	"pai-docchat-go/internal/pipeline"
	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/internal/repository/repotest"
	"pai-docchat-go/internal/retrieval"
	"pai-docchat-go/internal/service"
	"pai-docchat-go/pkg/embedding"
	"pai-docchat-go/pkg/extract"
	"pai-docchat-go/pkg/llm"
	"pai-docchat-go/pkg/vectorindex"
)

type stubLLM struct{ answer string }

func (s stubLLM) Generate(context.Context, []llm.Message, *llm.GenerationParams) (string, error) {
	return s.answer, nil
}

func (s stubLLM) StreamChatMessages(_ context.Context, _ []llm.Message, _ *llm.GenerationParams, w llm.MessageWriter) error {
	for _, part := range strings.Fields(s.answer) {
		if err := w.WriteMessage(websocket.TextMessage, []byte(part+" ")); err != nil {
			return err
		}
	}
	return nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	convs := repotest.NewConversations()
	docs := repotest.NewDocuments()
	chunks := repotest.NewChunks()
	index := vectorindex.NewMemoryManager("conv_", vectorindex.Cosine)
	embedder := embedding.NewHashClient(128)
	registry := extract.NewDefaultRegistry(nil)
	chunker, err := pipeline.NewChunker(300, 30)
	require.NoError(t, err)
	processor := pipeline.NewProcessor(registry, pipeline.NewCleaner(nil), chunker, embedder, index, docs, chunks, nil, 8)

	cfg := config.Default()
	cfg.Retrieval.MinScore = 0.05
	conversationService := service.NewConversationService(convs, docs, chunks, index)
	documentService := service.NewDocumentService(convs, docs, chunks, registry, processor, nil)
	chatService := service.NewChatService(convs, retrieval.NewRetriever(embedder, index),
		stubLLM{answer: "It is forty-two [1]."}, func() config.Config { return cfg })

	r := gin.New()
	RegisterRoutes(r.Group("/api/v1"),
		NewConversationHandler(conversationService),
		NewDocumentHandler(documentService, 1<<20),
		NewChatHandler(chatService))
	return r
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, req *http.Request) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func createConversation(t *testing.T, r http.Handler) string {
	t.Helper()
	code, env := do(t, r, httptest.NewRequest(http.MethodPost, "/api/v1/conversations", nil))
	require.Equal(t, http.StatusCreated, code)
	var conv struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	return conv.ID
}

func uploadRequest(t *testing.T, convID, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+convID+"/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func queryRequest(convID, prompt string) *http.Request {
	b, _ := json.Marshal(QueryRequest{Prompt: prompt})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+convID+"/query", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

const guide = "The answer to the ultimate question of life, the universe and everything is forty-two."

func TestUploadAndQuery(t *testing.T) {
	r := newTestRouter(t)
	convID := createConversation(t, r)

	code, env := do(t, r, uploadRequest(t, convID, "guide.txt", []byte(guide)))
	require.Equal(t, http.StatusOK, code, env.Message)
	var up struct {
		DocumentID string `json:"documentId"`
		ChunkCount int    `json:"chunkCount"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &up))
	assert.Equal(t, 1, up.ChunkCount)
	assert.Equal(t, "indexed", up.Status)

	code, env = do(t, r, queryRequest(convID, "What is the answer to everything?"))
	require.Equal(t, http.StatusOK, code, env.Message)
	var resp struct {
		Answer    string `json:"answer"`
		Citations []struct {
			Marker     int    `json:"marker"`
			DocumentID string `json:"documentId"`
			FileName   string `json:"fileName"`
			Referenced bool   `json:"referenced"`
		} `json:"citations"`
		ContextUsed bool `json:"contextUsed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.ContextUsed)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, up.DocumentID, resp.Citations[0].DocumentID)
	assert.Equal(t, "guide.txt", resp.Citations[0].FileName)
	assert.True(t, resp.Citations[0].Referenced)

	code, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+convID+"/chunks?ids="+up.DocumentID+"_0", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), "forty-two")

	code, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+convID, nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"turnCount":1`)
}

func TestErrorStatusCodes(t *testing.T) {
	r := newTestRouter(t)
	convID := createConversation(t, r)

	code, _ := do(t, r, uploadRequest(t, convID, "image.png", []byte("\x89PNG")))
	assert.Equal(t, http.StatusUnsupportedMediaType, code)

	code, _ = do(t, r, uploadRequest(t, convID, "broken.pdf", []byte("%PDF-garbage")))
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = do(t, r, uploadRequest(t, "no-such-conversation", "a.txt", []byte("hi")))
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+convID+"/documents/deadbeef", nil))
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, r, queryRequest(convID, "   "))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, uploadRequest(t, convID, "big.txt", bytes.Repeat([]byte("a"), 3<<19)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
}

func TestErrorResponseMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{ragerr.New(ragerr.ErrUnsupportedFormat, "c", "d", nil), http.StatusUnsupportedMediaType},
		{ragerr.New(ragerr.ErrCorruptDocument, "c", "d", nil), http.StatusUnprocessableEntity},
		{ragerr.New(ragerr.ErrInvalidChunkConfig, "", "", nil), http.StatusBadRequest},
		{ragerr.New(ragerr.ErrEmbeddingServiceUnavailable, "c", "", nil), http.StatusServiceUnavailable},
		{ragerr.New(ragerr.ErrIndexUnavailable, "c", "", nil), http.StatusServiceUnavailable},
		{ragerr.New(ragerr.ErrConversationNotFound, "c", "", nil), http.StatusNotFound},
		{ragerr.New(ragerr.ErrDocumentNotFound, "c", "d", nil), http.StatusNotFound},
		{ragerr.New(ragerr.ErrGenerationUnavailable, "", "", nil), http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", ragerr.ErrIndexUnavailable), http.StatusServiceUnavailable},
		{service.ErrEmptyPrompt, http.StatusBadRequest},
		{errors.New("mysql: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		status, msg := errorResponse(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.NotContains(t, msg, "mysql")
	}
}

func TestSupportedTypes(t *testing.T) {
	r := newTestRouter(t)
	code, env := do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/documents/supported-types", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"docx"`)
}

func TestWebsocketChat(t *testing.T) {
	r := newTestRouter(t)
	convID := createConversation(t, r)
	code, _ := do(t, r, uploadRequest(t, convID, "guide.txt", []byte(guide)))
	require.Equal(t, http.StatusOK, code)

	srv := httptest.NewServer(r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/conversations/" + convID + "/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("What is the answer?")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var answer strings.Builder
	var sawCitations bool
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if chunk, ok := msg["chunk"].(string); ok {
			answer.WriteString(chunk)
			continue
		}
		if msg["type"] == "citations" {
			sawCitations = true
			continue
		}
		if msg["type"] == "completion" {
			break
		}
	}
	assert.Equal(t, "It is forty-two [1]. ", answer.String())
	assert.True(t, sawCitations)
}

func issueStopToken(t *testing.T, r http.Handler, convID string) string {
	t.Helper()
	code, env := do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+convID+"/chat/websocket-token", nil))
	require.Equal(t, http.StatusOK, code)
	var data struct {
		CmdToken string `json:"cmdToken"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.CmdToken)
	return data.CmdToken
}

func TestStopTokensAreScopedPerConversation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewChatHandler(nil)
	r := gin.New()
	r.GET("/api/v1/conversations/:id/chat/websocket-token", h.GetWebsocketStopToken)

	first := issueStopToken(t, r, "conv-a")
	other := issueStopToken(t, r, "conv-b")
	second := issueStopToken(t, r, "conv-a")
	assert.NotEqual(t, first, second)

	// 后签发的令牌不会使之前的失效
	assert.True(t, h.isStopCommand("conv-a", []byte(first)))
	assert.True(t, h.isStopCommand("conv-a", []byte(second)))
	assert.True(t, h.isStopCommand("conv-b", []byte(other)))

	stop := fmt.Sprintf(`{"type":"stop","_internal_cmd_token":%q}`, other)
	assert.True(t, h.isStopCommand("conv-b", []byte(stop)))

	assert.False(t, h.isStopCommand("conv-b", []byte(first)))
	assert.False(t, h.isStopCommand("conv-a", []byte(stop)))
	assert.False(t, h.isStopCommand("conv-a", []byte(`{"type":"chat","_internal_cmd_token":"`+first+`"}`)))
	assert.False(t, h.isStopCommand("conv-a", []byte("What is the answer?")))
	assert.False(t, h.isStopCommand("conv-a", nil))
}

func TestExpiredStopTokenIsRejectedAndPruned(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewChatHandler(nil)
	r := gin.New()
	r.GET("/api/v1/conversations/:id/chat/websocket-token", h.GetWebsocketStopToken)

	h.stopTokens.Store("WSS_STOP_CMD_old", stopToken{conversationID: "conv-a", issuedAt: time.Now().Add(-2 * stopTokenTTL)})
	assert.False(t, h.isStopCommand("conv-a", []byte("WSS_STOP_CMD_old")))

	issueStopToken(t, r, "conv-a")
	_, ok := h.stopTokens.Load("WSS_STOP_CMD_old")
	assert.False(t, ok)
}
