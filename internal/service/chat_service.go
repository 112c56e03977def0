package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"pai-docchat-go/internal/config"
	"pai-docchat-go/internal/model"
	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/internal/repository"
	"pai-docchat-go/internal/retrieval"
	"pai-docchat-go/pkg/llm"
	"pai-docchat-go/pkg/log"
)

// 无检索结果时的处理策略
const (
	NoContextHistory = "history"
	NoContextDecline = "decline"
)

// 至少保留的历史轮数，与 chat.max_history_turns 取较大值
const minStoredTurns = 20

// ErrEmptyPrompt 表示问题为空。
var ErrEmptyPrompt = errors.New("prompt is empty")

var errStopped = errors.New("stream stopped by client")

// Retriever 是 retrieval.Retriever 的抽象。
type Retriever interface {
	Retrieve(ctx context.Context, conversationID, query string, opts retrieval.Options) (retrieval.Result, error)
}

// ChatService 定义了问答操作的接口。
type ChatService interface {
	// Query 完成一次检索增强问答，返回回答和引用。
	Query(ctx context.Context, conversationID, prompt string) (*model.QueryResponse, error)
	// StreamResponse 与 Query 相同，但把回答分块写入 ws，最后发送引用和完成通知。
	StreamResponse(ctx context.Context, conversationID, prompt string, ws llm.MessageWriter, shouldStop func() bool) (*model.QueryResponse, error)
}

type chatService struct {
	convRepo  repository.ConversationRepository
	retriever Retriever
	llmClient llm.Client
	settings  func() config.Config
}

// NewChatService 创建一个新的 ChatService 实例。settings 为 nil 时使用 config.Current，
// 这样检索与对话参数的热更新对下一次请求立即生效。
func NewChatService(convRepo repository.ConversationRepository, retriever Retriever, llmClient llm.Client, settings func() config.Config) ChatService {
	if settings == nil {
		settings = config.Current
	}
	return &chatService{
		convRepo:  convRepo,
		retriever: retriever,
		llmClient: llmClient,
		settings:  settings,
	}
}

// preparedQuery 是调用模型之前准备好的全部内容。
type preparedQuery struct {
	cfg      config.Config
	result   retrieval.Result
	history  []model.Turn
	messages []llm.Message
	// decline 非空时直接以它作为回答，不调用模型
	decline string
}

func (s *chatService) Query(ctx context.Context, conversationID, prompt string) (*model.QueryResponse, error) {
	q, err := s.prepare(ctx, conversationID, prompt)
	if err != nil {
		return nil, err
	}
	answer := q.decline
	if answer == "" {
		answer, err = s.llmClient.Generate(ctx, q.messages, llm.ParamsFromConfig(q.cfg.LLM.Generation))
		if err != nil {
			return nil, ragerr.Wrap(ragerr.ErrGenerationUnavailable, conversationID, "", err)
		}
	}
	return s.finish(conversationID, prompt, answer, q), nil
}

func (s *chatService) StreamResponse(ctx context.Context, conversationID, prompt string, ws llm.MessageWriter, shouldStop func() bool) (*model.QueryResponse, error) {
	q, err := s.prepare(ctx, conversationID, prompt)
	if err != nil {
		return nil, err
	}

	// 拦截 websocket writer 以捕获完整答案，并包装为 JSON 分块
	answerBuilder := &strings.Builder{}
	interceptor := &wsWriterInterceptor{conn: ws, writer: answerBuilder, shouldStop: shouldStop}

	if q.decline != "" {
		err = interceptor.WriteMessage(websocket.TextMessage, []byte(q.decline))
	} else {
		err = s.llmClient.StreamChatMessages(ctx, q.messages, llm.ParamsFromConfig(q.cfg.LLM.Generation), interceptor)
	}
	if err != nil && !errors.Is(err, errStopped) {
		// websocket 写入失败不属于模型错误，原样返回
		if ragerr.KindOf(err) != nil {
			err = ragerr.Wrap(ragerr.ErrGenerationUnavailable, conversationID, "", err)
		}
		return nil, err
	}

	resp := s.finish(conversationID, prompt, answerBuilder.String(), q)
	sendCitations(ws, resp)
	sendCompletion(ws)
	return resp, nil
}

// prepare 检索上下文、加载历史并组装消息。
func (s *chatService) prepare(ctx context.Context, conversationID, prompt string) (*preparedQuery, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if _, err := requireConversation(ctx, s.convRepo, conversationID); err != nil {
		return nil, err
	}
	cfg := s.settings()
	ctx = log.WithFields(ctx, "conversationId", conversationID)

	// 1. 检索上下文
	result, err := s.retriever.Retrieve(ctx, conversationID, prompt, retrieval.Options{
		TopK:            cfg.Retrieval.TopK,
		MaxContextChars: cfg.Retrieval.MaxContextChars,
		MinScore:        cfg.Retrieval.MinScore,
		Policy:          retrieval.ThresholdPolicy(cfg.Retrieval.ThresholdPolicy),
	})
	if err != nil {
		return nil, err
	}

	q := &preparedQuery{cfg: cfg, result: result}
	if result.NoRelevantContext && cfg.Chat.NoContextPolicy == NoContextDecline {
		q.decline = cfg.Chat.DeclineText
		log.Ctx(ctx).Infof("[ChatService] 没有相关上下文，按配置拒答")
		return q, nil
	}

	// 2. 加载历史，超出字符预算时从最早的轮次开始丢弃
	history, err := s.convRepo.RecentTurns(ctx, conversationID, cfg.Chat.MaxHistoryTurns)
	if err != nil {
		log.Ctx(ctx).Errorf("Failed to load conversation history: %v", err)
		history = nil
	}
	q.history = trimHistory(history, cfg.Chat.MaxHistoryChars)

	// 3. 组装消息
	q.messages = composeMessages(buildSystemMessage(cfg.LLM.Prompt, result.Context), q.history, prompt)
	return q, nil
}

// finish 标记被引用的分块并保存本轮问答。
func (s *chatService) finish(conversationID, prompt, answer string, q *preparedQuery) *model.QueryResponse {
	citations := retrieval.MarkReferenced(retrieval.MapCitations(q.result.Included), answer)
	resp := &model.QueryResponse{
		Answer:      answer,
		Citations:   citations,
		ContextUsed: !q.result.NoRelevantContext,
		HistoryUsed: len(q.history),
	}
	if answer == "" {
		return resp
	}

	var cited []string
	for _, c := range citations {
		if c.Referenced {
			cited = append(cited, c.ChunkID)
		}
	}
	turn := model.Turn{Query: prompt, Answer: answer, CitedChunkIDs: cited, Timestamp: time.Now()}
	// 使用后台上下文，因为即使原始请求被取消，我们也希望保存成功生成的答案
	keep := max(minStoredTurns, q.cfg.Chat.MaxHistoryTurns)
	if err := s.convRepo.AppendTurn(context.Background(), conversationID, turn, keep); err != nil {
		// 只记录错误，不返回给客户端，因为回答已经生成
		log.Errorf("Failed to save conversation history: %v", err)
	}
	return resp
}

func buildSystemMessage(prompt config.LLMPromptConfig, contextText string) string {
	refStart := prompt.RefStart
	if refStart == "" {
		refStart = "<<REF>>"
	}
	refEnd := prompt.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}
	var sys strings.Builder
	if prompt.Rules != "" {
		sys.WriteString(strings.TrimSpace(prompt.Rules))
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
		sys.WriteString("\n")
	} else {
		noRes := prompt.NoResultText
		if noRes == "" {
			noRes = "（本轮无检索结果）"
		}
		sys.WriteString(noRes)
		sys.WriteString("\n")
	}
	sys.WriteString(refEnd)
	return sys.String()
}

func composeMessages(systemMsg string, history []model.Turn, userInput string) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemMsg})
	for _, t := range history {
		msgs = append(msgs,
			llm.Message{Role: "user", Content: t.Query},
			llm.Message{Role: "assistant", Content: t.Answer},
		)
	}
	return append(msgs, llm.Message{Role: "user", Content: userInput})
}

// trimHistory 保留最近的若干轮，使问答总字符数不超过 maxChars（<= 0 表示不限制）。
func trimHistory(turns []model.Turn, maxChars int) []model.Turn {
	if maxChars <= 0 {
		return turns
	}
	total := 0
	for i := len(turns) - 1; i >= 0; i-- {
		total += utf8.RuneCountInString(turns[i].Query) + utf8.RuneCountInString(turns[i].Answer)
		if total > maxChars {
			return turns[i+1:]
		}
	}
	return turns
}

// wsWriterInterceptor 是对 websocket 连接的封装，用于捕获写入的消息。
type wsWriterInterceptor struct {
	conn       llm.MessageWriter
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。停止标志生效后中断流。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		return errStopped
	}
	w.writer.Write(data)
	// 将原始分块包装成 {"chunk":"..."}
	payload := map[string]string{"chunk": string(data)}
	b, _ := json.Marshal(payload)
	return w.conn.WriteMessage(messageType, b)
}

// sendCitations 发送本轮回答的引用列表
func sendCitations(ws llm.MessageWriter, resp *model.QueryResponse) {
	msg := map[string]interface{}{
		"type":        "citations",
		"citations":   resp.Citations,
		"contextUsed": resp.ContextUsed,
		"historyUsed": resp.HistoryUsed,
	}
	b, _ := json.Marshal(msg)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(ws llm.MessageWriter) {
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(notif)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}
