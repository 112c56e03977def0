// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"pai-docchat-go/internal/config"
	"pai-docchat-go/internal/handler"
	"pai-docchat-go/internal/middleware"
	"pai-docchat-go/internal/pipeline"
	"pai-docchat-go/internal/repository"
	"pai-docchat-go/internal/retrieval"
	"pai-docchat-go/internal/service"
	"pai-docchat-go/pkg/chroma"
	"pai-docchat-go/pkg/database"
	"pai-docchat-go/pkg/embedding"
	"pai-docchat-go/pkg/es"
	"pai-docchat-go/pkg/extract"
	"pai-docchat-go/pkg/kafka"
	"pai-docchat-go/pkg/llm"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/retry"
	"pai-docchat-go/pkg/storage"
	"pai-docchat-go/pkg/tika"
	"pai-docchat-go/pkg/vectorindex"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 检索与对话参数在每次请求时读取 config.Current，这里只需记录变化
	config.Watch(func(c config.Config) {
		log.Infof("配置已重新加载, retrieval=%+v, chat=%+v", c.Retrieval, c.Chat)
	})

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	// 4. 初始化 Repository
	conversationRepo := repository.NewConversationRepository(database.RDB)
	documentRepo := repository.NewDocumentRepository(database.DB)
	chunkRepo := repository.NewChunkRepository(database.DB)

	// 5. 初始化外部服务客户端
	policy := retryPolicy(cfg.Retry)

	var tikaClient *tika.Client
	if cfg.Tika.ServerURL != "" {
		tikaClient = tika.NewClient(cfg.Tika)
	}
	if err := extract.SetPDFLicense(cfg.PDF.LicenseKey); err != nil {
		log.Warnf("设置 PDF license 失败，PDF 解析可能受限: %v", err)
	}
	registry := extract.NewDefaultRegistry(tikaClient)

	embedder, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		log.Fatal("初始化 Embedding 客户端失败", err)
	}
	embedder = embedding.WithRetry(embedder, policy)

	index, err := newIndex(cfg, embedder.Dimensions())
	if err != nil {
		log.Fatal("初始化向量索引失败", err)
	}
	index = vectorindex.WithRetry(index, policy)

	llmClient := llm.NewClient(cfg.LLM)

	// 6. 初始化文件处理管道 (Processor)
	chunker, err := pipeline.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		log.Fatal("分块参数无效", err)
	}
	cleaner := pipeline.NewCleaner(cfg.Ingest.BoilerplatePatterns)

	var payloads pipeline.PayloadStore
	var async *service.AsyncIngest
	if cfg.Ingest.Async {
		storage.InitMinIO(cfg.MinIO)
		store := storage.NewPayloadStore(storage.MinioClient, cfg.MinIO.BucketName)
		payloads = store
		kafka.InitProducer(cfg.Kafka)
		async = &service.AsyncIngest{
			Stage:      store.Put,
			Enqueue:    kafka.ProduceIngestTask,
			ObjectName: storage.ObjectName,
		}
	}
	processor := pipeline.NewProcessor(registry, cleaner, chunker, embedder, index,
		documentRepo, chunkRepo, payloads, cfg.Ingest.BatchSize)

	// 7. 启动后台 Kafka 消费者
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if cfg.Ingest.Async {
		go kafka.StartConsumer(consumerCtx, cfg.Kafka, processor, kafka.RedisAttemptCounter{Client: database.RDB}, policy)
	}

	// 8. 初始化 Service (依赖注入)
	retriever := retrieval.NewRetriever(embedder, index)
	conversationService := service.NewConversationService(conversationRepo, documentRepo, chunkRepo, index)
	documentService := service.NewDocumentService(conversationRepo, documentRepo, chunkRepo, registry, processor, async)
	chatService := service.NewChatService(conversationRepo, retriever, llmClient, nil)

	// 8.1 导入种子目录
	go initSeedFiles(consumerCtx, cfg.Ingest.SeedDir, conversationService, documentService)

	// 9. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	apiV1 := r.Group("/api/v1")
	handler.RegisterRoutes(apiV1,
		handler.NewConversationHandler(conversationService),
		handler.NewDocumentHandler(documentService, cfg.Server.MaxUploadSize),
		handler.NewChatHandler(chatService),
	)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	stopConsumer()
	if cfg.Ingest.Async {
		if err := kafka.CloseProducer(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}

// newIndex 按 index.backend 创建向量索引。
func newIndex(cfg config.Config, dims int) (vectorindex.Manager, error) {
	similarity, err := vectorindex.ParseSimilarity(cfg.Index.Similarity)
	if err != nil {
		return nil, err
	}
	switch cfg.Index.Backend {
	case "", "memory":
		log.Warnf("使用内存向量索引，重启后索引内容将丢失")
		return vectorindex.NewMemoryManager(cfg.Index.Prefix, similarity), nil
	case "elasticsearch":
		client, err := es.InitES(cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		return es.NewManager(client, cfg.Index.Prefix, similarity, dims), nil
	case "chroma":
		client, err := chroma.NewClient(cfg.Chroma)
		if err != nil {
			return nil, err
		}
		return chroma.NewManager(client, cfg.Index.Prefix, similarity), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Warnf("外部服务调用失败，第 %d 次重试将在 %s 后进行: %v", attempt, wait, err)
		},
	}
}

// initSeedFiles 为目录中的文件创建一个会话并逐个上传，不支持的类型跳过。
func initSeedFiles(ctx context.Context, dir string, convSvc service.ConversationService, docSvc service.DocumentService) {
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("initSeedFiles: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	var conversationID string
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("initSeedFiles: 读取文件失败: %s, err=%v", path, err)
			return nil
		}
		if len(data) == 0 {
			log.Infof("initSeedFiles: 空文件跳过: %s", path)
			return nil
		}

		if conversationID == "" {
			conv, err := convSvc.Create(ctx)
			if err != nil {
				return err
			}
			conversationID = conv.ID
			log.Infof("initSeedFiles: 种子文件导入会话 %s", conversationID)
		}

		res, err := docSvc.Upload(ctx, conversationID, d.Name(), data)
		if err != nil {
			log.Warnf("initSeedFiles: 导入失败: %s, err=%v", path, err)
			return nil
		}
		log.Infof("initSeedFiles: 导入完成: %s, 文档 %s, 状态 %s, 分块 %d", d.Name(), res.DocumentID, res.Status, res.ChunkCount)
		return nil
	})
	if walkErr != nil {
		log.Warnf("initSeedFiles: 遍历目录发生错误: %v", walkErr)
	}
}
