// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
// 启动阶段的一次性设置（数据库地址、索引后端等）直接读取 Conf；
// 运行时可调的参数（检索、对话）请通过 Current() 读取，以便热更新生效。
var Conf Config

var (
	mu      sync.RWMutex
	current = Default()
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	PDF           PDFConfig           `mapstructure:"pdf"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Chroma        ChromaConfig        `mapstructure:"chroma"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Index         IndexConfig         `mapstructure:"index"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Chat          ChatConfig          `mapstructure:"chat"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port          string `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。为空时不注册 Office 类格式。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// PDFConfig 存储 unipdf 的许可证配置。
type PDFConfig struct {
	LicenseKey string `mapstructure:"license_key"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// ChromaConfig 存储 Chroma 向量库的配置。
type ChromaConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider          string  `mapstructure:"provider"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	Dimensions        int     `mapstructure:"dimensions"`
	BatchSize         int     `mapstructure:"batch_size"`
	Concurrency       int     `mapstructure:"concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// IndexConfig 选择向量索引后端。backend: memory | elasticsearch | chroma。
type IndexConfig struct {
	Backend    string `mapstructure:"backend"`
	Prefix     string `mapstructure:"prefix"`
	Similarity string `mapstructure:"similarity"`
}

// IngestConfig 存储文档入库相关的配置。
type IngestConfig struct {
	ChunkSize           int      `mapstructure:"chunk_size"`
	ChunkOverlap        int      `mapstructure:"chunk_overlap"`
	Async               bool     `mapstructure:"async"`
	BatchSize           int      `mapstructure:"batch_size"`
	BoilerplatePatterns []string `mapstructure:"boilerplate_patterns"`
	// SeedDir 中的文件在启动时导入一个新会话，为空或目录不存在时跳过
	SeedDir string `mapstructure:"seed_dir"`
}

// RetrievalConfig 存储检索相关的配置，支持热更新。
type RetrievalConfig struct {
	TopK            int     `mapstructure:"top_k"`
	MaxContextChars int     `mapstructure:"max_context_chars"`
	MinScore        float64 `mapstructure:"min_score"`
	ThresholdPolicy string  `mapstructure:"threshold_policy"`
}

// RetryConfig 存储外部服务调用的重试策略。
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// ChatConfig 存储多轮对话相关的配置，支持热更新。
type ChatConfig struct {
	MaxHistoryTurns int    `mapstructure:"max_history_turns"`
	MaxHistoryChars int    `mapstructure:"max_history_chars"`
	NoContextPolicy string `mapstructure:"no_context_policy"`
	DeclineText     string `mapstructure:"decline_text"`
}

// Default 返回所有可选项都填好默认值的配置。
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8081", Mode: "debug", MaxUploadSize: 50 << 20},
		Log:    LogConfig{Level: "info", Format: "console"},
		Kafka:  KafkaConfig{Topic: "document-ingest", GroupID: "docchat-ingest-group"},
		Embedding: EmbeddingConfig{
			Provider:          "openai",
			Model:             "text-embedding-3-small",
			Dimensions:        1536,
			BatchSize:         16,
			Concurrency:       4,
			RequestsPerSecond: 10,
		},
		Index:  IndexConfig{Backend: "memory", Prefix: "conv_", Similarity: "cosine"},
		Ingest: IngestConfig{ChunkSize: 1000, ChunkOverlap: 100, BatchSize: 16},
		Retrieval: RetrievalConfig{
			TopK:            5,
			MaxContextChars: 6000,
			MinScore:        0.2,
			ThresholdPolicy: "lenient",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
		},
		Chat: ChatConfig{
			MaxHistoryTurns: 10,
			MaxHistoryChars: 4000,
			NoContextPolicy: "history",
			DeclineText:     "抱歉，在已上传的文档中没有找到与该问题相关的内容。",
		},
	}
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 同目录或工作目录下的 .env 会先被加载，环境变量优先于配置文件，
// 例如 EMBEDDING_API_KEY 覆盖 embedding.api_key。
func Init(configPath string) {
	// .env 不存在是正常情况
	_ = godotenv.Load()

	v := viper.GetViper()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := load(v); err != nil {
		panic(err)
	}
}

// Watch 监听配置文件变化，重新加载后回调 onChange（可为 nil）。
// 解析失败时保留旧配置。
func Watch(onChange func(Config)) {
	v := viper.GetViper()
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := load(v); err != nil {
			return
		}
		if onChange != nil {
			onChange(Current())
		}
	})
	v.WatchConfig()
}

// Current 返回当前生效配置的快照。
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Set 替换当前生效的配置，主要用于测试。
func Set(c Config) {
	mu.Lock()
	defer mu.Unlock()
	current = c
	Conf = c
}

func load(v *viper.Viper) error {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	Set(c)
	return nil
}

// setDefaults 把 Default() 中的值注册为 viper 默认值，
// 这样只写了部分配置的 yaml 也能得到完整的结构体，且环境变量能覆盖未出现在文件中的键。
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.max_upload_size", d.Server.MaxUploadSize)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)
	v.SetDefault("embedding.batch_size", d.Embedding.BatchSize)
	v.SetDefault("embedding.concurrency", d.Embedding.Concurrency)
	v.SetDefault("embedding.requests_per_second", d.Embedding.RequestsPerSecond)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("index.backend", d.Index.Backend)
	v.SetDefault("index.prefix", d.Index.Prefix)
	v.SetDefault("index.similarity", d.Index.Similarity)
	v.SetDefault("ingest.chunk_size", d.Ingest.ChunkSize)
	v.SetDefault("ingest.chunk_overlap", d.Ingest.ChunkOverlap)
	v.SetDefault("ingest.batch_size", d.Ingest.BatchSize)
	v.SetDefault("ingest.async", d.Ingest.Async)
	v.SetDefault("ingest.seed_dir", d.Ingest.SeedDir)
	v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	v.SetDefault("retrieval.max_context_chars", d.Retrieval.MaxContextChars)
	v.SetDefault("retrieval.min_score", d.Retrieval.MinScore)
	v.SetDefault("retrieval.threshold_policy", d.Retrieval.ThresholdPolicy)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("chat.max_history_turns", d.Chat.MaxHistoryTurns)
	v.SetDefault("chat.max_history_chars", d.Chat.MaxHistoryChars)
	v.SetDefault("chat.no_context_policy", d.Chat.NoContextPolicy)
	v.SetDefault("chat.decline_text", d.Chat.DeclineText)
}
