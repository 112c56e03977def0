// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"pai-docchat-go/internal/config"
	"pai-docchat-go/pkg/log"
	"pai-docchat-go/pkg/retry"
	"pai-docchat-go/pkg/tasks"
)

// 同一个任务最多处理的次数，包括消费者重启后的重新投递
const maxDeliveries = 3

var errDeliveriesExhausted = errors.New("ingest task exceeded max deliveries")

// TaskProcessor 是处理入库任务的接口，使消费者与具体的流水线实现解耦。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
	// Discard 在任务被放弃后清理它的暂存数据。
	Discard(ctx context.Context, task tasks.IngestTask) error
}

// AttemptCounter 记录某个任务失败的次数。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。按消息 key 分区，保证同一文档的任务有序。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg.Brokers)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceIngestTask 发送一个入库任务到 Kafka。
func ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error {
	if producer == nil {
		return errors.New("kafka producer not initialized")
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.Key()),
		Value: taskBytes,
	})
}

// CloseProducer 关闭生产者并刷新未发送的消息。
func CloseProducer() error {
	if producer == nil {
		return nil
	}
	return producer.Close()
}

// StartConsumer 启动一个 Kafka 消费者处理入库任务，ctx 取消后退出。
// 失败的任务在当前消费者内按 policy 退避重试，最多 maxDeliveries 次，之后提交 offset。
// FetchMessage 不会重新返回未提交的消息，所以重试不能依赖 Kafka 重新投递。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, counter AttemptCounter, policy retry.Policy) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		log.Infof("收到 Kafka 消息: partition %d offset %d", m.Partition, m.Offset)
		if handleMessage(ctx, m.Value, processor, counter, policy) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// handleMessage 处理一条消息，返回是否应提交 offset。
// 只有 ctx 被取消（消费者停止）时才不提交，重启后从已提交的 offset 重新消费。
// counter 记录跨重启的处理次数，已经用完次数的任务直接放弃。
func handleMessage(ctx context.Context, value []byte, processor TaskProcessor, counter AttemptCounter, policy retry.Policy) bool {
	var task tasks.IngestTask
	if err := json.Unmarshal(value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.Key())
	log.Infof("开始处理入库任务: conversation=%s, document=%s, file=%s",
		task.ConversationID, task.DocumentID, task.FileName)

	policy.MaxAttempts = maxDeliveries
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts, incErr := counter.Incr(ctx, attemptsKey)
		if incErr != nil {
			// Redis 异常时不阻塞入库，次数上限仍由 policy 保证
			log.Errorf("记录处理次数失败: %v", incErr)
		} else if attempts > maxDeliveries {
			return retry.Permanent(errDeliveriesExhausted)
		}
		if err := processor.Process(ctx, task); err != nil {
			log.Errorf("处理入库任务失败: document=%s, attempt=%d, error: %v", task.DocumentID, attempts, err)
			return err
		}
		return nil
	})
	if ctx.Err() != nil {
		log.Warnw("消费者停止，入库任务未完成，不提交 offset",
			"conversationId", task.ConversationID, "documentId", task.DocumentID)
		return false
	}
	_ = counter.Reset(ctx, attemptsKey)

	if err != nil {
		log.Errorw("入库任务多次失败，放弃并提交 offset",
			"conversationId", task.ConversationID, "documentId", task.DocumentID,
			"maxDeliveries", maxDeliveries, "error", err)
		if dErr := processor.Discard(ctx, task); dErr != nil {
			log.Errorf("清理被放弃的入库任务失败: document=%s, error: %v", task.DocumentID, dErr)
		}
		return true
	}
	log.Infof("入库任务处理成功: document=%s", task.DocumentID)
	return true
}

// RedisAttemptCounter 把失败次数记在 Redis 中，24 小时后过期。
type RedisAttemptCounter struct {
	Client *redis.Client
}

func (c RedisAttemptCounter) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.Client.Expire(ctx, key, 24*time.Hour).Err()
	return n, nil
}

func (c RedisAttemptCounter) Reset(ctx context.Context, key string) error {
	return c.Client.Del(ctx, key).Err()
}

func brokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
