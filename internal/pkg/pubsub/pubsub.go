package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	ChannelCompareProgress = "compare_progress"
)

// 事件类型
const (
	EventReportProgress = "report_progress"
	EventBatchProgress  = "batch_progress"
	EventBatchDone      = "batch_done"
)

// ProgressEvent 进度事件
type ProgressEvent struct {
	ID        string          `json:"id"` // 报告或批量任务 ID
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent 构造事件，data 序列化为 JSON
func NewEvent(id, eventType string, data interface{}) (*ProgressEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return &ProgressEvent{
		ID:        id,
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// 进度阶段常量
const (
	StepCapturing   = "capturing"
	StepComparing   = "comparing"
	StepAnalyzing   = "analyzing"
	StepAIAnalyzing = "ai-analyzing"
	StepDone        = "done"
)

// 阶段对应的进度百分比
var StepProgress = map[string]int{
	StepCapturing:   10,
	StepComparing:   40,
	StepAnalyzing:   55,
	StepAIAnalyzing: 70,
	StepDone:        100,
}

// 阶段对应的消息
var StepMessages = map[string]string{
	StepCapturing:   "正在截取页面",
	StepComparing:   "正在进行像素比对",
	StepAnalyzing:   "正在分析差异区域",
	StepAIAnalyzing: "正在生成 AI 修复建议",
	StepDone:        "比对完成",
}

// Broadcaster 进度广播
type Broadcaster interface {
	Broadcast(ctx context.Context, event *ProgressEvent) error
}

// Publisher Redis 发布者
type Publisher struct {
	client *redis.Client
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Broadcast 发布进度事件
func (p *Publisher) Broadcast(ctx context.Context, event *ProgressEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	return p.client.Publish(ctx, ChannelCompareProgress, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client *redis.Client
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe 订阅进度事件
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*ProgressEvent)) error {
	pubsub := s.client.Subscribe(ctx, ChannelCompareProgress)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var event ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue // 忽略解析错误
			}

			handler(&event)
		}
	}
}

// AsyncBroadcaster 异步尽力投递，缓冲满时丢弃
type AsyncBroadcaster struct {
	next   Broadcaster
	events chan *ProgressEvent
	logger *zap.Logger
	done   chan struct{}
}

// NewAsyncBroadcaster 创建异步广播器
func NewAsyncBroadcaster(next Broadcaster, buffer int, logger *zap.Logger) *AsyncBroadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncBroadcaster{
		next:   next,
		events: make(chan *ProgressEvent, buffer),
		logger: logger.With(zap.String("component", "broadcaster")),
		done:   make(chan struct{}),
	}
}

// Run 消费事件直到 ctx 结束
func (b *AsyncBroadcaster) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.events:
			sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := b.next.Broadcast(sendCtx, event); err != nil {
				b.logger.Debug("broadcast dropped",
					zap.String("id", event.ID),
					zap.String("type", event.Type),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Broadcast 入队，不阻塞调用方
func (b *AsyncBroadcaster) Broadcast(_ context.Context, event *ProgressEvent) error {
	select {
	case b.events <- event:
	default:
		b.logger.Warn("broadcast buffer full, event dropped", zap.String("id", event.ID))
	}
	return nil
}

// Done Run 退出后关闭
func (b *AsyncBroadcaster) Done() <-chan struct{} {
	return b.done
}

// Nop 无订阅者时使用
type Nop struct{}

func (Nop) Broadcast(context.Context, *ProgressEvent) error { return nil }
