package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TopicAll 订阅所有事件
const TopicAll = "*"

type Hub struct {
	// 每个主题可以有多个连接（多标签页、重连等场景）
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	logger  *zap.Logger
}

type Client struct {
	Topic string
	Conn  *websocket.Conn
	mu    sync.Mutex // 写锁，防止并发写入
}

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger.With(zap.String("component", "ws_hub")),
	}
}

func (h *Hub) Register(client *Client) {
	if client.Topic == "" {
		client.Topic = TopicAll
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.Topic] == nil {
		h.clients[client.Topic] = make(map[*Client]struct{})
	}
	h.clients[client.Topic][client] = struct{}{}

	h.logger.Info("client connected",
		zap.String("topic", client.Topic),
		zap.Int("topic_conns", len(h.clients[client.Topic])),
		zap.Int("total", h.countLocked()))
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[client.Topic]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.clients, client.Topic)
		}
	}
	h.logger.Info("client disconnected", zap.String("topic", client.Topic))
}

// SendToTopic 向主题订阅者及全局订阅者发送消息，写失败只记录日志
func (h *Hub) SendToTopic(topic string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	// 复制一份引用，避免长时间持锁
	var clients []*Client
	for c := range h.clients[topic] {
		clients = append(clients, c)
	}
	if topic != TopicAll {
		for c := range h.clients[TopicAll] {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		err := c.Conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			h.logger.Debug("write failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	return nil
}

// HasSubscribers 检查主题是否有订阅者
func (h *Hub) HasSubscribers(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns, ok := h.clients[topic]
	return ok && len(conns) > 0
}

// ConnectionCount 获取在线连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}
