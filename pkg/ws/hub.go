package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType WebSocket 消息类型
const (
	MsgTypeInit   = "init"   // 连接时推送该车辆的最新信号
	MsgTypeSignal = "signal" // 新入库的事件
	MsgTypeError  = "error"  // 初始数据加载失败
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Message WebSocket 消息结构
type Message struct {
	Type      string `json:"type"`
	VehicleID string `json:"vehicle_id,omitempty"`
	Data      any    `json:"data"`
}

type envelope struct {
	vehicleID string
	payload   []byte
}

// Client WebSocket 客户端，vehicleID 为空表示订阅所有车辆
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	vehicleID string
	send      chan []byte
}

// Hub WebSocket 连接管理中心，按车辆分发消息
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]struct{}
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	// 新连接的初始数据
	getInitData func(ctx context.Context, vehicleID string) (any, error)
	// 连接数变化回调
	onCountChange func(n int)
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetInitDataProvider 设置初始数据提供者
func (h *Hub) SetInitDataProvider(provider func(ctx context.Context, vehicleID string) (any, error)) {
	h.getInitData = provider
}

// OnClientCountChange 设置连接数变化回调
func (h *Hub) OnClientCountChange(fn func(n int)) {
	h.onCountChange = fn
}

// Run 运行 Hub，ctx 结束时断开所有客户端
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.countChanged()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected",
				zap.String("vehicle_id", client.vehicleID),
				zap.Int("total_clients", h.ClientCount()))
			h.countChanged()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", zap.Int("total_clients", h.ClientCount()))
			h.countChanged()

		case msg := <-h.broadcast:
			dropped := false
			h.mu.Lock()
			for client := range h.clients {
				if client.vehicleID != "" && client.vehicleID != msg.vehicleID {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// 慢消费者，关闭连接
					close(client.send)
					delete(h.clients, client)
					dropped = true
				}
			}
			h.mu.Unlock()
			if dropped {
				h.countChanged()
			}
		}
	}
}

func (h *Hub) countChanged() {
	if h.onCountChange != nil {
		h.onCountChange(h.ClientCount())
	}
}

// queueInitData 在注册前把初始数据放进客户端发送队列，查询不占用 Run 协程
func (h *Hub) queueInitData(ctx context.Context, client *Client) {
	if h.getInitData == nil || client.vehicleID == "" {
		return
	}

	msg := Message{Type: MsgTypeInit, VehicleID: client.vehicleID}
	data, err := h.getInitData(ctx, client.vehicleID)
	if err != nil {
		h.logger.Warn("Failed to load init data",
			zap.String("vehicle_id", client.vehicleID),
			zap.Error(err))
		msg.Type = MsgTypeError
		msg.Data = map[string]string{"error": "failed to load latest signals"}
	} else {
		msg.Data = data
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal init data", zap.Error(err))
		return
	}
	client.send <- payload
}

// Publish 推送消息给订阅该车辆的客户端
func (h *Hub) Publish(vehicleID, msgType string, data any) {
	payload, err := json.Marshal(Message{Type: msgType, VehicleID: vehicleID, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- envelope{vehicleID: vehicleID, payload: payload}:
	default:
		h.logger.Warn("WebSocket broadcast queue full, message dropped", zap.String("vehicle_id", vehicleID))
	}
}

// ClientCount 获取客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn, vehicleID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		vehicleID: vehicleID,
		send:      make(chan []byte, sendBuffer),
	}
}

// Register 注册客户端，Hub 已停止时返回 false
func (c *Client) Register() bool {
	select {
	case c.hub.register <- c:
		return true
	case <-c.hub.done:
		return false
	}
}

// ReadPump 读取消息以维持连接，客户端消息被忽略
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// WritePump 发送消息并定期 ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve 注册连接并开始收发，阻塞到连接断开
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, vehicleID string) {
	client := NewClient(h, conn, vehicleID)
	h.queueInitData(ctx, client)
	if !client.Register() {
		conn.Close()
		return
	}
	go client.WritePump()
	client.ReadPump()
}
