package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"txopito/backend/internal/auth/jwt"
	"txopito/backend/internal/domain"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// Message 定义WebSocket消息结构
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	conn     *websocket.Conn
	send     chan *Message
	username string
}

// Hub 管理订阅轮换事件的 WebSocket 连接。
// 仅特权会话可以连接：事件流包含凭证名称与失败详情。
type Hub struct {
	upgrader   websocket.Upgrader
	jwtManager *jwt.Manager
	log        *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{} // Run 退出后关闭，注册/注销不再投递
}

// NewHub 创建事件推送 Hub
func NewHub(allowedOrigins []string, jwtManager *jwt.Manager, log *zap.Logger) *Hub {
	return &Hub{
		upgrader:   upgraderFactory(allowedOrigins),
		jwtManager: jwtManager,
		log:        log.Named("websocket"),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 64),
		done:       make(chan struct{}),
	}
}

// Run 启动Hub主循环
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAllClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.log.Info("websocket client connected", zap.String("username", client.username))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.fanOut(msg)
		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// NotifyRotationEvent 把轮换事件推送给所有已连接的管理端。
// 注册为事件监听器使用；Hub 未运行时消息被丢弃而不阻塞。
func (h *Hub) NotifyRotationEvent(event *domain.RotationEvent) {
	msg := &Message{
		Type:      "rotation_event",
		Data:      event,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("websocket broadcast queue full, dropping event",
			zap.String("type", string(event.Type)))
	}
}

// fanOut 向所有客户端分发消息
func (h *Hub) fanOut(msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// 发送缓冲打满的客户端视为失活，由 writePump 退出时清理
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			h.log.Debug("ping client failed", zap.Error(err))
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		_ = client.conn.Close()
		delete(h.clients, client)
	}
}

// HandleWebSocket 处理WebSocket连接升级。
// 令牌经 query 参数传递（浏览器 WebSocket 不支持自定义 header）。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "认证失败，请重新登录"})
			return
		}
		claims, err := hub.jwtManager.ValidateToken(token)
		if err != nil || !domain.ViewerRole(claims.Role).Privileged() {
			c.JSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "msg": "需要管理员权限"})
			return
		}

		conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan *Message, 16),
			username: claims.Username,
		}
		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump(hub)
		go client.readPump(hub)
	}
}

// writePump 把消息写出到连接
func (c *Client) writePump(hub *Hub) {
	defer func() {
		_ = c.conn.Close()
	}()

	for msg := range c.send {
		payload, err := json.Marshal(msg)
		if err != nil {
			hub.log.Warn("marshal websocket message failed", zap.Error(err))
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
}

// readPump 消费并丢弃客户端消息，感知连接断开
func (c *Client) readPump(hub *Hub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
