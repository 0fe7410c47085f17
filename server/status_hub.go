package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"MuseGen/core/generation"
	"MuseGen/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusClient 一条 websocket 连接
type statusClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// StatusHub 把歌曲状态变化推送给歌曲所有者的 websocket 连接。
// 实现 generation.Notifier，Notify 不会阻塞编排器。
type StatusHub struct {
	mu      sync.RWMutex
	clients map[string]map[*statusClient]struct{}
}

// NewStatusHub 创建 Hub
func NewStatusHub() *StatusHub {
	return &StatusHub{clients: make(map[string]map[*statusClient]struct{})}
}

// Notify 推送事件，客户端缓冲区满时丢弃
func (h *StatusHub) Notify(ev generation.StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("状态事件序列化失败", logger.SongID(ev.SongID), logger.ErrorField(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[ev.UserID] {
		select {
		case c.send <- data:
		default:
			logger.Warn("客户端发送缓冲区已满，丢弃状态事件", logger.UserID(ev.UserID), logger.SongID(ev.SongID))
		}
	}
}

// ClientCount 返回用户当前的连接数
func (h *StatusHub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *StatusHub) register(c *statusClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*statusClient]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	logger.Debug("状态订阅已连接", logger.UserID(c.userID))
}

func (h *StatusHub) unregister(c *statusClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
}

// ServeWS 升级连接并订阅当前用户的状态事件
func (h *StatusHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	c := &statusClient{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go c.writePump()
	c.readPump(h)
}

// readPump 只处理控制帧，连接断开时注销
func (c *statusClient) readPump(h *StatusHub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", logger.UserID(c.userID), logger.ErrorField(err))
			}
			return
		}
	}
}

func (c *statusClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
