package control

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"reqsploit/internal/logger"
	"reqsploit/pkg/model"
)

const clientSendBuffer = 64

// client 单个操作端连接，写操作经由带缓冲通道串行化
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 控制通道集线器：每个用户一路事件流，命令回落到对应会话的队列
type Hub struct {
	mu      sync.RWMutex
	clients map[model.UserID]map[*client]struct{}

	upgrader   websocket.Upgrader
	dispatcher *Dispatcher
	log        logger.Logger
}

// NewHub 创建控制通道集线器
func NewHub(l logger.Logger) *Hub {
	if l == nil {
		l = logger.NewNop()
	}
	return &Hub{
		clients: make(map[model.UserID]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: l,
	}
}

// SetDispatcher 注入命令分发器。集线器先于会话管理器构造，分发器随后补齐。
func (h *Hub) SetDispatcher(d *Dispatcher) {
	h.dispatcher = d
}

// Publish 把事件投递给指定用户的所有操作端，慢消费者丢弃
func (h *Hub) Publish(user model.UserID, event []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[user] {
		select {
		case c.send <- event:
		default:
		}
	}
}

// ServeHTTP 操作端 websocket 接入点。身份认证由外部协作方完成，
// 这里只消费它注入的 user 标识。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := model.UserID(r.URL.Query().Get("user"))
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket 升级失败", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.register(userID, c)
	h.log.Info("操作端接入", "userID", string(userID))

	go h.writeLoop(c)
	h.readLoop(userID, c)
}

func (h *Hub) register(user model.UserID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[user] == nil {
		h.clients[user] = make(map[*client]struct{})
	}
	h.clients[user][c] = struct{}{}
}

func (h *Hub) unregister(user model.UserID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[user]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, user)
		}
	}
}

// readLoop 消费操作端命令
func (h *Hub) readLoop(user model.UserID, c *client) {
	defer func() {
		h.unregister(user, c)
		close(c.send)
		c.conn.Close()
		h.log.Info("操作端断开", "userID", string(user))
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if h.dispatcher == nil {
			continue
		}
		if reply := h.dispatcher.Dispatch(user, msg); reply != nil {
			select {
			case c.send <- reply:
			default:
			}
		}
	}
}

// writeLoop 串行写出事件
func (h *Hub) writeLoop(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
