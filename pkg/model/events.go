package model

// 事件类型常量，引擎/会话 → 控制通道
const (
	EventProxyStarted       = "proxy:started"
	EventProxyStopped       = "proxy:stopped"
	EventProxyError         = "proxy:error"
	EventProxyStats         = "proxy:stats"
	EventRequestHeld        = "request:held"
	EventRequestForwarded   = "request:forwarded"
	EventRequestDropped     = "request:dropped"
	EventRequestIntercepted = "request:intercepted"
	EventQueueChanged       = "queue:changed"
	EventResponseReceived   = "response:received"
)

// 命令类型常量，控制通道 → 引擎
const (
	CommandForward  = "request:forward"
	CommandDrop     = "request:drop"
	CommandGetQueue = "request:get-queue"
)

// Event 引擎生命周期事件，Payload 为事件负载的 JSON 序列化值
type Event struct {
	Type    string    `json:"type"`
	Session SessionID `json:"session"` // 会在会话层填充
	User    UserID    `json:"user"`    // 会在会话层填充
	Payload any       `json:"payload,omitempty"`
}
