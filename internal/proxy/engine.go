package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"reqsploit/internal/ca"
	"reqsploit/internal/logger"
	"reqsploit/internal/queue"
	"reqsploit/pkg/model"
)

const (
	eventBufferSize   = 256
	statsInterval     = 5 * time.Second
	originDialTimeout = 30 * time.Second
)

// Engine 单用户代理实例：持有监听器，完成 TLS 拦截、HTTP 解析与转发
type Engine struct {
	userID    model.UserID
	port      int
	authority *ca.Authority
	q         *queue.Queue
	events    chan model.Event
	log       logger.Logger
	transport *http.Transport

	mu       sync.Mutex
	listener net.Listener
	running  bool
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	settingsMu    sync.RWMutex
	interceptMode bool
	filters       model.RequestFilters

	totalRequests       atomic.Int64
	interceptedRequests atomic.Int64
	activeConnections   atomic.Int64
	startedAt           time.Time
	stopStats           chan struct{}
}

// Config 配置选项
type Config struct {
	UserID        model.UserID
	Port          int
	Authority     *ca.Authority
	InterceptMode bool
	Filters       model.RequestFilters
	Logger        logger.Logger
	OriginTLS     *tls.Config // 缺省为校验源站证书的 TLS 1.2+ 配置
}

// New 创建代理引擎
func New(cfg Config) *Engine {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	originTLS := cfg.OriginTLS
	if originTLS == nil {
		originTLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	events := make(chan model.Event, eventBufferSize)
	e := &Engine{
		userID:        cfg.UserID,
		port:          cfg.Port,
		authority:     cfg.Authority,
		events:        events,
		log:           l.With("userID", string(cfg.UserID), "port", cfg.Port),
		interceptMode: cfg.InterceptMode,
		filters:       cfg.Filters,
		conns:         make(map[net.Conn]struct{}),
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   originDialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: originTLS,
			Proxy:           nil,
		},
	}
	e.q = queue.New(queue.Config{Events: events, Logger: e.log})
	return e
}

// Start 绑定配置的端口并开始接受连接
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", e.port))
	if err != nil {
		e.mu.Unlock()
		return model.NewProxyError("listen", err)
	}
	e.listener = ln
	e.running = true
	e.startedAt = time.Now()
	e.stopStats = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(2)
	go e.acceptLoop(ln)
	go e.statsLoop(e.stopStats)

	e.log.Info("代理引擎启动")
	e.emit(model.EventProxyStarted, map[string]any{"port": e.port})
	return nil
}

// Stop 停止接受连接、唤醒挂起请求并关闭活跃连接，可重复调用
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	ln := e.listener
	e.listener = nil
	close(e.stopStats)
	conns := make([]net.Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	e.q.CloseAll()
	for _, c := range conns {
		_ = c.Close()
	}
	e.wg.Wait()

	e.log.Info("代理引擎停止")
	e.emit(model.EventProxyStopped, map[string]any{})
}

// SetInterceptMode 切换拦截开关
func (e *Engine) SetInterceptMode(enabled bool) {
	e.settingsMu.Lock()
	e.interceptMode = enabled
	e.settingsMu.Unlock()
}

// SetFilters 替换过滤条件快照
func (e *Engine) SetFilters(filters model.RequestFilters) {
	e.settingsMu.Lock()
	e.filters = filters
	e.settingsMu.Unlock()
}

// snapshotSettings 读取当前拦截设置
func (e *Engine) snapshotSettings() (bool, model.RequestFilters) {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.interceptMode, e.filters
}

// Stats 返回运行统计
func (e *Engine) Stats() model.EngineStats {
	return model.EngineStats{
		TotalRequests:       e.totalRequests.Load(),
		InterceptedRequests: e.interceptedRequests.Load(),
		ActiveConnections:   e.activeConnections.Load(),
		StartedAt:           e.startedAt,
	}
}

// Queue 队列访问器
func (e *Engine) Queue() *queue.Queue { return e.q }

// Events 生命周期事件流，由会话层订阅并转发
func (e *Engine) Events() <-chan model.Event { return e.events }

// Port 返回绑定端口
func (e *Engine) Port() int { return e.port }

// acceptLoop 接受循环：单个连接的失败不影响监听器
func (e *Engine) acceptLoop(ln net.Listener) {
	defer e.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Warn("accept 失败", "error", err)
			e.emit(model.EventProxyError, map[string]any{"message": err.Error()})
			continue
		}
		e.trackConn(conn, true)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.trackConn(conn, false)
			defer conn.Close()
			e.handleConn(conn)
		}()
	}
}

func (e *Engine) trackConn(conn net.Conn, add bool) {
	e.mu.Lock()
	if add {
		e.conns[conn] = struct{}{}
	} else {
		delete(e.conns, conn)
	}
	e.mu.Unlock()
	if add {
		e.activeConnections.Add(1)
	} else {
		e.activeConnections.Add(-1)
	}
}

// statsLoop 每 5 秒上报一次运行统计
func (e *Engine) statsLoop(stop <-chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.emit(model.EventProxyStats, map[string]any{
				"totalRequests":       e.totalRequests.Load(),
				"interceptedRequests": e.interceptedRequests.Load(),
				"activeConnections":   e.activeConnections.Load(),
				"uptimeSeconds":       int64(time.Since(e.startedAt).Seconds()),
			})
		}
	}
}

// emit 非阻塞事件投递
func (e *Engine) emit(eventType string, payload any) {
	select {
	case e.events <- model.Event{Type: eventType, Payload: payload}:
	default:
	}
}
