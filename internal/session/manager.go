package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"reqsploit/internal/ca"
	"reqsploit/internal/logger"
	"reqsploit/internal/proxy"
	"reqsploit/internal/queue"
	"reqsploit/internal/storage"
	"reqsploit/pkg/model"
)

const (
	sweepInterval     = 5 * time.Minute
	inactivityTimeout = 30 * time.Minute
)

// Publisher 控制通道观察者接口，事件以 JSON 字节投递给指定用户的操作端
type Publisher interface {
	Publish(user model.UserID, event []byte)
}

// Session 一个活跃会话及其代理引擎
type Session struct {
	info      model.SessionInfo
	engine    *proxy.Engine
	stopRelay chan struct{}
}

// Manager 全局会话管理器：多租户编排代理引擎实例
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.UserID]*Session

	ports     *portAllocator
	authority *ca.Authority
	repo      *storage.SessionRepository
	publisher Publisher
	log       logger.Logger

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Config 配置选项
type Config struct {
	Authority      *ca.Authority
	Repo           *storage.SessionRepository
	Publisher      Publisher
	PortRangeStart int
	PortRangeEnd   int
	Logger         logger.Logger
}

// NewManager 创建会话管理器
func NewManager(cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions:  make(map[model.UserID]*Session),
		ports:     newPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd),
		authority: cfg.Authority,
		repo:      cfg.Repo,
		publisher: cfg.Publisher,
		log:       l,
		sweepStop: make(chan struct{}),
	}
}

// Reconcile 进程启动对账：上一进程遗留的活跃会话没有对应引擎，全部标记为不活跃
func (m *Manager) Reconcile(ctx context.Context) error {
	n, err := m.repo.DeactivateAll(ctx)
	if err != nil {
		return model.NewProxyError("reconcile sessions", err)
	}
	if n > 0 {
		m.log.Info("对账孤儿会话", "count", n)
	}
	return nil
}

// Create 为用户创建并启动会话；已有活跃会话时原样返回（幂等）
func (m *Manager) Create(ctx context.Context, userID model.UserID, interceptMode bool, filters model.RequestFilters) (model.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		return s.info, nil
	}

	// 隧道拦截依赖用户根证书，创建会话时确保其存在（幂等）
	if _, err := m.authority.GenerateRoot(ctx, userID); err != nil {
		return model.SessionInfo{}, err
	}

	port, err := m.ports.Allocate()
	if err != nil {
		return model.SessionInfo{}, err
	}

	engine := proxy.New(proxy.Config{
		UserID:        userID,
		Port:          port,
		Authority:     m.authority,
		InterceptMode: interceptMode,
		Filters:       filters,
		Logger:        m.log,
	})
	if err := engine.Start(); err != nil {
		m.ports.Release(port)
		return model.SessionInfo{}, err
	}

	now := time.Now()
	info := model.SessionInfo{
		ID:            model.SessionID(uuid.NewString()),
		UserID:        userID,
		Port:          port,
		Active:        true,
		InterceptMode: interceptMode,
		Filters:       filters,
		StartedAt:     now,
		LastActivity:  now,
	}

	// 引擎成功启动后才落盘活跃记录，避免启动失败留下孤儿活跃会话
	filtersJSON, _ := json.Marshal(filters)
	rec := &storage.SessionRecord{
		SessionID:     string(info.ID),
		UserID:        string(userID),
		Port:          port,
		Active:        true,
		InterceptMode: interceptMode,
		FiltersJSON:   string(filtersJSON),
		StartedAt:     now,
		LastActivity:  now,
	}
	if err := m.repo.Save(ctx, rec); err != nil {
		engine.Stop()
		m.ports.Release(port)
		return model.SessionInfo{}, model.NewProxyError("persist session", err)
	}

	s := &Session{info: info, engine: engine, stopRelay: make(chan struct{})}
	m.sessions[userID] = s
	go m.relayEvents(s)

	m.log.Info("创建代理会话", "userID", string(userID), "sessionID", string(info.ID), "port", port)
	return info, nil
}

// Destroy 销毁会话：停引擎、归还端口、标记不活跃并注销
func (m *Manager) Destroy(ctx context.Context, userID model.UserID) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return model.NewNotFoundError("session", string(userID))
	}
	delete(m.sessions, userID)
	m.mu.Unlock()

	s.engine.Stop()
	close(s.stopRelay)
	m.ports.Release(s.info.Port)
	if err := m.repo.SetActive(ctx, string(s.info.ID), false); err != nil {
		m.log.Warn("会话记录更新失败", "sessionID", string(s.info.ID), "error", err)
	}
	m.log.Info("销毁代理会话", "userID", string(userID), "sessionID", string(s.info.ID))
	return nil
}

// UpdateSettings 不重启引擎在线更新拦截开关与过滤条件，nil 字段保持原值
func (m *Manager) UpdateSettings(ctx context.Context, userID model.UserID, interceptMode *bool, filters *model.RequestFilters) (model.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return model.SessionInfo{}, model.NewNotFoundError("session", string(userID))
	}
	if interceptMode != nil {
		s.info.InterceptMode = *interceptMode
		s.engine.SetInterceptMode(*interceptMode)
	}
	if filters != nil {
		s.info.Filters = *filters
		s.engine.SetFilters(*filters)
	}
	filtersJSON, _ := json.Marshal(s.info.Filters)
	if err := m.repo.UpdateSettings(ctx, string(s.info.ID), s.info.InterceptMode, string(filtersJSON)); err != nil {
		m.log.Warn("会话设置落盘失败", "sessionID", string(s.info.ID), "error", err)
	}
	return s.info, nil
}

// ActiveSessionCount 当前活跃会话数
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SessionByUser 按用户查询会话信息
func (m *Manager) SessionByUser(userID model.UserID) (model.SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return model.SessionInfo{}, false
	}
	return s.info, true
}

// SessionInfo 按会话ID查询
func (m *Manager) SessionInfo(id model.SessionID) (model.SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.info.ID == id {
			return s.info, true
		}
	}
	return model.SessionInfo{}, false
}

// QueueFor 按用户取队列，供控制通道命令落地
func (m *Manager) QueueFor(userID model.UserID) (*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, model.NewNotFoundError("session", string(userID))
	}
	return s.engine.Queue(), nil
}

// StartSweeper 启动后台清理：每 5 分钟销毁超过 30 分钟无活动的会话
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Close 停止清理循环并销毁全部会话
func (m *Manager) Close(ctx context.Context) {
	m.sweepOnce.Do(func() { close(m.sweepStop) })

	m.mu.RLock()
	users := make([]model.UserID, 0, len(m.sessions))
	for u := range m.sessions {
		users = append(users, u)
	}
	m.mu.RUnlock()

	for _, u := range users {
		if err := m.Destroy(ctx, u); err != nil {
			m.log.Warn("会话销毁失败", "userID", string(u), "error", err)
		}
	}
}

// sweep 清理不活跃会话
func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-inactivityTimeout)

	m.mu.RLock()
	stale := make([]model.UserID, 0)
	for u, s := range m.sessions {
		if s.info.LastActivity.Before(cutoff) {
			stale = append(stale, u)
		}
	}
	m.mu.RUnlock()

	for _, u := range stale {
		m.log.Info("清理不活跃会话", "userID", string(u))
		if err := m.Destroy(ctx, u); err != nil {
			m.log.Warn("会话清理失败", "userID", string(u), "error", err)
		}
	}
}

// relayEvents 订阅引擎事件流并转发到控制通道，离开引擎时在负载上盖会话标识
func (m *Manager) relayEvents(s *Session) {
	for {
		select {
		case <-s.stopRelay:
			// 引擎停止事件此刻可能仍在缓冲中，先投递完再退出
			for {
				select {
				case ev := <-s.engine.Events():
					m.publishEvent(s, ev)
				default:
					return
				}
			}
		case ev := <-s.engine.Events():
			m.touchActivity(s, ev.Type)
			m.publishEvent(s, ev)
		}
	}
}

// publishEvent 序列化事件并盖上会话标识后投递
func (m *Manager) publishEvent(s *Session, ev model.Event) {
	if m.publisher == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Warn("事件序列化失败", "type", ev.Type, "error", err)
		return
	}
	data, _ = sjson.SetBytes(data, "session", string(s.info.ID))
	data, _ = sjson.SetBytes(data, "user", string(s.info.UserID))
	m.publisher.Publish(s.info.UserID, data)
}

// touchActivity 请求级事件刷新最后活动时间；周期性统计事件不算活动
func (m *Manager) touchActivity(s *Session, eventType string) {
	switch eventType {
	case model.EventRequestHeld, model.EventRequestForwarded, model.EventRequestDropped,
		model.EventRequestIntercepted, model.EventResponseReceived:
	default:
		return
	}
	now := time.Now()
	m.mu.Lock()
	s.info.LastActivity = now
	m.mu.Unlock()
	if err := m.repo.TouchActivity(context.Background(), string(s.info.ID), now); err != nil {
		m.log.Debug("活动时间落盘失败", "sessionID", string(s.info.ID), "error", err)
	}
}
