package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reqsploit/internal/logger"
	"reqsploit/pkg/model"
	"reqsploit/pkg/traffic"
)

// Resolution 挂起请求的最终裁决
type Resolution struct {
	Dropped   bool             // 操作者丢弃
	Cancelled bool             // 会话销毁导致的取消
	Request   *traffic.Request // 放行时的最终请求（可能已修改）
}

// Handle 单次裁决句柄：hold 时创建，forward/drop 恰好完成一次
type Handle struct {
	ID model.RequestID
	ch chan Resolution
}

// Wait 阻塞等待裁决。设计上没有超时，操作者可以任意久；
// 会话销毁通过 CloseAll 以取消信号唤醒所有等待者。
func (h *Handle) Wait() Resolution {
	return <-h.ch
}

type entry struct {
	id         model.RequestID
	state      model.QueueState
	request    *traffic.Request
	capturedAt time.Time
	handle     *Handle
}

// Queue 每个代理实例持有的请求队列，实现 hold/forward/drop/modify 协议
type Queue struct {
	mu      sync.Mutex
	entries map[model.RequestID]*entry
	closed  bool
	events  chan<- model.Event
	log     logger.Logger
}

// Config 配置选项
type Config struct {
	Events chan<- model.Event
	Logger logger.Logger
}

// New 创建请求队列
func New(cfg Config) *Queue {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Queue{
		entries: make(map[model.RequestID]*entry),
		events:  cfg.Events,
		log:     l,
	}
}

// Hold 将请求置为 HELD 并返回裁决句柄
func (q *Queue) Hold(req *traffic.Request) *Handle {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CapturedAt.IsZero() {
		req.CapturedAt = time.Now()
	}

	h := &Handle{ID: model.RequestID(req.ID), ch: make(chan Resolution, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		h.ch <- Resolution{Cancelled: true}
		return h
	}
	q.entries[h.ID] = &entry{
		id:         h.ID,
		state:      model.StateHeld,
		request:    req,
		capturedAt: req.CapturedAt,
		handle:     h,
	}
	q.mu.Unlock()

	q.log.Debug("请求进入队列", "requestID", req.ID, "method", req.Method, "url", req.URL)
	q.emit(model.EventRequestHeld, q.infoOf(req, model.StateHeld))
	q.emit(model.EventQueueChanged, q.Snapshot())
	return h
}

// Forward 放行请求，modifications 提供字段级覆盖；未知或已终态的ID返回 NotFoundError
func (q *Queue) Forward(id model.RequestID, mods *traffic.Modifications) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.state != model.StateHeld {
		q.mu.Unlock()
		return model.NewNotFoundError("queued request", string(id))
	}
	final := e.request
	if !mods.IsZero() {
		e.state = model.StateModified
		final = e.request.Apply(mods)
	}
	e.state = model.StateForwarded
	delete(q.entries, id)
	q.mu.Unlock()

	e.handle.ch <- Resolution{Request: final}
	q.log.Debug("请求放行", "requestID", string(id), "modified", !mods.IsZero())
	q.emit(model.EventRequestForwarded, q.infoOf(final, model.StateForwarded))
	q.emit(model.EventQueueChanged, q.Snapshot())
	return nil
}

// Drop 丢弃请求；未知或已终态的ID返回 NotFoundError
func (q *Queue) Drop(id model.RequestID) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.state != model.StateHeld {
		q.mu.Unlock()
		return model.NewNotFoundError("queued request", string(id))
	}
	e.state = model.StateDropped
	delete(q.entries, id)
	q.mu.Unlock()

	e.handle.ch <- Resolution{Dropped: true}
	q.log.Debug("请求丢弃", "requestID", string(id))
	q.emit(model.EventRequestDropped, map[string]any{"requestId": string(id)})
	q.emit(model.EventQueueChanged, q.Snapshot())
	return nil
}

// Snapshot 按捕获时间排序返回当前全部 HELD 条目
func (q *Queue) Snapshot() []model.QueuedRequestInfo {
	q.mu.Lock()
	out := make([]model.QueuedRequestInfo, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, model.QueuedRequestInfo{
			ID:         e.id,
			State:      e.state,
			Request:    e.request,
			CapturedAt: e.capturedAt,
		})
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out
}

// Len 当前挂起条目数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// CloseAll 会话销毁时取消全部未决句柄，阻塞中的连接任务随之退出
func (q *Queue) CloseAll() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		pending = append(pending, e)
	}
	q.entries = make(map[model.RequestID]*entry)
	q.mu.Unlock()

	for _, e := range pending {
		e.handle.ch <- Resolution{Cancelled: true}
	}
	if len(pending) > 0 {
		q.log.Info("取消未决请求", "count", len(pending))
		q.emit(model.EventQueueChanged, q.Snapshot())
	}
}

func (q *Queue) infoOf(req *traffic.Request, state model.QueueState) model.QueuedRequestInfo {
	return model.QueuedRequestInfo{
		ID:         model.RequestID(req.ID),
		State:      state,
		Request:    req,
		CapturedAt: req.CapturedAt,
	}
}

// emit 非阻塞事件投递，消费者缺位时丢弃
func (q *Queue) emit(eventType string, payload any) {
	if q.events == nil {
		return
	}
	select {
	case q.events <- model.Event{Type: eventType, Payload: payload}:
	default:
	}
}
