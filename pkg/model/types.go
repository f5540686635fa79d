package model

import (
	"strings"
	"time"

	"reqsploit/pkg/traffic"
)

type UserID string
type SessionID string
type RequestID string

// RequestFilters 拦截过滤条件的不可变快照，空列表表示不限制
type RequestFilters struct {
	Methods     []string `json:"methods,omitempty"`
	Domains     []string `json:"domains,omitempty"`
	StatusCodes []int    `json:"statusCodes,omitempty"`
}

// Match 判断请求是否命中过滤条件（仅按方法与域名，状态码在响应侧使用）
func (f RequestFilters) Match(req *traffic.Request) bool {
	if len(f.Methods) > 0 {
		ok := false
		for _, m := range f.Methods {
			if strings.EqualFold(m, req.Method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Domains) > 0 {
		host := hostOf(req.URL)
		ok := false
		for _, d := range f.Domains {
			if matchDomain(host, d) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// MatchStatus 判断响应状态码是否命中
func (f RequestFilters) MatchStatus(code int) bool {
	if len(f.StatusCodes) == 0 {
		return true
	}
	for _, c := range f.StatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// hostOf 提取 URL 中的主机名（不含端口）
func hostOf(rawURL string) string {
	s := rawURL
	if idx := strings.Index(s, "://"); idx != -1 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/?"); idx != -1 {
		s = s[:idx]
	}
	if idx := strings.LastIndex(s, ":"); idx != -1 && !strings.Contains(s[idx:], "]") {
		s = s[:idx]
	}
	return strings.ToLower(s)
}

// matchDomain 域名匹配，pattern 支持 *.example.com 前缀通配
func matchDomain(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	}
	return host == pattern
}

// QueueState 队列请求状态
type QueueState string

const (
	StateCaptured  QueueState = "CAPTURED"
	StateHeld      QueueState = "HELD"
	StateModified  QueueState = "MODIFIED"
	StateForwarded QueueState = "FORWARDED"
	StateDropped   QueueState = "DROPPED"
)

// Terminal 判断是否终态
func (s QueueState) Terminal() bool {
	return s == StateForwarded || s == StateDropped
}

// SessionInfo 会话元数据
type SessionInfo struct {
	ID            SessionID      `json:"id"`
	UserID        UserID         `json:"userId"`
	Port          int            `json:"port"`
	Active        bool           `json:"active"`
	InterceptMode bool           `json:"interceptMode"`
	Filters       RequestFilters `json:"filters"`
	StartedAt     time.Time      `json:"startedAt"`
	LastActivity  time.Time      `json:"lastActivity"`
}

// EngineStats 代理引擎运行统计
type EngineStats struct {
	TotalRequests       int64     `json:"totalRequests"`
	InterceptedRequests int64     `json:"interceptedRequests"`
	ActiveConnections   int64     `json:"activeConnections"`
	StartedAt           time.Time `json:"startedAt"`
}

// QueuedRequestInfo 队列条目快照，用于重连后的界面回填
type QueuedRequestInfo struct {
	ID         RequestID        `json:"id"`
	State      QueueState       `json:"state"`
	Request    *traffic.Request `json:"request"`
	CapturedAt time.Time        `json:"capturedAt"`
}
