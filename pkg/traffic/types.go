package traffic

import (
	"net/http"
	"strings"
	"time"
)

// Header 封装通用的头部操作。键小写归一，同名多值保持到达顺序，
// 回写时逐值还原（Set-Cookie 等多值头部不得合并）。
type Header map[string][]string

// Get 获取指定 Header 的首个值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	vv := h[strings.ToLower(key)]
	if len(vv) == 0 {
		return ""
	}
	return vv[0]
}

// Values 获取指定 Header 的全部值
func (h Header) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h[strings.ToLower(key)]
}

// Set 覆盖指定 Header 为单个值
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = []string{value}
}

// Add 追加一个值
func (h Header) Add(key, value string) {
	k := strings.ToLower(key)
	h[k] = append(h[k], value)
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制 Header（值切片深拷贝）
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// ToHTTP 转换为标准库 http.Header，每个值占独立一行
func (h Header) ToHTTP() http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	return out
}

// Request 中立的请求模型
type Request struct {
	ID         string            // 请求唯一ID
	URL        string            // 完整URL
	Method     string            // HTTP方法
	Headers    Header            // 请求头
	Body       []byte            // 请求体原始数据
	Query      map[string]string // 预解析的查询参数
	Cookies    map[string]string // 预解析的Cookie
	RemoteAddr string            // 客户端地址
	CapturedAt time.Time         // 捕获时间
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// Modifications 请求字段级覆盖，nil 字段保持捕获值
type Modifications struct {
	Method  *string           `json:"method,omitempty"`
	URL     *string           `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
}

// IsZero 判断是否没有任何覆盖字段
func (m *Modifications) IsZero() bool {
	if m == nil {
		return true
	}
	return m.Method == nil && m.URL == nil && len(m.Headers) == 0 && m.Body == nil
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
		Query:   make(map[string]string),
		Cookies: make(map[string]string),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// Clone 复制请求（Body 深拷贝）
func (r *Request) Clone() *Request {
	out := &Request{
		ID:         r.ID,
		URL:        r.URL,
		Method:     r.Method,
		Headers:    r.Headers.Clone(),
		RemoteAddr: r.RemoteAddr,
		CapturedAt: r.CapturedAt,
		Query:      make(map[string]string, len(r.Query)),
		Cookies:    make(map[string]string, len(r.Cookies)),
	}
	for k, v := range r.Query {
		out.Query[k] = v
	}
	for k, v := range r.Cookies {
		out.Cookies[k] = v
	}
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return out
}

// Apply 应用字段级覆盖并返回新请求，未指定字段保持捕获值
func (r *Request) Apply(m *Modifications) *Request {
	out := r.Clone()
	if m == nil {
		return out
	}
	if m.Method != nil {
		out.Method = *m.Method
	}
	if m.URL != nil {
		out.URL = *m.URL
		out.Query = parseQuery(*m.URL)
	}
	for k, v := range m.Headers {
		out.Headers.Set(k, v)
	}
	if m.Body != nil {
		out.Body = []byte(*m.Body)
	}
	return out
}

// FromHTTPRequest 由标准库请求构造中立模型（Body 需由调用方预先读出）
func FromHTTPRequest(req *http.Request, rawURL string, body []byte) *Request {
	out := NewRequest()
	out.URL = rawURL
	out.Method = req.Method
	out.Body = body
	out.RemoteAddr = req.RemoteAddr
	out.CapturedAt = time.Now()
	for k, vv := range req.Header {
		for _, v := range vv {
			out.Headers.Add(k, v)
		}
	}
	out.Query = parseQuery(rawURL)
	// Cookie 名保留原始大小写，头部名才是大小写不敏感的
	for _, cookieHeader := range out.Headers.Values("cookie") {
		for _, pair := range strings.Split(cookieHeader, ";") {
			pair = strings.TrimSpace(pair)
			if kv := strings.SplitN(pair, "=", 2); len(kv) == 2 {
				out.Cookies[kv[0]] = kv[1]
			}
		}
	}
	return out
}

// parseQuery 解析 URL 中的查询参数
func parseQuery(rawURL string) map[string]string {
	query := make(map[string]string)
	idx := strings.Index(rawURL, "?")
	if idx == -1 {
		return query
	}
	queryStr := rawURL[idx+1:]
	if queryStr == "" {
		return query
	}
	for _, pair := range strings.Split(queryStr, "&") {
		if kv := strings.SplitN(pair, "=", 2); len(kv) == 2 {
			query[kv[0]] = kv[1]
		}
	}
	return query
}
