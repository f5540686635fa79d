package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"

	"reqsploit/pkg/model"
	"reqsploit/pkg/traffic"
)

var errDropped = errors.New("request dropped by operator")
var errCancelled = errors.New("session destroyed while request held")

// hopHeaders 转发前剥离的逐跳头部
var hopHeaders = []string{
	"Proxy-Connection",
	"Connection",
	"Keep-Alive",
	"TE",
	"Trailer",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Authorization",
}

// handleConn 连接处理入口。首个请求行决定走 CONNECT 隧道还是显式 HTTP 代理；
// 任何失败只影响本连接。
func (e *Engine) handleConn(conn net.Conn) {
	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		if err != io.EOF {
			e.log.Debug("请求解析失败", "remote", conn.RemoteAddr().String(), "error", err)
		}
		return
	}

	if req.Method == http.MethodConnect {
		e.handleTunnel(conn, req)
		return
	}
	e.servePlain(conn, reader, req)
}

// handleTunnel 处理 CONNECT 隧道：回应 200 后用 CA 签发的叶子证书对客户端完成
// 服务端 TLS 握手，把解密后的字节流当作新的明文 HTTP 连接继续解析。
// 叶子证书按 CONNECT 目标主机名选择而非 SNI，以兼容不发 SNI 的客户端。
func (e *Engine) handleTunnel(conn net.Conn, req *http.Request) {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host
		port = "443"
	}

	if _, err := fmt.Fprint(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	leaf, err := e.authority.IssueLeaf(context.Background(), host, e.userID)
	if err != nil {
		e.log.Warn("叶子证书签发失败", "host", host, "error", err)
		e.emit(model.EventProxyError, map[string]any{"message": err.Error()})
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	})
	if err := tlsConn.Handshake(); err != nil {
		// 证书固定类客户端在这里失败，属预期行为
		e.log.Debug("客户端 TLS 握手失败", "host", host, "error", err)
		return
	}

	target := net.JoinHostPort(host, port)
	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				e.log.Debug("隧道内请求解析失败", "host", host, "error", err)
			}
			return
		}
		rawURL := absoluteURL("https", target, req)
		if err := e.serveRequest(tlsConn, req, rawURL); err != nil {
			return
		}
	}
}

// servePlain 处理显式 HTTP 代理请求（请求行携带绝对 URL），支持同连接后续请求
func (e *Engine) servePlain(conn net.Conn, reader *bufio.Reader, first *http.Request) {
	req := first
	for {
		rawURL := req.URL.String()
		if !req.URL.IsAbs() {
			rawURL = absoluteURL("http", req.Host, req)
		}
		if err := e.serveRequest(conn, req, rawURL); err != nil {
			return
		}
		var err error
		req, err = http.ReadRequest(reader)
		if err != nil {
			return
		}
	}
}

// serveRequest 单请求生命周期：捕获 → 拦截裁决 → 转发 → 回写响应
func (e *Engine) serveRequest(conn net.Conn, req *http.Request, rawURL string) error {
	e.totalRequests.Add(1)

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			e.log.Debug("请求体读取失败", "url", rawURL, "error", err)
			return err
		}
	}

	captured := traffic.FromHTTPRequest(req, rawURL, body)
	captured.ID = uuid.NewString()
	captured.RemoteAddr = conn.RemoteAddr().String()

	interceptMode, filters := e.snapshotSettings()
	held := interceptMode && filters.Match(captured)

	final := captured
	if held {
		e.interceptedRequests.Add(1)
		handle := e.q.Hold(captured)
		e.emit(model.EventRequestIntercepted, map[string]any{
			"request":       captured,
			"isIntercepted": true,
		})

		res := handle.Wait()
		switch {
		case res.Cancelled:
			return errCancelled
		case res.Dropped:
			// 以直接断开模拟 connection reset，被丢弃的请求绝不到达源站
			return errDropped
		}
		final = res.Request
	} else {
		e.emit(model.EventRequestIntercepted, map[string]any{
			"request":       captured,
			"isIntercepted": false,
		})
	}

	resp, err := e.roundTrip(final)
	if err != nil {
		e.log.Debug("源站转发失败", "url", final.URL, "error", err)
		e.emit(model.EventProxyError, map[string]any{"message": err.Error()})
		writeGatewayError(conn, err)
		return err
	}

	// 状态码过滤在响应侧生效：标记命中状态，供操作端筛选已完成的请求
	e.emit(model.EventResponseReceived, map[string]any{
		"request":        final,
		"response":       resp,
		"matchesFilters": filters.MatchStatus(resp.StatusCode),
	})
	return writeResponse(conn, resp)
}

// roundTrip 向源站发起真实请求（HTTPS 目标走真实客户端握手，不伪造）
func (e *Engine) roundTrip(treq *traffic.Request) (*traffic.Response, error) {
	req, err := http.NewRequest(treq.Method, treq.URL, bytes.NewReader(treq.Body))
	if err != nil {
		return nil, err
	}
	req.Header = treq.Headers.ToHTTP()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if len(treq.Body) > 0 {
		req.ContentLength = int64(len(treq.Body))
	}

	resp, err := e.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := traffic.NewResponse()
	out.StatusCode = resp.StatusCode
	out.Body = respBody
	// 逐值搬运，Set-Cookie 等多值头部各占一行回写
	for k, vv := range resp.Header {
		for _, v := range vv {
			out.Headers.Add(k, v)
		}
	}
	return out, nil
}

// writeResponse 把源站响应原样回写给客户端连接
func writeResponse(conn net.Conn, tres *traffic.Response) error {
	resp := &http.Response{
		ProtoMajor:    1,
		ProtoMinor:    1,
		StatusCode:    tres.StatusCode,
		Header:        tres.Headers.ToHTTP(),
		Body:          io.NopCloser(bytes.NewReader(tres.Body)),
		ContentLength: int64(len(tres.Body)),
	}
	resp.Header.Del("Transfer-Encoding")
	return resp.Write(conn)
}

// writeGatewayError 源站不可达时回 502
func writeGatewayError(conn net.Conn, err error) {
	msg := err.Error()
	fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(msg), msg)
}

// absoluteURL 由相对请求行补全绝对 URL
func absoluteURL(scheme, hostPort string, req *http.Request) string {
	host := hostPort
	if req.Host != "" {
		host = req.Host
	}
	host = stripDefaultPort(scheme, host)
	return scheme + "://" + host + req.URL.RequestURI()
}

// stripDefaultPort 去掉协议默认端口
func stripDefaultPort(scheme, host string) string {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "https" && p == "443") || (scheme == "http" && p == "80") {
		return h
	}
	return host
}
