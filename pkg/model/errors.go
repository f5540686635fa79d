package model

import (
	"errors"
	"fmt"
	"net/http"
)

// CertificateError 证书子系统错误：密钥生成、签名、加解密或缺少根证书
type CertificateError struct {
	Op  string
	Err error
}

func (e *CertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("certificate %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("certificate %s", e.Op)
}

func (e *CertificateError) Unwrap() error { return e.Err }

// ProxyError 代理编排错误：端口耗尽、监听启停失败等
type ProxyError struct {
	Op  string
	Err error
}

func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxy %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("proxy %s", e.Op)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// NotFoundError 未知会话或未知/已终态的队列条目
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NewCertificateError 构造证书错误
func NewCertificateError(op string, err error) error {
	return &CertificateError{Op: op, Err: err}
}

// NewProxyError 构造代理错误
func NewProxyError(op string, err error) error {
	return &ProxyError{Op: op, Err: err}
}

// NewNotFoundError 构造未找到错误
func NewNotFoundError(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// StatusOf 错误在 API 边界的状态分类
func StatusOf(err error) int {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return http.StatusNotFound
	}
	var ce *CertificateError
	var pe *ProxyError
	if errors.As(err, &ce) || errors.As(err, &pe) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
