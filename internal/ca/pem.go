package ca

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"

	"reqsploit/pkg/model"
)

// encodeCertPEM DER 编码证书转 PEM
func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// parseCertPEM 解析 PEM 编码证书
func parseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("bad certificate pem")
	}
	return x509.ParseCertificate(block.Bytes)
}

// tlsCertificate 组装可直接用于 TLS 握手的证书
func tlsCertificate(certPEM []byte, key *rsa.PrivateKey) (*tls.Certificate, error) {
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, model.NewCertificateError("build keypair", err)
	}
	if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
		return nil, model.NewCertificateError("parse leaf", err)
	}
	return &cert, nil
}

// singleflight 按 key 串行化，防止并发请求对同一用户重复生成根证书
type singleflight struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (s *singleflight) lock(key string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}
