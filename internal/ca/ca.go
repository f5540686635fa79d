package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"reqsploit/internal/logger"
	"reqsploit/internal/storage"
	"reqsploit/pkg/model"
)

const (
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	keyBits      = 2048
)

var errNoRoot = errors.New("no root certificate for user, generate one first")

// Authority 证书颁发机构：负责根证书与叶子证书的签发、缓存与落盘
type Authority struct {
	repo  *storage.CertificateRepository
	crypt *keyCrypt
	cache *leafCache
	log   logger.Logger

	rootGroup singleflight
}

// Config 配置选项
type Config struct {
	Repo          *storage.CertificateRepository
	ServerSecret  string
	LeafCacheSize int
	Logger        logger.Logger
}

// RootPair 根证书与私钥
type RootPair struct {
	Cert    *x509.Certificate
	CertPEM []byte
	Key     *rsa.PrivateKey
}

// New 创建证书颁发机构
func New(cfg Config) (*Authority, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	crypt, err := newKeyCrypt(cfg.ServerSecret)
	if err != nil {
		return nil, model.NewCertificateError("init", err)
	}
	return &Authority{
		repo:  cfg.Repo,
		crypt: crypt,
		cache: newLeafCache(cfg.LeafCacheSize),
		log:   cfg.Logger,
	}, nil
}

// GenerateRoot 生成用户根证书，已存在时原样返回（幂等）
func (a *Authority) GenerateRoot(ctx context.Context, userID model.UserID) (*RootPair, error) {
	unlock := a.rootGroup.lock(string(userID))
	defer unlock()

	if pair, ok, err := a.loadRoot(ctx, userID); err != nil {
		return nil, err
	} else if ok {
		return pair, nil
	}
	return a.createRoot(ctx, userID)
}

// GetRoot 读取已存储的根证书，私钥读取时解密
func (a *Authority) GetRoot(ctx context.Context, userID model.UserID) (*RootPair, bool, error) {
	pair, ok, err := a.loadRoot(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return pair, ok, nil
}

// RegenerateRoot 显式轮换根证书：旧叶子标记为已取代（不删除、不吊销）
func (a *Authority) RegenerateRoot(ctx context.Context, userID model.UserID) (*RootPair, error) {
	unlock := a.rootGroup.lock(string(userID))
	defer unlock()

	if err := a.repo.SupersedeLeaves(ctx, string(userID)); err != nil {
		return nil, model.NewCertificateError("supersede leaves", err)
	}
	a.cache.Purge(string(userID))
	if err := a.repo.DeleteRoot(ctx, string(userID)); err != nil {
		return nil, model.NewCertificateError("rotate root", err)
	}
	a.log.Info("轮换用户根证书", "userID", string(userID))
	return a.createRoot(ctx, userID)
}

// ExportRootPEM 导出根证书（不含私钥）供浏览器安装
func (a *Authority) ExportRootPEM(ctx context.Context, userID model.UserID) ([]byte, error) {
	rec, ok, err := a.repo.FindRoot(ctx, string(userID))
	if err != nil {
		return nil, model.NewCertificateError("load root", err)
	}
	if !ok {
		return nil, model.NewNotFoundError("root certificate", string(userID))
	}
	return rec.CertPEM, nil
}

// IssueLeaf 签发 (用户, 域名) 叶子证书：缓存 → 存储 → 新签发
func (a *Authority) IssueLeaf(ctx context.Context, domain string, userID model.UserID) (*tls.Certificate, error) {
	if cert, ok := a.cache.Get(string(userID), domain); ok {
		return cert, nil
	}

	if rec, ok, err := a.repo.FindLeaf(ctx, string(userID), domain); err != nil {
		return nil, model.NewCertificateError("load leaf", err)
	} else if ok {
		cert, err := a.decodeLeaf(rec)
		if err != nil {
			return nil, err
		}
		a.cache.Put(string(userID), domain, cert, rec.NotAfter)
		return cert, nil
	}

	root, ok, err := a.loadRoot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NewCertificateError("issue leaf", errNoRoot)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, model.NewCertificateError("generate leaf key", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, model.NewCertificateError("generate serial", err)
	}
	notAfter := time.Now().Add(leafValidity)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(domain); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{domain, "*." + domain}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, root.Cert, &key.PublicKey, root.Key)
	if err != nil {
		return nil, model.NewCertificateError("sign leaf", err)
	}

	certPEM := encodeCertPEM(der)
	encryptedKey, err := a.crypt.Encrypt(x509.MarshalPKCS1PrivateKey(key))
	if err != nil {
		return nil, model.NewCertificateError("encrypt leaf key", err)
	}
	rec := &storage.LeafCertificateRecord{
		UserID:       string(userID),
		Domain:       domain,
		CertPEM:      certPEM,
		EncryptedKey: encryptedKey,
		NotAfter:     notAfter,
	}
	if err := a.repo.SaveLeaf(ctx, rec); err != nil {
		return nil, model.NewCertificateError("persist leaf", err)
	}

	cert, err := tlsCertificate(certPEM, key)
	if err != nil {
		return nil, err
	}
	a.cache.Put(string(userID), domain, cert, notAfter)
	a.log.Debug("签发叶子证书", "userID", string(userID), "domain", domain)
	return cert, nil
}

// loadRoot 从存储读取根证书并解密私钥
func (a *Authority) loadRoot(ctx context.Context, userID model.UserID) (*RootPair, bool, error) {
	rec, ok, err := a.repo.FindRoot(ctx, string(userID))
	if err != nil {
		return nil, false, model.NewCertificateError("load root", err)
	}
	if !ok {
		return nil, false, nil
	}
	cert, err := parseCertPEM(rec.CertPEM)
	if err != nil {
		return nil, false, model.NewCertificateError("parse root", err)
	}
	keyDER, err := a.crypt.Decrypt(rec.EncryptedKey)
	if err != nil {
		return nil, false, model.NewCertificateError("decrypt root key", err)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return nil, false, model.NewCertificateError("parse root key", err)
	}
	return &RootPair{Cert: cert, CertPEM: rec.CertPEM, Key: key}, true, nil
}

// createRoot 生成并持久化新的自签名根证书
func (a *Authority) createRoot(ctx context.Context, userID model.UserID) (*RootPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, model.NewCertificateError("generate root key", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, model.NewCertificateError("generate serial", err)
	}
	subject := pkix.Name{
		CommonName:   fmt.Sprintf("reqsploit Root CA %s", userID),
		Organization: []string{"reqsploit"},
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, model.NewCertificateError("self-sign root", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, model.NewCertificateError("parse root", err)
	}

	certPEM := encodeCertPEM(der)
	encryptedKey, err := a.crypt.Encrypt(x509.MarshalPKCS1PrivateKey(key))
	if err != nil {
		return nil, model.NewCertificateError("encrypt root key", err)
	}
	rec := &storage.RootCertificateRecord{
		UserID:       string(userID),
		CertPEM:      certPEM,
		EncryptedKey: encryptedKey,
		SerialNumber: serial.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}
	if err := a.repo.SaveRoot(ctx, rec); err != nil {
		return nil, model.NewCertificateError("persist root", err)
	}
	a.log.Info("生成用户根证书", "userID", string(userID), "serial", serial.String())
	return &RootPair{Cert: cert, CertPEM: certPEM, Key: key}, nil
}

// decodeLeaf 由存储记录还原 TLS 证书
func (a *Authority) decodeLeaf(rec *storage.LeafCertificateRecord) (*tls.Certificate, error) {
	keyDER, err := a.crypt.Decrypt(rec.EncryptedKey)
	if err != nil {
		return nil, model.NewCertificateError("decrypt leaf key", err)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return nil, model.NewCertificateError("parse leaf key", err)
	}
	return tlsCertificate(rec.CertPEM, key)
}

func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
