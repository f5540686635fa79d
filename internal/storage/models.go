package storage

import (
	"time"
)

// RootCertificateRecord 用户根证书记录，私钥加密存储
type RootCertificateRecord struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       string `gorm:"uniqueIndex;size:64"`
	CertPEM      []byte
	EncryptedKey []byte
	SerialNumber string `gorm:"size:64"`
	NotBefore    time.Time
	NotAfter     time.Time
	CreatedAt    time.Time
}

// LeafCertificateRecord 按 (用户, 域名) 签发的叶子证书记录
type LeafCertificateRecord struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       string `gorm:"index:idx_leaf_user_domain;size:64"`
	Domain       string `gorm:"index:idx_leaf_user_domain;size:255"`
	CertPEM      []byte
	EncryptedKey []byte
	NotAfter     time.Time
	Superseded   bool `gorm:"default:false"`
	CreatedAt    time.Time
}

// SessionRecord 代理会话记录，进程重启后用于孤儿对账
type SessionRecord struct {
	ID            uint   `gorm:"primaryKey"`
	SessionID     string `gorm:"uniqueIndex;size:64"`
	UserID        string `gorm:"index;size:64"`
	Port          int
	Active        bool `gorm:"index"`
	InterceptMode bool
	FiltersJSON   string
	StartedAt     time.Time
	LastActivity  time.Time
	UpdatedAt     time.Time
}
