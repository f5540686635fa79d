package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// CertificateRepository 证书持久化仓库
type CertificateRepository struct {
	db *gorm.DB
}

// NewCertificateRepository 创建证书仓库
func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

// SaveRoot 保存根证书记录
func (r *CertificateRepository) SaveRoot(ctx context.Context, rec *RootCertificateRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// FindRoot 查询用户根证书，未找到时返回 (nil, false, nil)
func (r *CertificateRepository) FindRoot(ctx context.Context, userID string) (*RootCertificateRecord, bool, error) {
	var rec RootCertificateRecord
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// DeleteRoot 删除用户根证书记录（仅在显式轮换时使用）
func (r *CertificateRepository) DeleteRoot(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&RootCertificateRecord{}).Error
}

// SaveLeaf 保存叶子证书记录
func (r *CertificateRepository) SaveLeaf(ctx context.Context, rec *LeafCertificateRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// FindLeaf 查询未过期且未被取代的叶子证书
func (r *CertificateRepository) FindLeaf(ctx context.Context, userID, domain string) (*LeafCertificateRecord, bool, error) {
	var rec LeafCertificateRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND domain = ? AND superseded = ? AND not_after > ?",
			userID, domain, false, time.Now()).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// SupersedeLeaves 根证书轮换后标记用户全部叶子证书为已取代（不删除）
func (r *CertificateRepository) SupersedeLeaves(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Model(&LeafCertificateRecord{}).
		Where("user_id = ? AND superseded = ?", userID, false).
		Update("superseded", true).Error
}
