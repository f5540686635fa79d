package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SessionRepository 会话持久化仓库
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Save 保存会话记录
func (r *SessionRepository) Save(ctx context.Context, rec *SessionRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// Find 按会话ID查询
func (r *SessionRepository) Find(ctx context.Context, sessionID string) (*SessionRecord, bool, error) {
	var rec SessionRecord
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// SetActive 更新会话活跃标记
func (r *SessionRepository) SetActive(ctx context.Context, sessionID string, active bool) error {
	return r.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Update("active", active).Error
}

// UpdateSettings 更新拦截开关与过滤条件
func (r *SessionRepository) UpdateSettings(ctx context.Context, sessionID string, interceptMode bool, filtersJSON string) error {
	return r.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"intercept_mode": interceptMode,
			"filters_json":   filtersJSON,
		}).Error
}

// TouchActivity 刷新最后活动时间
func (r *SessionRepository) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Update("last_activity", at).Error
}

// DeactivateAll 进程启动对账：把上一个进程遗留的活跃会话全部标记为不活跃
func (r *SessionRepository) DeactivateAll(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("active = ?", true).
		Update("active", false)
	return res.RowsAffected, res.Error
}
