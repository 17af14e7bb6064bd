package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dewei/PriceRadar/pkg/model"
)

type SettingsDB struct {
	db *gorm.DB
}

func (p *Postgres) Settings() *SettingsDB {
	return &SettingsDB{db: p.db}
}

// GetSetting 获取配置项, 从未写入时返回 nil, nil
func (s *SettingsDB) GetSetting(ctx context.Context, key string) (*model.AppSetting, error) {
	var setting model.AppSetting
	err := s.db.WithContext(ctx).First(&setting, "setting_key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return &setting, nil
}

// PutSetting 写入或更新配置项, value 为 nil 时清空
func (s *SettingsDB) PutSetting(ctx context.Context, key string, value *string) (*model.AppSetting, error) {
	setting := &model.AppSetting{Key: key, Value: value}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "setting_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"setting_value"}),
		}).
		Create(setting).Error
	if err != nil {
		return nil, fmt.Errorf("put setting %s: %w", key, err)
	}
	return setting, nil
}
