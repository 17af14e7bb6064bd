// pkg/database/alert.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dewei/PriceRadar/pkg/model"
)

type AlertDB struct {
	db *gorm.DB
}

func (p *Postgres) Alert() *AlertDB {
	return &AlertDB{db: p.db}
}

func (a *AlertDB) Create(ctx context.Context, alert *model.Alert) (*model.Alert, error) {
	alert.Version = 0
	if err := a.db.WithContext(ctx).Create(alert).Error; err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return alert, nil
}

func (a *AlertDB) FindByID(ctx context.Context, id string) (*model.Alert, error) {
	var alert model.Alert
	err := a.db.WithContext(ctx).First(&alert, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return &alert, nil
}

func (a *AlertDB) FindByStatus(ctx context.Context, statuses []model.Status) ([]*model.Alert, error) {
	var alerts []*model.Alert
	err := a.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("query alerts by status: %w", err)
	}
	return alerts, nil
}

func (a *AlertDB) List(ctx context.Context) ([]*model.Alert, error) {
	var alerts []*model.Alert
	if err := a.db.WithContext(ctx).Order("created_at DESC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// Save 仅当库中版本仍等于 alert.Version 时写入全部可变字段并递增版本.
// 返回 model.ErrStaleEntity 表示记录已删除或已被其他写入方修改
func (a *AlertDB) Save(ctx context.Context, alert *model.Alert) (*model.Alert, error) {
	now := time.Now()
	res := a.db.WithContext(ctx).
		Model(&model.Alert{}).
		Where("id = ? AND version = ?", alert.ID, alert.Version).
		Updates(map[string]interface{}{
			"ticker":                           alert.Ticker,
			"asset_type":                       alert.AssetType,
			"target_price":                     alert.TargetPrice,
			"condition":                        alert.Condition,
			"status":                           alert.Status,
			"renotification_frequency_minutes": alert.RenotificationFrequencyMinutes,
			"last_checked_price":               alert.LastCheckedPrice,
			"last_checked_timestamp":           alert.LastCheckedTimestamp,
			"initial_trigger_timestamp":        alert.InitialTriggerTimestamp,
			"last_triggered_timestamp":         alert.LastTriggeredTimestamp,
			"version":                          gorm.Expr("version + 1"),
			"updated_at":                       now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("save alert %s: %w", alert.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("save alert %s: %w", alert.ID, model.ErrStaleEntity)
	}

	alert.Version++
	alert.UpdatedAt = now
	return alert, nil
}

func (a *AlertDB) Delete(ctx context.Context, id string) error {
	res := a.db.WithContext(ctx).Delete(&model.Alert{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete alert %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CountByStatus 按状态统计告警数量
func (a *AlertDB) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	var rows []struct {
		Status model.Status
		Count  int64
	}
	err := a.db.WithContext(ctx).
		Model(&model.Alert{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count alerts by status: %w", err)
	}

	counts := make(map[model.Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
