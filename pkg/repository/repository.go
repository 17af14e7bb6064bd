package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dewei/PriceRadar/pkg/model"
)

// Repository 告警与配置的内存存储.
// 读写时均复制记录, 调用方拿不到内部状态的引用
type Repository struct {
	alerts   map[string]*model.Alert
	settings map[string]*string
	mutex    sync.RWMutex
	cycle    sync.Mutex
	now      func() time.Time
}

// NewRepository 创建空的数据仓库
func NewRepository() *Repository {
	return &Repository{
		alerts:   make(map[string]*model.Alert),
		settings: make(map[string]*string),
		now:      time.Now,
	}
}

func (r *Repository) Create(ctx context.Context, alert *model.Alert) (*model.Alert, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if _, exists := r.alerts[alert.ID]; exists {
		return nil, fmt.Errorf("create alert %s: duplicate id", alert.ID)
	}

	now := r.now()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = now
	alert.Version = 0

	r.alerts[alert.ID] = alert.Clone()
	return alert, nil
}

// FindByID 告警不存在时返回 nil, nil
func (r *Repository) FindByID(ctx context.Context, id string) (*model.Alert, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.alerts[id].Clone(), nil
}

func (r *Repository) FindByStatus(ctx context.Context, statuses []model.Status) ([]*model.Alert, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	wanted := make(map[model.Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var result []*model.Alert
	for _, alert := range r.alerts {
		if wanted[alert.Status] {
			result = append(result, alert.Clone())
		}
	}
	sortByCreated(result, false)
	return result, nil
}

// List 返回全部告警, 按创建时间倒序
func (r *Repository) List(ctx context.Context) ([]*model.Alert, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]*model.Alert, 0, len(r.alerts))
	for _, alert := range r.alerts {
		result = append(result, alert.Clone())
	}
	sortByCreated(result, true)
	return result, nil
}

// Save 按 Version 做比较并交换
func (r *Repository) Save(ctx context.Context, alert *model.Alert) (*model.Alert, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, exists := r.alerts[alert.ID]
	if !exists || existing.Version != alert.Version {
		return nil, fmt.Errorf("save alert %s: %w", alert.ID, model.ErrStaleEntity)
	}

	alert.Version++
	alert.CreatedAt = existing.CreatedAt
	alert.UpdatedAt = r.now()
	r.alerts[alert.ID] = alert.Clone()
	return alert, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.alerts[id]; !exists {
		return model.ErrNotFound
	}
	delete(r.alerts, id)
	return nil
}

func (r *Repository) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	counts := make(map[model.Status]int64)
	for _, alert := range r.alerts {
		counts[alert.Status]++
	}
	return counts, nil
}

// GetSetting 从未写入时返回 nil, nil
func (r *Repository) GetSetting(ctx context.Context, key string) (*model.AppSetting, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	value, exists := r.settings[key]
	if !exists {
		return nil, nil
	}
	return &model.AppSetting{Key: key, Value: copyString(value)}, nil
}

func (r *Repository) PutSetting(ctx context.Context, key string, value *string) (*model.AppSetting, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.settings[key] = copyString(value)
	return &model.AppSetting{Key: key, Value: copyString(value)}, nil
}

// Ping 总是成功
func (r *Repository) Ping(ctx context.Context) error {
	return nil
}

func sortByCreated(alerts []*model.Alert, newestFirst bool) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID < alerts[j].ID
		}
		if newestFirst {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// TryLock 评估周期锁, 共用同一仓库的引擎同一时刻只有一个能执行周期
func (r *Repository) TryLock(ctx context.Context) (func(), bool, error) {
	if !r.cycle.TryLock() {
		return nil, false, nil
	}
	return r.cycle.Unlock, true, nil
}
