package monitor

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	StatusUnknown       = "unknown"
	StatusHealthy       = "healthy"
	StatusDegraded      = "degraded"
	StatusUnhealthy     = "unhealthy"
	StatusMisconfigured = "misconfigured"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Component   string    `json:"component"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
}

// Monitor 监控系统
type Monitor struct {
	components map[string]*HealthStatus
	mutex      sync.RWMutex
	alertFunc  func(component, status, message string)
	now        func() time.Time
}

// NewMonitor 创建新的监控系统, alertFunc 在组件离开健康状态时调用
func NewMonitor(alertFunc func(component, status, message string)) *Monitor {
	return &Monitor{
		components: make(map[string]*HealthStatus),
		alertFunc:  alertFunc,
		now:        time.Now,
	}
}

// RegisterComponent 注册组件, 初始状态为 unknown
func (m *Monitor) RegisterComponent(component string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.components[component]; exists {
		return
	}
	m.components[component] = &HealthStatus{
		Component:   component,
		Status:      StatusUnknown,
		LastChecked: m.now(),
	}
}

// UpdateStatus 更新组件状态
func (m *Monitor) UpdateStatus(component, status, message string) {
	m.mutex.Lock()
	h, exists := m.components[component]
	if !exists {
		h = &HealthStatus{Component: component}
		m.components[component] = h
	}

	oldStatus := h.Status
	h.Status = status
	h.LastChecked = m.now()
	h.Message = message
	alertFunc := m.alertFunc
	m.mutex.Unlock()

	if oldStatus != status && status != StatusHealthy && alertFunc != nil {
		alertFunc(component, status, message)
	}
}

// GetStatus 获取组件状态副本, 组件未注册时返回 nil
func (m *Monitor) GetStatus(component string) *HealthStatus {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if h, exists := m.components[component]; exists {
		c := *h
		return &c
	}
	return nil
}

// GetAllStatus 获取所有组件状态, 按名称排序
func (m *Monitor) GetAllStatus() []*HealthStatus {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	statuses := make([]*HealthStatus, 0, len(m.components))
	for _, h := range m.components {
		c := *h
		statuses = append(statuses, &c)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Component < statuses[j].Component
	})
	return statuses
}

// Overall 所有组件中最差的状态
func (m *Monitor) Overall() string {
	worst := StatusHealthy
	for _, h := range m.GetAllStatus() {
		if rank(h.Status) > rank(worst) {
			worst = h.Status
		}
	}
	return worst
}

func rank(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	case StatusDegraded:
		return 2
	case StatusMisconfigured:
		return 3
	default:
		return 4
	}
}

// Check 执行一次检查并记录健康或不健康
func (m *Monitor) Check(ctx context.Context, component string, check func(ctx context.Context) error) error {
	if err := check(ctx); err != nil {
		m.UpdateStatus(component, StatusUnhealthy, err.Error())
		return err
	}
	m.UpdateStatus(component, StatusHealthy, "")
	return nil
}

// StartChecking 开始定期检查, 直到 ctx 结束
func (m *Monitor) StartChecking(ctx context.Context, component string, check func(ctx context.Context) error, interval time.Duration) {
	m.RegisterComponent(component)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cctx, cancel := context.WithTimeout(ctx, interval)
				_ = m.Check(cctx, component, check)
				cancel()
			}
		}
	}()
}
