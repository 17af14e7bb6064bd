package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/dewei/PriceRadar/pkg/logger"
	"github.com/dewei/PriceRadar/pkg/metrics"
	"github.com/dewei/PriceRadar/pkg/model"
)

// Job 一次评估周期
type Job func(ctx context.Context) error

// Scheduler 定时任务调度器, 按 cron 表达式执行, 同一时刻最多运行一个周期
type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	expr    string
	job     Job
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New 校验 cron 表达式(标准 5 段)并注册任务, 表达式无效时不注册任何任务
func New(expr string, job Job) (*Scheduler, error) {
	if _, err := cron.ParseStandard(expr); err != nil {
		return nil, &model.ConfigurationError{
			Component: "scheduler",
			Reason:    fmt.Sprintf("invalid cron schedule %q: %v", expr, err),
		}
	}

	log := logger.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(cron.PrintfLogger(log))),
		expr:   expr,
		job:    job,
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}

	entry, err := s.cron.AddFunc(expr, s.tick)
	if err != nil {
		cancel()
		return nil, &model.ConfigurationError{Component: "scheduler", Reason: err.Error()}
	}
	s.entry = entry
	return s, nil
}

// SetMetrics 设置指标, 记录被跳过的周期
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("schedule", s.expr).Infof("scheduler started, next cycle at %s", s.Next().Format(time.RFC3339))
}

// Stop 停止调度器, 取消正在运行的周期并等待其返回
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunNow 在当前 goroutine 执行一次周期, 已有周期在运行时返回 false
func (s *Scheduler) RunNow() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("previous cycle still running, skipping this one")
		s.metrics.CycleSkipped()
		return false
	}
	s.wg.Add(1)
	defer func() {
		s.running.Store(false)
		s.wg.Done()
	}()

	if s.ctx.Err() != nil {
		return false
	}
	s.run()
	return true
}

// Running 是否有周期正在运行
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Next 下次执行时间, Start 之前为零值
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) tick() {
	s.RunNow()
}

func (s *Scheduler) run() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("cycle panicked: %v", r)
		}
	}()

	if err := s.job(s.ctx); err != nil {
		s.log.WithError(err).Error("cycle failed")
	}
}
