package scheduler

import (
	"context"
	"fmt"
	"time"

	"charity/internal/config"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSweepInterval 默认扫描间隔
	DefaultSweepInterval = 30 * time.Second
	// 单次扫描超时
	sweepTimeout = 20 * time.Second
)

// Sweeper 把过期活动置为失败
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Settler 补记资金已转出但账本未提交的转账
type Settler interface {
	ResolvePending(ctx context.Context) (int, error)
}

// Manager 后台任务管理器
type Manager struct {
	scheduler gocron.Scheduler
	logger    *logrus.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager 创建任务管理器
func NewManager(logger *logrus.Logger) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("创建调度器失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		scheduler: s,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// RegisterSweeper 注册过期扫描任务。上一次扫描未结束时本次顺延
func (m *Manager) RegisterSweeper(sweeper Sweeper, cfg *config.SweeperConfig) error {
	interval, err := sweepInterval(cfg)
	if err != nil {
		return err
	}
	job := NewExpirySweepJob(sweeper, m.logger)
	return m.register(job.GetName(), job.Execute, interval)
}

// RegisterSettler 注册待结算转账补记任务，与过期扫描使用相同间隔
func (m *Manager) RegisterSettler(settler Settler, cfg *config.SweeperConfig) error {
	interval, err := sweepInterval(cfg)
	if err != nil {
		return err
	}
	job := NewSettlementJob(settler, m.logger)
	return m.register(job.GetName(), job.Execute, interval)
}

func sweepInterval(cfg *config.SweeperConfig) (time.Duration, error) {
	if cfg == nil || cfg.Interval == "" {
		return DefaultSweepInterval, nil
	}
	d, err := time.ParseDuration(cfg.Interval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("无效的扫描间隔 '%s'", cfg.Interval)
	}
	return d, nil
}

func (m *Manager) register(name string, execute func(ctx context.Context), interval time.Duration) error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(execute, m.ctx),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("注册任务 %s 失败: %w", name, err)
	}

	m.logger.Infof("已注册任务 %s，间隔: %v", name, interval)
	return nil
}

// Start 启动调度器
func (m *Manager) Start() {
	m.scheduler.Start()
	m.logger.Info("任务管理器已启动")
}

// Stop 停止调度器，等待正在执行的任务结束
func (m *Manager) Stop() error {
	m.cancel()
	if err := m.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("关闭调度器失败: %w", err)
	}
	m.logger.Info("任务管理器已停止")
	return nil
}

// ExpirySweepJob 过期活动扫描任务
type ExpirySweepJob struct {
	sweeper Sweeper
	logger  *logrus.Logger
}

// NewExpirySweepJob 创建扫描任务
func NewExpirySweepJob(sweeper Sweeper, logger *logrus.Logger) *ExpirySweepJob {
	return &ExpirySweepJob{sweeper: sweeper, logger: logger}
}

// GetName 任务名称
func (j *ExpirySweepJob) GetName() string {
	return "campaign_expiry_sweeper"
}

// Execute 执行一次扫描
func (j *ExpirySweepJob) Execute(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	swept, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		j.logger.Errorf("过期活动扫描失败: %v", err)
		return
	}
	if swept > 0 {
		j.logger.Infof("过期活动扫描完成，%d 个活动已置为失败", swept)
	} else {
		j.logger.Debug("过期活动扫描完成，没有过期活动")
	}
}

// SettlementJob 待结算转账补记任务
type SettlementJob struct {
	settler Settler
	logger  *logrus.Logger
}

// NewSettlementJob 创建补记任务
func NewSettlementJob(settler Settler, logger *logrus.Logger) *SettlementJob {
	return &SettlementJob{settler: settler, logger: logger}
}

// GetName 任务名称
func (j *SettlementJob) GetName() string {
	return "pending_transfer_settler"
}

// Execute 执行一次补记
func (j *SettlementJob) Execute(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	resolved, err := j.settler.ResolvePending(ctx)
	if err != nil {
		j.logger.Errorf("待结算转账补记失败: %v", err)
		return
	}
	if resolved > 0 {
		j.logger.Infof("已处理 %d 笔待结算转账", resolved)
	}
}
