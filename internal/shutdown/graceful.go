package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAcceptingRequests = 10 // 关闭HTTP服务
	OrderStopBackgroundJobs    = 20 // 停止过期扫描和模拟出块
	OrderStopHeightFollower    = 30 // 停止区块高度跟踪
	OrderFlushOutputs          = 40 // 刷新事件输出
	OrderCloseStore            = 50 // 关闭活动存储
	OrderCloseConnections      = 60 // 关闭节点连接
)

// DefaultTimeout 默认停机超时
const DefaultTimeout = 30 * time.Second

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu             sync.Mutex
	shutdownFuncs  []ShutdownFunc
	isShuttingDown bool
	err            error

	signalChan chan os.Signal
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// RegisterShutdownFunc 注册停机处理函数，同一顺序按注册先后执行
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Context 停机开始时取消，后台任务以此为父上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Start 开始监听 SIGINT、SIGTERM
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-gs.signalChan:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.Shutdown()
		case <-gs.done:
		}
	}()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM")
}

// Wait 阻塞到停机流程结束，返回停机过程中的错误
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

// Shutdown 执行停机流程，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.isShuttingDown {
		gs.mu.Unlock()
		return
	}
	gs.isShuttingDown = true
	funcs := append([]ShutdownFunc(nil), gs.shutdownFuncs...)
	gs.mu.Unlock()

	signal.Stop(gs.signalChan)
	err := gs.performShutdown(funcs)

	gs.mu.Lock()
	gs.err = err
	gs.mu.Unlock()
	close(gs.done)
}

// performShutdown 按顺序执行停机函数，超时后跳过剩余步骤
func (gs *GracefulShutdown) performShutdown(funcs []ShutdownFunc) error {
	gs.logger.Info("开始优雅停机流程...")

	// 先通知后台goroutine退出
	gs.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	var shutdownErrors []error
	for _, fn := range funcs {
		if shutdownCtx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过: %s", fn.Name)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", fn.Name, shutdownCtx.Err()))
			continue
		}

		start := time.Now()
		err := fn.Func(shutdownCtx)
		duration := time.Since(start)

		if err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", fn.Name, duration, err)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", fn.Name, err))
		} else {
			gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", fn.Name, duration)
		}
	}

	if len(shutdownErrors) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(shutdownErrors))
		return fmt.Errorf("停机过程中发生错误: %v", shutdownErrors)
	}

	gs.logger.Info("优雅停机流程完成")
	return nil
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

// GetRegisteredFunctions 已注册的停机函数名，按注册顺序
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	names := make([]string, len(gs.shutdownFuncs))
	for i, fn := range gs.shutdownFuncs {
		names[i] = fn.Name
	}
	return names
}
