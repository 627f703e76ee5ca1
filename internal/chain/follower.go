package chain

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Follower 轮询节点高度并缓存。
// 缓存超过一个轮询周期时同步回源；节点切换导致的高度回退会被忽略
type Follower struct {
	source   HeightSource
	interval time.Duration
	logger   *logrus.Logger

	mu         sync.RWMutex
	height     uint64
	lastUpdate time.Time
	listeners  []func(height uint64)
}

// NewFollower 创建高度跟随器
func NewFollower(source HeightSource, interval time.Duration, logger *logrus.Logger) *Follower {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Follower{
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// OnNewHeight 注册新高度回调
func (f *Follower) OnNewHeight(fn func(height uint64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// BlockNumber 返回当前高度
func (f *Follower) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.RLock()
	height, fresh := f.height, time.Since(f.lastUpdate) < f.interval
	f.mu.RUnlock()

	if fresh && height > 0 {
		return height, nil
	}
	return f.refresh(ctx)
}

// refresh 回源获取最新高度
func (f *Follower) refresh(ctx context.Context) (uint64, error) {
	latest, err := f.source.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	advanced := latest > f.height
	if advanced {
		f.height = latest
	} else if latest < f.height {
		f.logger.Debugf("节点返回的高度 %d 低于已观察到的 %d，忽略", latest, f.height)
	}
	f.lastUpdate = time.Now()
	height := f.height
	listeners := slices.Clone(f.listeners)
	f.mu.Unlock()

	if advanced {
		for _, fn := range listeners {
			fn(height)
		}
	}
	return height, nil
}

// Run 按轮询间隔跟踪高度，直到ctx取消
func (f *Follower) Run(ctx context.Context) error {
	f.logger.Infof("开始跟踪区块高度，轮询间隔: %v", f.interval)

	if _, err := f.refresh(ctx); err != nil {
		f.logger.Errorf("获取最新区块号失败: %v", err)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			before := f.Height()
			height, err := f.refresh(ctx)
			if err != nil {
				f.logger.Errorf("获取最新区块号失败: %v", err)
				continue
			}
			if height > before {
				f.logger.Debugf("新区块高度: %d", height)
			}

		case <-ctx.Done():
			f.logger.Info("区块高度跟踪已停止")
			return ctx.Err()
		}
	}
}

// Height 最近一次观察到的高度，不回源
func (f *Follower) Height() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.height
}
