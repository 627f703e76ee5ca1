package chain

import (
	"context"
	"fmt"
	"time"

	"charity/internal/config"

	"github.com/sirupsen/logrus"
)

// HeightSource 当前区块高度来源，引擎唯一的时钟
type HeightSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// DefaultPollInterval 默认轮询间隔
const DefaultPollInterval = 3 * time.Second

// Ledger 按配置组装好的高度来源
type Ledger struct {
	Source    HeightSource
	Simulated *SimulatedChain // 仅simulated模式
	Nodes     *NodeSet        // 仅ethereum模式
	Follower  *Follower       // 仅ethereum模式
}

// Close 释放节点连接
func (l *Ledger) Close() error {
	if l.Nodes != nil {
		return l.Nodes.Close()
	}
	return nil
}

// New 根据配置创建高度来源
func New(ctx context.Context, cfg *config.ChainConfig, logger *logrus.Logger) (*Ledger, error) {
	switch cfg.Mode {
	case "", "simulated":
		sim := NewSimulatedChain(cfg.StartHeight)
		return &Ledger{Source: sim, Simulated: sim}, nil

	case "ethereum":
		nodes, err := NewNodeSet(ctx, cfg.Nodes, logger)
		if err != nil {
			return nil, err
		}
		interval, err := parseInterval(cfg.PollInterval, DefaultPollInterval)
		if err != nil {
			nodes.Close()
			return nil, err
		}
		follower := NewFollower(nodes, interval, logger)
		return &Ledger{Source: follower, Nodes: nodes, Follower: follower}, nil

	default:
		return nil, fmt.Errorf("不支持的高度来源: %s", cfg.Mode)
	}
}

func parseInterval(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("无效的时间间隔 '%s': %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("时间间隔必须为正: %s", value)
	}
	return d, nil
}
