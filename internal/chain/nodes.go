package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"charity/internal/config"
	"charity/internal/logging"
	"charity/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

const (
	// 连续失败多少次后暂时禁用节点
	maxNodeErrors = 3
	// 被限速节点的冷却时间
	rateLimitCooldown = 5 * time.Minute
	// 单次拨号超时
	dialTimeout = 10 * time.Second
)

// Client 节点客户端需要的最小能力，*ethclient.Client 满足该接口
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Dialer 建立节点连接
type Dialer func(ctx context.Context, url string) (Client, error)

// DialEthereum 使用ethclient拨号
func DialEthereum(ctx context.Context, url string) (Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	return client, nil
}

// node 单个节点状态
type node struct {
	cfg    *config.NodeConfig
	client Client

	mu           sync.RWMutex
	available    bool
	rateLimited  bool      // 是否被速率限制
	rateLimitEnd time.Time // 速率限制结束时间
	errorCount   int
	lastUsed     time.Time
}

// NodeSet 按优先级排列的节点集合，请求失败时切换到下一个节点
type NodeSet struct {
	nodes   []*node
	logger  *logrus.Logger
	retrier *retry.Retrier
}

// NodeSetOption 可选参数
type NodeSetOption func(*nodeSetOptions)

type nodeSetOptions struct {
	dialer      Dialer
	retryConfig *retry.RetryConfig
}

// WithDialer 自定义拨号函数
func WithDialer(d Dialer) NodeSetOption {
	return func(o *nodeSetOptions) { o.dialer = d }
}

// WithRetryConfig 自定义重试策略
func WithRetryConfig(c *retry.RetryConfig) NodeSetOption {
	return func(o *nodeSetOptions) { o.retryConfig = c }
}

// NewNodeSet 连接所有节点，至少一个节点可用才返回成功
func NewNodeSet(ctx context.Context, cfgs []*config.NodeConfig, logger *logrus.Logger, opts ...NodeSetOption) (*NodeSet, error) {
	options := &nodeSetOptions{
		dialer:      DialEthereum,
		retryConfig: retry.NodeRetryConfig,
	}
	for _, opt := range opts {
		opt(options)
	}

	var nodes []*node
	for _, cfg := range cfgs {
		if cfg == nil || cfg.URL == "" {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		client, err := options.dialer(dialCtx, cfg.URL)
		if err == nil {
			// 测试节点连接
			_, err = client.BlockNumber(dialCtx)
			if err != nil {
				client.Close()
			}
		}
		cancel()

		if err != nil {
			logger.Warnf("节点 %s 不可用: %v", cfg.Name, err)
			continue
		}

		nodes = append(nodes, &node{
			cfg:       cfg,
			client:    client,
			available: true,
			lastUsed:  time.Now(),
		})
		logger.Infof("成功连接到节点: %s", cfg.Name)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("无法连接到任何区块链节点")
	}

	// 优先级数字越小越优先
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].cfg.Priority < nodes[j].cfg.Priority
	})

	return &NodeSet{
		nodes:   nodes,
		logger:  logger,
		retrier: retry.NewRetrier(options.retryConfig, logger),
	}, nil
}

// pick 选出优先级最高的可用节点
func (s *NodeSet) pick() *node {
	now := time.Now()

	for _, n := range s.nodes {
		n.mu.Lock()
		// 检查速率限制是否已过期
		if n.rateLimited && now.After(n.rateLimitEnd) {
			n.rateLimited = false
			n.errorCount = 0
			s.logger.Infof("节点 %s 速率限制已解除", n.cfg.Name)
		}
		ok := n.available && !n.rateLimited
		if ok {
			n.lastUsed = now
		}
		n.mu.Unlock()

		if ok {
			return n
		}
	}

	// 全部不可用时恢复未被限速的节点，下一轮重新尝试
	s.logger.Warn("所有节点都不可用，尝试重新启用...")
	var fallback *node
	for _, n := range s.nodes {
		n.mu.Lock()
		if !n.rateLimited {
			n.available = true
			n.errorCount = 0
			if fallback == nil {
				fallback = n
			}
		}
		n.mu.Unlock()
	}
	return fallback
}

// handleError 记录节点错误
func (s *NodeSet) handleError(n *node, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.errorCount++
	if isRateLimitError(err) {
		n.rateLimited = true
		n.rateLimitEnd = time.Now().Add(rateLimitCooldown)
		s.logger.Warnf("节点 %s 被限速，%v 后重试", n.cfg.Name, rateLimitCooldown)
		return
	}
	if n.errorCount >= maxNodeErrors {
		n.available = false
		s.logger.Warnf("节点 %s 错误次数过多，暂时禁用", n.cfg.Name)
	}
}

func (s *NodeSet) handleSuccess(n *node) {
	n.mu.Lock()
	n.errorCount = 0
	n.mu.Unlock()
}

func isRateLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}

// Do 在可用节点上执行读请求，暂时性错误会换节点重试
func (s *NodeSet) Do(ctx context.Context, method string, fn func(c Client) error) error {
	return s.retrier.Execute(ctx, method, func() error {
		return s.DoOnce(ctx, method, fn)
	})
}

// DoOnce 在当前首选节点上执行一次，不重试。用于广播交易等不能重复的请求
func (s *NodeSet) DoOnce(ctx context.Context, method string, fn func(c Client) error) error {
	n := s.pick()
	if n == nil {
		return fmt.Errorf("没有可用的节点")
	}

	if err := fn(n.client); err != nil {
		s.handleError(n, err)
		logging.NewRPCLogger(s.logger, method, n.cfg.Name).Debugf("请求失败: %v", err)
		return err
	}
	s.handleSuccess(n)
	return nil
}

// BlockNumber 获取最新区块号
func (s *NodeSet) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := s.Do(ctx, "eth_blockNumber", func(c Client) error {
		h, err := c.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

// Status 节点状态，用于健康检查接口
func (s *NodeSet) Status() map[string]interface{} {
	status := make(map[string]interface{}, len(s.nodes))
	for _, n := range s.nodes {
		n.mu.RLock()
		status[n.cfg.Name] = map[string]interface{}{
			"url":          n.cfg.URL,
			"priority":     n.cfg.Priority,
			"available":    n.available,
			"rate_limited": n.rateLimited,
			"error_count":  n.errorCount,
			"last_used":    n.lastUsed.Format(time.RFC3339),
		}
		n.mu.RUnlock()
	}
	return status
}

// Close 关闭所有节点连接
func (s *NodeSet) Close() error {
	for _, n := range s.nodes {
		n.client.Close()
	}
	s.logger.Info("节点连接已关闭")
	return nil
}
