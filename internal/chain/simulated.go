package chain

import (
	"context"
	"sync"
	"time"
)

// SimulatedChain 本地模拟链，只维护区块高度
type SimulatedChain struct {
	mu     sync.RWMutex
	height uint64
}

// NewSimulatedChain 以指定高度创建模拟链
func NewSimulatedChain(start uint64) *SimulatedChain {
	return &SimulatedChain{height: start}
}

// BlockNumber 当前高度
func (s *SimulatedChain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height, nil
}

// Mine 出n个块，返回新高度
func (s *SimulatedChain) Mine(n uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += n
	return s.height
}

// AdvanceTo 前进到指定高度，高度不会回退
func (s *SimulatedChain) AdvanceTo(height uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height > s.height {
		s.height = height
	}
	return s.height
}

// Run 按固定间隔自动出块，直到ctx取消
func (s *SimulatedChain) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Mine(1)
		case <-ctx.Done():
			return
		}
	}
}
