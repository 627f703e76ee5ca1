package transfer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Record 一笔已完成的转账
type Record struct {
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    *big.Int       `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

// FailureFunc 故障注入，返回非nil时转账失败
type FailureFunc func(to common.Address, amount *big.Int) error

// SimulatedBank 内存账本，托管账户持有所有活动的托管资金
type SimulatedBank struct {
	mu       sync.Mutex
	custody  common.Address
	balances map[common.Address]*big.Int
	history  []Record
	failure  FailureFunc
	logger   *logrus.Logger
}

// NewSimulatedBank 创建模拟账本
func NewSimulatedBank(custody common.Address, logger *logrus.Logger) *SimulatedBank {
	return &SimulatedBank{
		custody:  custody,
		balances: make(map[common.Address]*big.Int),
		history:  make([]Record, 0),
		logger:   logger,
	}
}

// Custody 托管账户地址
func (b *SimulatedBank) Custody() common.Address {
	return b.custody
}

// Mint 给账户发放余额
func (b *SimulatedBank) Mint(to common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(to, amount)
}

// Balance 查询余额
func (b *SimulatedBank) Balance(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// SetFailure 设置故障注入，nil表示取消
func (b *SimulatedBank) SetFailure(fn FailureFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure = fn
}

// History 转账记录副本
func (b *SimulatedBank) History() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.history...)
}

// Transfer 从托管账户转出
func (b *SimulatedBank) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failure != nil {
		if err := b.failure(to, amount); err != nil {
			return err
		}
	}
	return b.move(b.custody, to, amount)
}

// Deposit 把捐款从捐款人转入托管账户
func (b *SimulatedBank) Deposit(ctx context.Context, from common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(from, b.custody, amount)
}

// Refund 退回被拒绝的捐款，不受故障注入影响
func (b *SimulatedBank) Refund(ctx context.Context, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(b.custody, to, amount)
}

func (b *SimulatedBank) move(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("无效的转账金额: %v", amount)
	}

	balance, ok := b.balances[from]
	if !ok {
		balance = new(big.Int)
		b.balances[from] = balance
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient funds: %s has %s, need %s", from.Hex(), balance, amount)
	}

	balance.Sub(balance, amount)
	b.credit(to, amount)
	b.history = append(b.history, Record{
		From:      from,
		To:        to,
		Amount:    new(big.Int).Set(amount),
		Timestamp: time.Now(),
	})

	b.logger.WithFields(logrus.Fields{
		"component": "simulated_bank",
		"from":      from.Hex(),
		"to":        to.Hex(),
		"amount":    amount.String(),
	}).Debug("转账完成")
	return nil
}

func (b *SimulatedBank) credit(to common.Address, amount *big.Int) {
	if v, ok := b.balances[to]; ok {
		v.Add(v, amount)
		return
	}
	b.balances[to] = new(big.Int).Set(amount)
}
