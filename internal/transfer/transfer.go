package transfer

import (
	"context"
	"fmt"
	"math/big"

	"charity/internal/chain"
	"charity/internal/config"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Gateway 转出原生资产的唯一通道。返回错误时资金没有移动
type Gateway interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}

// Custody 接收捐款的托管账户。捐款被拒绝时调用方用Refund原路退回
type Custody interface {
	Deposit(ctx context.Context, from common.Address, amount *big.Int) error
	Refund(ctx context.Context, to common.Address, amount *big.Int) error
}

// New 根据配置创建转账通道。ethereum模式需要节点集合
func New(cfg *config.TransferConfig, nodes *chain.NodeSet, logger *logrus.Logger) (Gateway, error) {
	switch cfg.Mode {
	case "", "simulated":
		bank := NewSimulatedBank(common.HexToAddress(cfg.Custody), logger)
		for addr, value := range cfg.InitialBalances {
			amount, ok := new(big.Int).SetString(value, 10)
			if !ok || amount.Sign() < 0 {
				return nil, fmt.Errorf("无效的初始余额 %s: %s", addr, value)
			}
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("无效的地址: %s", addr)
			}
			bank.Mint(common.HexToAddress(addr), amount)
		}
		return bank, nil

	case "ethereum":
		if nodes == nil {
			return nil, fmt.Errorf("ethereum转账需要配置节点")
		}
		return NewEthGateway(cfg, nodes, logger)

	default:
		return nil, fmt.Errorf("不支持的转账模式: %s", cfg.Mode)
	}
}
