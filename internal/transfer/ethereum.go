package transfer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"charity/internal/chain"
	"charity/internal/config"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// 普通转账的gas消耗
const defaultGasLimit uint64 = 21000

// EthGateway 用托管账户私钥签名并广播原生转账
type EthGateway struct {
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	nodes    *chain.NodeSet
	logger   *logrus.Logger
}

// NewEthGateway 创建以太坊转账通道
func NewEthGateway(cfg *config.TransferConfig, nodes *chain.NodeSet, logger *logrus.Logger) (*EthGateway, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析托管账户私钥失败: %w", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	g := &EthGateway{
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		gasLimit: gasLimit,
		nodes:    nodes,
		logger:   logger,
	}
	if cfg.ChainID > 0 {
		g.chainID = big.NewInt(cfg.ChainID)
	}

	logger.Infof("以太坊转账通道已初始化，托管账户: %s", g.from.Hex())
	return g, nil
}

// From 托管账户地址
func (g *EthGateway) From() common.Address {
	return g.from
}

// Transfer 签名并广播一笔原生转账
func (g *EthGateway) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("无效的转账金额: %v", amount)
	}

	chainID, err := g.resolveChainID(ctx)
	if err != nil {
		return err
	}

	var nonce uint64
	err = g.nodes.Do(ctx, "eth_getTransactionCount", func(c chain.Client) error {
		n, err := c.PendingNonceAt(ctx, g.from)
		nonce = n
		return err
	})
	if err != nil {
		return fmt.Errorf("获取nonce失败: %w", err)
	}

	var gasPrice *big.Int
	err = g.nodes.Do(ctx, "eth_gasPrice", func(c chain.Client) error {
		p, err := c.SuggestGasPrice(ctx)
		gasPrice = p
		return err
	})
	if err != nil {
		return fmt.Errorf("获取gas价格失败: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(amount),
		Gas:      g.gasLimit,
		GasPrice: gasPrice,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), g.key)
	if err != nil {
		return fmt.Errorf("签名交易失败: %w", err)
	}

	// 广播不重试，避免同一笔款项被发送两次
	err = g.nodes.DoOnce(ctx, "eth_sendRawTransaction", func(c chain.Client) error {
		return c.SendTransaction(ctx, signed)
	})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already known") {
		return fmt.Errorf("广播交易失败: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"component": "eth_gateway",
		"tx_hash":   signed.Hash().Hex(),
		"to":        to.Hex(),
		"amount":    amount.String(),
		"nonce":     nonce,
	}).Info("转账交易已广播")
	return nil
}

// resolveChainID 未配置链ID时从节点获取
func (g *EthGateway) resolveChainID(ctx context.Context) (*big.Int, error) {
	if g.chainID != nil {
		return g.chainID, nil
	}

	err := g.nodes.Do(ctx, "eth_chainId", func(c chain.Client) error {
		id, err := c.ChainID(ctx)
		if err != nil {
			return err
		}
		g.chainID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("获取链ID失败: %w", err)
	}
	return g.chainID, nil
}
