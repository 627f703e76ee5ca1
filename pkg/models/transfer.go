package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransferState 待结算转账状态
type TransferState string

const (
	// TransferPrepared 意图已提交，转账结果未知
	TransferPrepared TransferState = "prepared"
	// TransferSent 转账已成功，账本变更尚未提交
	TransferSent TransferState = "sent"
)

// PendingTransfer 待结算转账。
// 转出资金前先提交该记录，账本变更提交时同一事务内删除。
// 记录存在期间同一活动不能再发起转出
type PendingTransfer struct {
	ID        uint64         `json:"id"`
	Operation string         `json:"operation"`
	Index     uint64         `json:"index"`
	Caller    common.Address `json:"caller"`
	To        common.Address `json:"to"`
	Amount    *big.Int       `json:"amount"`
	Height    uint64         `json:"height"` // 发起时的区块高度，重放时沿用
	State     TransferState  `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone 深拷贝
func (p *PendingTransfer) Clone() *PendingTransfer {
	cp := *p
	if p.Amount != nil {
		cp.Amount = new(big.Int).Set(p.Amount)
	}
	return &cp
}

// ToKafkaMessage 转换为消息格式
func (p *PendingTransfer) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"id":         p.ID,
		"operation":  p.Operation,
		"index":      p.Index,
		"caller":     p.Caller.Hex(),
		"to":         p.To.Hex(),
		"height":     p.Height,
		"state":      string(p.State),
		"created_at": p.CreatedAt.Unix(),
	}
	if p.Amount != nil {
		msg["amount"] = p.Amount.String()
	}
	return msg
}
