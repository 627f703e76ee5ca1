package models

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CampaignStatus 众筹活动状态
type CampaignStatus uint8

const (
	StatusIdle       CampaignStatus = iota // 零值，仅用于区分"不存在"，从不赋值
	StatusAnnounced                        // 已公布
	StatusInProgress                       // 进行中
	StatusCompleted                        // 已达成目标
	StatusFailed                           // 已失败
)

var statusNames = map[CampaignStatus]string{
	StatusIdle:       "IDLE",
	StatusAnnounced:  "ANNOUNCED",
	StatusInProgress: "IN_PROGRESS",
	StatusCompleted:  "COMPLETED",
	StatusFailed:     "FAILED",
}

// String 返回状态名
func (s CampaignStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// IsTerminal 是否为终态
func (s CampaignStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailReason 失败原因
type FailReason uint8

const (
	FailReasonCancelled FailReason = iota // 管理员取消
	FailReasonTimeIsUp                    // 超过截止区块
)

// String 返回失败原因名
func (r FailReason) String() string {
	switch r {
	case FailReasonCancelled:
		return "CANCELLED"
	case FailReasonTimeIsUp:
		return "TIME_IS_UP"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// Campaign 众筹活动记录
type Campaign struct {
	Owner                      common.Address `json:"owner"`
	Index                      uint64         `json:"index"`
	Receiver                   common.Address `json:"receiver"`
	TargetSum                  *big.Int       `json:"target_sum"`
	Balance                    *big.Int       `json:"balance"`
	Goal                       string         `json:"goal"`
	BiggestDonater             common.Address `json:"biggest_donater"`
	UntilBlockNumber           uint64         `json:"until_block_number"`
	Status                     CampaignStatus `json:"status"`
	FundsTransferredToReceiver bool           `json:"funds_transferred_to_receiver"`
	FailReason                 *FailReason    `json:"fail_reason,omitempty"`

	// 簿记字段
	CreatedAtBlock uint64 `json:"created_at_block"`
	UpdatedAtBlock uint64 `json:"updated_at_block"`
}

// IsExpired 判断在给定区块高度下是否已过期
func (c *Campaign) IsExpired(height uint64) bool {
	return height > c.UntilBlockNumber
}

// Clone 深拷贝，避免调用方修改存储中的金额
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}

	cp := *c
	cp.TargetSum = cloneInt(c.TargetSum)
	cp.Balance = cloneInt(c.Balance)
	if c.FailReason != nil {
		reason := *c.FailReason
		cp.FailReason = &reason
	}
	return &cp
}

// ToKafkaMessage 转换为Kafka消息格式
func (c *Campaign) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"index":                         c.Index,
		"owner":                         c.Owner.Hex(),
		"receiver":                      c.Receiver.Hex(),
		"target_sum":                    c.TargetSum.String(),
		"balance":                       c.Balance.String(),
		"goal":                          c.Goal,
		"biggest_donater":               c.BiggestDonater.Hex(),
		"until_block_number":            c.UntilBlockNumber,
		"status":                        c.Status.String(),
		"funds_transferred_to_receiver": c.FundsTransferredToReceiver,
	}
	if c.FailReason != nil {
		msg["fail_reason"] = c.FailReason.String()
	}
	return msg
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
