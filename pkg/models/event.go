package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType 事件类型
type EventType string

const (
	EventCampaignAnnounced   EventType = "CampaignAnnounced"
	EventCampaignStarted     EventType = "CampaignStarted"
	EventCampaignProlongated EventType = "CampaignProlongated"
	EventCampaignFailed      EventType = "CampaignFailed"
	EventCampaignCompleted   EventType = "CampaignCompleted"
	EventDonationReceived    EventType = "DonationReceived"
	EventDonationWithdrawal  EventType = "DonationWithdrawal"
	EventReceiverPayout      EventType = "ReceiverPayout"
)

// Event 活动事件，只追加
type Event struct {
	Sequence    uint64    `json:"sequence"` // 存储内全局递增序号
	Type        EventType `json:"type"`
	Index       uint64    `json:"index"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`

	// 按事件类型选填
	Owner            *common.Address `json:"owner,omitempty"`
	Receiver         *common.Address `json:"receiver,omitempty"`
	Donor            *common.Address `json:"donor,omitempty"`
	Amount           *big.Int        `json:"amount,omitempty"`
	TargetSum        *big.Int        `json:"target_sum,omitempty"`
	Goal             string          `json:"goal,omitempty"`
	UntilBlockNumber uint64          `json:"until_block_number,omitempty"`
	FailReason       *FailReason     `json:"fail_reason,omitempty"`
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *Event) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"sequence":     e.Sequence,
		"type":         string(e.Type),
		"index":        e.Index,
		"block_number": e.BlockNumber,
		"timestamp":    e.Timestamp.Unix(),
	}

	if e.Owner != nil {
		msg["owner"] = e.Owner.Hex()
	}
	if e.Receiver != nil {
		msg["receiver"] = e.Receiver.Hex()
	}
	if e.Donor != nil {
		msg["donor"] = e.Donor.Hex()
	}
	if e.Amount != nil {
		msg["amount"] = e.Amount.String()
	}
	if e.TargetSum != nil {
		msg["target_sum"] = e.TargetSum.String()
	}
	if e.Goal != "" {
		msg["goal"] = e.Goal
	}
	if e.UntilBlockNumber != 0 {
		msg["until_block_number"] = e.UntilBlockNumber
	}
	if e.FailReason != nil {
		msg["fail_reason"] = e.FailReason.String()
	}

	return msg
}

// DonationReceipt 捐款结果
type DonationReceipt struct {
	Index    uint64         `json:"index"`
	Donor    common.Address `json:"donor"`
	Accepted bool           `json:"accepted"`           // false 表示活动已过期，款项原路退回
	Returned *big.Int       `json:"returned,omitempty"` // 退回的金额
	Status   CampaignStatus `json:"status"`             // 调用结束后的活动状态
}
