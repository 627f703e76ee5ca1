package validation

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"charity/internal/errors"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Validator 活动数据校验器，用于审计存储中的记录和事件
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式下警告也视为无效
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                    `json:"valid"`
	Errors   []*errors.CampaignError `json:"errors,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
	DataType string                  `json:"data_type"`
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	v.AddRule(NewCampaignValidationRule())
	v.AddRule(NewEventValidationRule())
	v.AddRule(NewAddressValidationRule())

	return v
}

// AddRule 添加验证规则，同名规则会被替换
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

func newResult(dataType string) *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		DataType: dataType,
		Errors:   make([]*errors.CampaignError, 0),
		Warnings: make([]string, 0),
	}
}

// addError 记录错误，非CampaignError统一包装
func (v *Validator) addError(result *ValidationResult, err error, code, message string, index uint64) {
	result.Valid = false
	ce, ok := errors.AsCampaignError(err)
	if !ok {
		ce = errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityMedium, code, message)
	}
	if index > 0 {
		ce = ce.WithIndex(index)
	}
	result.Errors = append(result.Errors, ce)
	v.errorHandler.HandleError(ce)
}

// ValidateCampaign 检查活动记录是否满足账本不变量，height为0时跳过过期检查
func (v *Validator) ValidateCampaign(c *models.Campaign, height uint64) *ValidationResult {
	if c == nil {
		result := newResult("campaign")
		result.Valid = false
		result.Errors = append(result.Errors, invariant("EMPTY_CAMPAIGN", "活动为空"))
		return result
	}

	result := newResult("campaign")

	if rule, exists := v.rules["campaign"]; exists {
		if err := rule.Validate(c); err != nil {
			v.addError(result, err, "CAMPAIGN_RULE_VALIDATION_FAILED", "活动规则验证失败", c.Index)
		}
	}

	// 进行中但已过期，等待下一次捐款或扫描
	if height > 0 && c.Status == models.StatusInProgress && c.IsExpired(height) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("活动 %d 已超过截止区块 %d，尚未置为失败", c.Index, c.UntilBlockNumber))
	}

	v.applyStrictMode(result)
	return result
}

// ValidateEvent 检查事件字段是否完整
func (v *Validator) ValidateEvent(ev *models.Event) *ValidationResult {
	result := newResult("event")
	if ev == nil {
		result.Valid = false
		result.Errors = append(result.Errors, invariant("EMPTY_EVENT", "事件为空"))
		return result
	}

	if rule, exists := v.rules["event"]; exists {
		if err := rule.Validate(ev); err != nil {
			v.addError(result, err, "EVENT_RULE_VALIDATION_FAILED", "事件规则验证失败", ev.Index)
		}
	}
	return result
}

// ValidateEvents 校验事件序列：逐个校验并检查序号严格递增
func (v *Validator) ValidateEvents(events []*models.Event) *ValidationResult {
	result := newResult("events")

	var last uint64
	for _, ev := range events {
		r := v.ValidateEvent(ev)
		if !r.Valid {
			result.Valid = false
			result.Errors = append(result.Errors, r.Errors...)
			continue
		}
		if ev.Sequence <= last {
			v.addError(result, invariant("EVENT_SEQUENCE_NOT_INCREASING",
				fmt.Sprintf("事件序号 %d 不大于前一个 %d", ev.Sequence, last)), "", "", ev.Index)
		}
		last = ev.Sequence
	}
	return result
}

// applyStrictMode 严格模式下把警告升级为错误
func (v *Validator) applyStrictMode(result *ValidationResult) {
	if !v.strictMode || len(result.Warnings) == 0 {
		return
	}
	for _, w := range result.Warnings {
		result.Errors = append(result.Errors, invariant("STRICT_MODE_WARNING", w))
	}
	result.Valid = false
}

func invariant(code, message string) *errors.CampaignError {
	return errors.NewCampaignError(errors.ErrorTypeValidation, errors.SeverityHigh, code, message)
}

// CampaignValidationRule 活动不变量
type CampaignValidationRule struct{}

func NewCampaignValidationRule() *CampaignValidationRule {
	return &CampaignValidationRule{}
}

func (r *CampaignValidationRule) Name() string {
	return "campaign"
}

func (r *CampaignValidationRule) Description() string {
	return "活动账本不变量验证规则"
}

func (r *CampaignValidationRule) Validate(data interface{}) error {
	c, ok := data.(*models.Campaign)
	if !ok {
		return fmt.Errorf("数据类型不是活动")
	}

	switch {
	case c.Index == 0:
		return invariant("INVALID_CAMPAIGN_INDEX", "活动编号不能为0")
	case c.Status == models.StatusIdle || c.Status > models.StatusFailed:
		return invariant("INVALID_CAMPAIGN_STATUS", fmt.Sprintf("无效的活动状态: %s", c.Status))
	case c.TargetSum == nil || c.TargetSum.Sign() <= 0:
		return invariant("INVALID_TARGET_SUM", "目标金额必须大于0")
	case c.Receiver == (common.Address{}):
		return invariant("INVALID_RECEIVER", "收款人为空地址")
	case c.Balance == nil || c.Balance.Sign() < 0:
		return invariant("NEGATIVE_BALANCE", "活动余额为负")
	case (c.FailReason != nil) != (c.Status == models.StatusFailed):
		return invariant("FAIL_REASON_MISMATCH", "失败原因只在失败状态下存在")
	case c.FundsTransferredToReceiver && c.Status != models.StatusCompleted:
		return invariant("PAYOUT_STATUS_MISMATCH", "只有已完成的活动可以向收款人转账")
	case c.FundsTransferredToReceiver && c.Balance.Sign() != 0:
		return invariant("PAYOUT_BALANCE_MISMATCH", "已转账的活动余额必须为0")
	case c.Status == models.StatusCompleted && !c.FundsTransferredToReceiver && c.Balance.Cmp(c.TargetSum) < 0:
		return invariant("COMPLETED_BELOW_TARGET", "已完成的活动余额低于目标金额")
	case c.Status == models.StatusAnnounced && c.Balance.Sign() != 0:
		return invariant("ANNOUNCED_WITH_BALANCE", "未开始的活动不应有余额")
	}
	return nil
}

// EventValidationRule 事件字段验证规则
type EventValidationRule struct{}

func NewEventValidationRule() *EventValidationRule {
	return &EventValidationRule{}
}

func (r *EventValidationRule) Name() string {
	return "event"
}

func (r *EventValidationRule) Description() string {
	return "活动事件验证规则"
}

func (r *EventValidationRule) Validate(data interface{}) error {
	ev, ok := data.(*models.Event)
	if !ok {
		return fmt.Errorf("数据类型不是事件")
	}

	if ev.Index == 0 {
		return invariant("INVALID_EVENT_INDEX", "事件的活动编号不能为0")
	}
	if ev.Amount != nil && ev.Amount.Sign() < 0 {
		return invariant("NEGATIVE_EVENT_AMOUNT", "事件金额为负")
	}

	missing := func(field string) error {
		return invariant("MISSING_EVENT_FIELD", fmt.Sprintf("%s 事件缺少字段 %s", ev.Type, field))
	}

	switch ev.Type {
	case models.EventCampaignAnnounced:
		if ev.Owner == nil || ev.Receiver == nil {
			return missing("owner/receiver")
		}
		if ev.TargetSum == nil {
			return missing("target_sum")
		}
	case models.EventCampaignStarted:
	case models.EventCampaignProlongated:
		if ev.UntilBlockNumber == 0 {
			return missing("until_block_number")
		}
	case models.EventCampaignFailed:
		if ev.FailReason == nil {
			return missing("fail_reason")
		}
	case models.EventCampaignCompleted, models.EventReceiverPayout:
		if ev.Receiver == nil || ev.Amount == nil {
			return missing("receiver/amount")
		}
	case models.EventDonationReceived, models.EventDonationWithdrawal:
		if ev.Donor == nil || ev.Amount == nil {
			return missing("donor/amount")
		}
	default:
		return invariant("UNKNOWN_EVENT_TYPE", fmt.Sprintf("未知的事件类型: %s", ev.Type))
	}
	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	_, err := ParseAddress(addr)
	return err
}

// ValidateAddress 使用已注册的地址规则校验
func (v *Validator) ValidateAddress(addr string) error {
	rule, exists := v.rules["address"]
	if !exists {
		return nil
	}
	return rule.Validate(addr)
}

// ParseAddress 解析0x开头的十六进制地址，拒绝零地址
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return common.Address{}, errors.ErrInvalidAddress.WithContext("address", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, errors.ErrInvalidAddress.WithContext("address", s)
	}
	return addr, nil
}

// ParseAmount 解析十进制非负整数金额
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 {
		return nil, errors.ErrInvalidAmount.WithContext("amount", s)
	}
	return amount, nil
}

// ParseIndex 解析活动编号，0交给引擎按 INDEX_ZERO 拒绝
func ParseIndex(s string) (uint64, error) {
	index, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.ErrInvalidIndex.Wrap(err).WithContext("index", s)
	}
	return index, nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.errorHandler.GetStats(),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
