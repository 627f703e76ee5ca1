package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 调用方不具备所需角色
	ErrorTypeAuthorization ErrorType = iota
	// 参数校验失败
	ErrorTypeValidation
	// 活动当前状态不允许该操作
	ErrorTypeState
	// 已结算（重复提款）
	ErrorTypeSettled
	ErrorTypeNotFound

	// 基础设施错误
	ErrorTypeTransfer
	ErrorTypeStorage
	ErrorTypeLedger
	ErrorTypeConfig
	ErrorTypeSystem
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// CampaignError 引擎错误类型
type CampaignError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Index     *uint64                `json:"index,omitempty"`
	Caller    *common.Address        `json:"caller,omitempty"`
}

// Error 实现error接口
func (e *CampaignError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *CampaignError) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较，使预定义错误可用于errors.Is
func (e *CampaignError) Is(target error) bool {
	t, ok := target.(*CampaignError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsRejection 是否为调用被拒绝（而非基础设施故障）
func (e *CampaignError) IsRejection() bool {
	switch e.Type {
	case ErrorTypeAuthorization, ErrorTypeValidation, ErrorTypeState, ErrorTypeSettled, ErrorTypeNotFound:
		return true
	default:
		return false
	}
}

// clone 复制错误，预定义错误本身不可被修改
func (e *CampaignError) clone() *CampaignError {
	cp := *e
	cp.Timestamp = time.Now()
	if e.Context != nil {
		cp.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// WithContext 添加上下文信息
func (e *CampaignError) WithContext(key string, value interface{}) *CampaignError {
	cp := e.clone()
	if cp.Context == nil {
		cp.Context = make(map[string]interface{})
	}
	cp.Context[key] = value
	return cp
}

// WithIndex 添加活动编号
func (e *CampaignError) WithIndex(index uint64) *CampaignError {
	cp := e.clone()
	cp.Index = &index
	return cp
}

// WithCaller 添加调用方地址
func (e *CampaignError) WithCaller(caller common.Address) *CampaignError {
	cp := e.clone()
	cp.Caller = &caller
	return cp
}

// Wrap 以当前错误为模板包装底层错误
func (e *CampaignError) Wrap(cause error) *CampaignError {
	cp := e.clone()
	cp.Cause = cause
	return cp
}

// NewCampaignError 创建新的错误
func NewCampaignError(errorType ErrorType, severity ErrorSeverity, code, message string) *CampaignError {
	return &CampaignError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *CampaignError {
	e := NewCampaignError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// AsCampaignError 从错误链中取出CampaignError
func AsCampaignError(err error) (*CampaignError, bool) {
	var ce *CampaignError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf 返回错误码，非CampaignError返回空串
func CodeOf(err error) string {
	if ce, ok := AsCampaignError(err); ok {
		return ce.Code
	}
	return ""
}

// 预定义错误
var (
	// 权限错误
	ErrOnlyOwner = NewCampaignError(
		ErrorTypeAuthorization,
		SeverityLow,
		"ONLY_OWNER",
		"仅合约管理员可执行此操作",
	)

	ErrOnlyCampaignOwner = NewCampaignError(
		ErrorTypeAuthorization,
		SeverityLow,
		"ONLY_CAMPAIGN_OWNER",
		"仅活动创建者可执行此操作",
	)

	ErrOnlyReceiver = NewCampaignError(
		ErrorTypeAuthorization,
		SeverityLow,
		"ONLY_RECEIVER",
		"仅活动收款人可执行此操作",
	)

	// 参数错误
	ErrIndexZero = NewCampaignError(
		ErrorTypeValidation,
		SeverityLow,
		"INDEX_ZERO",
		"活动编号最小为1",
	)

	ErrIndexOutOfRange = NewCampaignError(
		ErrorTypeNotFound,
		SeverityLow,
		"INDEX_OUT_OF_RANGE",
		"活动编号不能大于当前活动计数",
	)

	ErrTargetSumZero = NewCampaignError(
		ErrorTypeValidation,
		SeverityLow,
		"TARGET_SUM_ZERO",
		"目标金额不能为零",
	)

	ErrReceiverNull = NewCampaignError(
		ErrorTypeValidation,
		SeverityLow,
		"RECEIVER_NULL",
		"收款人不能为空地址",
	)

	ErrBlockNumberNotExpired = NewCampaignError(
		ErrorTypeValidation,
		SeverityLow,
		"BLOCK_NUMBER_NOT_EXPIRED",
		"截止区块必须大于当前区块高度",
	)

	ErrNewBlockNumberNotExpired = NewCampaignError(
		ErrorTypeValidation,
		SeverityLow,
		"NEW_BLOCK_NUMBER_NOT_EXPIRED",
		"新的截止区块必须大于原截止区块",
	)

	ErrInvalidAddress = NewCampaignError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_ADDRESS",
		"地址格式无效",
	)

	ErrInvalidIndex = NewCampaignError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_INDEX",
		"活动编号格式无效",
	)

	ErrInvalidAmount = NewCampaignError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_AMOUNT",
		"金额必须是非负整数",
	)

	// 状态错误
	ErrCampaignIdle = NewCampaignError(
		ErrorTypeState,
		SeverityLow,
		"CAMPAIGN_IDLE",
		"活动尚未公布",
	)

	ErrCampaignAnnounced = NewCampaignError(
		ErrorTypeState,
		SeverityLow,
		"CAMPAIGN_ANNOUNCED",
		"活动尚未开始",
	)

	ErrCampaignInProgress = NewCampaignError(
		ErrorTypeState,
		SeverityLow,
		"CAMPAIGN_IN_PROGRESS",
		"活动仍在进行中",
	)

	ErrCampaignCompleted = NewCampaignError(
		ErrorTypeState,
		SeverityLow,
		"CAMPAIGN_COMPLETED",
		"活动已经完成",
	)

	ErrCampaignFailed = NewCampaignError(
		ErrorTypeState,
		SeverityLow,
		"CAMPAIGN_FAILED",
		"活动已经失败",
	)

	// 结算错误
	ErrAlreadyTransferred = NewCampaignError(
		ErrorTypeSettled,
		SeverityMedium,
		"ALREADY_TRANSFERRED",
		"资金已转给收款人",
	)

	ErrNothingToWithdraw = NewCampaignError(
		ErrorTypeSettled,
		SeverityLow,
		"NOTHING_TO_WITHDRAW",
		"没有可退回的捐款",
	)

	// 同一活动有结果未定的转出，结算前不能再次转出
	ErrTransferPending = NewCampaignError(
		ErrorTypeState,
		SeverityMedium,
		"TRANSFER_PENDING",
		"活动有待结算的转账",
	)

	ErrTransferNotFound = NewCampaignError(
		ErrorTypeNotFound,
		SeverityLow,
		"TRANSFER_NOT_FOUND",
		"待结算转账不存在",
	)

	// 基础设施错误
	ErrTransferFailed = NewCampaignError(
		ErrorTypeTransfer,
		SeverityHigh,
		"TRANSFER_FAILED",
		"转账失败，操作已回滚",
	)

	// 资金已转出，账本变更尚未提交，由 ResolvePending 补记
	ErrSettlementPending = NewCampaignError(
		ErrorTypeStorage,
		SeverityCritical,
		"SETTLEMENT_PENDING",
		"资金已转出，账本变更待补记",
	)

	ErrLedgerMismatch = NewCampaignError(
		ErrorTypeSystem,
		SeverityCritical,
		"LEDGER_MISMATCH",
		"账本记录不一致",
	)

	ErrStorageFailed = NewCampaignError(
		ErrorTypeStorage,
		SeverityCritical,
		"STORAGE_FAILED",
		"存储操作失败",
	)

	ErrLedgerUnavailable = NewCampaignError(
		ErrorTypeLedger,
		SeverityHigh,
		"LEDGER_UNAVAILABLE",
		"无法获取区块高度",
	)

	ErrConfigInvalid = NewCampaignError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeAuthorization: "Authorization",
	ErrorTypeValidation:    "Validation",
	ErrorTypeState:         "State",
	ErrorTypeSettled:       "Settled",
	ErrorTypeNotFound:      "NotFound",
	ErrorTypeTransfer:      "Transfer",
	ErrorTypeStorage:       "Storage",
	ErrorTypeLedger:        "Ledger",
	ErrorTypeConfig:        "Config",
	ErrorTypeSystem:        "System",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors      int              `json:"total_errors"`
	ErrorsByType     map[string]int   `json:"errors_by_type"`
	ErrorsByCode     map[string]int   `json:"errors_by_code"`
	ErrorsBySeverity map[string]int   `json:"errors_by_severity"`
	RecentErrors     []*CampaignError `json:"recent_errors"`
	LastError        *CampaignError   `json:"last_error"`
	LastErrorTime    time.Time        `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:     make(map[string]int),
		ErrorsByCode:     make(map[string]int),
		ErrorsBySeverity: make(map[string]int),
		RecentErrors:     make([]*CampaignError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *CampaignError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsByCode[err.Code]++
	es.ErrorsBySeverity[err.Severity.String()]++

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}
