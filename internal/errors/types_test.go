package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCampaignError(t *testing.T) {
	err := NewCampaignError(ErrorTypeValidation, SeverityLow, "TEST_ERROR", "测试错误")

	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Equal(t, SeverityLow, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.False(t, err.Timestamp.IsZero())
	assert.Nil(t, err.Cause)
}

func TestWrapError(t *testing.T) {
	originalErr := fmt.Errorf("bolt: database not open")
	err := WrapError(originalErr, ErrorTypeStorage, SeverityCritical, "STORAGE_FAILED", "存储操作失败")

	assert.Equal(t, originalErr, err.Cause)
	assert.Equal(t, originalErr, stderrors.Unwrap(err))
	assert.Contains(t, err.Error(), "bolt: database not open")
}

func TestCampaignError_Error(t *testing.T) {
	err := NewCampaignError(ErrorTypeState, SeverityLow, "CAMPAIGN_FAILED", "活动已经失败")
	assert.Equal(t, "[CAMPAIGN_FAILED] 活动已经失败", err.Error())

	wrapped := err.Wrap(fmt.Errorf("boom"))
	assert.Equal(t, "[CAMPAIGN_FAILED] 活动已经失败: boom", wrapped.Error())
}

func TestCampaignError_IsMatchesByCode(t *testing.T) {
	err := ErrCampaignFailed.WithIndex(3)

	assert.True(t, stderrors.Is(err, ErrCampaignFailed))
	assert.False(t, stderrors.Is(err, ErrCampaignCompleted))

	wrapped := fmt.Errorf("donor withdraw: %w", err)
	assert.True(t, stderrors.Is(wrapped, ErrCampaignFailed))
	assert.Equal(t, "CAMPAIGN_FAILED", CodeOf(wrapped))
}

func TestCampaignError_WithersDoNotMutateSentinel(t *testing.T) {
	caller := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	err := ErrOnlyReceiver.WithIndex(7).WithCaller(caller).WithContext("operation", "receiver_withdraw")

	require.NotNil(t, err.Index)
	assert.Equal(t, uint64(7), *err.Index)
	require.NotNil(t, err.Caller)
	assert.Equal(t, caller, *err.Caller)
	assert.Equal(t, "receiver_withdraw", err.Context["operation"])

	assert.Nil(t, ErrOnlyReceiver.Index)
	assert.Nil(t, ErrOnlyReceiver.Caller)
	assert.Nil(t, ErrOnlyReceiver.Context)
}

func TestCampaignError_IsRejection(t *testing.T) {
	assert.True(t, ErrOnlyOwner.IsRejection())
	assert.True(t, ErrTargetSumZero.IsRejection())
	assert.True(t, ErrCampaignIdle.IsRejection())
	assert.True(t, ErrAlreadyTransferred.IsRejection())
	assert.True(t, ErrIndexOutOfRange.IsRejection())

	assert.False(t, ErrTransferFailed.IsRejection())
	assert.False(t, ErrStorageFailed.IsRejection())
	assert.False(t, ErrLedgerUnavailable.IsRejection())
}

func TestAsCampaignError(t *testing.T) {
	_, ok := AsCampaignError(fmt.Errorf("plain"))
	assert.False(t, ok)
	assert.Equal(t, "", CodeOf(fmt.Errorf("plain")))

	ce, ok := AsCampaignError(fmt.Errorf("wrap: %w", ErrNothingToWithdraw))
	require.True(t, ok)
	assert.Equal(t, "NOTHING_TO_WITHDRAW", ce.Code)
}

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  string
	}{
		{ErrorTypeAuthorization, "Authorization"},
		{ErrorTypeValidation, "Validation"},
		{ErrorTypeState, "State"},
		{ErrorTypeSettled, "Settled"},
		{ErrorTypeNotFound, "NotFound"},
		{ErrorTypeTransfer, "Transfer"},
		{ErrorTypeStorage, "Storage"},
		{ErrorType(999), "Unknown(999)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.errorType.String())
	}
}

func TestErrorSeverity_String(t *testing.T) {
	tests := []struct {
		severity ErrorSeverity
		expected string
	}{
		{SeverityLow, "Low"},
		{SeverityMedium, "Medium"},
		{SeverityHigh, "High"},
		{SeverityCritical, "Critical"},
		{ErrorSeverity(999), "Unknown(999)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.severity.String())
	}
}

func TestErrorStats_RecordError(t *testing.T) {
	stats := NewErrorStats()

	stats.RecordError(ErrCampaignFailed.WithIndex(1))
	stats.RecordError(ErrCampaignFailed.WithIndex(2))
	stats.RecordError(ErrTransferFailed)

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType["State"])
	assert.Equal(t, 1, stats.ErrorsByType["Transfer"])
	assert.Equal(t, 2, stats.ErrorsByCode["CAMPAIGN_FAILED"])
	assert.Equal(t, 2, stats.ErrorsBySeverity["Low"])
	assert.Equal(t, 1, stats.ErrorsBySeverity["High"])
	assert.Equal(t, "TRANSFER_FAILED", stats.LastError.Code)
	assert.Len(t, stats.RecentErrors, 3)
}

func TestErrorStats_RecentErrorsLimit(t *testing.T) {
	stats := NewErrorStats()

	for i := 0; i < 150; i++ {
		stats.RecordError(ErrIndexZero)
	}

	assert.Equal(t, 150, stats.TotalErrors)
	assert.Equal(t, 100, len(stats.RecentErrors)) // 应该限制在100个
}

func TestPredefinedErrors(t *testing.T) {
	assert.Equal(t, ErrorTypeAuthorization, ErrOnlyOwner.Type)
	assert.Equal(t, "ONLY_OWNER", ErrOnlyOwner.Code)

	assert.Equal(t, ErrorTypeValidation, ErrBlockNumberNotExpired.Type)
	assert.Equal(t, "BLOCK_NUMBER_NOT_EXPIRED", ErrBlockNumberNotExpired.Code)

	assert.Equal(t, ErrorTypeSettled, ErrAlreadyTransferred.Type)
	assert.Equal(t, ErrorTypeTransfer, ErrTransferFailed.Type)
	assert.Equal(t, SeverityCritical, ErrConfigInvalid.Severity)
}

func BenchmarkCampaignError_WithIndex(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = ErrCampaignInProgress.WithIndex(uint64(i))
	}
}
