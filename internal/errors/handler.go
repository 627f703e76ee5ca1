package errors

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器：统计并按严重级别记录日志
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误回调
	callbacks []ErrorCallback
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *CampaignError)

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		stats:     NewErrorStats(),
		callbacks: make([]ErrorCallback, 0),
	}
}

// HandleError 处理错误，返回规范化后的CampaignError
func (eh *ErrorHandler) HandleError(err error) *CampaignError {
	if err == nil {
		return nil
	}

	ce, ok := AsCampaignError(err)
	if !ok {
		ce = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(ce)
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	eh.log(ce)

	for _, cb := range callbacks {
		eh.runCallback(cb, ce)
	}

	return ce
}

// runCallback 执行回调，回调内的panic不影响调用方
func (eh *ErrorHandler) runCallback(cb ErrorCallback, err *CampaignError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(err)
}

// log 根据严重级别选择日志级别
func (eh *ErrorHandler) log(err *CampaignError) {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
	}
	if err.Index != nil {
		fields["index"] = *err.Index
	}
	if err.Caller != nil {
		fields["caller"] = err.Caller.Hex()
	}
	for k, v := range err.Context {
		fields[k] = v
	}
	if err.Cause != nil {
		fields["cause"] = err.Cause.Error()
	}

	entry := eh.logger.WithFields(fields)

	// 拒绝类错误是正常业务结果，只记调试日志
	if err.IsRejection() {
		entry.Debug(err.Message)
		return
	}

	switch err.Severity {
	case SeverityLow:
		entry.Info(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// GetStats 获取错误统计信息副本
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	cp := *eh.stats
	cp.ErrorsByType = copyCounts(eh.stats.ErrorsByType)
	cp.ErrorsByCode = copyCounts(eh.stats.ErrorsByCode)
	cp.ErrorsBySeverity = copyCounts(eh.stats.ErrorsBySeverity)
	cp.RecentErrors = append([]*CampaignError(nil), eh.stats.RecentErrors...)
	return cp
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

func copyCounts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
