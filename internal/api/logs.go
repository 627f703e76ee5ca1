package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogFilter 日志过滤条件，空值表示不过滤
type LogFilter struct {
	Level     string
	Component string
}

func (f LogFilter) match(e LogEntry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	return true
}

// LogManager 环形保存最近的日志，供 /logs 接口查询
type LogManager struct {
	logs    []LogEntry
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, 0, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	// 复制字段，logrus会复用Data
	fields := make(map[string]interface{}, len(entry.Data))
	var component string
	for k, v := range entry.Data {
		if k == "component" {
			component = fmt.Sprint(v)
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs = append(lm.logs, LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Component: component,
		Fields:    fields,
	})

	// 如果超过最大数量，移除最旧的日志
	if len(lm.logs) > lm.maxLogs {
		lm.logs = lm.logs[len(lm.logs)-lm.maxLogs:]
	}
}

// GetLogsWithPagination 按条件过滤后分页，最新的日志在前
func (lm *LogManager) GetLogsWithPagination(filter LogFilter, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	matched := make([]LogEntry, 0, len(lm.logs))
	for i := len(lm.logs) - 1; i >= 0; i-- {
		if filter.match(lm.logs[i]) {
			matched = append(matched, lm.logs[i])
		}
	}
	lm.mu.RUnlock()

	total := len(matched)
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = total
	}

	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return matched[start:end], total
}

// Len 当前保存的日志条数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.logs)
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, 0, lm.maxLogs)
}

// LogHook 把logrus日志写入LogManager
type LogHook struct {
	manager *LogManager
	levels  []logrus.Level
}

// NewLogHook 创建日志钩子，默认收集info及以上级别
func NewLogHook(manager *LogManager, levels ...logrus.Level) *LogHook {
	if len(levels) == 0 {
		levels = []logrus.Level{
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
			logrus.WarnLevel,
			logrus.InfoLevel,
		}
	}
	return &LogHook{manager: manager, levels: levels}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}
