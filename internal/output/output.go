package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"charity/internal/config"
	"charity/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 事件输出接口。引擎在事务提交后调用，输出失败不影响账本
type Output interface {
	WriteEvent(ev *models.Event) error
	WriteCampaign(c *models.Campaign) error
	Close() error
}

// New 按配置创建输出器
func New(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NopOutput{}, nil
	}

	switch cfg.Format {
	case "", "none":
		return NopOutput{}, nil
	case "json":
		return NewFileOutput(cfg.Directory, logger)
	case "kafka":
		if cfg.Kafka == nil {
			return nil, fmt.Errorf("kafka输出缺少kafka配置")
		}
		return NewKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topics, logger)
	case "kafka_async":
		if cfg.Kafka == nil {
			return nil, fmt.Errorf("kafka输出缺少kafka配置")
		}
		return NewAsyncKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topics, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// NopOutput 丢弃所有输出
type NopOutput struct{}

func (NopOutput) WriteEvent(*models.Event) error       { return nil }
func (NopOutput) WriteCampaign(*models.Campaign) error { return nil }
func (NopOutput) Close() error                         { return nil }

// FileOutput 以JSON Lines写入本地文件，事件和活动快照各一个文件
type FileOutput struct {
	directory    string
	logger       *logrus.Logger
	eventFile    *os.File
	campaignFile *os.File
	mu           sync.Mutex
}

// NewFileOutput 创建文件输出器
func NewFileOutput(directory string, logger *logrus.Logger) (*FileOutput, error) {
	if directory == "" {
		directory = "./outputs"
	}
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")

	eventFile, err := os.Create(filepath.Join(directory, fmt.Sprintf("events_%s.jsonl", timestamp)))
	if err != nil {
		return nil, fmt.Errorf("创建事件文件失败: %w", err)
	}

	campaignFile, err := os.Create(filepath.Join(directory, fmt.Sprintf("campaigns_%s.jsonl", timestamp)))
	if err != nil {
		eventFile.Close()
		return nil, fmt.Errorf("创建活动文件失败: %w", err)
	}

	logger.Infof("文件输出已初始化，目录: %s", directory)
	return &FileOutput{
		directory:    directory,
		logger:       logger,
		eventFile:    eventFile,
		campaignFile: campaignFile,
	}, nil
}

// WriteEvent 写入事件
func (o *FileOutput) WriteEvent(ev *models.Event) error {
	if ev == nil {
		return nil
	}
	return o.writeLine(o.eventFile, ev)
}

// WriteCampaign 写入活动快照
func (o *FileOutput) WriteCampaign(c *models.Campaign) error {
	if c == nil {
		return nil
	}
	return o.writeLine(o.campaignFile, c)
}

func (o *FileOutput) writeLine(f *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("写入文件失败: %w", err)
	}
	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	if err := o.eventFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭事件文件失败: %w", err))
	}
	if err := o.campaignFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭活动文件失败: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}

// topicFor 查找数据类型对应的topic
func topicFor(topics map[string]string, kind, fallback string) string {
	if topic, ok := topics[kind]; ok && topic != "" {
		return topic
	}
	return fallback
}
