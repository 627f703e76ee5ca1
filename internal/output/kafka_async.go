package output

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"charity/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// 统计信息报告周期
const statsInterval = 30 * time.Second

// AsyncKafkaOutput 异步Kafka输出器
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// closed 为true后不再向Input写入
	closeMu sync.RWMutex
	closed  bool

	// 统计信息
	sentCount  int64
	errorCount int64
	mu         sync.RWMutex
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	producer, err := sarama.NewAsyncProducer(brokers, newAsyncConfig())
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	logger.Info("异步Kafka生产者已创建并启动")
	return NewAsyncKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewAsyncKafkaOutputWithProducer 使用已有的异步生产者。生产者须开启 Return.Successes
func NewAsyncKafkaOutputWithProducer(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *AsyncKafkaOutput {
	ctx, cancel := context.WithCancel(context.Background())

	k := &AsyncKafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
		ctx:      ctx,
		cancel:   cancel,
	}
	k.startBackgroundHandlers()
	return k
}

func newAsyncConfig() *sarama.Config {
	config := sarama.NewConfig()

	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	// 批量发送
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Flush.Bytes = 1024 * 1024
	config.Producer.Compression = sarama.CompressionSnappy

	config.ChannelBufferSize = 1000
	return config
}

// startBackgroundHandlers 启动后台处理程序
func (k *AsyncKafkaOutput) startBackgroundHandlers() {
	k.wg.Add(3)
	go func() {
		defer k.wg.Done()
		k.handleSuccesses()
	}()
	go func() {
		defer k.wg.Done()
		k.handleErrors()
	}()
	go func() {
		defer k.wg.Done()
		k.reportStats()
	}()
}

// handleSuccesses 消费成功通道直到生产者关闭
func (k *AsyncKafkaOutput) handleSuccesses() {
	for success := range k.producer.Successes() {
		k.mu.Lock()
		k.sentCount++
		k.mu.Unlock()

		k.logger.Debugf("消息成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
}

// handleErrors 消费错误通道直到生产者关闭
func (k *AsyncKafkaOutput) handleErrors() {
	for err := range k.producer.Errors() {
		k.mu.Lock()
		k.errorCount++
		k.mu.Unlock()

		k.logger.Errorf("Kafka发送失败: topic=%s, error=%v", err.Msg.Topic, err.Err)
	}
}

// reportStats 定期报告统计信息
func (k *AsyncKafkaOutput) reportStats() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, errors := k.GetStats()
			if sent > 0 || errors > 0 {
				successRate := float64(sent) / float64(sent+errors) * 100
				k.logger.Infof("Kafka统计: 已发送 %d 条消息, 失败 %d 条, 成功率 %.2f%%",
					sent, errors, successRate)
			}
		case <-k.ctx.Done():
			return
		}
	}
}

// sendToKafkaAsync 异步发送数据到Kafka，输入通道已满时立即返回错误
func (k *AsyncKafkaOutput) sendToKafkaAsync(topic string, index uint64, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(index, 10)),
		Value: sarama.ByteEncoder(jsonData),
	}

	k.closeMu.RLock()
	defer k.closeMu.RUnlock()
	if k.closed {
		return fmt.Errorf("Kafka生产者已关闭")
	}

	select {
	case k.producer.Input() <- msg:
		return nil
	default:
		return fmt.Errorf("Kafka生产者输入通道已满")
	}
}

// WriteEvent 异步写入事件
func (k *AsyncKafkaOutput) WriteEvent(ev *models.Event) error {
	if ev == nil {
		return nil
	}
	return k.sendToKafkaAsync(topicFor(k.topics, "events", defaultEventTopic), ev.Index, ev.ToKafkaMessage())
}

// WriteCampaign 异步写入活动快照
func (k *AsyncKafkaOutput) WriteCampaign(c *models.Campaign) error {
	if c == nil {
		return nil
	}
	return k.sendToKafkaAsync(topicFor(k.topics, "campaigns", defaultCampaignTopic), c.Index, c.ToKafkaMessage())
}

// GetStats 获取统计信息
func (k *AsyncKafkaOutput) GetStats() (sent, errors int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sentCount, k.errorCount
}

// Close 刷新缓冲区并关闭生产者
func (k *AsyncKafkaOutput) Close() error {
	k.closeMu.Lock()
	if k.closed {
		k.closeMu.Unlock()
		return nil
	}
	k.closed = true
	k.closeMu.Unlock()

	k.logger.Info("正在关闭异步Kafka生产者...")

	// AsyncClose 处理完缓冲消息后关闭成功和错误通道，处理器随之退出
	k.producer.AsyncClose()
	k.cancel()
	k.wg.Wait()

	sent, errors := k.GetStats()
	k.logger.Infof("异步Kafka生产者已关闭，总计发送: %d，错误: %d", sent, errors)
	return nil
}
