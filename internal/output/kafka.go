package output

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"charity/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	defaultEventTopic    = "charity_campaign_events"
	defaultCampaignTopic = "charity_campaigns"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	producer, err := sarama.NewSyncProducer(brokers, newSyncConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有的生产者
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

func newSyncConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	// 按活动编号分区，同一活动的消息保持顺序
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0
	return config
}

// sendToKafka 发送数据到Kafka
func (k *KafkaOutput) sendToKafka(topic string, index uint64, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(index, 10)),
		Value: sarama.ByteEncoder(jsonData),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("成功发送数据到Kafka topic '%s' (partition: %d, offset: %d)", topic, partition, offset)
	return nil
}

// WriteEvent 写入事件
func (k *KafkaOutput) WriteEvent(ev *models.Event) error {
	if ev == nil {
		return nil
	}
	return k.sendToKafka(topicFor(k.topics, "events", defaultEventTopic), ev.Index, ev.ToKafkaMessage())
}

// WriteCampaign 写入活动快照
func (k *KafkaOutput) WriteCampaign(c *models.Campaign) error {
	if c == nil {
		return nil
	}
	return k.sendToKafka(topicFor(k.topics, "campaigns", defaultCampaignTopic), c.Index, c.ToKafkaMessage())
}

// Close 关闭Kafka生产者
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		if err := k.producer.Close(); err != nil {
			return fmt.Errorf("关闭Kafka生产者失败: %w", err)
		}
	}
	k.logger.Info("Kafka生产者已关闭")
	return nil
}
