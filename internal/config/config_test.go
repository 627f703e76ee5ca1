package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	assert.NotNil(t, config)
	assert.NotNil(t, config.Engine)
	assert.NotNil(t, config.Store)
	assert.NotNil(t, config.Chain)
	assert.NotNil(t, config.Transfer)
	assert.NotNil(t, config.Sweeper)
	assert.NotNil(t, config.Output)
	assert.NotNil(t, config.API)
	assert.NotNil(t, config.Logging)

	// 引擎配置
	assert.Equal(t, "", config.Engine.Owner) // 需要显式配置
	assert.Equal(t, "campaign_owner", config.Engine.StartRole)

	// 存储与高度来源
	assert.Equal(t, "bolt", config.Store.Driver)
	assert.Equal(t, "simulated", config.Chain.Mode)
	assert.Equal(t, uint64(1), config.Chain.StartHeight)
	assert.NotEmpty(t, config.Chain.Nodes)
	assert.Equal(t, "local_node", config.Chain.Nodes[0].Name)

	// 转账
	assert.Equal(t, "simulated", config.Transfer.Mode)
	assert.Equal(t, uint64(21000), config.Transfer.GasLimit)

	// 清理器默认关闭，只依赖捐款时的惰性过期
	assert.False(t, config.Sweeper.Enabled)

	// 输出配置
	assert.Equal(t, "json", config.Output.Format)
	assert.Equal(t, []string{"localhost:9092"}, config.Output.Kafka.Brokers)
	assert.Equal(t, "charity_campaign_events", config.Output.Kafka.Topics["events"])

	// 日志配置
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "stdout", config.Logging.Output)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  owner: "0x00000000000000000000000000000000000000aa"
  start_role: admin
store:
  driver: memory
chain:
  mode: ethereum
  poll_interval: 5s
  nodes:
    - name: primary
      url: http://127.0.0.1:8545
      type: local
      rate_limit: 50
      priority: 1
sweeper:
  enabled: true
  interval: 10s
output:
  format: kafka_async
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
logging:
  level: debug
  max_size: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0x00000000000000000000000000000000000000aa", config.Engine.Owner)
	assert.Equal(t, "admin", config.Engine.StartRole)
	assert.Equal(t, "memory", config.Store.Driver)
	assert.Equal(t, "ethereum", config.Chain.Mode)
	assert.Equal(t, "5s", config.Chain.PollInterval)
	require.NotEmpty(t, config.Chain.Nodes)
	assert.Equal(t, "primary", config.Chain.Nodes[0].Name)
	assert.Equal(t, "http://127.0.0.1:8545", config.Chain.Nodes[0].URL)
	assert.True(t, config.Sweeper.Enabled)
	assert.Equal(t, "10s", config.Sweeper.Interval)
	assert.Equal(t, "kafka_async", config.Output.Format)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, config.Output.Kafka.Brokers)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, 50, config.Logging.MaxSize)

	// 文件中没有的项保留默认值
	assert.Equal(t, 8080, config.API.Port)
	assert.Equal(t, uint64(21000), config.Transfer.GasLimit)
	assert.Equal(t, "charity_campaign_events", config.Output.Kafka.Topics["events"])
}

func TestLoadConfigFromFile_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  owner: \"0x01\"\n"), 0644))

	t.Setenv("CHARITY_ENGINE_OWNER", "0x00000000000000000000000000000000000000bb")
	t.Setenv("CHARITY_API_PORT", "9090")

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0x00000000000000000000000000000000000000bb", config.Engine.Owner)
	assert.Equal(t, 9090, config.API.Port)
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_FallsBackToFile(t *testing.T) {
	t.Setenv("CHARITY_DB_DSN", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\n"), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", config.Store.Driver)
}

func TestApplySetting(t *testing.T) {
	config := GetDefaultConfig()

	require.NoError(t, applySetting(config, "engine", "owner", "0xabc"))
	require.NoError(t, applySetting(config, "chain", "start_height", "42"))
	require.NoError(t, applySetting(config, "sweeper", "enabled", "TRUE"))
	require.NoError(t, applySetting(config, "output", "kafka_brokers", "a:9092, b:9092"))
	require.NoError(t, applySetting(config, "output", "kafka_topic_events", "custom_events"))
	require.NoError(t, applySetting(config, "api", "port", "9999"))

	assert.Equal(t, "0xabc", config.Engine.Owner)
	assert.Equal(t, uint64(42), config.Chain.StartHeight)
	assert.True(t, config.Sweeper.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, config.Output.Kafka.Brokers)
	assert.Equal(t, "custom_events", config.Output.Kafka.Topics["events"])
	assert.Equal(t, 9999, config.API.Port)

	assert.Error(t, applySetting(config, "api", "port", "not-a-number"))
	assert.Error(t, applySetting(config, "engine", "unknown", "x"))
}
