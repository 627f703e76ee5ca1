package config

import (
	"fmt"
	"os"
	"strings"

	"charity/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// 环境变量前缀，例如 CHARITY_ENGINE_OWNER
const EnvPrefix = "CHARITY"

// Config 主配置
type Config struct {
	Engine   *EngineConfig      `mapstructure:"engine"`
	Store    *StoreConfig       `mapstructure:"store"`
	Chain    *ChainConfig       `mapstructure:"chain"`
	Transfer *TransferConfig    `mapstructure:"transfer"`
	Sweeper  *SweeperConfig     `mapstructure:"sweeper"`
	Output   *OutputConfig      `mapstructure:"output"`
	API      *APIConfig         `mapstructure:"api"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
}

// EngineConfig 引擎配置
type EngineConfig struct {
	Owner     string `mapstructure:"owner"`      // 合约管理员地址
	StartRole string `mapstructure:"start_role"` // 启动活动所需角色: campaign_owner, admin
}

// StoreConfig 存储配置
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // bolt, memory, postgres
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// ChainConfig 区块高度来源配置
type ChainConfig struct {
	Mode          string        `mapstructure:"mode"` // simulated, ethereum
	Nodes         []*NodeConfig `mapstructure:"nodes"`
	PollInterval  string        `mapstructure:"poll_interval"`
	StartHeight   uint64        `mapstructure:"start_height"`   // 模拟链初始高度
	BlockInterval string        `mapstructure:"block_interval"` // 模拟链自动出块间隔，为空则只能手动出块
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	Type      string `mapstructure:"type"`
	RateLimit int    `mapstructure:"rate_limit"`
	Priority  int    `mapstructure:"priority"`
}

// TransferConfig 转账通道配置
type TransferConfig struct {
	Mode       string `mapstructure:"mode"`        // simulated, ethereum
	PrivateKey string `mapstructure:"private_key"` // 托管账户私钥，仅ethereum模式
	ChainID    int64  `mapstructure:"chain_id"`
	GasLimit   uint64 `mapstructure:"gas_limit"`
	Custody    string `mapstructure:"custody"` // 模拟模式的托管账户地址
	// 模拟模式初始余额，地址 -> 十进制金额
	InitialBalances map[string]string `mapstructure:"initial_balances"`
}

// SweeperConfig 过期活动清理配置
type SweeperConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 事件输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // none, json, kafka, kafka_async
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// APIConfig HTTP接口配置
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	// 首先尝试从环境变量获取数据库配置
	dbDSN := os.Getenv(EnvPrefix + "_DB_DSN")
	if dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}

		logger.Info("已从数据库加载配置")
		return config, nil
	}

	// 回退到YAML文件
	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从文件加载配置，文件中缺失的项使用默认值，环境变量优先
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

// newViper 创建带默认值和环境变量绑定的viper实例
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 环境变量只对已知键生效，这里把标量默认值登记一遍
	d := GetDefaultConfig()
	v.SetDefault("engine.owner", d.Engine.Owner)
	v.SetDefault("engine.start_role", d.Engine.StartRole)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("chain.mode", d.Chain.Mode)
	v.SetDefault("chain.poll_interval", d.Chain.PollInterval)
	v.SetDefault("chain.start_height", d.Chain.StartHeight)
	v.SetDefault("chain.block_interval", d.Chain.BlockInterval)
	v.SetDefault("transfer.mode", d.Transfer.Mode)
	v.SetDefault("transfer.private_key", d.Transfer.PrivateKey)
	v.SetDefault("transfer.chain_id", d.Transfer.ChainID)
	v.SetDefault("transfer.gas_limit", d.Transfer.GasLimit)
	v.SetDefault("transfer.custody", d.Transfer.Custody)
	v.SetDefault("sweeper.enabled", d.Sweeper.Enabled)
	v.SetDefault("sweeper.interval", d.Sweeper.Interval)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	return v
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Engine: &EngineConfig{
			Owner:     "", // 需要在YAML配置或环境变量中指定
			StartRole: "campaign_owner",
		},
		Store: &StoreConfig{
			Driver: "bolt",
			Path:   "./data/charity.db",
		},
		Chain: &ChainConfig{
			Mode:          "simulated",
			PollInterval:  "3s",
			StartHeight:   1,
			BlockInterval: "",
			Nodes: []*NodeConfig{
				{
					Name:      "local_node",
					URL:       "", // ethereum模式下需要配置
					Type:      "local",
					RateLimit: 1000,
					Priority:  1,
				},
			},
		},
		Transfer: &TransferConfig{
			Mode:            "simulated",
			ChainID:         1337,
			GasLimit:        21000,
			Custody:         "0x00000000000000000000000000000000000c4a11",
			InitialBalances: map[string]string{},
		},
		Sweeper: &SweeperConfig{
			Enabled:  false,
			Interval: "30s",
		},
		Output: &OutputConfig{
			Format:    "json",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"events":    "charity_campaign_events",
					"campaigns": "charity_campaigns",
				},
			},
		},
		API: &APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: &logging.LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Rotation:   false,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}
