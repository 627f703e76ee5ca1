package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// 配置分区，对应 charity_config.section
var configSections = map[string]bool{
	"engine":   true,
	"store":    true,
	"chain":    true,
	"transfer": true,
	"sweeper":  true,
	"output":   true,
	"api":      true,
	"logging":  true,
}

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// LoadConfig 从数据库加载完整配置，未配置的项保持默认值
func (dc *DatabaseConfig) LoadConfig() (*Config, error) {
	config := GetDefaultConfig()

	nodes, err := dc.loadNodes()
	if err != nil {
		return nil, fmt.Errorf("加载节点配置失败: %w", err)
	}
	if len(nodes) > 0 {
		config.Chain.Nodes = nodes
	}

	rows, err := dc.DB.Query(`SELECT section, config_key, config_value FROM charity_config WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("加载配置项失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var section, key, value string
		if err := rows.Scan(&section, &key, &value); err != nil {
			return nil, err
		}
		if err := applySetting(config, section, key, value); err != nil {
			dc.logger.Warnf("忽略配置项 %s.%s: %v", section, key, err)
		}
	}

	return config, rows.Err()
}

// loadNodes 加载区块链节点配置
func (dc *DatabaseConfig) loadNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, node_type, rate_limit, priority FROM charity_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.Type, &node.RateLimit, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

// applySetting 把单个键值写入配置
func applySetting(c *Config, section, key, value string) error {
	switch section + "." + key {
	case "engine.owner":
		c.Engine.Owner = value
	case "engine.start_role":
		c.Engine.StartRole = value
	case "store.driver":
		c.Store.Driver = value
	case "store.path":
		c.Store.Path = value
	case "store.dsn":
		c.Store.DSN = value
	case "chain.mode":
		c.Chain.Mode = value
	case "chain.poll_interval":
		c.Chain.PollInterval = value
	case "chain.block_interval":
		c.Chain.BlockInterval = value
	case "chain.start_height":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		c.Chain.StartHeight = v
	case "transfer.mode":
		c.Transfer.Mode = value
	case "transfer.private_key":
		c.Transfer.PrivateKey = value
	case "transfer.custody":
		c.Transfer.Custody = value
	case "transfer.chain_id":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		c.Transfer.ChainID = v
	case "transfer.gas_limit":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		c.Transfer.GasLimit = v
	case "sweeper.enabled":
		c.Sweeper.Enabled = strings.ToLower(value) == "true"
	case "sweeper.interval":
		c.Sweeper.Interval = value
	case "output.format":
		c.Output.Format = value
	case "output.directory":
		c.Output.Directory = value
	case "output.kafka_brokers":
		c.Output.Kafka.Brokers = splitList(value)
	case "api.host":
		c.API.Host = value
	case "api.port":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.API.Port = v
	case "logging.level":
		c.Logging.Level = value
	case "logging.format":
		c.Logging.Format = value
	case "logging.output":
		c.Logging.Output = value
	default:
		if strings.HasPrefix(key, "kafka_topic_") && section == "output" {
			c.Output.Kafka.Topics[strings.TrimPrefix(key, "kafka_topic_")] = value
			return nil
		}
		return fmt.Errorf("未知的配置项")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// UpdateConfig 更新配置
func (dc *DatabaseConfig) UpdateConfig(section, key, value string) error {
	if !configSections[section] {
		return fmt.Errorf("不支持的配置类型: %s", section)
	}

	_, err := dc.DB.Exec(`
		INSERT INTO charity_config (section, config_key, config_value, is_active, updated_at)
		VALUES ($1, $2, $3, true, CURRENT_TIMESTAMP)
		ON CONFLICT (section, config_key)
		DO UPDATE SET config_value = $3, is_active = true, updated_at = CURRENT_TIMESTAMP
	`, section, key, value)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(section, key string) (string, error) {
	if !configSections[section] {
		return "", fmt.Errorf("不支持的配置类型: %s", section)
	}

	var value string
	err := dc.DB.QueryRow(`SELECT config_value FROM charity_config WHERE section = $1 AND config_key = $2 AND is_active = true`,
		section, key).Scan(&value)
	return value, err
}

// ListConfigs 列出某个分区的所有配置
func (dc *DatabaseConfig) ListConfigs(section string) (map[string]string, error) {
	if !configSections[section] {
		return nil, fmt.Errorf("不支持的配置类型: %s", section)
	}

	rows, err := dc.DB.Query(`SELECT config_key, config_value FROM charity_config WHERE section = $1 AND is_active = true`, section)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
