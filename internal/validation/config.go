package validation

import (
	"fmt"
	"strings"
	"time"

	"charity/internal/config"
	"charity/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateConfig 启动前检查配置，返回的错误列出全部问题
func ValidateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.ErrConfigInvalid.WithContext("reason", "配置为空")
	}

	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Engine == nil {
		add("缺少 engine 配置")
	} else {
		if _, err := ParseAddress(cfg.Engine.Owner); err != nil {
			add("engine.owner 必须是非零地址: '%s'", cfg.Engine.Owner)
		}
		switch cfg.Engine.StartRole {
		case "", "campaign_owner", "admin":
		default:
			add("engine.start_role 只能是 campaign_owner 或 admin: '%s'", cfg.Engine.StartRole)
		}
	}

	if cfg.Store != nil {
		switch strings.ToLower(cfg.Store.Driver) {
		case "", "bolt", "bbolt", "memory":
		case "postgres", "postgresql":
			if cfg.Store.DSN == "" {
				add("postgres 存储需要 store.dsn")
			}
		default:
			add("不支持的存储类型: %s", cfg.Store.Driver)
		}
	}

	ethereumChain := false
	if cfg.Chain != nil {
		switch cfg.Chain.Mode {
		case "", "simulated":
			checkDuration(add, "chain.block_interval", cfg.Chain.BlockInterval)
		case "ethereum":
			ethereumChain = true
			hasNode := false
			for _, n := range cfg.Chain.Nodes {
				if n != nil && n.URL != "" {
					hasNode = true
				}
			}
			if !hasNode {
				add("ethereum 模式至少需要一个配置了URL的节点")
			}
			checkDuration(add, "chain.poll_interval", cfg.Chain.PollInterval)
		default:
			add("不支持的高度来源: %s", cfg.Chain.Mode)
		}
	}

	if cfg.Transfer != nil {
		switch cfg.Transfer.Mode {
		case "", "simulated":
			if cfg.Transfer.Custody != "" && !common.IsHexAddress(cfg.Transfer.Custody) {
				add("transfer.custody 地址无效: %s", cfg.Transfer.Custody)
			}
			for addr, value := range cfg.Transfer.InitialBalances {
				if !common.IsHexAddress(addr) {
					add("transfer.initial_balances 地址无效: %s", addr)
				}
				if _, err := ParseAmount(value); err != nil {
					add("transfer.initial_balances[%s] 金额无效: %s", addr, value)
				}
			}
		case "ethereum":
			if cfg.Transfer.PrivateKey == "" {
				add("ethereum 转账需要 transfer.private_key")
			}
			if !ethereumChain {
				add("ethereum 转账需要 chain.mode=ethereum")
			}
		default:
			add("不支持的转账模式: %s", cfg.Transfer.Mode)
		}
	}

	if cfg.Sweeper != nil && cfg.Sweeper.Enabled {
		checkDuration(add, "sweeper.interval", cfg.Sweeper.Interval)
	}

	if cfg.Output != nil {
		switch cfg.Output.Format {
		case "", "none", "json":
		case "kafka", "kafka_async":
			if cfg.Output.Kafka == nil || len(cfg.Output.Kafka.Brokers) == 0 {
				add("kafka 输出需要 output.kafka.brokers")
			}
		default:
			add("不支持的输出格式: %s", cfg.Output.Format)
		}
	}

	if cfg.API != nil && (cfg.API.Port <= 0 || cfg.API.Port > 65535) {
		add("api.port 超出范围: %d", cfg.API.Port)
	}

	if cfg.Logging != nil {
		switch strings.ToLower(cfg.Logging.Format) {
		case "", "json", "text":
		default:
			add("不支持的日志格式: %s", cfg.Logging.Format)
		}
	}

	if len(problems) > 0 {
		return errors.ErrConfigInvalid.WithContext("problems", problems)
	}
	return nil
}

func checkDuration(add func(string, ...interface{}), key, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		add("%s 不是有效的时间间隔: %s", key, value)
	}
}
