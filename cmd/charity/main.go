package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"charity/internal/api"
	"charity/internal/chain"
	"charity/internal/config"
	"charity/internal/engine"
	"charity/internal/logging"
	"charity/internal/output"
	"charity/internal/scheduler"
	"charity/internal/shutdown"
	"charity/internal/store"
	"charity/internal/transfer"
	"charity/internal/validation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "charity",
		Short: "慈善众筹托管账本",
		Long:  `按区块高度计时的慈善众筹托管账本：活动状态机、捐款托管、受益人提款和捐款人退款`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动账本服务和HTTP接口",
		RunE:  runServe,
	}

	campaignCmd := &cobra.Command{
		Use:   "campaign <index>",
		Short: "查看活动记录",
		Args:  cobra.ExactArgs(1),
		RunE:  showCampaign,
	}

	eventsCmd := &cobra.Command{
		Use:   "events <index>",
		Short: "查看活动事件",
		Args:  cobra.ExactArgs(1),
		RunE:  showEvents,
	}

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "在模拟链上演示一次完整的众筹流程",
		RunE:  runSimulate,
	}

	rootCmd.AddCommand(serveCmd, campaignCmd, eventsCmd, simulateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置，创建日志器
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := validation.ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return cfg, logger, nil
}

// components 按配置组装的运行组件
type components struct {
	store   store.Store
	ledger  *chain.Ledger
	gateway transfer.Gateway
	output  output.Output
	engine  *engine.Engine
}

// close 逆序释放组件
func (c *components) close() {
	if c.output != nil {
		c.output.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
	if c.ledger != nil {
		c.ledger.Close()
	}
}

// build 组装存储、高度来源、转账通道、事件输出和引擎
func build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*components, error) {
	c := &components{}
	var err error

	c.store, err = store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}

	c.ledger, err = chain.New(ctx, cfg.Chain, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("创建高度来源失败: %w", err)
	}

	c.gateway, err = transfer.New(cfg.Transfer, c.ledger.Nodes, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("创建转账通道失败: %w", err)
	}

	c.output, err = output.New(cfg.Output, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("创建事件输出失败: %w", err)
	}

	policy, err := engine.PolicyWithStartRole(cfg.Engine.StartRole)
	if err != nil {
		c.close()
		return nil, err
	}

	c.engine, err = engine.New(common.HexToAddress(cfg.Engine.Owner), c.store, c.ledger.Source, c.gateway, logger,
		engine.WithOutput(c.output), engine.WithPolicy(policy))
	if err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(shutdown.DefaultTimeout, logger)
	ctx := gs.Context()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// 模拟链按间隔自动出块
	if c.ledger.Simulated != nil && cfg.Chain.BlockInterval != "" {
		interval, err := time.ParseDuration(cfg.Chain.BlockInterval)
		if err != nil {
			c.close()
			return fmt.Errorf("无效的出块间隔: %w", err)
		}
		go c.ledger.Simulated.Run(ctx, interval)
	}

	// ethereum模式跟踪最新高度
	if c.ledger.Follower != nil {
		followerDone := make(chan struct{})
		go func() {
			defer close(followerDone)
			c.ledger.Follower.Run(ctx)
		}()
		gs.RegisterShutdownFunc("height_follower", func(ctx context.Context) error {
			select {
			case <-followerDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, shutdown.OrderStopHeightFollower)
	}

	// 上次退出时遗留的待结算转账
	if resolved, err := c.engine.ResolvePending(ctx); err != nil {
		logger.Warnf("处理遗留的待结算转账失败: %v", err)
	} else if resolved > 0 {
		logger.Infof("已处理 %d 笔遗留的待结算转账", resolved)
	}

	if cfg.Sweeper != nil && cfg.Sweeper.Enabled {
		mgr, err := scheduler.NewManager(logger)
		if err != nil {
			c.close()
			return err
		}
		if err := mgr.RegisterSweeper(c.engine, cfg.Sweeper); err != nil {
			c.close()
			return err
		}
		if err := mgr.RegisterSettler(c.engine, cfg.Sweeper); err != nil {
			c.close()
			return err
		}
		mgr.Start()
		gs.RegisterShutdownFunc("expiry_sweeper", func(ctx context.Context) error {
			return mgr.Stop()
		}, shutdown.OrderStopBackgroundJobs)
	}

	var opts []api.ServerOption
	if custody, ok := c.gateway.(transfer.Custody); ok {
		opts = append(opts, api.WithCustody(custody))
	} else {
		logger.Warn("转账通道不支持托管存款，捐款接口已停用")
	}
	if c.ledger.Nodes != nil {
		opts = append(opts, api.WithNodeStatus(c.ledger.Nodes))
	}
	if dsn := os.Getenv(config.EnvPrefix + "_DB_DSN"); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.Warnf("配置数据库不可用，配置管理接口未启用: %v", err)
		} else {
			opts = append(opts, api.WithConfigStore(dbConfig))
			gs.RegisterShutdownFunc("config_database", func(ctx context.Context) error {
				return dbConfig.Close()
			}, shutdown.OrderCloseConnections)
		}
	}

	server := api.NewServer(cfg, c.engine, logger, opts...)

	gs.RegisterShutdownFunc("api_server", server.Stop, shutdown.OrderStopAcceptingRequests)
	gs.RegisterShutdownFunc("event_output", func(ctx context.Context) error {
		return c.output.Close()
	}, shutdown.OrderFlushOutputs)
	gs.RegisterShutdownFunc("campaign_store", func(ctx context.Context) error {
		return c.store.Close()
	}, shutdown.OrderCloseStore)
	gs.RegisterShutdownFunc("chain_nodes", func(ctx context.Context) error {
		return c.ledger.Close()
	}, shutdown.OrderCloseConnections)

	gs.Start()

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("API服务器异常退出: %v", err)
			gs.Shutdown()
		}
	}()

	logger.WithFields(logrus.Fields{
		"owner":      cfg.Engine.Owner,
		"store":      cfg.Store.Driver,
		"chain":      cfg.Chain.Mode,
		"transfer":   cfg.Transfer.Mode,
		"output":     cfg.Output.Format,
		"start_role": cfg.Engine.StartRole,
	}).Info("账本服务已启动")

	return gs.Wait()
}

// withEngine 组装引擎执行一次只读命令
func withEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	return fn(ctx, c.engine)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// showCampaign 显示活动记录
func showCampaign(cmd *cobra.Command, args []string) error {
	index, err := validation.ParseIndex(args[0])
	if err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		campaign, err := eng.Campaign(ctx, index)
		if err != nil {
			return err
		}
		return printJSON(campaign.ToKafkaMessage())
	})
}

// showEvents 显示活动事件
func showEvents(cmd *cobra.Command, args []string) error {
	index, err := validation.ParseIndex(args[0])
	if err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		events, err := eng.Events(ctx, index)
		if err != nil {
			return err
		}
		out := make([]map[string]interface{}, 0, len(events))
		for _, ev := range events {
			out = append(out, ev.ToKafkaMessage())
		}
		return printJSON(out)
	})
}
