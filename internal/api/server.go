package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"charity/internal/config"
	"charity/internal/engine"
	"charity/internal/errors"
	"charity/internal/transfer"
	"charity/internal/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// 调用方身份请求头
const CallerHeader = "X-Caller-Address"

// NodeStatus 节点状态来源，ethereum模式下为 *chain.NodeSet
type NodeStatus interface {
	Status() map[string]interface{}
}

// Server HTTP API服务器
type Server struct {
	engine     *engine.Engine
	custody    transfer.Custody
	nodes      NodeStatus
	configs    *ConfigManager
	config     *config.Config
	validator  *validation.Validator
	errHandler *errors.ErrorHandler
	logger     *logrus.Logger
	logManager *LogManager
	router     *gin.Engine
	server     *http.Server
	startedAt  time.Time
	mu         sync.RWMutex
	isRunning  bool
}

// ServerOption 可选组件
type ServerOption func(*Server)

// WithCustody 捐款前先把款项存入托管账户，被拒绝时原路退回。未设置时捐款接口不可用
func WithCustody(c transfer.Custody) ServerOption {
	return func(s *Server) { s.custody = c }
}

// WithNodeStatus 健康检查中附带节点状态
func WithNodeStatus(n NodeStatus) ServerOption {
	return func(s *Server) { s.nodes = n }
}

// WithConfigStore 启用数据库配置管理接口
func WithConfigStore(store ConfigStore) ServerOption {
	return func(s *Server) {
		if store != nil {
			s.configs = NewConfigManager(store, s.logger)
		}
	}
}

// NewServer 创建API服务器
func NewServer(cfg *config.Config, eng *engine.Engine, logger *logrus.Logger, opts ...ServerOption) *Server {
	// 创建日志管理器，保留最近1000条日志
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		engine:     eng,
		config:     cfg,
		validator:  validation.NewValidator(logger, false),
		errHandler: errors.NewErrorHandler(logger),
		logger:     logger,
		logManager: logManager,
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.newRouter()
	return s
}

// Handler 返回路由，测试中直接使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// newRouter 创建gin路由并注册中间件
func (s *Server) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(corsMiddleware())
	router.Use(gin.LoggerWithWriter(s.logger.WriterLevel(logrus.DebugLevel)))
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// Start 启动HTTP服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("API服务器已在运行")
	}

	host, port := "0.0.0.0", 8080
	if s.config != nil && s.config.API != nil {
		if s.config.API.Host != "" {
			host = s.config.API.Host
		}
		if s.config.API.Port > 0 {
			port = s.config.API.Port
		}
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.isRunning = true
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在 %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop 停止服务器，等待进行中的请求结束
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning || s.server == nil {
		return nil
	}
	s.isRunning = false

	s.logger.Info("正在关闭API服务器...")
	return s.server.Shutdown(ctx)
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+CallerHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.healthCheck)
		api.GET("/owner", s.getOwner)
		api.GET("/stats", s.getStats)

		campaigns := api.Group("/campaigns")
		{
			campaigns.POST("", s.createCampaign)
			campaigns.GET("/:index", s.getCampaign)
			campaigns.GET("/:index/events", s.getEvents)
			campaigns.GET("/:index/audit", s.auditCampaign)
			campaigns.GET("/:index/contributions/:donor", s.getContribution)
			campaigns.POST("/:index/start", s.startCampaign)
			campaigns.POST("/:index/cancel", s.cancelCampaign)
			campaigns.POST("/:index/prolongate", s.prolongateCampaign)
			campaigns.POST("/:index/donate", s.donate)
			campaigns.POST("/:index/receiver-withdraw", s.receiverWithdraw)
			campaigns.POST("/:index/donor-withdraw", s.donorWithdraw)
		}

		transfers := api.Group("/transfers")
		{
			transfers.GET("/pending", s.pendingTransfers)
			transfers.POST("/:id/confirm", s.confirmTransfer)
		}

		// 日志
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		// 配置
		api.GET("/config", s.getConfig)
		if s.configs != nil {
			api.GET("/config/:section", s.configs.GetConfig)
			api.PUT("/config/:section", s.configs.UpdateConfig)
		}
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "charity-ledger",
	}

	height, err := s.engine.Height(c.Request.Context())
	if err != nil {
		resp["status"] = "degraded"
		resp["ledger_error"] = err.Error()
	} else {
		resp["block_number"] = height
	}

	if s.nodes != nil {
		resp["nodes"] = s.nodes.Status()
	}

	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// getOwner 合约管理员
func (s *Server) getOwner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"owner": s.engine.Owner().Hex()})
}

// getStats 运行统计
func (s *Server) getStats(c *gin.Context) {
	count, err := s.engine.CampaignCount(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"campaigns":  count,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"errors":     s.errHandler.GetStats(),
		"validation": s.validator.GetValidationStats(),
	})
}

// getConfig 当前生效配置，私钥打码
func (s *Server) getConfig(c *gin.Context) {
	if s.config == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "配置未初始化"})
		return
	}

	masked := *s.config
	if s.config.Transfer != nil {
		tc := *s.config.Transfer
		if tc.PrivateKey != "" {
			tc.PrivateKey = "******"
		}
		masked.Transfer = &tc
	}
	if s.config.Store != nil && s.config.Store.DSN != "" {
		sc := *s.config.Store
		sc.DSN = "******"
		masked.Store = &sc
	}

	c.JSON(http.StatusOK, gin.H{"config": masked})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	component := c.Query("component")

	page := 1 // 默认第1页
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}

	pageSize := 20 // 默认每页20条
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(LogFilter{Level: level, Component: component}, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()

	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}
