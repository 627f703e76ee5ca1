package api

import (
	"database/sql"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigStore 数据库配置表，*config.DatabaseConfig 满足该接口
type ConfigStore interface {
	GetConfig(section, key string) (string, error)
	ListConfigs(section string) (map[string]string, error)
	UpdateConfig(section, key, value string) error
}

// 这些键只能写入，读取时打码
var secretKeys = map[string]bool{
	"private_key": true,
	"dsn":         true,
}

// ConfigManager 数据库配置管理接口，修改在下次启动时生效
type ConfigManager struct {
	store  ConfigStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store ConfigStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		store:  store,
		logger: logger,
	}
}

func maskValue(key, value string) string {
	if secretKeys[strings.ToLower(key)] && value != "" {
		return "******"
	}
	return value
}

// GetConfig 获取配置
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	section := c.Param("section")
	key := c.Query("key")

	if key == "" {
		// 获取整个分区
		configs, err := cm.store.ListConfigs(section)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "获取配置失败",
				"message": err.Error(),
			})
			return
		}

		for k, v := range configs {
			configs[k] = maskValue(k, v)
		}
		c.JSON(http.StatusOK, gin.H{
			"section": section,
			"configs": configs,
		})
		return
	}

	// 获取单个配置
	value, err := cm.store.GetConfig(section, key)
	if err != nil {
		status := http.StatusInternalServerError
		if stderrors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "配置不存在",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"section": section,
		"key":     key,
		"value":   maskValue(key, value),
	})
}

// UpdateConfig 更新配置
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	section := c.Param("section")

	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if err := cm.store.UpdateConfig(section, req.Key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "更新配置失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.WithFields(logrus.Fields{
		"component": "api",
		"section":   section,
		"key":       req.Key,
	}).Info("配置已更新，重启后生效")

	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功",
		"config": gin.H{
			"section": section,
			"key":     req.Key,
			"value":   maskValue(req.Key, req.Value),
		},
	})
}
