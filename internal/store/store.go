package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"charity/internal/config"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("store: record not found")

var (
	errReadOnly             = errors.New("store: write in read-only transaction")
	errNegativeContribution = errors.New("store: negative contribution")
)

// Tx 存储事务。写事务内的修改在回调返回nil时整体提交，否则全部丢弃
type Tx interface {
	// 活动计数器，即最后分配的活动编号
	CampaignCount() (uint64, error)
	SetCampaignCount(n uint64) error

	GetCampaign(index uint64) (*models.Campaign, error)
	PutCampaign(c *models.Campaign) error
	// ForEachCampaign 按编号升序遍历
	ForEachCampaign(fn func(c *models.Campaign) error) error

	// GetContribution 没有记录时返回0
	GetContribution(index uint64, donor common.Address) (*big.Int, error)
	PutContribution(index uint64, donor common.Address, amount *big.Int) error

	// AppendEvent 追加事件并写回分配的序号
	AppendEvent(ev *models.Event) error
	ListEvents(index uint64) ([]*models.Event, error)

	// PutPendingTransfer 保存待结算转账，ID为0时分配新ID并写回
	PutPendingTransfer(p *models.PendingTransfer) error
	// ListPendingTransfers 按ID升序
	ListPendingTransfers() ([]*models.PendingTransfer, error)
	// DeletePendingTransfer 删除不存在的记录不报错
	DeletePendingTransfer(id uint64) error
}

// Store 活动存储
type Store interface {
	// Update 执行写事务，同一时刻只有一个写事务
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View 执行只读事务
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// New 根据配置创建存储
func New(cfg *config.StoreConfig, logger *logrus.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "bolt", "bbolt":
		return NewBoltStore(cfg.Path, logger)
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Driver)
	}
}

// cloneAmount 金额拷贝，nil视为0
func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
