package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/charity.db"

	// 存储桶名称
	CampaignsBucket     = "campaigns"
	ContributionsBucket = "contributions"
	EventsBucket        = "events"
	TransfersBucket     = "pending_transfers"
	MetaBucket          = "meta"

	// 元数据键
	CampaignCountKey = "campaign_count"
)

// BoltStore 基于BoltDB的存储，BoltDB本身保证单写者
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
}

// NewBoltStore 打开或创建BoltDB存储
func NewBoltStore(dbPath string, logger *logrus.Logger) (*BoltStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开活动数据库失败: %w", err)
	}

	s := &BoltStore{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("活动存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{CampaignsBucket, ContributionsBucket, EventsBucket, TransfersBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// Update 执行写事务
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// View 执行只读事务
func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// GetDBPath 获取数据库路径
func (s *BoltStore) GetDBPath() string {
	return s.dbPath
}

// Close 关闭存储
func (s *BoltStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭活动存储")
		return s.db.Close()
	}
	return nil
}

type boltTx struct {
	tx *bolt.Tx
}

func (b *boltTx) bucket(name string) (*bolt.Bucket, error) {
	bucket := b.tx.Bucket([]byte(name))
	if bucket == nil {
		return nil, fmt.Errorf("存储桶 %s 不存在", name)
	}
	return bucket, nil
}

func (b *boltTx) CampaignCount() (uint64, error) {
	bucket, err := b.bucket(MetaBucket)
	if err != nil {
		return 0, err
	}
	data := bucket.Get([]byte(CampaignCountKey))
	if data == nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(data), nil
}

func (b *boltTx) SetCampaignCount(n uint64) error {
	bucket, err := b.bucket(MetaBucket)
	if err != nil {
		return err
	}
	if err := bucket.Put([]byte(CampaignCountKey), uint64Key(n)); err != nil {
		return fmt.Errorf("保存活动计数失败: %w", err)
	}
	return nil
}

func (b *boltTx) GetCampaign(index uint64) (*models.Campaign, error) {
	bucket, err := b.bucket(CampaignsBucket)
	if err != nil {
		return nil, err
	}
	data := bucket.Get(uint64Key(index))
	if data == nil {
		return nil, ErrNotFound
	}

	var c models.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("解析活动 %d 失败: %w", index, err)
	}
	return &c, nil
}

func (b *boltTx) PutCampaign(c *models.Campaign) error {
	bucket, err := b.bucket(CampaignsBucket)
	if err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("序列化活动 %d 失败: %w", c.Index, err)
	}
	if err := bucket.Put(uint64Key(c.Index), data); err != nil {
		return fmt.Errorf("保存活动 %d 失败: %w", c.Index, err)
	}
	return nil
}

func (b *boltTx) ForEachCampaign(fn func(c *models.Campaign) error) error {
	bucket, err := b.bucket(CampaignsBucket)
	if err != nil {
		return err
	}
	// 大端序键保证游标按编号升序
	return bucket.ForEach(func(k, v []byte) error {
		var c models.Campaign
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("解析活动 %d 失败: %w", binary.BigEndian.Uint64(k), err)
		}
		return fn(&c)
	})
}

func (b *boltTx) GetContribution(index uint64, donor common.Address) (*big.Int, error) {
	bucket, err := b.bucket(ContributionsBucket)
	if err != nil {
		return nil, err
	}
	data := bucket.Get(contributionKey(index, donor))
	return new(big.Int).SetBytes(data), nil
}

func (b *boltTx) PutContribution(index uint64, donor common.Address, amount *big.Int) error {
	bucket, err := b.bucket(ContributionsBucket)
	if err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("捐款记录不能为负: %s", amount)
	}
	if err := bucket.Put(contributionKey(index, donor), amount.Bytes()); err != nil {
		return fmt.Errorf("保存捐款记录失败: %w", err)
	}
	return nil
}

func (b *boltTx) AppendEvent(ev *models.Event) error {
	bucket, err := b.bucket(EventsBucket)
	if err != nil {
		return err
	}
	seq, err := bucket.NextSequence()
	if err != nil {
		return fmt.Errorf("分配事件序号失败: %w", err)
	}
	ev.Sequence = seq

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := bucket.Put(eventKey(ev.Index, seq), data); err != nil {
		return fmt.Errorf("保存事件失败: %w", err)
	}
	return nil
}

func (b *boltTx) ListEvents(index uint64) ([]*models.Event, error) {
	bucket, err := b.bucket(EventsBucket)
	if err != nil {
		return nil, err
	}

	prefix := uint64Key(index)
	events := make([]*models.Event, 0)
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var ev models.Event
		if err := json.Unmarshal(v, &ev); err != nil {
			return nil, fmt.Errorf("解析事件失败: %w", err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

func (b *boltTx) PutPendingTransfer(p *models.PendingTransfer) error {
	bucket, err := b.bucket(TransfersBucket)
	if err != nil {
		return err
	}
	if p.ID == 0 {
		id, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("分配转账序号失败: %w", err)
		}
		p.ID = id
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("序列化待结算转账失败: %w", err)
	}
	if err := bucket.Put(uint64Key(p.ID), data); err != nil {
		return fmt.Errorf("保存待结算转账 %d 失败: %w", p.ID, err)
	}
	return nil
}

func (b *boltTx) ListPendingTransfers() ([]*models.PendingTransfer, error) {
	bucket, err := b.bucket(TransfersBucket)
	if err != nil {
		return nil, err
	}

	list := make([]*models.PendingTransfer, 0)
	err = bucket.ForEach(func(k, v []byte) error {
		var p models.PendingTransfer
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("解析待结算转账 %d 失败: %w", binary.BigEndian.Uint64(k), err)
		}
		list = append(list, &p)
		return nil
	})
	return list, err
}

func (b *boltTx) DeletePendingTransfer(id uint64) error {
	bucket, err := b.bucket(TransfersBucket)
	if err != nil {
		return err
	}
	if err := bucket.Delete(uint64Key(id)); err != nil {
		return fmt.Errorf("删除待结算转账 %d 失败: %w", id, err)
	}
	return nil
}

func uint64Key(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

// contributionKey 活动编号(8字节) + 捐款人地址(20字节)
func contributionKey(index uint64, donor common.Address) []byte {
	key := make([]byte, 0, 8+common.AddressLength)
	key = append(key, uint64Key(index)...)
	return append(key, donor.Bytes()...)
}

// eventKey 活动编号(8字节) + 全局序号(8字节)
func eventKey(index, seq uint64) []byte {
	key := make([]byte, 0, 16)
	key = append(key, uint64Key(index)...)
	return append(key, uint64Key(seq)...)
}
