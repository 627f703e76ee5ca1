package store

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

type contributionID struct {
	index uint64
	donor common.Address
}

// MemoryStore 内存存储，用于测试和模拟运行。
// 写事务持有互斥锁直到结束，修改先暂存，回调成功后才合并
type MemoryStore struct {
	mu sync.RWMutex

	counter       uint64
	campaigns     map[uint64]*models.Campaign
	contributions map[contributionID]*big.Int
	events        []*models.Event
	transfers     map[uint64]*models.PendingTransfer
	transferSeq   uint64
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:     make(map[uint64]*models.Campaign),
		contributions: make(map[contributionID]*big.Int),
		events:        make([]*models.Event, 0),
		transfers:     make(map[uint64]*models.PendingTransfer),
	}
}

// Update 执行写事务
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemoryTx(s, true)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View 执行只读事务
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(newMemoryTx(s, false))
}

// Close 内存存储无需关闭
func (s *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	store    *MemoryStore
	writable bool

	counter       *uint64
	campaigns     map[uint64]*models.Campaign
	contributions map[contributionID]*big.Int
	events        []*models.Event
	// nil 表示已删除
	transfers   map[uint64]*models.PendingTransfer
	transferSeq uint64
}

func newMemoryTx(s *MemoryStore, writable bool) *memoryTx {
	return &memoryTx{
		store:         s,
		writable:      writable,
		campaigns:     make(map[uint64]*models.Campaign),
		contributions: make(map[contributionID]*big.Int),
		transfers:     make(map[uint64]*models.PendingTransfer),
		transferSeq:   s.transferSeq,
	}
}

func (t *memoryTx) commit() {
	if t.counter != nil {
		t.store.counter = *t.counter
	}
	for index, c := range t.campaigns {
		t.store.campaigns[index] = c
	}
	for id, amount := range t.contributions {
		t.store.contributions[id] = amount
	}
	t.store.events = append(t.store.events, t.events...)
	for id, p := range t.transfers {
		if p == nil {
			delete(t.store.transfers, id)
		} else {
			t.store.transfers[id] = p
		}
	}
	t.store.transferSeq = t.transferSeq
}

func (t *memoryTx) checkWritable() error {
	if !t.writable {
		return errReadOnly
	}
	return nil
}

func (t *memoryTx) CampaignCount() (uint64, error) {
	if t.counter != nil {
		return *t.counter, nil
	}
	return t.store.counter, nil
}

func (t *memoryTx) SetCampaignCount(n uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.counter = &n
	return nil
}

func (t *memoryTx) GetCampaign(index uint64) (*models.Campaign, error) {
	if c, ok := t.campaigns[index]; ok {
		return c.Clone(), nil
	}
	if c, ok := t.store.campaigns[index]; ok {
		return c.Clone(), nil
	}
	return nil, ErrNotFound
}

func (t *memoryTx) PutCampaign(c *models.Campaign) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.campaigns[c.Index] = c.Clone()
	return nil
}

func (t *memoryTx) ForEachCampaign(fn func(c *models.Campaign) error) error {
	indexes := make([]uint64, 0, len(t.store.campaigns)+len(t.campaigns))
	seen := make(map[uint64]struct{})
	for index := range t.store.campaigns {
		indexes = append(indexes, index)
		seen[index] = struct{}{}
	}
	for index := range t.campaigns {
		if _, ok := seen[index]; !ok {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, index := range indexes {
		c, err := t.GetCampaign(index)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTx) GetContribution(index uint64, donor common.Address) (*big.Int, error) {
	id := contributionID{index: index, donor: donor}
	if amount, ok := t.contributions[id]; ok {
		return cloneAmount(amount), nil
	}
	return cloneAmount(t.store.contributions[id]), nil
}

func (t *memoryTx) PutContribution(index uint64, donor common.Address, amount *big.Int) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return errNegativeContribution
	}
	t.contributions[contributionID{index: index, donor: donor}] = cloneAmount(amount)
	return nil
}

func (t *memoryTx) AppendEvent(ev *models.Event) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	ev.Sequence = uint64(len(t.store.events)+len(t.events)) + 1
	cp := *ev
	t.events = append(t.events, &cp)
	return nil
}

func (t *memoryTx) ListEvents(index uint64) ([]*models.Event, error) {
	events := make([]*models.Event, 0)
	for _, list := range [][]*models.Event{t.store.events, t.events} {
		for _, ev := range list {
			if ev.Index == index {
				cp := *ev
				events = append(events, &cp)
			}
		}
	}
	return events, nil
}

func (t *memoryTx) PutPendingTransfer(p *models.PendingTransfer) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if p.ID == 0 {
		t.transferSeq++
		p.ID = t.transferSeq
	}
	t.transfers[p.ID] = p.Clone()
	return nil
}

func (t *memoryTx) ListPendingTransfers() ([]*models.PendingTransfer, error) {
	merged := make(map[uint64]*models.PendingTransfer, len(t.store.transfers))
	for id, p := range t.store.transfers {
		merged[id] = p
	}
	for id, p := range t.transfers {
		if p == nil {
			delete(merged, id)
		} else {
			merged[id] = p
		}
	}

	list := make([]*models.PendingTransfer, 0, len(merged))
	for _, p := range merged {
		list = append(list, p.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (t *memoryTx) DeletePendingTransfer(id uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.transfers[id] = nil
	return nil
}
