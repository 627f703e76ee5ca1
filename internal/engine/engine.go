package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"charity/internal/chain"
	"charity/internal/errors"
	"charity/internal/logging"
	"charity/internal/output"
	"charity/internal/store"
	"charity/internal/transfer"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Engine 慈善活动账本引擎。
// 每次调用在一个存储写事务内完成：权限检查、编号校验、状态检查、记账。
// 需要转出资金的调用先提交待结算转账，转账成功后再提交账本变更，见 payOut。
// 写调用由 mu 串行，事件在提交后才发布到输出
type Engine struct {
	store   store.Store
	height  chain.HeightSource
	gateway transfer.Gateway
	output  output.Output
	guard   *Guard
	logger  *logrus.Logger

	mu sync.Mutex
	// 进程内已知结果的待结算转账，存储写入失败时兜底
	sent    map[uint64]bool
	aborted map[uint64]bool
}

// Option 可选参数
type Option func(*Engine)

// WithOutput 设置事件输出
func WithOutput(o output.Output) Option {
	return func(e *Engine) { e.output = o }
}

// WithPolicy 设置操作权限
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.guard.policy = p }
}

// New 创建引擎
func New(owner common.Address, st store.Store, height chain.HeightSource, gateway transfer.Gateway,
	logger *logrus.Logger, opts ...Option) (*Engine, error) {
	if owner == (common.Address{}) {
		return nil, errors.ErrConfigInvalid.WithContext("owner", "管理员地址不能为空")
	}
	if st == nil || height == nil || gateway == nil {
		return nil, errors.ErrConfigInvalid.WithContext("reason", "存储、高度来源和转账通道都是必需的")
	}

	e := &Engine{
		store:   st,
		height:  height,
		gateway: gateway,
		output:  output.NopOutput{},
		guard:   NewGuard(owner, DefaultPolicy()),
		logger:  logger,
		sent:    make(map[uint64]bool),
		aborted: make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.guard.policy == nil {
		e.guard.policy = DefaultPolicy()
	}

	logger.WithFields(logrus.Fields{
		"component": "engine",
		"owner":     owner.Hex(),
	}).Info("活动账本引擎已初始化")
	return e, nil
}

// Owner 管理员地址
func (e *Engine) Owner() common.Address {
	return e.guard.Owner()
}

// session 单次写调用的上下文
type session struct {
	op      Operation
	caller  common.Address
	tx      store.Tx
	height  uint64
	events  []*models.Event
	touched map[uint64]*models.Campaign

	// 演算阶段记录的转出
	payout *models.PendingTransfer
	// 重放阶段要消耗的待结算转账
	settling *models.PendingTransfer
	settled  bool
}

// reset 存储实现可能重放回调，每次都从干净状态开始
func (s *session) reset(tx store.Tx) {
	s.tx = tx
	s.events = nil
	s.touched = make(map[uint64]*models.Campaign)
	s.payout = nil
	s.settled = false
}

// emit 在事务内追加事件
func (s *session) emit(ev *models.Event) error {
	ev.BlockNumber = s.height
	ev.Timestamp = time.Now().UTC()
	if err := s.tx.AppendEvent(ev); err != nil {
		return err
	}
	s.events = append(s.events, ev)
	return nil
}

// save 写回活动
func (s *session) save(c *models.Campaign) error {
	c.UpdatedAtBlock = s.height
	if err := s.tx.PutCampaign(c); err != nil {
		return err
	}
	s.touched[c.Index] = c
	return nil
}

// execute 在一个写事务内执行调用，统一处理错误、指标、日志和事件发布
func (e *Engine) execute(ctx context.Context, op Operation, caller common.Address, index uint64,
	fn func(s *session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()

	height, err := e.height.BlockNumber(ctx)
	if err != nil {
		err = errors.ErrLedgerUnavailable.Wrap(err)
		e.finish(op, caller, index, start, err)
		return err
	}

	s := &session{op: op, caller: caller, height: height}
	err = e.store.Update(ctx, func(tx store.Tx) error {
		s.reset(tx)
		if err := fn(s); err != nil {
			return err
		}
		if s.payout != nil {
			// 只演算，账本变更在转账成功后重放提交
			return errPayoutPlanned
		}
		return nil
	})
	if stderrors.Is(err, errPayoutPlanned) {
		err = e.payOut(ctx, s, fn)
	}
	if err != nil {
		err = normalize(err, caller, index)
		e.finish(op, caller, index, start, err)
		return err
	}

	e.finish(op, caller, index, start, nil)
	e.publish(s)
	return nil
}

// normalize 领域错误补充调用信息，其余视为存储故障
func normalize(err error, caller common.Address, index uint64) error {
	ce, ok := errors.AsCampaignError(err)
	if !ok {
		return errors.ErrStorageFailed.Wrap(err)
	}
	if ce.Index == nil && index > 0 {
		ce = ce.WithIndex(index)
	}
	if ce.Caller == nil {
		ce = ce.WithCaller(caller)
	}
	return ce
}

// finish 记录指标和日志
func (e *Engine) finish(op Operation, caller common.Address, index uint64, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = errors.CodeOf(err)
	}
	operationsTotal.WithLabelValues(string(op), result).Inc()
	operationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())

	entry := logging.NewCampaignLogger(e.logger, string(op), index).WithField("caller", caller.Hex())
	switch {
	case err == nil && op == OpSweep:
		// 扫描结果由调度任务汇总记录
		entry.Debug("调用成功")
	case err == nil:
		entry.Info("调用成功")
	case isRejection(err):
		entry.WithField("code", result).Debugf("调用被拒绝: %v", err)
	default:
		entry.Errorf("调用失败: %v", err)
	}
}

func isRejection(err error) bool {
	ce, ok := errors.AsCampaignError(err)
	return ok && ce.IsRejection()
}

// publish 提交后发布事件和活动快照。输出失败只记录日志，账本已经提交
func (e *Engine) publish(s *session) {
	for _, ev := range s.events {
		eventsTotal.WithLabelValues(string(ev.Type)).Inc()
		if ev.Type == models.EventCampaignFailed && ev.FailReason != nil && *ev.FailReason == models.FailReasonTimeIsUp {
			expiredTotal.Inc()
		}
		if err := e.output.WriteEvent(ev); err != nil {
			e.logger.Warnf("发布事件 %s 失败: %v", ev.Type, err)
		}
	}
	for _, c := range s.touched {
		if err := e.output.WriteCampaign(c.Clone()); err != nil {
			e.logger.Warnf("发布活动 %d 快照失败: %v", c.Index, err)
		}
	}
}

// view 执行只读事务
func (e *Engine) view(ctx context.Context, fn func(tx store.Tx) error) error {
	err := e.store.View(ctx, fn)
	if err == nil {
		return nil
	}
	if _, ok := errors.AsCampaignError(err); ok {
		return err
	}
	return errors.ErrStorageFailed.Wrap(err)
}

// Events 活动的全部事件，按发生顺序
func (e *Engine) Events(ctx context.Context, index uint64) ([]*models.Event, error) {
	var events []*models.Event
	err := e.view(ctx, func(tx store.Tx) error {
		if _, err := loadCampaign(tx, index); err != nil {
			return err
		}
		var err error
		events, err = tx.ListEvents(index)
		return err
	})
	if err != nil {
		return nil, withIndex(err, index)
	}
	return events, nil
}

// Height 当前区块高度
func (e *Engine) Height(ctx context.Context) (uint64, error) {
	h, err := e.height.BlockNumber(ctx)
	if err != nil {
		return 0, errors.ErrLedgerUnavailable.Wrap(err)
	}
	return h, nil
}
