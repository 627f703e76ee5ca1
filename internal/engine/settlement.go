package engine

import (
	"context"
	stderrors "errors"
	"math/big"
	"time"

	"charity/internal/errors"
	"charity/internal/store"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// errPayoutPlanned 演算事务的回滚标记
var errPayoutPlanned = stderrors.New("engine: payout planned")

// pay 调用的转出，必须是最后一步。
// 演算阶段只记录；重放阶段核对后删除对应的待结算转账
func (s *session) pay(index uint64, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}

	if p := s.settling; p != nil {
		if p.Index != index || p.To != to || p.Amount.Cmp(amount) != 0 {
			return errors.ErrLedgerMismatch.
				WithContext("transfer_id", p.ID).
				WithContext("amount", amount.String()).
				WithContext("recorded", p.Amount.String())
		}
		if err := s.tx.DeletePendingTransfer(p.ID); err != nil {
			return err
		}
		s.settled = true
		return nil
	}

	pending, err := s.tx.ListPendingTransfers()
	if err != nil {
		return err
	}
	for _, p := range pending {
		if p.Index == index {
			return errors.ErrTransferPending.WithContext("transfer_id", p.ID)
		}
	}

	s.payout = &models.PendingTransfer{
		Operation: string(s.op),
		Index:     index,
		Caller:    s.caller,
		To:        to,
		Amount:    new(big.Int).Set(amount),
		Height:    s.height,
		State:     models.TransferPrepared,
	}
	return nil
}

// payOut 转出资金并提交账本变更：
// 先提交待结算转账，再调用转账通道，成功后在同一高度重放调用，账本变更与删除记录在一个事务内提交。
// 转账失败时删除记录，账本不变；重放提交失败时记录保留，同一活动的转出被拒绝直到补记完成
func (e *Engine) payOut(ctx context.Context, s *session, fn func(s *session) error) error {
	p := s.payout
	p.CreatedAt = time.Now().UTC()
	if err := e.store.Update(ctx, func(tx store.Tx) error {
		return tx.PutPendingTransfer(p)
	}); err != nil {
		return errors.ErrStorageFailed.Wrap(err)
	}

	if err := e.transfer(ctx, p.To, p.Amount); err != nil {
		e.discard(context.WithoutCancel(ctx), p)
		return err
	}

	// 资金已经转出，后续写入不受调用方取消影响
	ctx = context.WithoutCancel(ctx)
	if err := e.settle(ctx, s, p, fn); err != nil {
		settlementFailures.Inc()
		e.markSent(ctx, p)
		return errors.ErrSettlementPending.Wrap(err).
			WithContext("transfer_id", p.ID).
			WithContext("to", p.To.Hex()).
			WithContext("amount", p.Amount.String())
	}
	return nil
}

// transfer 通过转账通道转出资金
func (e *Engine) transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := e.gateway.Transfer(ctx, to, amount); err != nil {
		transferFailures.Inc()
		return errors.ErrTransferFailed.Wrap(err).
			WithContext("to", to.Hex()).
			WithContext("amount", amount.String())
	}
	return nil
}

// settle 重放调用，必须恰好消耗待结算转账 p
func (e *Engine) settle(ctx context.Context, s *session, p *models.PendingTransfer, fn func(s *session) error) error {
	return e.store.Update(ctx, func(tx store.Tx) error {
		s.reset(tx)
		s.settling = p
		if err := fn(s); err != nil {
			return err
		}
		if !s.settled {
			return errors.ErrLedgerMismatch.WithContext("transfer_id", p.ID)
		}
		return nil
	})
}

// discard 转账未发生，删除记录
func (e *Engine) discard(ctx context.Context, p *models.PendingTransfer) {
	err := e.store.Update(ctx, func(tx store.Tx) error {
		return tx.DeletePendingTransfer(p.ID)
	})
	if err != nil {
		e.aborted[p.ID] = true
		e.logger.Errorf("删除未转出的待结算转账 %d 失败，下次结算时清理: %v", p.ID, err)
	}
}

// markSent 转账已成功但账本未提交
func (e *Engine) markSent(ctx context.Context, p *models.PendingTransfer) {
	e.sent[p.ID] = true

	sent := p.Clone()
	sent.State = models.TransferSent
	err := e.store.Update(ctx, func(tx store.Tx) error {
		return tx.PutPendingTransfer(sent)
	})

	entry := e.logger.WithFields(logrus.Fields{
		"component":   "engine",
		"transfer_id": p.ID,
		"index":       p.Index,
		"to":          p.To.Hex(),
		"amount":      p.Amount.String(),
	})
	if err != nil {
		entry.Errorf("资金已转出但账本未提交，标记状态也失败，仅进程内记录: %v", err)
		return
	}
	entry.Error("资金已转出但账本未提交，等待补记")
}

// PendingTransfers 尚未结算的转账
func (e *Engine) PendingTransfers(ctx context.Context) ([]*models.PendingTransfer, error) {
	var pending []*models.PendingTransfer
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.ListPendingTransfers()
		return err
	})
	return pending, err
}

// ResolvePending 处理遗留的待结算转账，返回处理完的数量。
// 已转出的重放原调用补记账本，未转出的删除，结果未知的保留并等待 ConfirmPending
func (e *Engine) ResolvePending(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolve(ctx)
}

// ConfirmPending 管理员核对转账通道后确认结果未知的转账是否已转出
func (e *Engine) ConfirmPending(ctx context.Context, caller common.Address, id uint64, sent bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.Owner() {
		return errors.ErrOnlyOwner.WithCaller(caller)
	}

	pending, err := e.PendingTransfers(ctx)
	if err != nil {
		return err
	}
	var found *models.PendingTransfer
	for _, p := range pending {
		if p.ID == id {
			found = p
			break
		}
	}
	if found == nil {
		return errors.ErrTransferNotFound.WithContext("transfer_id", id)
	}
	if !sent && (found.State == models.TransferSent || e.sent[id]) {
		return errors.ErrAlreadyTransferred.WithContext("transfer_id", id)
	}

	if sent {
		e.sent[id] = true
	} else {
		e.aborted[id] = true
	}
	e.logger.WithFields(logrus.Fields{
		"component":   "engine",
		"transfer_id": id,
		"sent":        sent,
	}).Warn("管理员确认待结算转账")

	_, err = e.resolve(ctx)
	return err
}

func (e *Engine) resolve(ctx context.Context) (int, error) {
	pending, err := e.PendingTransfers(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, p := range pending {
		switch {
		case e.aborted[p.ID]:
			if err := e.store.Update(ctx, func(tx store.Tx) error {
				return tx.DeletePendingTransfer(p.ID)
			}); err != nil {
				return resolved, errors.ErrStorageFailed.Wrap(err)
			}
			delete(e.aborted, p.ID)
			resolved++
		case p.State == models.TransferSent || e.sent[p.ID]:
			done, err := e.replay(ctx, p)
			if err != nil {
				return resolved, err
			}
			if done {
				resolved++
			}
		default:
			e.logger.WithFields(logrus.Fields{
				"component":   "engine",
				"transfer_id": p.ID,
				"index":       p.Index,
				"to":          p.To.Hex(),
				"amount":      p.Amount.String(),
			}).Warn("转账结果未知，需要管理员核对后确认")
		}
	}
	return resolved, nil
}

// replay 以记录的高度重放原调用补记账本
func (e *Engine) replay(ctx context.Context, p *models.PendingTransfer) (bool, error) {
	op := Operation(p.Operation)
	var fn func(s *session) error
	switch op {
	case OpReceiverWithdraw:
		fn = e.receiverWithdraw(p.Caller, p.Index, new(big.Int))
	case OpDonorWithdraw:
		fn = e.donorWithdraw(p.Caller, p.Index, new(big.Int))
	case OpDonate:
		fn = e.donate(p.Caller, p.Index, new(big.Int).Set(p.Amount), new(models.DonationReceipt))
	default:
		return false, errors.ErrLedgerMismatch.WithContext("operation", p.Operation)
	}

	s := &session{op: op, caller: p.Caller, height: p.Height}
	err := e.settle(ctx, s, p, fn)
	if err == nil {
		delete(e.sent, p.ID)
		e.logger.WithFields(logrus.Fields{
			"component":   "engine",
			"transfer_id": p.ID,
			"index":       p.Index,
		}).Info("待结算转账已补记")
		e.publish(s)
		return true, nil
	}

	// 过期退回的捐款从未入账，活动已被扫描置为失败时只需删除记录
	if op == OpDonate && isRejection(err) {
		if derr := e.store.Update(ctx, func(tx store.Tx) error {
			return tx.DeletePendingTransfer(p.ID)
		}); derr != nil {
			return false, errors.ErrStorageFailed.Wrap(derr)
		}
		delete(e.sent, p.ID)
		return true, nil
	}

	e.logger.Errorf("补记待结算转账 %d 失败: %v", p.ID, err)
	return false, nil
}
