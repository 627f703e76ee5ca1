package engine

import (
	"context"
	"math/big"

	"charity/internal/errors"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// ReceiverWithdraw 收款人提取已完成活动的全部余额，只能执行一次
func (e *Engine) ReceiverWithdraw(ctx context.Context, caller common.Address, index uint64) (*big.Int, error) {
	amount := new(big.Int)
	if err := e.execute(ctx, OpReceiverWithdraw, caller, index, e.receiverWithdraw(caller, index, amount)); err != nil {
		return nil, err
	}
	return amount, nil
}

func (e *Engine) receiverWithdraw(caller common.Address, index uint64, amount *big.Int) func(s *session) error {
	return func(s *session) error {
		c, err := e.authorizeAndLoad(s, OpReceiverWithdraw, caller, index)
		if err != nil {
			return err
		}
		if err := requireStatus(c, models.StatusCompleted); err != nil {
			return err
		}
		if c.FundsTransferredToReceiver {
			return errors.ErrAlreadyTransferred
		}

		amount.Set(c.Balance)
		c.Balance = new(big.Int)
		c.FundsTransferredToReceiver = true
		if err := s.save(c); err != nil {
			return err
		}

		recv := c.Receiver
		if err := s.emit(&models.Event{
			Type:     models.EventReceiverPayout,
			Index:    index,
			Receiver: &recv,
			Amount:   new(big.Int).Set(amount),
		}); err != nil {
			return err
		}
		return s.pay(index, c.Receiver, amount)
	}
}

// DonorWithdraw 失败活动的捐款人取回自己的捐款。没有可退金额时拒绝
func (e *Engine) DonorWithdraw(ctx context.Context, caller common.Address, index uint64) (*big.Int, error) {
	amount := new(big.Int)
	if err := e.execute(ctx, OpDonorWithdraw, caller, index, e.donorWithdraw(caller, index, amount)); err != nil {
		return nil, err
	}
	return amount, nil
}

func (e *Engine) donorWithdraw(caller common.Address, index uint64, amount *big.Int) func(s *session) error {
	return func(s *session) error {
		c, err := e.authorizeAndLoad(s, OpDonorWithdraw, caller, index)
		if err != nil {
			return err
		}
		if err := requireStatus(c, models.StatusFailed); err != nil {
			return err
		}

		contributed, err := s.tx.GetContribution(index, caller)
		if err != nil {
			return err
		}
		if contributed.Sign() == 0 {
			return errors.ErrNothingToWithdraw
		}
		if c.Balance.Cmp(contributed) < 0 {
			return errors.ErrLedgerMismatch.
				WithContext("balance", c.Balance.String()).
				WithContext("contribution", contributed.String())
		}
		amount.Set(contributed)

		if err := s.tx.PutContribution(index, caller, new(big.Int)); err != nil {
			return err
		}
		c.Balance = new(big.Int).Sub(c.Balance, amount)
		if err := s.save(c); err != nil {
			return err
		}

		donor := caller
		if err := s.emit(&models.Event{
			Type:   models.EventDonationWithdrawal,
			Index:  index,
			Donor:  &donor,
			Amount: new(big.Int).Set(amount),
		}); err != nil {
			return err
		}
		return s.pay(index, caller, amount)
	}
}
