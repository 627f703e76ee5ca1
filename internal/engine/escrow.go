package engine

import (
	"context"
	"math/big"
	"time"

	"charity/internal/errors"
	"charity/internal/store"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// Donate 向进行中的活动捐款。
// 活动已过截止区块时置为失败并原路退回捐款，调用本身成功，回执中 Accepted 为 false；
// 否则记账，余额达到目标金额时活动完成。
// value 必须是托管账户已经收到的款项，引擎不核实存款
func (e *Engine) Donate(ctx context.Context, caller common.Address, index uint64, value *big.Int) (*models.DonationReceipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() < 0 {
		err := errors.ErrInvalidAmount.WithIndex(index).WithCaller(caller).WithContext("value", value.String())
		e.finish(OpDonate, caller, index, time.Now(), err)
		return nil, err
	}
	amount := new(big.Int).Set(value)

	receipt := new(models.DonationReceipt)
	if err := e.execute(ctx, OpDonate, caller, index, e.donate(caller, index, amount, receipt)); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) donate(caller common.Address, index uint64, amount *big.Int, receipt *models.DonationReceipt) func(s *session) error {
	return func(s *session) error {
		c, err := e.authorizeAndLoad(s, OpDonate, caller, index)
		if err != nil {
			return err
		}
		if err := requireStatus(c, models.StatusInProgress); err != nil {
			return err
		}

		if c.IsExpired(s.height) {
			if err := fail(s, c, models.FailReasonTimeIsUp); err != nil {
				return err
			}
			*receipt = models.DonationReceipt{
				Index:    index,
				Donor:    caller,
				Accepted: false,
				Returned: new(big.Int).Set(amount),
				Status:   c.Status,
			}
			return s.pay(index, caller, amount)
		}

		if err := credit(s, c, caller, amount); err != nil {
			return err
		}

		if c.Balance.Cmp(c.TargetSum) >= 0 {
			if err := transition(c, models.StatusCompleted); err != nil {
				return err
			}
			if err := s.save(c); err != nil {
				return err
			}
			recv := c.Receiver
			if err := s.emit(&models.Event{
				Type:     models.EventCampaignCompleted,
				Index:    index,
				Receiver: &recv,
				Amount:   new(big.Int).Set(c.Balance),
			}); err != nil {
				return err
			}
		}

		*receipt = models.DonationReceipt{
			Index:    index,
			Donor:    caller,
			Accepted: true,
			Status:   c.Status,
		}
		return nil
	}
}

// credit 记入捐款并更新最大捐款人，平局时保留原来的
func credit(s *session, c *models.Campaign, donor common.Address, amount *big.Int) error {
	contributed, err := s.tx.GetContribution(c.Index, donor)
	if err != nil {
		return err
	}
	total := new(big.Int).Add(contributed, amount)

	biggest, err := s.tx.GetContribution(c.Index, c.BiggestDonater)
	if err != nil {
		return err
	}
	if total.Cmp(biggest) > 0 {
		c.BiggestDonater = donor
	}

	if err := s.tx.PutContribution(c.Index, donor, total); err != nil {
		return err
	}
	c.Balance = new(big.Int).Add(c.Balance, amount)
	if err := s.save(c); err != nil {
		return err
	}

	d := donor
	return s.emit(&models.Event{
		Type:   models.EventDonationReceived,
		Index:  c.Index,
		Donor:  &d,
		Amount: new(big.Int).Set(amount),
	})
}

// Contribution 捐款人在活动中尚未退回的累计捐款
func (e *Engine) Contribution(ctx context.Context, index uint64, donor common.Address) (*big.Int, error) {
	var amount *big.Int
	err := e.view(ctx, func(tx store.Tx) error {
		if err := requireValidIndex(tx, index); err != nil {
			return err
		}
		var err error
		amount, err = tx.GetContribution(index, donor)
		return err
	})
	if err != nil {
		return nil, withIndex(err, index)
	}
	return amount, nil
}
