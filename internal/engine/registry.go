package engine

import (
	"context"
	"math/big"

	"charity/internal/errors"
	"charity/internal/store"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// CreateCampaign 公布新活动，返回分配的编号
func (e *Engine) CreateCampaign(ctx context.Context, caller, receiver common.Address, targetSum *big.Int,
	goal string, untilBlockNumber uint64) (uint64, error) {
	var index uint64

	err := e.execute(ctx, OpCreate, caller, 0, func(s *session) error {
		if err := e.guard.Authorize(e.guard.policy.Role(OpCreate), caller, nil); err != nil {
			return err
		}

		switch {
		case targetSum == nil || targetSum.Sign() == 0:
			return errors.ErrTargetSumZero
		case targetSum.Sign() < 0:
			return errors.ErrInvalidAmount.WithContext("target_sum", targetSum.String())
		case receiver == (common.Address{}):
			return errors.ErrReceiverNull
		case untilBlockNumber <= s.height:
			return errors.ErrBlockNumberNotExpired.
				WithContext("until_block_number", untilBlockNumber).
				WithContext("current_block_number", s.height)
		}

		count, err := s.tx.CampaignCount()
		if err != nil {
			return err
		}
		index = count + 1
		if err := s.tx.SetCampaignCount(index); err != nil {
			return err
		}

		c := &models.Campaign{
			Owner:            caller,
			Index:            index,
			Receiver:         receiver,
			TargetSum:        new(big.Int).Set(targetSum),
			Balance:          new(big.Int),
			Goal:             goal,
			UntilBlockNumber: untilBlockNumber,
			Status:           models.StatusAnnounced,
			CreatedAtBlock:   s.height,
		}
		if err := s.save(c); err != nil {
			return err
		}

		owner, recv := c.Owner, c.Receiver
		return s.emit(&models.Event{
			Type:             models.EventCampaignAnnounced,
			Index:            index,
			Owner:            &owner,
			Receiver:         &recv,
			TargetSum:        new(big.Int).Set(targetSum),
			Goal:             goal,
			UntilBlockNumber: untilBlockNumber,
		})
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// requireValidIndex 编号必须在 1..=计数器 之间
func requireValidIndex(tx store.Tx, index uint64) error {
	if index == 0 {
		return errors.ErrIndexZero
	}
	count, err := tx.CampaignCount()
	if err != nil {
		return err
	}
	if index > count {
		return errors.ErrIndexOutOfRange.WithContext("campaign_count", count)
	}
	return nil
}

// loadCampaign 校验编号并读取活动
func loadCampaign(tx store.Tx, index uint64) (*models.Campaign, error) {
	if err := requireValidIndex(tx, index); err != nil {
		return nil, err
	}
	return tx.GetCampaign(index)
}

// authorizeAndLoad 按操作要求的角色检查权限并读取活动。
// 管理员类角色先于编号校验检查，按活动判断的角色需要先读取活动
func (e *Engine) authorizeAndLoad(s *session, op Operation, caller common.Address, index uint64) (*models.Campaign, error) {
	role := e.guard.policy.Role(op)
	if !role.perCampaign() {
		if err := e.guard.Authorize(role, caller, nil); err != nil {
			return nil, err
		}
	}

	c, err := loadCampaign(s.tx, index)
	if err != nil {
		return nil, err
	}

	if role.perCampaign() {
		if err := e.guard.Authorize(role, caller, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Campaign 读取活动记录
func (e *Engine) Campaign(ctx context.Context, index uint64) (*models.Campaign, error) {
	var c *models.Campaign
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		c, err = loadCampaign(tx, index)
		return err
	})
	if err != nil {
		return nil, withIndex(err, index)
	}
	return c, nil
}

// CampaignCount 已创建的活动数量
func (e *Engine) CampaignCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		count, err = tx.CampaignCount()
		return err
	})
	return count, err
}

func withIndex(err error, index uint64) error {
	if ce, ok := errors.AsCampaignError(err); ok && ce.Index == nil {
		return ce.WithIndex(index)
	}
	return err
}
