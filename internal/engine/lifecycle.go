package engine

import (
	"context"

	"charity/internal/errors"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// statusRejections 当前状态到拒绝原因的映射，拒绝时总是报告活动的实际状态
var statusRejections = map[models.CampaignStatus]*errors.CampaignError{
	models.StatusIdle:       errors.ErrCampaignIdle,
	models.StatusAnnounced:  errors.ErrCampaignAnnounced,
	models.StatusInProgress: errors.ErrCampaignInProgress,
	models.StatusCompleted:  errors.ErrCampaignCompleted,
	models.StatusFailed:     errors.ErrCampaignFailed,
}

// transitions 允许的状态迁移，状态只能前进
var transitions = map[models.CampaignStatus][]models.CampaignStatus{
	models.StatusAnnounced:  {models.StatusInProgress},
	models.StatusInProgress: {models.StatusCompleted, models.StatusFailed},
}

// requireStatus 活动必须处于want状态
func requireStatus(c *models.Campaign, want models.CampaignStatus) error {
	if c.Status == want {
		return nil
	}
	rejection, ok := statusRejections[c.Status]
	if !ok {
		rejection = errors.ErrCampaignIdle
	}
	return rejection.WithIndex(c.Index).WithContext("required_status", want.String())
}

// transition 迁移状态，不允许的迁移视为内部错误
func transition(c *models.Campaign, to models.CampaignStatus) error {
	for _, next := range transitions[c.Status] {
		if next == to {
			c.Status = to
			return nil
		}
	}
	return errors.NewCampaignError(errors.ErrorTypeSystem, errors.SeverityCritical, "ILLEGAL_TRANSITION",
		"非法的状态迁移").
		WithIndex(c.Index).
		WithContext("from", c.Status.String()).
		WithContext("to", to.String())
}

// fail 进行中的活动迁移到失败并发出事件
func fail(s *session, c *models.Campaign, reason models.FailReason) error {
	if err := transition(c, models.StatusFailed); err != nil {
		return err
	}
	c.FailReason = &reason
	if err := s.save(c); err != nil {
		return err
	}

	r := reason
	return s.emit(&models.Event{
		Type:       models.EventCampaignFailed,
		Index:      c.Index,
		FailReason: &r,
	})
}

// Start 开始活动
func (e *Engine) Start(ctx context.Context, caller common.Address, index uint64) error {
	return e.execute(ctx, OpStart, caller, index, func(s *session) error {
		c, err := e.authorizeAndLoad(s, OpStart, caller, index)
		if err != nil {
			return err
		}
		if err := requireStatus(c, models.StatusAnnounced); err != nil {
			return err
		}

		if err := transition(c, models.StatusInProgress); err != nil {
			return err
		}
		if err := s.save(c); err != nil {
			return err
		}
		return s.emit(&models.Event{Type: models.EventCampaignStarted, Index: index})
	})
}

// Cancel 管理员取消进行中的活动
func (e *Engine) Cancel(ctx context.Context, caller common.Address, index uint64) error {
	return e.execute(ctx, OpCancel, caller, index, func(s *session) error {
		c, err := e.authorizeAndLoad(s, OpCancel, caller, index)
		if err != nil {
			return err
		}
		if err := requireStatus(c, models.StatusInProgress); err != nil {
			return err
		}
		return fail(s, c, models.FailReasonCancelled)
	})
}

// Prolongate 延长进行中活动的截止区块
func (e *Engine) Prolongate(ctx context.Context, caller common.Address, newBlockNumber, index uint64) error {
	return e.execute(ctx, OpProlongate, caller, index, func(s *session) error {
		c, err := e.authorizeAndLoad(s, OpProlongate, caller, index)
		if err != nil {
			return err
		}
		if err := requireStatus(c, models.StatusInProgress); err != nil {
			return err
		}

		if newBlockNumber <= s.height {
			return errors.ErrBlockNumberNotExpired.
				WithContext("new_block_number", newBlockNumber).
				WithContext("current_block_number", s.height)
		}
		if newBlockNumber <= c.UntilBlockNumber {
			return errors.ErrNewBlockNumberNotExpired.
				WithContext("new_block_number", newBlockNumber).
				WithContext("until_block_number", c.UntilBlockNumber)
		}

		c.UntilBlockNumber = newBlockNumber
		if err := s.save(c); err != nil {
			return err
		}
		return s.emit(&models.Event{
			Type:             models.EventCampaignProlongated,
			Index:            index,
			UntilBlockNumber: newBlockNumber,
		})
	})
}

// SweepExpired 把所有已过截止区块的进行中活动置为失败(TIME_IS_UP)，返回处理的数量。
// 与捐款时的惰性检查使用相同的迁移和事件
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	var swept int

	err := e.execute(ctx, OpSweep, e.Owner(), 0, func(s *session) error {
		swept = 0

		// 遍历期间不能写入，先收集
		var expired []*models.Campaign
		err := s.tx.ForEachCampaign(func(c *models.Campaign) error {
			if c.Status == models.StatusInProgress && c.IsExpired(s.height) {
				expired = append(expired, c)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, c := range expired {
			if err := fail(s, c, models.FailReasonTimeIsUp); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if swept > 0 {
		sweptTotal.Add(float64(swept))
	}
	return swept, nil
}
