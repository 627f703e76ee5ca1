package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"charity/internal/chain"
	"charity/internal/errors"
	"charity/internal/store"
	"charity/internal/transfer"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	receiver = common.HexToAddress("0x000000000000000000000000000000000000beef")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	mallory  = common.HexToAddress("0x0000000000000000000000000000000000bad000")
	custody  = common.HexToAddress("0x00000000000000000000000000000000000c4a11")
)

const startHeight = 100

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// recordingOutput 记录发布的事件和快照
type recordingOutput struct {
	mu        sync.Mutex
	events    []*models.Event
	campaigns []*models.Campaign
	err       error
}

func (r *recordingOutput) WriteEvent(ev *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingOutput) WriteCampaign(c *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns = append(r.campaigns, c)
	return r.err
}

func (r *recordingOutput) Close() error { return nil }

func (r *recordingOutput) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]models.EventType, 0, len(r.events))
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}
	return types
}

type fixture struct {
	engine *Engine
	store  store.Store
	chain  *chain.SimulatedChain
	bank   *transfer.SimulatedBank
	out    *recordingOutput
	ctx    context.Context
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return newFixtureWithStore(t, store.NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, st store.Store, opts ...Option) *fixture {
	t.Helper()

	sim := chain.NewSimulatedChain(startHeight)
	bank := transfer.NewSimulatedBank(custody, quietLogger())
	for _, addr := range []common.Address{alice, bob, carol, mallory} {
		bank.Mint(addr, big.NewInt(1_000_000))
	}
	out := &recordingOutput{}

	e, err := New(admin, st, sim, bank, quietLogger(), append([]Option{WithOutput(out)}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })
	return &fixture{engine: e, store: st, chain: sim, bank: bank, out: out, ctx: context.Background()}
}

// create 创建并可选启动活动
func (f *fixture) create(t *testing.T, target int64, until uint64, start bool) uint64 {
	t.Helper()
	index, err := f.engine.CreateCampaign(f.ctx, admin, receiver, big.NewInt(target), "clean water", until)
	require.NoError(t, err)
	if start {
		require.NoError(t, f.engine.Start(f.ctx, admin, index))
	}
	return index
}

// donate 先把资金存入托管账户再捐款，与API的流程一致
func (f *fixture) donate(t *testing.T, donor common.Address, index uint64, value int64) (*models.DonationReceipt, error) {
	t.Helper()
	amount := big.NewInt(value)
	require.NoError(t, f.bank.Deposit(f.ctx, donor, amount))
	receipt, err := f.engine.Donate(f.ctx, donor, index, amount)
	// SETTLEMENT_PENDING 时引擎已经退回
	if err != nil && !stderrors.Is(err, errors.ErrSettlementPending) {
		require.NoError(t, f.bank.Refund(f.ctx, donor, amount))
	}
	return receipt, err
}

func (f *fixture) campaign(t *testing.T, index uint64) *models.Campaign {
	t.Helper()
	c, err := f.engine.Campaign(f.ctx, index)
	require.NoError(t, err)
	return c
}

func (f *fixture) contribution(t *testing.T, index uint64, donor common.Address) string {
	t.Helper()
	amount, err := f.engine.Contribution(f.ctx, index, donor)
	require.NoError(t, err)
	return amount.String()
}

func TestNew_RequiresOwnerAndCollaborators(t *testing.T) {
	bank := transfer.NewSimulatedBank(custody, quietLogger())
	sim := chain.NewSimulatedChain(1)

	_, err := New(common.Address{}, store.NewMemoryStore(), sim, bank, quietLogger())
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	_, err = New(admin, nil, sim, bank, quietLogger())
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	e, err := New(admin, store.NewMemoryStore(), sim, bank, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, admin, e.Owner())
}

func TestCreateCampaign_SequentialIndexes(t *testing.T) {
	f := newFixture(t)

	for want := uint64(1); want <= 3; want++ {
		index := f.create(t, 1000, startHeight+10, false)
		assert.Equal(t, want, index)
	}

	// 被拒绝的创建不占用编号
	_, err := f.engine.CreateCampaign(f.ctx, admin, receiver, big.NewInt(0), "nothing", startHeight+10)
	require.ErrorIs(t, err, errors.ErrTargetSumZero)

	assert.Equal(t, uint64(4), f.create(t, 1000, startHeight+10, false))
	count, err := f.engine.CampaignCount(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), count)

	c := f.campaign(t, 4)
	assert.Equal(t, admin, c.Owner)
	assert.Equal(t, receiver, c.Receiver)
	assert.Equal(t, models.StatusAnnounced, c.Status)
	assert.Equal(t, 0, c.Balance.Sign())
	assert.Equal(t, common.Address{}, c.BiggestDonater)
	assert.Nil(t, c.FailReason)
	assert.Equal(t, uint64(startHeight), c.CreatedAtBlock)

	ev := f.out.events[len(f.out.events)-1]
	assert.Equal(t, models.EventCampaignAnnounced, ev.Type)
	assert.Equal(t, uint64(4), ev.Index)
	assert.Equal(t, "1000", ev.TargetSum.String())
	assert.Equal(t, "clean water", ev.Goal)
	assert.Equal(t, uint64(startHeight+10), ev.UntilBlockNumber)
}

func TestCreateCampaign_Rejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		caller   common.Address
		receiver common.Address
		target   *big.Int
		until    uint64
		want     *errors.CampaignError
	}{
		{"not admin", mallory, receiver, big.NewInt(10), startHeight + 1, errors.ErrOnlyOwner},
		{"zero target", admin, receiver, big.NewInt(0), startHeight + 1, errors.ErrTargetSumZero},
		{"nil target", admin, receiver, nil, startHeight + 1, errors.ErrTargetSumZero},
		{"negative target", admin, receiver, big.NewInt(-5), startHeight + 1, errors.ErrInvalidAmount},
		{"null receiver", admin, common.Address{}, big.NewInt(10), startHeight + 1, errors.ErrReceiverNull},
		{"deadline is now", admin, receiver, big.NewInt(10), startHeight, errors.ErrBlockNumberNotExpired},
		{"deadline in past", admin, receiver, big.NewInt(10), startHeight - 50, errors.ErrBlockNumberNotExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateCampaign(f.ctx, tt.caller, tt.receiver, tt.target, "goal", tt.until)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	count, err := f.engine.CampaignCount(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.out.events)
}

func TestIndexValidation(t *testing.T) {
	f := newFixture(t)
	f.create(t, 100, startHeight+10, false)

	assert.ErrorIs(t, f.engine.Start(f.ctx, admin, 0), errors.ErrIndexZero)
	assert.ErrorIs(t, f.engine.Start(f.ctx, admin, 2), errors.ErrIndexOutOfRange)
	assert.ErrorIs(t, f.engine.Cancel(f.ctx, admin, 0), errors.ErrIndexZero)
	assert.ErrorIs(t, f.engine.Prolongate(f.ctx, admin, startHeight+20, 7), errors.ErrIndexOutOfRange)

	_, err := f.engine.Donate(f.ctx, alice, 0, big.NewInt(1))
	assert.ErrorIs(t, err, errors.ErrIndexZero)
	_, err = f.engine.ReceiverWithdraw(f.ctx, receiver, 9)
	assert.ErrorIs(t, err, errors.ErrIndexOutOfRange)
	_, err = f.engine.DonorWithdraw(f.ctx, alice, 0)
	assert.ErrorIs(t, err, errors.ErrIndexZero)

	_, err = f.engine.Campaign(f.ctx, 0)
	assert.ErrorIs(t, err, errors.ErrIndexZero)
	_, err = f.engine.Contribution(f.ctx, 3, alice)
	assert.ErrorIs(t, err, errors.ErrIndexOutOfRange)
	_, err = f.engine.Events(f.ctx, 3)
	assert.ErrorIs(t, err, errors.ErrIndexOutOfRange)

	// 管理员权限先于编号检查
	assert.ErrorIs(t, f.engine.Cancel(f.ctx, mallory, 0), errors.ErrOnlyOwner)

	ce, ok := errors.AsCampaignError(f.engine.Start(f.ctx, admin, 2))
	require.True(t, ok)
	require.NotNil(t, ce.Index)
	assert.Equal(t, uint64(2), *ce.Index)
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 100, startHeight+10, false)

	assert.ErrorIs(t, f.engine.Start(f.ctx, mallory, index), errors.ErrOnlyCampaignOwner)
	require.NoError(t, f.engine.Start(f.ctx, admin, index))
	assert.Equal(t, models.StatusInProgress, f.campaign(t, index).Status)

	assert.ErrorIs(t, f.engine.Start(f.ctx, admin, index), errors.ErrCampaignInProgress)
	assert.Equal(t, []models.EventType{models.EventCampaignAnnounced, models.EventCampaignStarted}, f.out.types())
}

func TestStatusSpecificRejections(t *testing.T) {
	f := newFixture(t)

	announced := f.create(t, 100, startHeight+10, false)
	inProgress := f.create(t, 100, startHeight+10, true)
	completed := f.create(t, 100, startHeight+10, true)
	_, err := f.donate(t, alice, completed, 100)
	require.NoError(t, err)
	failed := f.create(t, 100, startHeight+10, true)
	require.NoError(t, f.engine.Cancel(f.ctx, admin, failed))

	donate := func(index uint64) error {
		_, err := f.engine.Donate(f.ctx, alice, index, big.NewInt(1))
		return err
	}
	receiverWithdraw := func(index uint64) error {
		_, err := f.engine.ReceiverWithdraw(f.ctx, receiver, index)
		return err
	}
	donorWithdraw := func(index uint64) error {
		_, err := f.engine.DonorWithdraw(f.ctx, alice, index)
		return err
	}

	tests := []struct {
		name string
		call func() error
		want *errors.CampaignError
	}{
		{"start in progress", func() error { return f.engine.Start(f.ctx, admin, inProgress) }, errors.ErrCampaignInProgress},
		{"start completed", func() error { return f.engine.Start(f.ctx, admin, completed) }, errors.ErrCampaignCompleted},
		{"start failed", func() error { return f.engine.Start(f.ctx, admin, failed) }, errors.ErrCampaignFailed},
		{"cancel announced", func() error { return f.engine.Cancel(f.ctx, admin, announced) }, errors.ErrCampaignAnnounced},
		{"cancel completed", func() error { return f.engine.Cancel(f.ctx, admin, completed) }, errors.ErrCampaignCompleted},
		{"cancel failed", func() error { return f.engine.Cancel(f.ctx, admin, failed) }, errors.ErrCampaignFailed},
		{"prolongate announced", func() error { return f.engine.Prolongate(f.ctx, admin, startHeight+50, announced) }, errors.ErrCampaignAnnounced},
		{"prolongate completed", func() error { return f.engine.Prolongate(f.ctx, admin, startHeight+50, completed) }, errors.ErrCampaignCompleted},
		{"donate announced", func() error { return donate(announced) }, errors.ErrCampaignAnnounced},
		{"donate completed", func() error { return donate(completed) }, errors.ErrCampaignCompleted},
		{"donate failed", func() error { return donate(failed) }, errors.ErrCampaignFailed},
		{"receiver withdraw announced", func() error { return receiverWithdraw(announced) }, errors.ErrCampaignAnnounced},
		{"receiver withdraw in progress", func() error { return receiverWithdraw(inProgress) }, errors.ErrCampaignInProgress},
		{"receiver withdraw failed", func() error { return receiverWithdraw(failed) }, errors.ErrCampaignFailed},
		{"donor withdraw announced", func() error { return donorWithdraw(announced) }, errors.ErrCampaignAnnounced},
		{"donor withdraw in progress", func() error { return donorWithdraw(inProgress) }, errors.ErrCampaignInProgress},
		{"donor withdraw completed", func() error { return donorWithdraw(completed) }, errors.ErrCampaignCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.want.Code, errors.CodeOf(err))
		})
	}
}

func TestScenarioA_DonationCompletesCampaign(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 10000, startHeight+30, true)

	receipt, err := f.donate(t, alice, index, 11000)
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)
	assert.Equal(t, models.StatusCompleted, receipt.Status)

	c := f.campaign(t, index)
	assert.Equal(t, models.StatusCompleted, c.Status)
	assert.Equal(t, "11000", c.Balance.String())
	assert.Equal(t, alice, c.BiggestDonater)
	assert.False(t, c.FundsTransferredToReceiver)

	last := f.out.events[len(f.out.events)-1]
	assert.Equal(t, models.EventCampaignCompleted, last.Type)
	assert.Equal(t, "11000", last.Amount.String())
	assert.Equal(t, receiver, *last.Receiver)

	// 完成时不自动转账
	assert.Equal(t, 0, f.bank.Balance(receiver).Sign())
}

func TestScenarioB_ExpiredDonationFailsCampaign(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 10000, startHeight+10, true)

	f.chain.Mine(100)
	receipt, err := f.donate(t, alice, index, 100)
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)
	assert.Equal(t, "100", receipt.Returned.String())
	assert.Equal(t, models.StatusFailed, receipt.Status)

	c := f.campaign(t, index)
	assert.Equal(t, models.StatusFailed, c.Status)
	require.NotNil(t, c.FailReason)
	assert.Equal(t, models.FailReasonTimeIsUp, *c.FailReason)
	assert.Equal(t, 0, c.Balance.Sign())
	assert.Equal(t, "0", f.contribution(t, index, alice))

	// 捐款原路退回
	assert.Equal(t, "1000000", f.bank.Balance(alice).String())
	assert.Equal(t, 0, f.bank.Balance(custody).Sign())

	assert.Equal(t, []models.EventType{
		models.EventCampaignAnnounced,
		models.EventCampaignStarted,
		models.EventCampaignFailed,
	}, f.out.types())
}

func TestDonate_AtDeadlineStillAccepted(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 10000, startHeight+10, true)

	f.chain.AdvanceTo(startHeight + 10)
	receipt, err := f.donate(t, alice, index, 5)
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)
	assert.Equal(t, models.StatusInProgress, f.campaign(t, index).Status)
}

func TestScenarioC_CancelledCampaignRejectsEverything(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 10000, startHeight+10, true)

	assert.ErrorIs(t, f.engine.Cancel(f.ctx, mallory, index), errors.ErrOnlyOwner)
	require.NoError(t, f.engine.Cancel(f.ctx, admin, index))

	c := f.campaign(t, index)
	assert.Equal(t, models.StatusFailed, c.Status)
	require.NotNil(t, c.FailReason)
	assert.Equal(t, models.FailReasonCancelled, *c.FailReason)

	_, err := f.engine.Donate(f.ctx, alice, index, big.NewInt(1))
	assert.ErrorIs(t, err, errors.ErrCampaignFailed)
	assert.ErrorIs(t, f.engine.Start(f.ctx, admin, index), errors.ErrCampaignFailed)
	assert.ErrorIs(t, f.engine.Cancel(f.ctx, admin, index), errors.ErrCampaignFailed)

	last := f.out.events[len(f.out.events)-1]
	assert.Equal(t, models.EventCampaignFailed, last.Type)
	assert.Equal(t, models.FailReasonCancelled, *last.FailReason)
}

func TestScenarioD_DonorRefundAfterCancel(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 10000, startHeight+10, true)

	_, err := f.donate(t, alice, index, 1000)
	require.NoError(t, err)
	require.NoError(t, f.engine.Cancel(f.ctx, admin, index))

	amount, err := f.engine.DonorWithdraw(f.ctx, alice, index)
	require.NoError(t, err)
	assert.Equal(t, "1000", amount.String())

	assert.Equal(t, 0, f.campaign(t, index).Balance.Sign())
	assert.Equal(t, "0", f.contribution(t, index, alice))
	assert.Equal(t, "1000000", f.bank.Balance(alice).String())

	last := f.out.events[len(f.out.events)-1]
	assert.Equal(t, models.EventDonationWithdrawal, last.Type)
	assert.Equal(t, alice, *last.Donor)
	assert.Equal(t, "1000", last.Amount.String())

	// 第二次退款被拒绝
	_, err = f.engine.DonorWithdraw(f.ctx, alice, index)
	assert.ErrorIs(t, err, errors.ErrNothingToWithdraw)
	_, err = f.engine.DonorWithdraw(f.ctx, mallory, index)
	assert.ErrorIs(t, err, errors.ErrNothingToWithdraw)
}

func TestScenarioE_ProlongateDeadlineChecks(t *testing.T) {
	f := newFixture(t)
	until := uint64(startHeight + 30)
	index := f.create(t, 10000, until, true)

	assert.ErrorIs(t, f.engine.Prolongate(f.ctx, admin, until, index), errors.ErrNewBlockNumberNotExpired)
	assert.ErrorIs(t, f.engine.Prolongate(f.ctx, admin, until-1, index), errors.ErrNewBlockNumberNotExpired)
	assert.ErrorIs(t, f.engine.Prolongate(f.ctx, admin, startHeight-1, index), errors.ErrBlockNumberNotExpired)
	assert.ErrorIs(t, f.engine.Prolongate(f.ctx, admin, startHeight, index), errors.ErrBlockNumberNotExpired)
	assert.ErrorIs(t, f.engine.Prolongate(f.ctx, mallory, until+10, index), errors.ErrOnlyOwner)

	require.NoError(t, f.engine.Prolongate(f.ctx, admin, until+10, index))
	c := f.campaign(t, index)
	assert.Equal(t, until+10, c.UntilBlockNumber)
	assert.Equal(t, models.StatusInProgress, c.Status)

	last := f.out.events[len(f.out.events)-1]
	assert.Equal(t, models.EventCampaignProlongated, last.Type)
	assert.Equal(t, until+10, last.UntilBlockNumber)
}

func TestProlongate_RevivesExpiredDeadline(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 10000, startHeight+10, true)

	// 过期但尚未被捐款发现，仍可延期
	f.chain.Mine(20)
	require.NoError(t, f.engine.Prolongate(f.ctx, admin, startHeight+40, index))

	receipt, err := f.donate(t, alice, index, 10)
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)
}

func TestReceiverWithdraw_PaysOnce(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 1000, startHeight+10, true)

	_, err := f.donate(t, alice, index, 600)
	require.NoError(t, err)
	_, err = f.donate(t, bob, index, 500)
	require.NoError(t, err)

	_, err = f.engine.ReceiverWithdraw(f.ctx, mallory, index)
	assert.ErrorIs(t, err, errors.ErrOnlyReceiver)
	_, err = f.engine.ReceiverWithdraw(f.ctx, admin, index)
	assert.ErrorIs(t, err, errors.ErrOnlyReceiver)

	amount, err := f.engine.ReceiverWithdraw(f.ctx, receiver, index)
	require.NoError(t, err)
	assert.Equal(t, "1100", amount.String())
	assert.Equal(t, "1100", f.bank.Balance(receiver).String())

	c := f.campaign(t, index)
	assert.Equal(t, 0, c.Balance.Sign())
	assert.True(t, c.FundsTransferredToReceiver)
	// 捐款记录保留
	assert.Equal(t, "600", f.contribution(t, index, alice))

	_, err = f.engine.ReceiverWithdraw(f.ctx, receiver, index)
	assert.ErrorIs(t, err, errors.ErrAlreadyTransferred)
	assert.Equal(t, "1100", f.bank.Balance(receiver).String())

	// 已完成的活动不能退款
	_, err = f.engine.DonorWithdraw(f.ctx, alice, index)
	assert.ErrorIs(t, err, errors.ErrCampaignCompleted)
}

func TestTransferFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 100, startHeight+10, true)
	_, err := f.donate(t, alice, index, 150)
	require.NoError(t, err)

	published := len(f.out.events)
	f.bank.SetFailure(func(to common.Address, amount *big.Int) error {
		return fmt.Errorf("receiver contract reverted")
	})

	_, err = f.engine.ReceiverWithdraw(f.ctx, receiver, index)
	assert.ErrorIs(t, err, errors.ErrTransferFailed)

	c := f.campaign(t, index)
	assert.Equal(t, "150", c.Balance.String())
	assert.False(t, c.FundsTransferredToReceiver)
	assert.Len(t, f.out.events, published)

	events, err := f.engine.Events(f.ctx, index)
	require.NoError(t, err)
	assert.Len(t, events, published)

	// 未转出的记录已删除，不阻塞重试
	pending, err := f.engine.PendingTransfers(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.bank.SetFailure(nil)
	amount, err := f.engine.ReceiverWithdraw(f.ctx, receiver, index)
	require.NoError(t, err)
	assert.Equal(t, "150", amount.String())
}

func TestTransferFailureOnExpiredDonationKeepsCampaignOpen(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 100, startHeight+10, true)
	f.chain.Mine(50)

	f.bank.SetFailure(func(to common.Address, amount *big.Int) error {
		return fmt.Errorf("gateway offline")
	})
	_, err := f.donate(t, alice, index, 10)
	assert.ErrorIs(t, err, errors.ErrTransferFailed)
	assert.Equal(t, models.StatusInProgress, f.campaign(t, index).Status)

	// 零金额不经过转账通道，失败迁移照常提交
	receipt, err := f.engine.Donate(f.ctx, alice, index, big.NewInt(0))
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)
	assert.Equal(t, models.StatusFailed, f.campaign(t, index).Status)
}

func TestDonate_BiggestDonaterTiesKeepEarlierHolder(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 10000, startHeight+10, true)

	_, err := f.donate(t, alice, index, 50)
	require.NoError(t, err)
	_, err = f.donate(t, bob, index, 50)
	require.NoError(t, err)
	assert.Equal(t, alice, f.campaign(t, index).BiggestDonater)

	_, err = f.donate(t, bob, index, 10)
	require.NoError(t, err)
	assert.Equal(t, bob, f.campaign(t, index).BiggestDonater)

	_, err = f.donate(t, alice, index, 5)
	require.NoError(t, err)
	assert.Equal(t, bob, f.campaign(t, index).BiggestDonater)

	assert.Equal(t, "55", f.contribution(t, index, alice))
	assert.Equal(t, "60", f.contribution(t, index, bob))
}

func TestDonate_AmountValidation(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 10000, startHeight+10, true)

	_, err := f.engine.Donate(f.ctx, alice, index, big.NewInt(-1))
	assert.ErrorIs(t, err, errors.ErrInvalidAmount)

	receipt, err := f.engine.Donate(f.ctx, alice, index, nil)
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)
	assert.Equal(t, 0, f.campaign(t, index).Balance.Sign())
	assert.Equal(t, common.Address{}, f.campaign(t, index).BiggestDonater)
}

// statusRank 状态前进顺序
func statusRank(s models.CampaignStatus) int {
	switch s {
	case models.StatusAnnounced:
		return 1
	case models.StatusInProgress:
		return 2
	case models.StatusCompleted, models.StatusFailed:
		return 3
	default:
		return 0
	}
}

func TestConservationAndMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	donors := []common.Address{alice, bob, carol}

	for round := 0; round < 20; round++ {
		f := newFixture(t)
		index := f.create(t, int64(500+rng.Intn(1000)), startHeight+uint64(5+rng.Intn(20)), false)

		lastRank := statusRank(f.campaign(t, index).Status)
		lastStatus := f.campaign(t, index).Status

		for step := 0; step < 30; step++ {
			donor := donors[rng.Intn(len(donors))]
			switch rng.Intn(8) {
			case 0:
				f.engine.Start(f.ctx, admin, index)
			case 1:
				f.engine.Cancel(f.ctx, admin, index)
			case 2:
				f.engine.Prolongate(f.ctx, admin, startHeight+uint64(rng.Intn(60)), index)
			case 3:
				f.chain.Mine(uint64(rng.Intn(4)))
			case 4:
				f.engine.ReceiverWithdraw(f.ctx, receiver, index)
			case 5:
				f.engine.DonorWithdraw(f.ctx, donor, index)
			default:
				f.donate(t, donor, index, int64(rng.Intn(200)))
			}

			c := f.campaign(t, index)

			rank := statusRank(c.Status)
			require.GreaterOrEqual(t, rank, lastRank, "status moved backwards")
			if lastRank == 3 {
				require.Equal(t, lastStatus, c.Status, "terminal status changed")
			}
			lastRank, lastStatus = rank, c.Status

			require.GreaterOrEqual(t, c.Balance.Sign(), 0)
			require.Equal(t, c.FailReason != nil, c.Status == models.StatusFailed)

			sum := new(big.Int)
			for _, d := range donors {
				amount, err := f.engine.Contribution(f.ctx, index, d)
				require.NoError(t, err)
				sum.Add(sum, amount)
			}
			if c.FundsTransferredToReceiver {
				require.Equal(t, models.StatusCompleted, c.Status)
				require.Equal(t, 0, c.Balance.Sign())
			} else {
				require.Equal(t, sum.String(), c.Balance.String(), "balance must equal the sum of contributions")
			}

			// 托管账户持有的资金等于账本余额
			require.Equal(t, c.Balance.String(), f.bank.Balance(custody).String())
		}

		// 全部结算后余额为零
		c := f.campaign(t, index)
		switch c.Status {
		case models.StatusFailed:
			for _, d := range donors {
				f.engine.DonorWithdraw(f.ctx, d, index)
			}
		case models.StatusCompleted:
			f.engine.ReceiverWithdraw(f.ctx, receiver, index)
		}
		if c.Status.IsTerminal() {
			assert.Equal(t, 0, f.campaign(t, index).Balance.Sign())
			assert.Equal(t, 0, f.bank.Balance(custody).Sign())
		}
	}
}

func TestConcurrentDonationsAreSerialized(t *testing.T) {
	f := newFixture(t)
	index := f.create(t, 1_000_000_000, startHeight+10, true)

	var wg sync.WaitGroup
	donors := []common.Address{alice, bob, carol}
	for _, donor := range donors {
		donor := donor
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := f.engine.Donate(f.ctx, donor, index, big.NewInt(2))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	c := f.campaign(t, index)
	assert.Equal(t, "300", c.Balance.String())
	for _, donor := range donors {
		assert.Equal(t, "100", f.contribution(t, index, donor))
	}

	events, err := f.engine.Events(f.ctx, index)
	require.NoError(t, err)
	assert.Len(t, events, 152)
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Sequence, events[i].Sequence)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	expired := f.create(t, 100, startHeight+5, true)
	live := f.create(t, 100, startHeight+50, true)
	announced := f.create(t, 100, startHeight+5, false)

	f.chain.Mine(10)
	swept, err := f.engine.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	c := f.campaign(t, expired)
	assert.Equal(t, models.StatusFailed, c.Status)
	assert.Equal(t, models.FailReasonTimeIsUp, *c.FailReason)
	assert.Equal(t, models.StatusInProgress, f.campaign(t, live).Status)
	assert.Equal(t, models.StatusAnnounced, f.campaign(t, announced).Status)

	swept, err = f.engine.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	events, err := f.engine.Events(f.ctx, expired)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, models.EventCampaignFailed, last.Type)
	assert.Equal(t, uint64(startHeight+10), last.BlockNumber)
}

func TestSweepExpired_NoInfoLogFromEngine(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sim := chain.NewSimulatedChain(startHeight)
	e, err := New(admin, store.NewMemoryStore(), sim, transfer.NewSimulatedBank(custody, logger), logger)
	require.NoError(t, err)

	ctx := context.Background()
	index, err := e.CreateCampaign(ctx, admin, receiver, big.NewInt(100), "clean water", startHeight+5)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, admin, index))
	sim.Mine(10)

	hook.Reset()
	swept, err := e.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// 扫描汇总只由调度任务记录
	assert.Empty(t, hook.AllEntries())
}

func TestPolicy_StartRoleConfigurable(t *testing.T) {
	st := store.NewMemoryStore()
	f := newFixtureWithStore(t, st)
	index := f.create(t, 100, startHeight+10, false)

	// 管理员更换后，原创建者仍是活动创建者
	sim := chain.NewSimulatedChain(startHeight)
	bank := transfer.NewSimulatedBank(custody, quietLogger())

	policy, err := PolicyWithStartRole("admin")
	require.NoError(t, err)
	adminOnly, err := New(bob, st, sim, bank, quietLogger(), WithPolicy(policy))
	require.NoError(t, err)
	assert.ErrorIs(t, adminOnly.Start(f.ctx, admin, index), errors.ErrOnlyOwner)

	creatorStarts, err := New(bob, st, sim, bank, quietLogger())
	require.NoError(t, err)
	assert.ErrorIs(t, creatorStarts.Start(f.ctx, bob, index), errors.ErrOnlyCampaignOwner)
	require.NoError(t, creatorStarts.Start(f.ctx, admin, index))

	_, err = PolicyWithStartRole("receiver")
	assert.Error(t, err)
	_, err = PolicyWithStartRole("nobody")
	assert.Error(t, err)
}

func TestOutputFailureDoesNotFailCall(t *testing.T) {
	f := newFixture(t)
	f.out.err = fmt.Errorf("kafka down")

	index := f.create(t, 100, startHeight+10, true)
	assert.Equal(t, models.StatusInProgress, f.campaign(t, index).Status)
	assert.Len(t, f.out.events, 2)
	assert.NotEmpty(t, f.out.campaigns)
}

// brokenHeight 节点不可用
type brokenHeight struct{}

func (brokenHeight) BlockNumber(ctx context.Context) (uint64, error) {
	return 0, fmt.Errorf("connection refused")
}

func TestLedgerUnavailable(t *testing.T) {
	bank := transfer.NewSimulatedBank(custody, quietLogger())
	e, err := New(admin, store.NewMemoryStore(), brokenHeight{}, bank, quietLogger())
	require.NoError(t, err)

	_, err = e.CreateCampaign(context.Background(), admin, receiver, big.NewInt(1), "goal", 10)
	assert.ErrorIs(t, err, errors.ErrLedgerUnavailable)
}

func TestEngineOnBoltStore(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "charity.db"), quietLogger())
	require.NoError(t, err)
	f := newFixtureWithStore(t, st)

	index := f.create(t, 10000, startHeight+30, true)
	_, err = f.donate(t, alice, index, 4000)
	require.NoError(t, err)
	_, err = f.donate(t, bob, index, 7000)
	require.NoError(t, err)

	c := f.campaign(t, index)
	assert.Equal(t, models.StatusCompleted, c.Status)
	assert.Equal(t, bob, c.BiggestDonater)

	amount, err := f.engine.ReceiverWithdraw(f.ctx, receiver, index)
	require.NoError(t, err)
	assert.Equal(t, "11000", amount.String())

	events, err := f.engine.Events(f.ctx, index)
	require.NoError(t, err)
	types := make([]models.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.EventType{
		models.EventCampaignAnnounced,
		models.EventCampaignStarted,
		models.EventDonationReceived,
		models.EventDonationReceived,
		models.EventCampaignCompleted,
		models.EventReceiverPayout,
	}, types)
}
