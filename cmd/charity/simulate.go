package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"

	"charity/internal/chain"
	"charity/internal/engine"
	"charity/internal/errors"
	"charity/internal/logging"
	"charity/internal/store"
	"charity/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	simOwner    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	simReceiver = common.HexToAddress("0x000000000000000000000000000000000000beef")
	simCustody  = common.HexToAddress("0x00000000000000000000000000000000000c4a11")
	simDonors   = []common.Address{
		common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
		common.HexToAddress("0x0000000000000000000000000000000000000b0b"),
	}
)

// simulation 模拟链上的演示环境
type simulation struct {
	ctx    context.Context
	engine *engine.Engine
	chain  *chain.SimulatedChain
	bank   *transfer.SimulatedBank
	logger *logrus.Logger
}

// donate 与HTTP接口相同：先存入托管账户，被拒绝时退回
func (s *simulation) donate(donor common.Address, index uint64, value int64) error {
	amount := big.NewInt(value)
	if err := s.bank.Deposit(s.ctx, donor, amount); err != nil {
		return err
	}
	receipt, err := s.engine.Donate(s.ctx, donor, index, amount)
	if err != nil {
		// 引擎已经退回的不再退款
		if stderrors.Is(err, errors.ErrSettlementPending) {
			return err
		}
		if rerr := s.bank.Refund(s.ctx, donor, amount); rerr != nil {
			return rerr
		}
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"index":    index,
		"donor":    donor.Hex(),
		"value":    value,
		"accepted": receipt.Accepted,
		"status":   receipt.Status.String(),
	}).Info("捐款")
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger, err := logging.NewLogger(&logging.LogConfig{Level: "info", Format: "text", Output: "stdout"})
	if err != nil {
		return err
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	st := store.NewMemoryStore()
	defer st.Close()

	sim := chain.NewSimulatedChain(1)
	bank := transfer.NewSimulatedBank(simCustody, logger)
	for _, d := range simDonors {
		bank.Mint(d, big.NewInt(1_000))
	}

	eng, err := engine.New(simOwner, st, sim, bank, logger)
	if err != nil {
		return err
	}
	s := &simulation{ctx: context.Background(), engine: eng, chain: sim, bank: bank, logger: logger}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"达成目标并由受益人提款", s.completedScenario},
		{"过期失败后捐款人取回捐款", s.expiredScenario},
		{"管理员取消活动", s.cancelledScenario},
	}
	for _, step := range steps {
		logger.Infof("== %s ==", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	count, err := eng.CampaignCount(s.ctx)
	if err != nil {
		return err
	}
	summary := map[string]interface{}{
		"campaigns":       count,
		"block_number":    sim.Mine(0),
		"custody_balance": bank.Balance(simCustody).String(),
		"receiver":        bank.Balance(simReceiver).String(),
	}
	for i, d := range simDonors {
		summary[fmt.Sprintf("donor_%d", i+1)] = bank.Balance(d).String()
	}
	for index := uint64(1); index <= count; index++ {
		events, err := eng.Events(s.ctx, index)
		if err != nil {
			return err
		}
		types := make([]string, 0, len(events))
		for _, ev := range events {
			types = append(types, string(ev.Type))
		}
		summary[fmt.Sprintf("campaign_%d_events", index)] = types
	}
	return printJSON(summary)
}

func (s *simulation) completedScenario() error {
	index, err := s.engine.CreateCampaign(s.ctx, simOwner, simReceiver, big.NewInt(100), "community library", s.chain.Mine(0)+20)
	if err != nil {
		return err
	}
	if err := s.engine.Start(s.ctx, simOwner, index); err != nil {
		return err
	}

	s.chain.Mine(2)
	if err := s.donate(simDonors[0], index, 60); err != nil {
		return err
	}
	s.chain.Mine(3)
	if err := s.donate(simDonors[1], index, 50); err != nil {
		return err
	}

	amount, err := s.engine.ReceiverWithdraw(s.ctx, simReceiver, index)
	if err != nil {
		return err
	}
	s.logger.Infof("受益人提取 %s", amount)
	return nil
}

func (s *simulation) expiredScenario() error {
	until := s.chain.Mine(0) + 5
	index, err := s.engine.CreateCampaign(s.ctx, simOwner, simReceiver, big.NewInt(1_000), "clinic equipment", until)
	if err != nil {
		return err
	}
	if err := s.engine.Start(s.ctx, simOwner, index); err != nil {
		return err
	}
	if err := s.donate(simDonors[0], index, 30); err != nil {
		return err
	}

	// 过了截止区块，下一笔捐款触发失败并原路退回
	s.chain.AdvanceTo(until + 1)
	if err := s.donate(simDonors[1], index, 5); err != nil {
		return err
	}

	amount, err := s.engine.DonorWithdraw(s.ctx, simDonors[0], index)
	if err != nil {
		return err
	}
	s.logger.Infof("捐款人取回 %s", amount)
	return nil
}

func (s *simulation) cancelledScenario() error {
	index, err := s.engine.CreateCampaign(s.ctx, simOwner, simReceiver, big.NewInt(10), "park benches", s.chain.Mine(0)+10)
	if err != nil {
		return err
	}
	if err := s.engine.Start(s.ctx, simOwner, index); err != nil {
		return err
	}
	return s.engine.Cancel(s.ctx, simOwner, index)
}
