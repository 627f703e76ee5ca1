package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS charity_meta (
	meta_key   TEXT PRIMARY KEY,
	meta_value BIGINT NOT NULL
);
INSERT INTO charity_meta (meta_key, meta_value) VALUES ('campaign_count', 0) ON CONFLICT DO NOTHING;

CREATE TABLE IF NOT EXISTS charity_campaigns (
	idx                           BIGINT PRIMARY KEY,
	owner                         TEXT NOT NULL,
	receiver                      TEXT NOT NULL,
	target_sum                    NUMERIC(78, 0) NOT NULL,
	balance                       NUMERIC(78, 0) NOT NULL,
	goal                          TEXT NOT NULL,
	biggest_donater               TEXT NOT NULL,
	until_block_number            BIGINT NOT NULL,
	status                        SMALLINT NOT NULL,
	funds_transferred_to_receiver BOOLEAN NOT NULL DEFAULT FALSE,
	fail_reason                   SMALLINT,
	created_at_block              BIGINT NOT NULL,
	updated_at_block              BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS charity_contributions (
	idx    BIGINT NOT NULL,
	donor  TEXT NOT NULL,
	amount NUMERIC(78, 0) NOT NULL,
	PRIMARY KEY (idx, donor)
);

CREATE TABLE IF NOT EXISTS charity_events (
	seq        BIGSERIAL PRIMARY KEY,
	idx        BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS charity_events_idx ON charity_events (idx, seq);

CREATE TABLE IF NOT EXISTS charity_pending_transfers (
	id      BIGSERIAL PRIMARY KEY,
	idx     BIGINT NOT NULL,
	payload JSONB NOT NULL
);
`

// PostgresStore 基于PostgreSQL的存储。
// 写事务使用SERIALIZABLE隔离，并对计数器行加锁，保证调用串行执行
type PostgresStore struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewPostgresStore 连接数据库并建表
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据表失败: %w", err)
	}

	logger.Info("活动存储已连接PostgreSQL")
	return &PostgresStore{DB: db, logger: logger}, nil
}

// Update 执行写事务
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}

	// 锁住计数器行，写事务在此排队
	if _, err := tx.ExecContext(ctx, `SELECT meta_value FROM charity_meta WHERE meta_key = 'campaign_count' FOR UPDATE`); err != nil {
		tx.Rollback()
		return fmt.Errorf("锁定活动计数失败: %w", err)
	}

	if err := fn(&postgresTx{ctx: ctx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warnf("回滚事务失败: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// View 执行只读事务
func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("开启只读事务失败: %w", err)
	}
	defer tx.Rollback()

	return fn(&postgresTx{ctx: ctx, tx: tx})
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	if s.DB != nil {
		s.logger.Info("关闭活动存储")
		return s.DB.Close()
	}
	return nil
}

type postgresTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (p *postgresTx) CampaignCount() (uint64, error) {
	var n uint64
	err := p.tx.QueryRowContext(p.ctx, `SELECT meta_value FROM charity_meta WHERE meta_key = 'campaign_count'`).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("查询活动计数失败: %w", err)
	}
	return n, nil
}

func (p *postgresTx) SetCampaignCount(n uint64) error {
	_, err := p.tx.ExecContext(p.ctx,
		`INSERT INTO charity_meta (meta_key, meta_value) VALUES ('campaign_count', $1)
		 ON CONFLICT (meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value`, n)
	if err != nil {
		return fmt.Errorf("保存活动计数失败: %w", err)
	}
	return nil
}

const campaignColumns = `idx, owner, receiver, target_sum, balance, goal, biggest_donater,
	until_block_number, status, funds_transferred_to_receiver, fail_reason, created_at_block, updated_at_block`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var (
		c                        models.Campaign
		owner, receiver, biggest string
		targetSum, balance       string
		status                   uint8
		failReason               sql.NullInt16
	)
	err := row.Scan(&c.Index, &owner, &receiver, &targetSum, &balance, &c.Goal, &biggest,
		&c.UntilBlockNumber, &status, &c.FundsTransferredToReceiver, &failReason, &c.CreatedAtBlock, &c.UpdatedAtBlock)
	if err != nil {
		return nil, err
	}

	c.Owner = common.HexToAddress(owner)
	c.Receiver = common.HexToAddress(receiver)
	c.BiggestDonater = common.HexToAddress(biggest)
	c.Status = models.CampaignStatus(status)

	var ok bool
	if c.TargetSum, ok = new(big.Int).SetString(targetSum, 10); !ok {
		return nil, fmt.Errorf("无效的目标金额: %s", targetSum)
	}
	if c.Balance, ok = new(big.Int).SetString(balance, 10); !ok {
		return nil, fmt.Errorf("无效的余额: %s", balance)
	}
	if failReason.Valid {
		reason := models.FailReason(failReason.Int16)
		c.FailReason = &reason
	}
	return &c, nil
}

func (p *postgresTx) GetCampaign(index uint64) (*models.Campaign, error) {
	row := p.tx.QueryRowContext(p.ctx, `SELECT `+campaignColumns+` FROM charity_campaigns WHERE idx = $1`, index)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询活动 %d 失败: %w", index, err)
	}
	return c, nil
}

func (p *postgresTx) PutCampaign(c *models.Campaign) error {
	var failReason sql.NullInt16
	if c.FailReason != nil {
		failReason = sql.NullInt16{Int16: int16(*c.FailReason), Valid: true}
	}

	_, err := p.tx.ExecContext(p.ctx, `
		INSERT INTO charity_campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (idx) DO UPDATE SET
			receiver = EXCLUDED.receiver,
			balance = EXCLUDED.balance,
			biggest_donater = EXCLUDED.biggest_donater,
			until_block_number = EXCLUDED.until_block_number,
			status = EXCLUDED.status,
			funds_transferred_to_receiver = EXCLUDED.funds_transferred_to_receiver,
			fail_reason = EXCLUDED.fail_reason,
			updated_at_block = EXCLUDED.updated_at_block`,
		c.Index, c.Owner.Hex(), c.Receiver.Hex(), c.TargetSum.String(), c.Balance.String(), c.Goal,
		c.BiggestDonater.Hex(), c.UntilBlockNumber, uint8(c.Status), c.FundsTransferredToReceiver,
		failReason, c.CreatedAtBlock, c.UpdatedAtBlock)
	if err != nil {
		return fmt.Errorf("保存活动 %d 失败: %w", c.Index, err)
	}
	return nil
}

func (p *postgresTx) ForEachCampaign(fn func(c *models.Campaign) error) error {
	rows, err := p.tx.QueryContext(p.ctx, `SELECT `+campaignColumns+` FROM charity_campaigns ORDER BY idx`)
	if err != nil {
		return fmt.Errorf("查询活动列表失败: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// 先读完再回调，回调中可以继续使用同一事务
	for _, c := range campaigns {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *postgresTx) GetContribution(index uint64, donor common.Address) (*big.Int, error) {
	var amount string
	err := p.tx.QueryRowContext(p.ctx,
		`SELECT amount FROM charity_contributions WHERE idx = $1 AND donor = $2`, index, donor.Hex()).Scan(&amount)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询捐款记录失败: %w", err)
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("无效的捐款金额: %s", amount)
	}
	return v, nil
}

func (p *postgresTx) PutContribution(index uint64, donor common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return errNegativeContribution
	}
	_, err := p.tx.ExecContext(p.ctx, `
		INSERT INTO charity_contributions (idx, donor, amount) VALUES ($1, $2, $3)
		ON CONFLICT (idx, donor) DO UPDATE SET amount = EXCLUDED.amount`,
		index, donor.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("保存捐款记录失败: %w", err)
	}
	return nil
}

func (p *postgresTx) AppendEvent(ev *models.Event) error {
	var seq uint64
	err := p.tx.QueryRowContext(p.ctx, `SELECT nextval(pg_get_serial_sequence('charity_events', 'seq'))`).Scan(&seq)
	if err != nil {
		return fmt.Errorf("分配事件序号失败: %w", err)
	}
	ev.Sequence = seq

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	_, err = p.tx.ExecContext(p.ctx,
		`INSERT INTO charity_events (seq, idx, event_type, payload) VALUES ($1, $2, $3, $4)`,
		seq, ev.Index, string(ev.Type), payload)
	if err != nil {
		return fmt.Errorf("保存事件失败: %w", err)
	}
	return nil
}

func (p *postgresTx) ListEvents(index uint64) ([]*models.Event, error) {
	rows, err := p.tx.QueryContext(p.ctx, `SELECT payload FROM charity_events WHERE idx = $1 ORDER BY seq`, index)
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev models.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("解析事件失败: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (p *postgresTx) PutPendingTransfer(pt *models.PendingTransfer) error {
	if pt.ID == 0 {
		var id uint64
		err := p.tx.QueryRowContext(p.ctx, `SELECT nextval(pg_get_serial_sequence('charity_pending_transfers', 'id'))`).Scan(&id)
		if err != nil {
			return fmt.Errorf("分配转账序号失败: %w", err)
		}
		pt.ID = id
	}

	payload, err := json.Marshal(pt)
	if err != nil {
		return fmt.Errorf("序列化待结算转账失败: %w", err)
	}
	_, err = p.tx.ExecContext(p.ctx, `
		INSERT INTO charity_pending_transfers (id, idx, payload) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		pt.ID, pt.Index, payload)
	if err != nil {
		return fmt.Errorf("保存待结算转账 %d 失败: %w", pt.ID, err)
	}
	return nil
}

func (p *postgresTx) ListPendingTransfers() ([]*models.PendingTransfer, error) {
	rows, err := p.tx.QueryContext(p.ctx, `SELECT payload FROM charity_pending_transfers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("查询待结算转账失败: %w", err)
	}
	defer rows.Close()

	list := make([]*models.PendingTransfer, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var pt models.PendingTransfer
		if err := json.Unmarshal(payload, &pt); err != nil {
			return nil, fmt.Errorf("解析待结算转账失败: %w", err)
		}
		list = append(list, &pt)
	}
	return list, rows.Err()
}

func (p *postgresTx) DeletePendingTransfer(id uint64) error {
	if _, err := p.tx.ExecContext(p.ctx, `DELETE FROM charity_pending_transfers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("删除待结算转账 %d 失败: %w", id, err)
	}
	return nil
}
