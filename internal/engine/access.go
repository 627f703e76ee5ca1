package engine

import (
	"fmt"

	"charity/internal/errors"
	"charity/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// Operation 对外操作名称，同时用作指标和日志标签
type Operation string

const (
	OpCreate           Operation = "create"
	OpStart            Operation = "start"
	OpCancel           Operation = "cancel"
	OpProlongate       Operation = "prolongate"
	OpDonate           Operation = "donate"
	OpReceiverWithdraw Operation = "receiver_withdraw"
	OpDonorWithdraw    Operation = "donor_withdraw"
	OpSweep            Operation = "sweep"
)

// Role 调用方角色
type Role int

const (
	RoleAnyone Role = iota
	RoleAdmin
	RoleCampaignOwner
	RoleReceiver
)

var roleNames = map[Role]string{
	RoleAnyone:        "anyone",
	RoleAdmin:         "admin",
	RoleCampaignOwner: "campaign_owner",
	RoleReceiver:      "receiver",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", r)
}

// ParseRole 解析配置中的角色名
func ParseRole(name string) (Role, error) {
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return RoleAnyone, fmt.Errorf("未知角色: %s", name)
}

// perCampaign 是否需要先加载活动才能判断
func (r Role) perCampaign() bool {
	return r == RoleCampaignOwner || r == RoleReceiver
}

// Policy 每个操作所需的角色
type Policy map[Operation]Role

// DefaultPolicy 默认权限：创建、取消、延期归管理员，启动归活动创建者，收款归收款人
func DefaultPolicy() Policy {
	return Policy{
		OpCreate:           RoleAdmin,
		OpStart:            RoleCampaignOwner,
		OpCancel:           RoleAdmin,
		OpProlongate:       RoleAdmin,
		OpDonate:           RoleAnyone,
		OpReceiverWithdraw: RoleReceiver,
		OpDonorWithdraw:    RoleAnyone,
	}
}

// PolicyWithStartRole 默认权限，启动活动的角色可配置
func PolicyWithStartRole(name string) (Policy, error) {
	p := DefaultPolicy()
	if name == "" {
		return p, nil
	}

	role, err := ParseRole(name)
	if err != nil {
		return nil, err
	}
	if role != RoleAdmin && role != RoleCampaignOwner {
		return nil, fmt.Errorf("启动活动只能由 admin 或 campaign_owner 执行，当前配置: %s", name)
	}
	p[OpStart] = role
	return p, nil
}

// Role 未配置的操作对任何人开放
func (p Policy) Role(op Operation) Role {
	return p[op]
}

// Guard 权限检查
type Guard struct {
	owner  common.Address
	policy Policy
}

// NewGuard 创建权限检查器，管理员在构造时固定
func NewGuard(owner common.Address, policy Policy) *Guard {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Guard{owner: owner, policy: policy}
}

// Owner 管理员地址
func (g *Guard) Owner() common.Address {
	return g.owner
}

// Authorize 检查调用方是否具备角色。按活动判断的角色需要传入活动
func (g *Guard) Authorize(role Role, caller common.Address, campaign *models.Campaign) error {
	switch role {
	case RoleAnyone:
		return nil
	case RoleAdmin:
		if caller != g.owner {
			return errors.ErrOnlyOwner.WithCaller(caller)
		}
		return nil
	case RoleCampaignOwner:
		if campaign == nil || caller != campaign.Owner {
			return errors.ErrOnlyCampaignOwner.WithCaller(caller)
		}
		return nil
	case RoleReceiver:
		if campaign == nil || caller != campaign.Receiver {
			return errors.ErrOnlyReceiver.WithCaller(caller)
		}
		return nil
	default:
		return errors.ErrConfigInvalid.WithContext("role", role.String())
	}
}
