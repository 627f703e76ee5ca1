package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"charity/internal/errors"
	"charity/internal/validation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// 捐款存入托管账户失败，通常是余额不足
var errDepositFailed = errors.NewCampaignError(
	errors.ErrorTypeValidation,
	errors.SeverityLow,
	"DEPOSIT_FAILED",
	"捐款存入托管账户失败",
)

// 转账通道不能核实存款时不受理捐款
var errCustodyRequired = errors.NewCampaignError(
	errors.ErrorTypeConfig,
	errors.SeverityMedium,
	"CUSTODY_REQUIRED",
	"转账通道不支持托管存款，无法受理捐款",
)

// statusFor 错误类型到HTTP状态码
func statusFor(err *errors.CampaignError) int {
	switch err.Type {
	case errors.ErrorTypeAuthorization:
		return http.StatusForbidden
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeState, errors.ErrorTypeSettled:
		return http.StatusConflict
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeTransfer:
		return http.StatusBadGateway
	case errors.ErrorTypeLedger:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeConfig:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// fail 统一的错误响应
func (s *Server) fail(c *gin.Context, err error) {
	ce := s.errHandler.HandleError(err)
	c.JSON(statusFor(ce), gin.H{
		"error":   ce.Code,
		"message": ce.Message,
		"type":    ce.Type.String(),
	})
}

// caller 从请求头解析调用方地址
func (s *Server) caller(c *gin.Context) (common.Address, bool) {
	addr, err := validation.ParseAddress(c.GetHeader(CallerHeader))
	if err != nil {
		s.fail(c, err)
		return common.Address{}, false
	}
	return addr, true
}

// index 解析路径中的活动编号
func (s *Server) index(c *gin.Context) (uint64, bool) {
	index, err := validation.ParseIndex(c.Param("index"))
	if err != nil {
		s.fail(c, err)
		return 0, false
	}
	return index, true
}

// bind 解析JSON请求体，格式错误按参数错误处理
func (s *Server) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.fail(c, errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityLow, "BAD_REQUEST", "请求参数错误"))
		return false
	}
	return true
}

// createCampaign 创建活动
func (s *Server) createCampaign(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}

	var req struct {
		Receiver         string `json:"receiver" binding:"required"`
		TargetSum        string `json:"target_sum" binding:"required"`
		Goal             string `json:"goal"`
		UntilBlockNumber uint64 `json:"until_block_number"`
	}
	if !s.bind(c, &req) {
		return
	}

	// 零地址交给引擎按 RECEIVER_NULL 拒绝
	var receiver common.Address
	if req.Receiver != (common.Address{}).Hex() {
		addr, err := validation.ParseAddress(req.Receiver)
		if err != nil {
			s.fail(c, err)
			return
		}
		receiver = addr
	}

	targetSum, err := validation.ParseAmount(req.TargetSum)
	if err != nil {
		s.fail(c, err)
		return
	}

	index, err := s.engine.CreateCampaign(c.Request.Context(), caller, receiver, targetSum, req.Goal, req.UntilBlockNumber)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"index": index})
}

// getCampaign 查询活动
func (s *Server) getCampaign(c *gin.Context) {
	index, ok := s.index(c)
	if !ok {
		return
	}

	campaign, err := s.engine.Campaign(c.Request.Context(), index)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, campaign.ToKafkaMessage())
}

// getEvents 查询活动事件
func (s *Server) getEvents(c *gin.Context) {
	index, ok := s.index(c)
	if !ok {
		return
	}

	events, err := s.engine.Events(c.Request.Context(), index)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ToKafkaMessage())
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "events": out, "total": len(out)})
}

// auditCampaign 校验活动记录和事件流是否满足账本约束
func (s *Server) auditCampaign(c *gin.Context) {
	index, ok := s.index(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	campaign, err := s.engine.Campaign(ctx, index)
	if err != nil {
		s.fail(c, err)
		return
	}
	events, err := s.engine.Events(ctx, index)
	if err != nil {
		s.fail(c, err)
		return
	}
	height, err := s.engine.Height(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"index":    index,
		"campaign": s.validator.ValidateCampaign(campaign, height),
		"events":   s.validator.ValidateEvents(events),
	})
}

// getContribution 查询捐款人在活动中的累计捐款
func (s *Server) getContribution(c *gin.Context) {
	index, ok := s.index(c)
	if !ok {
		return
	}
	donor, err := validation.ParseAddress(c.Param("donor"))
	if err != nil {
		s.fail(c, err)
		return
	}

	amount, err := s.engine.Contribution(c.Request.Context(), index, donor)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"index":  index,
		"donor":  donor.Hex(),
		"amount": amount.String(),
	})
}

// startCampaign 启动活动
func (s *Server) startCampaign(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	index, ok := s.index(c)
	if !ok {
		return
	}

	if err := s.engine.Start(c.Request.Context(), caller, index); err != nil {
		s.fail(c, err)
		return
	}
	s.respondCampaign(c, index)
}

// cancelCampaign 取消活动
func (s *Server) cancelCampaign(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	index, ok := s.index(c)
	if !ok {
		return
	}

	if err := s.engine.Cancel(c.Request.Context(), caller, index); err != nil {
		s.fail(c, err)
		return
	}
	s.respondCampaign(c, index)
}

// prolongateCampaign 延长截止区块
func (s *Server) prolongateCampaign(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	index, ok := s.index(c)
	if !ok {
		return
	}

	var req struct {
		NewBlockNumber uint64 `json:"new_block_number" binding:"required"`
	}
	if !s.bind(c, &req) {
		return
	}

	if err := s.engine.Prolongate(c.Request.Context(), caller, req.NewBlockNumber, index); err != nil {
		s.fail(c, err)
		return
	}
	s.respondCampaign(c, index)
}

// donate 捐款。款项先存入托管账户，引擎拒绝则原路退回；没有托管账户时拒绝
func (s *Server) donate(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	index, ok := s.index(c)
	if !ok {
		return
	}
	if s.custody == nil {
		s.fail(c, errCustodyRequired.WithCaller(caller).WithIndex(index))
		return
	}

	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if !s.bind(c, &req) {
		return
	}
	value, err := validation.ParseAmount(req.Value)
	if err != nil {
		s.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := s.custody.Deposit(ctx, caller, value); err != nil {
		s.fail(c, errDepositFailed.Wrap(err).WithCaller(caller))
		return
	}

	receipt, err := s.engine.Donate(ctx, caller, index, value)
	if err != nil {
		// SETTLEMENT_PENDING 表示引擎已经原路退回
		if !stderrors.Is(err, errors.ErrSettlementPending) {
			if rerr := s.custody.Refund(context.WithoutCancel(ctx), caller, value); rerr != nil {
				s.logger.WithField("index", index).Errorf("退回被拒绝的捐款失败: %v", rerr)
			}
		}
		s.fail(c, err)
		return
	}

	resp := gin.H{
		"index":    receipt.Index,
		"donor":    receipt.Donor.Hex(),
		"accepted": receipt.Accepted,
		"status":   receipt.Status.String(),
	}
	if receipt.Returned != nil {
		resp["returned"] = receipt.Returned.String()
	}
	c.JSON(http.StatusOK, resp)
}

// receiverWithdraw 受益人提款
func (s *Server) receiverWithdraw(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	index, ok := s.index(c)
	if !ok {
		return
	}

	amount, err := s.engine.ReceiverWithdraw(c.Request.Context(), caller, index)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "to": caller.Hex(), "amount": amount.String()})
}

// donorWithdraw 捐款人取回捐款
func (s *Server) donorWithdraw(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	index, ok := s.index(c)
	if !ok {
		return
	}

	amount, err := s.engine.DonorWithdraw(c.Request.Context(), caller, index)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "to": caller.Hex(), "amount": amount.String()})
}

// respondCampaign 状态变更后返回最新记录
func (s *Server) respondCampaign(c *gin.Context, index uint64) {
	campaign, err := s.engine.Campaign(c.Request.Context(), index)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign.ToKafkaMessage())
}

// pendingTransfers 尚未结算的转账
func (s *Server) pendingTransfers(c *gin.Context) {
	pending, err := s.engine.PendingTransfers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.ToKafkaMessage())
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "transfers": out})
}

// confirmTransfer 管理员确认结果未知的转账是否已转出
func (s *Server) confirmTransfer(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	id, err := validation.ParseIndex(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	var req struct {
		Sent *bool `json:"sent" binding:"required"`
	}
	if !s.bind(c, &req) {
		return
	}

	if err := s.engine.ConfirmPending(c.Request.Context(), caller, id, *req.Sent); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "sent": *req.Sent})
}
