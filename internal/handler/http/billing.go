package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/service"
)

// BillingHandler 钱包查询、充值与管理员统计
type BillingHandler struct {
	billing *service.BillingService
}

func NewBillingHandler(billing *service.BillingService) *BillingHandler {
	if billing == nil {
		panic("BillingService cannot be nil for BillingHandler")
	}
	return &BillingHandler{billing: billing}
}

// GetWallet 返回当前用户的余额，钱包不存在时创建。
func (h *BillingHandler) GetWallet(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	wallet, err := h.billing.GetOrCreateWallet(c.Request.Context(), userID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": wallet.UserID, "balance": wallet.Balance})
}

// TopUpRequest 充值请求
type TopUpRequest struct {
	Amount   int64  `json:"amount" binding:"required,gt=0"`
	Metadata string `json:"metadata" binding:"max=255"`
}

// TopUp 为当前用户充值
func (h *BillingHandler) TopUp(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	h.topUp(c, userID)
}

// AdminTopUp 管理员为指定用户充值
func (h *BillingHandler) AdminTopUp(c *gin.Context) {
	target, err := strconv.ParseUint(c.Param("userId"), 10, 32)
	if err != nil || target == 0 {
		ErrorResponse(c, http.StatusBadRequest, "Invalid user id")
		return
	}
	h.topUp(c, uint(target))
}

func (h *BillingHandler) topUp(c *gin.Context, userID uint) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithField("user_id", userID).WithError(err).Warn("Handler.TopUp: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}
	txn, err := h.billing.AddCredits(c.Request.Context(), userID, req.Amount, req.Metadata)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn, "balance": txn.BalanceAfter})
}

// ListTransactions 返回当前用户最近的账本条目，?limit= 默认 50。
func (h *BillingHandler) ListTransactions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txns, err := h.billing.GetTransactions(c.Request.Context(), userID, limit)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// AdminStats 聚合统计，仅 ADMIN 可访问 (由路由上的 RequireRole 保证)。
func (h *BillingHandler) AdminStats(c *gin.Context) {
	stats, err := h.billing.GetAdminStats(c.Request.Context())
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, stats)
}
