package handler

import (
	"strconv"
	"time"

	"settlement/internal/service"
	"settlement/pkg/response"

	"github.com/gin-gonic/gin"
)

// GetBalance 查询商家余额
// GET /api/v1/vendor/balance
func (h *Handler) GetBalance(c *gin.Context) {
	view, err := h.payouts.Balance(c.Request.Context(), callerFrom(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, view)
}

// Withdraw sends the whole balance. The request has no body; partial
// withdrawals do not exist.
// POST /api/v1/vendor/payouts/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	payout, err := h.payouts.Withdraw(c.Request.Context(), callerFrom(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, payout)
}

// ListPayouts 出款记录
// GET /api/v1/vendor/payouts?page=1&page_size=20
func (h *Handler) ListPayouts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	payouts, total, err := h.payouts.History(c.Request.Context(), callerFrom(c).ID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      payouts,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// SavePayoutAccount
// PUT /api/v1/vendor/payout-account
func (h *Handler) SavePayoutAccount(c *gin.Context) {
	var req service.PayoutAccountInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	account, err := h.payouts.SavePayoutAccount(c.Request.Context(), callerFrom(c).ID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, account)
}

// ListCommissions 佣金明细
// GET /api/v1/vendor/commissions?page=1&page_size=20
func (h *Handler) ListCommissions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.payouts.Commissions(c.Request.Context(), callerFrom(c).ID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// CommissionTotal reports platform revenue for a period. Dates are
// YYYY-MM-DD or RFC 3339; to is exclusive.
// GET /api/v1/admin/commissions/total?from=2026-01-01&to=2026-02-01
func (h *Handler) CommissionTotal(c *gin.Context) {
	from, err := parseDay(c.Query("from"))
	if err != nil {
		response.ParamError(c, "from: "+err.Error())
		return
	}
	to, err := parseDay(c.Query("to"))
	if err != nil {
		response.ParamError(c, "to: "+err.Error())
		return
	}

	total, err := h.payouts.CommissionTotal(c.Request.Context(), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"from": from, "to": to, "commission": total})
}

func parseDay(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", v, time.Local)
}

type stockRequest struct {
	Stock *int64 `json:"stock" binding:"required"`
}

// SetStock
// PUT /api/v1/vendor/products/:product_id/stock
func (h *Handler) SetStock(c *gin.Context) {
	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	stock, err := h.orders.SetStock(c.Request.Context(), callerFrom(c).ID, c.Param("product_id"), *req.Stock)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, stock)
}

// GetStock
// GET /api/v1/vendor/products/:product_id/stock
func (h *Handler) GetStock(c *gin.Context) {
	stock, err := h.orders.Stock(c.Request.Context(), callerFrom(c).ID, c.Param("product_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, stock)
}
