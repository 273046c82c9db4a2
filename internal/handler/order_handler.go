package handler

import (
	"strconv"

	"settlement/internal/service"
	"settlement/pkg/response"

	"github.com/gin-gonic/gin"
)

// CreateOrder 创建订单
// POST /api/v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), callerFrom(c).ID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, order)
}

// GetOrder 查询订单详情
// GET /api/v1/orders/:order_no
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), callerFrom(c), c.Param("order_no"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// ListOrders 查询订单列表
// GET /api/v1/orders?page=1&page_size=20
func (h *Handler) ListOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	orders, total, err := h.orders.List(c.Request.Context(), callerFrom(c), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// PayOrder starts a collection on the chosen rail.
// POST /api/v1/orders/:order_no/pay
func (h *Handler) PayOrder(c *gin.Context) {
	var req service.CollectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.checkout.Collect(c.Request.Context(), callerFrom(c).ID, c.Param("order_no"), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// CancelOrder 取消订单
// POST /api/v1/orders/:order_no/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	order, err := h.orders.Cancel(c.Request.Context(), callerFrom(c).ID, c.Param("order_no"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

type confirmRequest struct {
	Rating *service.RatingInput `json:"rating"`
}

// ConfirmDelivery completes the order and releases the escrow.
// POST /api/v1/orders/:order_no/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req confirmRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "invalid request: "+err.Error())
			return
		}
	}

	order, err := h.orders.ConfirmDelivery(c.Request.Context(), callerFrom(c).ID, c.Param("order_no"), req.Rating)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// DisputeOrder
// POST /api/v1/orders/:order_no/dispute
func (h *Handler) DisputeOrder(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	order, err := h.orders.Dispute(c.Request.Context(), callerFrom(c).ID, c.Param("order_no"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// VendorAccept
// POST /api/v1/vendor/orders/:order_no/accept
func (h *Handler) VendorAccept(c *gin.Context) {
	order, err := h.orders.VendorAccept(c.Request.Context(), callerFrom(c).ID, c.Param("order_no"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// VendorReject refunds the escrow of an order the vendor cannot fulfil.
// POST /api/v1/vendor/orders/:order_no/reject
func (h *Handler) VendorReject(c *gin.Context) {
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "invalid request: "+err.Error())
			return
		}
	}

	order, err := h.orders.VendorReject(c.Request.Context(), callerFrom(c).ID, c.Param("order_no"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// Ship
// POST /api/v1/vendor/orders/:order_no/ship
func (h *Handler) Ship(c *gin.Context) {
	order, err := h.orders.Ship(c.Request.Context(), callerFrom(c).ID, c.Param("order_no"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// MarkDelivered
// POST /api/v1/vendor/orders/:order_no/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	order, err := h.orders.MarkDelivered(c.Request.Context(), callerFrom(c).ID, c.Param("order_no"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// OrderSettlement shows the escrow, release and commission of one order.
// GET /api/v1/vendor/orders/:order_no/settlement
func (h *Handler) OrderSettlement(c *gin.Context) {
	settlement, err := h.orders.Settlement(c.Request.Context(), callerFrom(c).ID, c.Param("order_no"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, settlement)
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// ResolveDispute 管理员裁决纠纷
// POST /api/v1/admin/orders/:order_no/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	order, err := h.orders.Resolve(c.Request.Context(), c.Param("order_no"), req.Resolution)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}
