package api

import (
	"net/http"
	"strconv"

	"farm-market/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerIdempotencyKey = "Idempotency-Key"

// placeOrder handles order placement
func (h *Handler) placeOrder(c *gin.Context) {
	var req service.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "body", err)
		return
	}
	req.IdempotencyKey = c.GetHeader(headerIdempotencyKey)

	order, err := h.placement.PlaceOrder(c.Request.Context(), principal(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listMyOrders(c *gin.Context) {
	orders, err := h.orders.ListMyOrders(c.Request.Context(), principal(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (h *Handler) listFarmerOrders(c *gin.Context) {
	orders, err := h.orders.ListFarmerOrders(c.Request.Context(), principal(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

type pageQuery struct {
	Page  int `form:"page"`
	Limit int `form:"limit"`
}

func (h *Handler) adminListOrders(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, "query", err)
		return
	}

	page, err := h.orders.ListOrders(c.Request.Context(), principal(c), q.Page, q.Limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) adminListFlaggedOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	orders, err := h.orders.ListFlaggedOrders(c.Request.Context(), principal(c), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (h *Handler) adminGetOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), principal(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) adminUpdateOrderStatus(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "body", err)
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), principal(c), id, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// adminReconcileOrder retries the unapplied stock lines of a flagged order
func (h *Handler) adminReconcileOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	order, err := h.reconciler.Reconcile(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// orderID parses the :id path parameter. Unparseable ids cannot name an
// order, so they get the same 404 as unknown ones.
func orderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody(service.FieldError{Field: "order", Message: "Order not found"}))
		return uuid.Nil, false
	}
	return id, true
}
