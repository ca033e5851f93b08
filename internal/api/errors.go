package api

import (
	"errors"
	"net/http"

	"farm-market/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func errorBody(fields ...service.FieldError) gin.H {
	return gin.H{"errors": fields}
}

// respondError maps service errors onto status codes and the
// {errors:[{field,message}]} body
func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		verr     *service.ValidationError
		notFound *service.ProductNotFoundError
		short    *service.InsufficientStockError
	)

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, errorBody(verr.Fields...))
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, errorBody(service.FieldError{Field: "product", Message: notFound.Error()}))
	case errors.As(err, &short):
		c.JSON(http.StatusBadRequest, errorBody(service.FieldError{Field: "products", Message: short.Error()}))
	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, errorBody(service.FieldError{Field: "order", Message: "Order not found"}))
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, errorBody(service.FieldError{Field: "authorization", Message: "Not allowed for this role"}))
	case errors.Is(err, service.ErrIdempotencyConflict),
		errors.Is(err, service.ErrReconciliationInProgress),
		errors.Is(err, service.ErrOrderNotFlaggedForReconcile):
		c.JSON(http.StatusConflict, errorBody(service.FieldError{Field: "request", Message: err.Error()}))
	default:
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(service.FieldError{Field: "server", Message: "Server Error"}))
	}
}

func (h *Handler) badRequest(c *gin.Context, field string, err error) {
	c.JSON(http.StatusBadRequest, errorBody(service.FieldError{Field: field, Message: err.Error()}))
}
