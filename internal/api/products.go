package api

import (
	"net/http"

	"farm-market/internal/service"

	"github.com/gin-gonic/gin"
)

// listProducts serves the public catalog
func (h *Handler) listProducts(c *gin.Context) {
	var q service.ProductQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, "query", err)
		return
	}

	page, err := h.catalog.ListProducts(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) getProduct(c *gin.Context) {
	product, err := h.catalog.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) listMyProducts(c *gin.Context) {
	products, err := h.catalog.ListFarmerProducts(c.Request.Context(), principal(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) createProduct(c *gin.Context) {
	var in service.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, "body", err)
		return
	}

	product, err := h.catalog.CreateProduct(c.Request.Context(), principal(c), &in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) updateProduct(c *gin.Context) {
	var in service.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, "body", err)
		return
	}

	product, err := h.catalog.UpdateProduct(c.Request.Context(), principal(c), c.Param("id"), &in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) deleteProduct(c *gin.Context) {
	if err := h.catalog.DeleteProduct(c.Request.Context(), principal(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
