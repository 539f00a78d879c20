package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	tradeapp "github.com/storefront/backend/internal/application/trade"
)

// CartHandler handles the synchronized shopping cart
type CartHandler struct {
	BaseHandler
	service *tradeapp.CartService
}

// NewCartHandler creates a new CartHandler
func NewCartHandler(service *tradeapp.CartService) *CartHandler {
	return &CartHandler{service: service}
}

// Get returns the cart and its total
func (h *CartHandler) Get(c *gin.Context) {
	h.Success(c, h.service.Cart(c.Request.Context()))
}

// Items returns the cart lines
func (h *CartHandler) Items(c *gin.Context) {
	h.Success(c, h.service.Items(c.Request.Context()))
}

// AddItem adds a product variant to the cart
func (h *CartHandler) AddItem(c *gin.Context) {
	var req tradeapp.AddCartItemRequest
	if !h.bindJSON(c, &req) {
		return
	}
	resp, err := h.service.AddItem(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusOK, resp.Sync.Queued, resp)
}

// UpdateItem sets the quantity of a line
func (h *CartHandler) UpdateItem(c *gin.Context) {
	var req tradeapp.UpdateCartItemRequest
	if !h.bindJSON(c, &req) {
		return
	}
	resp, err := h.service.UpdateQuantity(c.Request.Context(), c.Param("id"), *req.Quantity)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusOK, resp.Sync.Queued, resp)
}

// RemoveItem deletes a line
func (h *CartHandler) RemoveItem(c *gin.Context) {
	res, err := h.service.RemoveItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusOK, res.Queued, res)
}

// Clear empties the cart
func (h *CartHandler) Clear(c *gin.Context) {
	res, err := h.service.Clear(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusOK, res.Queued, res)
}
