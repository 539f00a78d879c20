package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	catalogapp "github.com/storefront/backend/internal/application/catalog"
	"github.com/storefront/backend/internal/domain/catalog"
)

// ProductHandler handles the synchronized product catalog
type ProductHandler struct {
	BaseHandler
	service *catalogapp.ProductService
}

// NewProductHandler creates a new ProductHandler
func NewProductHandler(service *catalogapp.ProductService) *ProductHandler {
	return &ProductHandler{service: service}
}

// ReplaceProductsRequest replaces the whole catalog
type ReplaceProductsRequest struct {
	Products []catalog.Product `json:"products" binding:"dive"`
}

// List returns products, optionally filtered by ?category= and ?search=
func (h *ProductHandler) List(c *gin.Context) {
	var filter catalogapp.ProductFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.BadRequest(c, "Invalid query parameters")
		return
	}
	h.Success(c, h.service.List(c.Request.Context(), filter))
}

// GetByID returns one product
func (h *ProductHandler) GetByID(c *gin.Context) {
	p, err := h.service.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, p)
}

// Create adds a product
func (h *ProductHandler) Create(c *gin.Context) {
	var req catalogapp.CreateProductRequest
	if !h.bindJSON(c, &req) {
		return
	}
	resp, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusCreated, resp.Sync.Queued, resp)
}

// Update changes the given fields of a product
func (h *ProductHandler) Update(c *gin.Context) {
	var req catalogapp.UpdateProductRequest
	if !h.bindJSON(c, &req) {
		return
	}
	resp, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusOK, resp.Sync.Queued, resp)
}

// UpdateStock sets the stock level of a product
func (h *ProductHandler) UpdateStock(c *gin.Context) {
	var req catalogapp.UpdateStockRequest
	if !h.bindJSON(c, &req) {
		return
	}
	resp, err := h.service.UpdateStock(c.Request.Context(), c.Param("id"), *req.Stock)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusOK, resp.Sync.Queued, resp)
}

// Delete removes a product
func (h *ProductHandler) Delete(c *gin.Context) {
	res, err := h.service.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusOK, res.Queued, res)
}

// ReplaceAll makes the catalog exactly the given products
func (h *ProductHandler) ReplaceAll(c *gin.Context) {
	var req ReplaceProductsRequest
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.service.ReplaceAll(c.Request.Context(), req.Products)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusOK, res.Queued, res)
}
