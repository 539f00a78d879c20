package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	tradeapp "github.com/storefront/backend/internal/application/trade"
)

// OrderHandler handles orders and their fulfilment
type OrderHandler struct {
	BaseHandler
	service *tradeapp.OrderService
}

// NewOrderHandler creates a new OrderHandler
func NewOrderHandler(service *tradeapp.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

// Create places an order
func (h *OrderHandler) Create(c *gin.Context) {
	var req tradeapp.CreateOrderRequest
	if !h.bindJSON(c, &req) {
		return
	}
	h.respond(c, http.StatusCreated)(h.service.Save(c.Request.Context(), req))
}

// List returns orders newest first, optionally for one ?customer_email=
func (h *OrderHandler) List(c *gin.Context) {
	var filter tradeapp.OrderFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.BadRequest(c, "Invalid query parameters")
		return
	}
	h.Success(c, h.service.List(c.Request.Context(), filter))
}

// Stats summarizes all orders
func (h *OrderHandler) Stats(c *gin.Context) {
	h.Success(c, h.service.Stats(c.Request.Context()))
}

// GetByID returns one order
func (h *OrderHandler) GetByID(c *gin.Context) {
	o, err := h.service.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, o)
}

// UpdateStatus sets the status of an order
func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	var req tradeapp.UpdateStatusRequest
	if !h.bindJSON(c, &req) {
		return
	}
	h.respond(c, http.StatusOK)(h.service.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status))
}

// AddTracking ships an order
func (h *OrderHandler) AddTracking(c *gin.Context) {
	var req tradeapp.TrackingRequest
	if !h.bindJSON(c, &req) {
		return
	}
	h.respond(c, http.StatusOK)(h.service.AddTrackingInfo(c.Request.Context(), c.Param("id"), req))
}

// AddCollection marks an order ready for pickup
func (h *OrderHandler) AddCollection(c *gin.Context) {
	var req tradeapp.CollectionRequest
	if !h.bindJSON(c, &req) {
		return
	}
	h.respond(c, http.StatusOK)(h.service.AddCollectionInfo(c.Request.Context(), c.Param("id"), req))
}

// AddTrackingUpdate appends to the shipment history
func (h *OrderHandler) AddTrackingUpdate(c *gin.Context) {
	var req tradeapp.TrackingUpdateRequest
	if !h.bindJSON(c, &req) {
		return
	}
	h.respond(c, http.StatusOK)(h.service.AddTrackingUpdate(c.Request.Context(), c.Param("id"), req))
}

// TrackingHistory returns the shipment history of an order
func (h *OrderHandler) TrackingHistory(c *gin.Context) {
	history, err := h.service.TrackingHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, history)
}

// Deliver marks an order delivered
func (h *OrderHandler) Deliver(c *gin.Context) {
	var req tradeapp.DeliverRequest
	if c.Request.ContentLength > 0 && !h.bindJSON(c, &req) {
		return
	}
	h.respond(c, http.StatusOK)(h.service.MarkDelivered(c.Request.Context(), c.Param("id"), req.Signature))
}

// Collect marks a pickup order collected
func (h *OrderHandler) Collect(c *gin.Context) {
	var req tradeapp.CollectRequest
	if c.Request.ContentLength > 0 && !h.bindJSON(c, &req) {
		return
	}
	h.respond(c, http.StatusOK)(h.service.MarkCollected(c.Request.Context(), c.Param("id"), req.CollectionCode))
}

func (h *OrderHandler) respond(c *gin.Context, okStatus int) func(*tradeapp.OrderResponse, error) {
	return func(resp *tradeapp.OrderResponse, err error) {
		if err != nil {
			h.HandleError(c, err)
			return
		}
		h.written(c, okStatus, resp.Sync.Queued, resp)
	}
}
