package trade

import (
	"github.com/shopspring/decimal"

	"github.com/storefront/backend/internal/application/storesync"
	"github.com/storefront/backend/internal/domain/trade"
)

// OrderItemRequest is one line of a new order
type OrderItemRequest struct {
	ProductID string          `json:"product_id" binding:"required"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity" binding:"required,min=1"`
	Size      string          `json:"size"`
	Colour    string          `json:"colour"`
}

// CreateOrderRequest represents a request to place an order
type CreateOrderRequest struct {
	CustomerName   string             `json:"customer_name" binding:"max=200"`
	CustomerEmail  string             `json:"customer_email" binding:"required,email"`
	CustomerPhone  string             `json:"customer_phone" binding:"max=50"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	DeliveryMethod string             `json:"delivery_method" binding:"omitempty,oneof=delivery collection"`
	Status         trade.OrderStatus  `json:"status"`
	// Total defaults to the sum of the items.
	Total *decimal.Decimal `json:"total"`
}

// UpdateStatusRequest changes the status of an order
type UpdateStatusRequest struct {
	Status trade.OrderStatus `json:"status" binding:"required"`
}

// TrackingRequest attaches shipment details to an order
type TrackingRequest struct {
	TrackingNumber    string `json:"tracking_number" binding:"required,max=100"`
	Carrier           string `json:"carrier" binding:"required,max=100"`
	EstimatedDelivery string `json:"estimated_delivery"`
	Message           string `json:"message" binding:"max=1000"`
}

// CollectionRequest marks an order ready for pickup
type CollectionRequest struct {
	ReadyDate     string `json:"ready_date" binding:"required"`
	StoreLocation string `json:"store_location"`
	WeekdayHours  string `json:"weekday_hours"`
	SaturdayHours string `json:"saturday_hours"`
	SundayHours   string `json:"sunday_hours"`
	Instructions  string `json:"instructions" binding:"max=1000"`
}

// TrackingUpdateRequest appends an entry to the shipment history
type TrackingUpdateRequest struct {
	Status  string `json:"status" binding:"required,max=50"`
	Message string `json:"message" binding:"max=1000"`
}

// DeliverRequest confirms delivery
type DeliverRequest struct {
	Signature string `json:"signature"`
}

// CollectRequest confirms pickup
type CollectRequest struct {
	CollectionCode string `json:"collection_code"`
}

// OrderFilter narrows an order listing
type OrderFilter struct {
	CustomerEmail string `form:"customer_email"`
}

// OrderResponse is an order together with how its write was accepted
type OrderResponse struct {
	trade.Order
	Sync storesync.WriteResult `json:"sync"`
}

// AddCartItemRequest adds a product variant to the cart
type AddCartItemRequest struct {
	ProductID string          `json:"product_id" binding:"required"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity" binding:"required,min=1"`
	Size      string          `json:"size"`
	Colour    string          `json:"colour"`
	Image     string          `json:"image"`
}

// UpdateCartItemRequest sets the quantity of a cart line. Zero removes it.
type UpdateCartItemRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

// CartResponse is the cart contents and their total
type CartResponse struct {
	Items []trade.CartItem `json:"items"`
	Total decimal.Decimal  `json:"total"`
}

// CartItemResponse is a cart line together with how its write was accepted
type CartItemResponse struct {
	trade.CartItem
	Sync storesync.WriteResult `json:"sync"`
}
