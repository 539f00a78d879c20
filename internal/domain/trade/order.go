package trade

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

// OrdersCollection is the synchronized collection holding orders.
const OrdersCollection = "orders"

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusReadyForPickup OrderStatus = "ready_for_pickup"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCollected      OrderStatus = "collected"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusFailed         OrderStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPendingPayment, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusReadyForPickup, OrderStatusDelivered,
		OrderStatusCollected, OrderStatusCompleted, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// Tracking statuses
const (
	TrackingInTransit = "in_transit"
)

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Size      string          `json:"size,omitempty"`
	Colour    string          `json:"colour,omitempty"`
}

// TrackingUpdate is an entry in a shipment history.
type TrackingUpdate struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingInfo describes a shipped order.
type TrackingInfo struct {
	TrackingNumber    string           `json:"tracking_number"`
	Carrier           string           `json:"carrier"`
	EstimatedDelivery string           `json:"estimated_delivery,omitempty"`
	Message           string           `json:"message,omitempty"`
	Status            string           `json:"status"`
	SentAt            time.Time        `json:"sent_at"`
	LastUpdate        *time.Time       `json:"last_update,omitempty"`
	Updates           []TrackingUpdate `json:"updates"`
}

// CollectionInfo describes an order awaiting pickup.
type CollectionInfo struct {
	ReadyDate     string    `json:"ready_date"`
	StoreLocation string    `json:"store_location"`
	WeekdayHours  string    `json:"weekday_hours,omitempty"`
	SaturdayHours string    `json:"saturday_hours,omitempty"`
	SundayHours   string    `json:"sunday_hours,omitempty"`
	Instructions  string    `json:"instructions,omitempty"`
	Status        string    `json:"status"`
	SentAt        time.Time `json:"sent_at"`
}

// Order is a customer order as stored in the orders collection.
type Order struct {
	ID             string          `json:"id"`
	CustomerName   string          `json:"customer_name"`
	CustomerEmail  string          `json:"customer_email"`
	CustomerPhone  string          `json:"customer_phone,omitempty"`
	Items          []OrderItem     `json:"items"`
	Total          decimal.Decimal `json:"total"`
	Status         OrderStatus     `json:"status"`
	DeliveryMethod string          `json:"delivery_method,omitempty"`
	TrackingInfo   *TrackingInfo   `json:"tracking_info,omitempty"`
	CollectionInfo *CollectionInfo `json:"collection_info,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CollectedAt    *time.Time      `json:"collected_at,omitempty"`

	// DeliverySignature and CollectionCode confirm hand-over.
	DeliverySignature string `json:"delivery_signature,omitempty"`
	CollectionCode    string `json:"collection_code,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewOrderID generates an id of the form ORD-<unix ms>.
func NewOrderID(now time.Time) string {
	return fmt.Sprintf("ORD-%d", now.UnixMilli())
}

// Validate checks required order fields.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.CustomerEmail) == "" {
		return shared.NewDomainError("INVALID_INPUT", "customer email is required")
	}
	if len(o.Items) == 0 {
		return shared.NewDomainError("INVALID_INPUT", "order must contain at least one item")
	}
	for i, item := range o.Items {
		if item.Quantity <= 0 {
			return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("item %d quantity must be positive", i))
		}
	}
	if o.Status != "" && !o.Status.IsValid() {
		return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("unknown order status %q", o.Status))
	}
	return nil
}

// ItemsTotal sums price times quantity over all items.
func (o *Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// Fields encodes the order body. Money is stored as JSON numbers.
func (o *Order) Fields() document.Fields {
	items := make([]any, len(o.Items))
	for i, item := range o.Items {
		m := map[string]any{
			"product_id": item.ProductID,
			"name":       item.Name,
			"price":      item.Price.InexactFloat64(),
			"quantity":   item.Quantity,
		}
		if item.Size != "" {
			m["size"] = item.Size
		}
		if item.Colour != "" {
			m["colour"] = item.Colour
		}
		items[i] = m
	}
	f := document.Fields{
		"customer_name":  o.CustomerName,
		"customer_email": o.CustomerEmail,
		"items":          items,
		"total":          o.Total.InexactFloat64(),
		"status":         string(o.Status),
	}
	if o.CustomerPhone != "" {
		f["customer_phone"] = o.CustomerPhone
	}
	if o.DeliveryMethod != "" {
		f["delivery_method"] = o.DeliveryMethod
	}
	if o.TrackingInfo != nil {
		f["tracking_info"] = o.TrackingInfo.Fields()
	}
	if o.CollectionInfo != nil {
		f["collection_info"] = o.CollectionInfo.Fields()
	}
	if o.DeliveredAt != nil {
		f["delivered_at"] = o.DeliveredAt.UTC().Format(time.RFC3339Nano)
	}
	if o.CollectedAt != nil {
		f["collected_at"] = o.CollectedAt.UTC().Format(time.RFC3339Nano)
	}
	if o.DeliverySignature != "" {
		f["delivery_signature"] = o.DeliverySignature
	}
	if o.CollectionCode != "" {
		f["collection_code"] = o.CollectionCode
	}
	return f
}

// Document converts o into a stored document.
func (o *Order) Document() document.Document {
	return document.Document{ID: o.ID, Fields: o.Fields(), CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt}
}

// Fields encodes tracking info for storage.
func (t *TrackingInfo) Fields() map[string]any {
	updates := make([]any, len(t.Updates))
	for i, u := range t.Updates {
		updates[i] = map[string]any{
			"status":    u.Status,
			"message":   u.Message,
			"timestamp": u.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	m := map[string]any{
		"tracking_number": t.TrackingNumber,
		"carrier":         t.Carrier,
		"status":          t.Status,
		"sent_at":         t.SentAt.UTC().Format(time.RFC3339Nano),
		"updates":         updates,
	}
	if t.EstimatedDelivery != "" {
		m["estimated_delivery"] = t.EstimatedDelivery
	}
	if t.Message != "" {
		m["message"] = t.Message
	}
	if t.LastUpdate != nil {
		m["last_update"] = t.LastUpdate.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// Fields encodes collection info for storage.
func (c *CollectionInfo) Fields() map[string]any {
	m := map[string]any{
		"ready_date":     c.ReadyDate,
		"store_location": c.StoreLocation,
		"status":         c.Status,
		"sent_at":        c.SentAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range map[string]string{
		"weekday_hours":  c.WeekdayHours,
		"saturday_hours": c.SaturdayHours,
		"sunday_hours":   c.SundayHours,
		"instructions":   c.Instructions,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

// OrderFromDocument decodes a stored order.
func OrderFromDocument(doc document.Document) (Order, error) {
	var o Order
	if err := doc.Decode(&o); err != nil {
		return Order{}, fmt.Errorf("decode order %s: %w", doc.ID, err)
	}
	return o, nil
}

// OrdersFromDocuments decodes a snapshot, skipping documents that fail to decode.
func OrdersFromDocuments(docs []document.Document) []Order {
	out := make([]Order, 0, len(docs))
	for _, d := range docs {
		o, err := OrderFromDocument(d)
		if err != nil {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Stats summarizes a set of orders.
type Stats struct {
	Total        int             `json:"total"`
	Pending      int             `json:"pending"`
	Completed    int             `json:"completed"`
	Shipped      int             `json:"shipped"`
	Failed       int             `json:"failed"`
	TotalRevenue decimal.Decimal `json:"totalRevenue"`
}

// ComputeStats counts orders per status bucket and sums their totals.
func ComputeStats(orders []Order) Stats {
	s := Stats{Total: len(orders), TotalRevenue: decimal.Zero}
	for _, o := range orders {
		switch o.Status {
		case OrderStatusPending, OrderStatusPendingPayment:
			s.Pending++
		case OrderStatusCompleted:
			s.Completed++
		case OrderStatusShipped:
			s.Shipped++
		case OrderStatusFailed:
			s.Failed++
		}
		s.TotalRevenue = s.TotalRevenue.Add(o.Total)
	}
	return s
}
