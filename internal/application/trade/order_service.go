package trade

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/application/storesync"
	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/domain/shared"
	"github.com/storefront/backend/internal/domain/trade"
)

// DefaultStoreLocation is used when a pickup order names no store
const DefaultStoreLocation = "Main Store"

// Store is the part of the sync engine orders and cart lines go through
type Store interface {
	ReadWithPending(ctx context.Context, collection string) []document.Document
	Write(ctx context.Context, collection string, action offline.Action, payload offline.Payload) (storesync.WriteResult, error)
}

// Option configures the trade services
type Option func(*options)

type options struct {
	logger *zap.Logger
	now    func() time.Time
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used for ids and lifecycle timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OrderService handles the order lifecycle on the synchronized orders collection
type OrderService struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewOrderService creates a new OrderService
func NewOrderService(store Store, opts ...Option) *OrderService {
	o := buildOptions(opts)
	return &OrderService{store: store, logger: o.logger.Named("orders"), now: o.now}
}

// Save places an order. The id and the pending status are filled in when absent.
func (s *OrderService) Save(ctx context.Context, req CreateOrderRequest) (*OrderResponse, error) {
	order := trade.Order{
		ID:             trade.NewOrderID(s.now()),
		CustomerName:   strings.TrimSpace(req.CustomerName),
		CustomerEmail:  strings.TrimSpace(req.CustomerEmail),
		CustomerPhone:  req.CustomerPhone,
		DeliveryMethod: req.DeliveryMethod,
		Status:         req.Status,
		Items: lo.Map(req.Items, func(item OrderItemRequest, _ int) trade.OrderItem {
			return trade.OrderItem{
				ProductID: item.ProductID,
				Name:      item.Name,
				Price:     item.Price,
				Quantity:  item.Quantity,
				Size:      item.Size,
				Colour:    item.Colour,
			}
		}),
	}
	if order.Status == "" {
		order.Status = trade.OrderStatusPending
	}
	if req.Total != nil {
		order.Total = *req.Total
	} else {
		order.Total = order.ItemsTotal()
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	res, err := s.store.Write(ctx, trade.OrdersCollection, offline.ActionSet, offline.Payload{ID: order.ID, Fields: order.Fields()})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Order saved",
		zap.String("order_id", order.ID),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Bool("queued", res.Queued))
	return &OrderResponse{Order: order, Sync: res}, nil
}

// List returns all orders, newest first
func (s *OrderService) List(ctx context.Context, filter OrderFilter) []trade.Order {
	orders := trade.OrdersFromDocuments(s.store.ReadWithPending(ctx, trade.OrdersCollection))
	if filter.CustomerEmail != "" {
		orders = lo.Filter(orders, func(o trade.Order, _ int) bool {
			return o.CustomerEmail == filter.CustomerEmail
		})
	}
	sortNewestFirst(orders)
	return orders
}

// CustomerOrders returns the orders placed with email, newest first
func (s *OrderService) CustomerOrders(ctx context.Context, email string) []trade.Order {
	if email == "" {
		return []trade.Order{}
	}
	return s.List(ctx, OrderFilter{CustomerEmail: email})
}

// GetByID returns one order
func (s *OrderService) GetByID(ctx context.Context, id string) (*trade.Order, error) {
	for _, d := range s.store.ReadWithPending(ctx, trade.OrdersCollection) {
		if d.ID != id {
			continue
		}
		o, err := trade.OrderFromDocument(d)
		if err != nil {
			return nil, err
		}
		return &o, nil
	}
	return nil, shared.NewDomainError("NOT_FOUND", fmt.Sprintf("order %s not found", id))
}

// UpdateStatus sets the status of an order
func (s *OrderService) UpdateStatus(ctx context.Context, id string, status trade.OrderStatus) (*OrderResponse, error) {
	if !status.IsValid() {
		return nil, shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("unknown order status %q", status))
	}
	return s.update(ctx, id, func(o *trade.Order) document.Fields {
		o.Status = status
		return document.Fields{"status": string(status)}
	})
}

// AddTrackingInfo records shipment details and marks the order shipped
func (s *OrderService) AddTrackingInfo(ctx context.Context, id string, req TrackingRequest) (*OrderResponse, error) {
	if strings.TrimSpace(req.TrackingNumber) == "" || strings.TrimSpace(req.Carrier) == "" {
		return nil, shared.NewDomainError("INVALID_INPUT", "tracking number and carrier are required")
	}
	now := s.now().UTC()
	info := &trade.TrackingInfo{
		TrackingNumber:    req.TrackingNumber,
		Carrier:           req.Carrier,
		EstimatedDelivery: req.EstimatedDelivery,
		Message:           req.Message,
		Status:            trade.TrackingInTransit,
		SentAt:            now,
		Updates: []trade.TrackingUpdate{{
			Status:    trade.TrackingInTransit,
			Message:   fmt.Sprintf("Your order is on its way with %s", req.Carrier),
			Timestamp: now,
		}},
	}
	return s.update(ctx, id, func(o *trade.Order) document.Fields {
		o.TrackingInfo = info
		o.Status = trade.OrderStatusShipped
		return document.Fields{
			"tracking_info": info.Fields(),
			"status":        string(trade.OrderStatusShipped),
		}
	})
}

// AddCollectionInfo records pickup details and marks the order ready for pickup
func (s *OrderService) AddCollectionInfo(ctx context.Context, id string, req CollectionRequest) (*OrderResponse, error) {
	if strings.TrimSpace(req.ReadyDate) == "" {
		return nil, shared.NewDomainError("INVALID_INPUT", "ready date is required")
	}
	info := &trade.CollectionInfo{
		ReadyDate:     req.ReadyDate,
		StoreLocation: lo.Ternary(req.StoreLocation == "", DefaultStoreLocation, req.StoreLocation),
		WeekdayHours:  req.WeekdayHours,
		SaturdayHours: req.SaturdayHours,
		SundayHours:   req.SundayHours,
		Instructions:  req.Instructions,
		Status:        string(trade.OrderStatusReadyForPickup),
		SentAt:        s.now().UTC(),
	}
	return s.update(ctx, id, func(o *trade.Order) document.Fields {
		o.CollectionInfo = info
		o.Status = trade.OrderStatusReadyForPickup
		return document.Fields{
			"collection_info": info.Fields(),
			"status":          string(trade.OrderStatusReadyForPickup),
		}
	})
}

// AddTrackingUpdate appends an entry to the shipment history of an order
func (s *OrderService) AddTrackingUpdate(ctx context.Context, id string, req TrackingUpdateRequest) (*OrderResponse, error) {
	if strings.TrimSpace(req.Status) == "" {
		return nil, shared.NewDomainError("INVALID_INPUT", "tracking status is required")
	}
	now := s.now().UTC()
	return s.update(ctx, id, func(o *trade.Order) document.Fields {
		if o.TrackingInfo == nil {
			o.TrackingInfo = &trade.TrackingInfo{SentAt: now}
		}
		o.TrackingInfo.Updates = append(o.TrackingInfo.Updates, trade.TrackingUpdate{
			Status:    req.Status,
			Message:   req.Message,
			Timestamp: now,
		})
		o.TrackingInfo.Status = req.Status
		o.TrackingInfo.LastUpdate = &now
		return document.Fields{"tracking_info": o.TrackingInfo.Fields()}
	})
}

// TrackingHistory returns the shipment history of an order, oldest first
func (s *OrderService) TrackingHistory(ctx context.Context, id string) ([]trade.TrackingUpdate, error) {
	o, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.TrackingInfo == nil {
		return []trade.TrackingUpdate{}, nil
	}
	return o.TrackingInfo.Updates, nil
}

// MarkDelivered marks an order delivered, optionally with the recipient's signature
func (s *OrderService) MarkDelivered(ctx context.Context, id, signature string) (*OrderResponse, error) {
	now := s.now().UTC()
	return s.update(ctx, id, func(o *trade.Order) document.Fields {
		o.Status = trade.OrderStatusDelivered
		o.DeliveredAt = &now
		o.DeliverySignature = signature
		return document.Fields{
			"status":             string(trade.OrderStatusDelivered),
			"delivered_at":       now.Format(time.RFC3339Nano),
			"delivery_signature": signature,
		}
	})
}

// MarkCollected marks a pickup order collected, optionally with the code shown at the counter
func (s *OrderService) MarkCollected(ctx context.Context, id, code string) (*OrderResponse, error) {
	now := s.now().UTC()
	return s.update(ctx, id, func(o *trade.Order) document.Fields {
		o.Status = trade.OrderStatusCollected
		o.CollectedAt = &now
		o.CollectionCode = code
		return document.Fields{
			"status":          string(trade.OrderStatusCollected),
			"collected_at":    now.Format(time.RFC3339Nano),
			"collection_code": code,
		}
	})
}

// Stats summarizes all orders
func (s *OrderService) Stats(ctx context.Context) trade.Stats {
	return trade.ComputeStats(trade.OrdersFromDocuments(s.store.ReadWithPending(ctx, trade.OrdersCollection)))
}

// update loads an order, lets mutate change it and writes the returned fields
// as a merge.
func (s *OrderService) update(ctx context.Context, id string, mutate func(*trade.Order) document.Fields) (*OrderResponse, error) {
	o, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := mutate(o)
	res, err := s.store.Write(ctx, trade.OrdersCollection, offline.ActionUpdate, offline.Payload{ID: id, Fields: changes})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Order updated",
		zap.String("order_id", id),
		zap.String("status", string(o.Status)),
		zap.Bool("queued", res.Queued))
	return &OrderResponse{Order: *o, Sync: res}, nil
}

// sortNewestFirst orders by creation time descending. Orders not yet
// confirmed by the store have no creation time and use their last change.
func sortNewestFirst(orders []trade.Order) {
	at := func(o trade.Order) time.Time {
		if o.CreatedAt.IsZero() {
			return o.UpdatedAt
		}
		return o.CreatedAt
	}
	sort.SliceStable(orders, func(i, j int) bool {
		ti, tj := at(orders[i]), at(orders[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return orders[i].ID > orders[j].ID
	})
}
