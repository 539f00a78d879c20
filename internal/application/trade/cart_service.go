package trade

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/application/storesync"
	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/domain/shared"
	"github.com/storefront/backend/internal/domain/trade"
)

// CartService manages the synchronized shopping cart
type CartService struct {
	store  Store
	logger *zap.Logger
}

// NewCartService creates a new CartService
func NewCartService(store Store, opts ...Option) *CartService {
	o := buildOptions(opts)
	return &CartService{store: store, logger: o.logger.Named("cart")}
}

// Items returns the cart lines ordered by line id
func (s *CartService) Items(ctx context.Context) []trade.CartItem {
	items := trade.CartItemsFromDocuments(s.store.ReadWithPending(ctx, trade.CartCollection))
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// Cart returns the cart lines and their total
func (s *CartService) Cart(ctx context.Context) CartResponse {
	items := s.Items(ctx)
	return CartResponse{Items: items, Total: trade.CartTotal(items)}
}

// AddItem adds a product variant. Adding a variant already in the cart
// increases its quantity.
func (s *CartService) AddItem(ctx context.Context, req AddCartItemRequest) (*CartItemResponse, error) {
	item := trade.CartItem{
		ID:        trade.CartLineID(strings.TrimSpace(req.ProductID), req.Size, req.Colour),
		ProductID: strings.TrimSpace(req.ProductID),
		Name:      req.Name,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Size:      req.Size,
		Colour:    req.Colour,
		Image:     req.Image,
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	if existing, ok := s.find(ctx, item.ID); ok {
		item.Quantity += existing.Quantity
		res, err := s.store.Write(ctx, trade.CartCollection, offline.ActionUpdate, offline.Payload{
			ID:     item.ID,
			Fields: document.Fields{"quantity": item.Quantity},
		})
		if err != nil {
			return nil, err
		}
		existing.Quantity = item.Quantity
		return &CartItemResponse{CartItem: existing, Sync: res}, nil
	}

	res, err := s.store.Write(ctx, trade.CartCollection, offline.ActionSet, offline.Payload{ID: item.ID, Fields: item.Fields()})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Cart line added", zap.Stringer("line", item))
	return &CartItemResponse{CartItem: item, Sync: res}, nil
}

// UpdateQuantity sets the quantity of a line. A quantity of zero or less
// removes it.
func (s *CartService) UpdateQuantity(ctx context.Context, id string, quantity int) (*CartItemResponse, error) {
	item, ok := s.find(ctx, id)
	if !ok {
		return nil, notInCart(id)
	}
	if quantity <= 0 {
		res, err := s.store.Write(ctx, trade.CartCollection, offline.ActionDelete, offline.Payload{ID: id})
		if err != nil {
			return nil, err
		}
		item.Quantity = 0
		return &CartItemResponse{CartItem: item, Sync: res}, nil
	}
	res, err := s.store.Write(ctx, trade.CartCollection, offline.ActionUpdate, offline.Payload{
		ID:     id,
		Fields: document.Fields{"quantity": quantity},
	})
	if err != nil {
		return nil, err
	}
	item.Quantity = quantity
	return &CartItemResponse{CartItem: item, Sync: res}, nil
}

// RemoveItem deletes a line
func (s *CartService) RemoveItem(ctx context.Context, id string) (storesync.WriteResult, error) {
	if _, ok := s.find(ctx, id); !ok {
		return storesync.WriteResult{}, notInCart(id)
	}
	return s.store.Write(ctx, trade.CartCollection, offline.ActionDelete, offline.Payload{ID: id})
}

// Clear empties the cart in one batch
func (s *CartService) Clear(ctx context.Context) (storesync.WriteResult, error) {
	docs := s.store.ReadWithPending(ctx, trade.CartCollection)
	if len(docs) == 0 {
		return storesync.WriteResult{}, nil
	}
	items := make([]offline.BatchItem, len(docs))
	for i, d := range docs {
		items[i] = offline.BatchItem{ID: d.ID, Deleted: true}
	}
	res, err := s.store.Write(ctx, trade.CartCollection, offline.ActionBatch, offline.Payload{Items: items})
	if err != nil {
		return storesync.WriteResult{}, err
	}
	s.logger.Info("Cart cleared", zap.Int("lines", len(items)), zap.Bool("queued", res.Queued))
	return res, nil
}

func (s *CartService) find(ctx context.Context, id string) (trade.CartItem, bool) {
	for _, item := range trade.CartItemsFromDocuments(s.store.ReadWithPending(ctx, trade.CartCollection)) {
		if item.ID == id {
			return item, true
		}
	}
	return trade.CartItem{}, false
}

func notInCart(id string) error {
	return shared.NewDomainError("NOT_FOUND", fmt.Sprintf("cart line %s not found", id))
}
