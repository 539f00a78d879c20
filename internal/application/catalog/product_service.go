package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/application/storesync"
	"github.com/storefront/backend/internal/domain/catalog"
	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/domain/shared"
)

// Store is the part of the sync engine the catalog reads and writes through
type Store interface {
	ReadWithPending(ctx context.Context, collection string) []document.Document
	Write(ctx context.Context, collection string, action offline.Action, payload offline.Payload) (storesync.WriteResult, error)
}

// ProductService handles product operations on the synchronized catalog.
// Reads include this engine's own queued writes.
type ProductService struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// ProductServiceOption configures a ProductService
type ProductServiceOption func(*ProductService)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ProductServiceOption {
	return func(s *ProductService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for generated ids
func WithClock(now func() time.Time) ProductServiceOption {
	return func(s *ProductService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewProductService creates a new ProductService
func NewProductService(store Store, opts ...ProductServiceOption) *ProductService {
	s := &ProductService{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("catalog")
	return s
}

// List returns the products matching filter, ordered by name
func (s *ProductService) List(ctx context.Context, filter ProductFilter) []catalog.Product {
	products := catalog.ProductsFromDocuments(s.store.ReadWithPending(ctx, catalog.Collection))
	if filter.Category != "" {
		products = lo.Filter(products, func(p catalog.Product, _ int) bool {
			return strings.EqualFold(p.Category, filter.Category)
		})
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Search)); q != "" {
		products = lo.Filter(products, func(p catalog.Product, _ int) bool {
			return strings.Contains(strings.ToLower(p.Name), q) ||
				strings.Contains(strings.ToLower(p.Description), q)
		})
	}
	sort.SliceStable(products, func(i, j int) bool {
		return strings.ToLower(products[i].Name) < strings.ToLower(products[j].Name)
	})
	return products
}

// GetByID returns one product
func (s *ProductService) GetByID(ctx context.Context, id string) (*catalog.Product, error) {
	for _, d := range s.store.ReadWithPending(ctx, catalog.Collection) {
		if d.ID != id {
			continue
		}
		p, err := catalog.ProductFromDocument(d)
		if err != nil {
			return nil, err
		}
		return &p, nil
	}
	return nil, shared.NewDomainError("NOT_FOUND", fmt.Sprintf("product %s not found", id))
}

// Create adds a product, generating its id when none is given
func (s *ProductService) Create(ctx context.Context, req CreateProductRequest) (*ProductResponse, error) {
	p := catalog.Product{
		ID:          strings.TrimSpace(req.ID),
		Name:        strings.TrimSpace(req.Name),
		Category:    req.Category,
		Price:       req.Price,
		Stock:       req.Stock,
		Sizes:       req.Sizes,
		Colours:     req.Colours,
		Description: req.Description,
		Image:       req.Image,
	}
	if p.ID == "" {
		p.ID = catalog.NewProductID(s.now())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	res, err := s.store.Write(ctx, catalog.Collection, offline.ActionSet, offline.Payload{ID: p.ID, Fields: p.Fields()})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Product added", zap.String("product_id", p.ID), zap.Bool("queued", res.Queued))
	return &ProductResponse{Product: p, Sync: res}, nil
}

// Update applies the fields set in req to an existing product
func (s *ProductService) Update(ctx context.Context, id string, req UpdateProductRequest) (*ProductResponse, error) {
	p, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changes := document.Fields{}
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
		changes["name"] = p.Name
	}
	if req.Category != nil {
		p.Category = *req.Category
		changes["category"] = p.Category
	}
	if req.Price != nil {
		p.Price = *req.Price
		changes["price"] = p.Price.InexactFloat64()
	}
	if req.Stock != nil {
		p.Stock = *req.Stock
		changes["stock"] = p.Stock
	}
	if req.Sizes != nil {
		p.Sizes = req.Sizes
		changes["sizes"] = lo.ToAnySlice(p.Sizes)
	}
	if req.Colours != nil {
		p.Colours = req.Colours
		changes["colours"] = lo.ToAnySlice(p.Colours)
	}
	if req.Description != nil {
		p.Description = *req.Description
		changes["description"] = p.Description
	}
	if req.Image != nil {
		p.Image = *req.Image
		changes["image"] = p.Image
	}
	if len(changes) == 0 {
		return nil, shared.NewDomainError("INVALID_INPUT", "no fields to update")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	res, err := s.store.Write(ctx, catalog.Collection, offline.ActionUpdate, offline.Payload{ID: id, Fields: changes})
	if err != nil {
		return nil, err
	}
	return &ProductResponse{Product: *p, Sync: res}, nil
}

// UpdateStock sets the stock level of a product
func (s *ProductService) UpdateStock(ctx context.Context, id string, stock int) (*ProductResponse, error) {
	return s.Update(ctx, id, UpdateProductRequest{Stock: &stock})
}

// Delete removes a product
func (s *ProductService) Delete(ctx context.Context, id string) (storesync.WriteResult, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return storesync.WriteResult{}, err
	}
	res, err := s.store.Write(ctx, catalog.Collection, offline.ActionDelete, offline.Payload{ID: id})
	if err != nil {
		return storesync.WriteResult{}, err
	}
	s.logger.Info("Product deleted", zap.String("product_id", id), zap.Bool("queued", res.Queued))
	return res, nil
}

// ReplaceAll makes the catalog exactly products in one atomic batch: every
// given product is written and every other product is deleted.
func (s *ProductService) ReplaceAll(ctx context.Context, products []catalog.Product) (storesync.WriteResult, error) {
	keep := make(map[string]bool, len(products))
	items := make([]offline.BatchItem, 0, len(products))
	for i := range products {
		p := products[i]
		if p.ID == "" {
			p.ID = catalog.NewProductID(s.now())
		}
		if keep[p.ID] {
			return storesync.WriteResult{}, shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("product %s listed twice", p.ID))
		}
		if err := p.Validate(); err != nil {
			return storesync.WriteResult{}, err
		}
		keep[p.ID] = true
		items = append(items, offline.BatchItem{ID: p.ID, Fields: p.Fields()})
	}
	for _, d := range s.store.ReadWithPending(ctx, catalog.Collection) {
		if !keep[d.ID] {
			items = append(items, offline.BatchItem{ID: d.ID, Deleted: true})
		}
	}
	if len(items) == 0 {
		return storesync.WriteResult{}, nil
	}
	return s.store.Write(ctx, catalog.Collection, offline.ActionBatch, offline.Payload{Items: items})
}
