package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/storefront/backend/internal/application/storesync"
	"github.com/storefront/backend/internal/domain/catalog"
)

// CreateProductRequest represents a request to add a product
type CreateProductRequest struct {
	// ID is generated when empty.
	ID          string          `json:"id" binding:"omitempty,max=100,excludesall=/: "`
	Name        string          `json:"name" binding:"required,min=1,max=200"`
	Category    string          `json:"category" binding:"max=100"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock" binding:"min=0"`
	Sizes       []string        `json:"sizes"`
	Colours     []string        `json:"colours"`
	Description string          `json:"description" binding:"max=2000"`
	Image       string          `json:"image"`
}

// UpdateProductRequest represents a partial product update
type UpdateProductRequest struct {
	Name        *string          `json:"name" binding:"omitempty,min=1,max=200"`
	Category    *string          `json:"category" binding:"omitempty,max=100"`
	Price       *decimal.Decimal `json:"price"`
	Stock       *int             `json:"stock" binding:"omitempty,min=0"`
	Sizes       []string         `json:"sizes"`
	Colours     []string         `json:"colours"`
	Description *string          `json:"description" binding:"omitempty,max=2000"`
	Image       *string          `json:"image"`
}

// UpdateStockRequest sets the stock level of a product
type UpdateStockRequest struct {
	Stock *int `json:"stock" binding:"required,min=0"`
}

// ProductFilter narrows a product listing
type ProductFilter struct {
	Category string `form:"category"`
	Search   string `form:"search"`
}

// ProductResponse is a product together with how its write was accepted
type ProductResponse struct {
	catalog.Product
	Sync storesync.WriteResult `json:"sync"`
}
