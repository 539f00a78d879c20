package catalog

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

// Collection is the synchronized collection holding products.
const Collection = "products"

// Product is a catalog item as stored in the products collection.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Sizes       []string        `json:"sizes,omitempty"`
	Colours     []string        `json:"colours,omitempty"`
	Description string          `json:"description,omitempty"`
	Image       string          `json:"image,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// NewProductID generates an id of the form PROD-<unix ms>-<suffix>.
func NewProductID(now time.Time) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var suffix strings.Builder
	for range 6 {
		suffix.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return fmt.Sprintf("PROD-%d-%s", now.UnixMilli(), suffix.String())
}

// Validate checks required product fields.
func (p *Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return shared.NewDomainError("INVALID_INPUT", "product name is required")
	}
	if p.Price.IsNegative() {
		return shared.NewDomainError("INVALID_INPUT", "product price cannot be negative")
	}
	if p.Stock < 0 {
		return shared.NewDomainError("INVALID_INPUT", "product stock cannot be negative")
	}
	return nil
}

// Fields encodes the product body. Prices are stored as JSON numbers.
func (p *Product) Fields() document.Fields {
	f := document.Fields{
		"name":     p.Name,
		"category": p.Category,
		"price":    p.Price.InexactFloat64(),
		"stock":    p.Stock,
	}
	if len(p.Sizes) > 0 {
		f["sizes"] = toAnySlice(p.Sizes)
	}
	if len(p.Colours) > 0 {
		f["colours"] = toAnySlice(p.Colours)
	}
	if p.Description != "" {
		f["description"] = p.Description
	}
	if p.Image != "" {
		f["image"] = p.Image
	}
	return f
}

// Document converts p into a stored document.
func (p *Product) Document() document.Document {
	return document.Document{ID: p.ID, Fields: p.Fields(), CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt}
}

// ProductFromDocument decodes a stored product.
func ProductFromDocument(doc document.Document) (Product, error) {
	var p Product
	if err := doc.Decode(&p); err != nil {
		return Product{}, fmt.Errorf("decode product %s: %w", doc.ID, err)
	}
	return p, nil
}

// ProductsFromDocuments decodes a snapshot, skipping documents that fail to decode.
func ProductsFromDocuments(docs []document.Document) []Product {
	out := make([]Product, 0, len(docs))
	for _, d := range docs {
		p, err := ProductFromDocument(d)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}
