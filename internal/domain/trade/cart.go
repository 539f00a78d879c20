package trade

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

// CartCollection is the synchronized collection holding cart lines.
const CartCollection = "cart"

// CartItem is one line of the shopping cart. Lines with the same product,
// size and colour share an id.
type CartItem struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Size      string          `json:"size,omitempty"`
	Colour    string          `json:"colour,omitempty"`
	Image     string          `json:"image,omitempty"`
}

// CartLineID derives the line id for a product variant.
func CartLineID(productID, size, colour string) string {
	parts := []string{productID}
	if size != "" || colour != "" {
		parts = append(parts, strings.ToLower(size), strings.ToLower(colour))
	}
	return strings.Join(parts, "_")
}

// Validate checks required cart line fields.
func (c *CartItem) Validate() error {
	if strings.TrimSpace(c.ProductID) == "" {
		return shared.NewDomainError("INVALID_INPUT", "product id is required")
	}
	if c.Quantity <= 0 {
		return shared.NewDomainError("INVALID_INPUT", "quantity must be positive")
	}
	if c.Price.IsNegative() {
		return shared.NewDomainError("INVALID_INPUT", "price cannot be negative")
	}
	return nil
}

// Subtotal returns price times quantity.
func (c *CartItem) Subtotal() decimal.Decimal {
	return c.Price.Mul(decimal.NewFromInt(int64(c.Quantity)))
}

// Fields encodes the cart line body.
func (c *CartItem) Fields() document.Fields {
	f := document.Fields{
		"product_id": c.ProductID,
		"name":       c.Name,
		"price":      c.Price.InexactFloat64(),
		"quantity":   c.Quantity,
	}
	if c.Size != "" {
		f["size"] = c.Size
	}
	if c.Colour != "" {
		f["colour"] = c.Colour
	}
	if c.Image != "" {
		f["image"] = c.Image
	}
	return f
}

// CartItemsFromDocuments decodes a cart snapshot, skipping malformed lines.
func CartItemsFromDocuments(docs []document.Document) []CartItem {
	out := make([]CartItem, 0, len(docs))
	for _, d := range docs {
		var item CartItem
		if err := d.Decode(&item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out
}

// CartTotal sums the subtotals of items.
func CartTotal(items []CartItem) decimal.Decimal {
	total := decimal.Zero
	for i := range items {
		total = total.Add(items[i].Subtotal())
	}
	return total
}

// String implements fmt.Stringer for log output.
func (c CartItem) String() string {
	return fmt.Sprintf("%s x%d", c.ID, c.Quantity)
}
