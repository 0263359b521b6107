package orders

import "time"

// Product is the catalog entry. Stock is tracked once per product and shared
// by all of its size variants.
type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	PriceCents    int64     `json:"price_cents"`
	Currency      string    `json:"currency"`
	Active        bool      `json:"active"`
	StockQuantity int       `json:"stock_quantity"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Variant is a size of a product. It has no stock of its own.
type Variant struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Active    bool   `json:"active"`
}

type Order struct {
	ID              string    `json:"id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	Status          Status    `json:"status"`
	TotalCents      int64     `json:"total_cents"`
	ShippingCents   int64     `json:"shipping_cents"`
	Currency        string    `json:"currency"`
	Email           string    `json:"email,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OrderItem snapshots the unit price at purchase time and is never updated.
type OrderItem struct {
	OrderID    string `json:"order_id"`
	ProductID  string `json:"product_id"`
	VariantID  string `json:"variant_id"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// MergeItems folds lines for the same variant into one, keeping first-seen
// order. order_items holds one row per (order, variant).
func MergeItems(items []OrderItem) []OrderItem {
	out := make([]OrderItem, 0, len(items))
	at := make(map[string]int, len(items))
	for _, it := range items {
		if i, ok := at[it.VariantID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		at[it.VariantID] = len(out)
		out = append(out, it)
	}
	return out
}

// QuantitiesByProduct sums item quantities per product.
func QuantitiesByProduct(items []OrderItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, it := range items {
		out[it.ProductID] += it.Quantity
	}
	return out
}
