// Package stock decides whether cart requests fit in the product-level stock
// pool shared by all size variants of a product.
package stock

import (
	"context"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-storefront-sync/internal/orders"
)

// Catalog is the read side of the catalog repository used for stock checks.
type Catalog interface {
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]orders.Product, error)
	GetVariantsByIDs(ctx context.Context, ids []string) (map[string]orders.Variant, error)
}

// Item is one requested (product, variant, quantity) line.
type Item struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// CartLine is a line already present in the caller's cart.
type CartLine struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type Snapshot []CartLine

// Result is the verdict for one requested variant.
type Result struct {
	ProductID    string `json:"product_id"`
	VariantID    string `json:"variant_id"`
	IsValid      bool   `json:"is_valid"`
	Requested    int    `json:"requested"`
	Available    int    `json:"available"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type Service struct {
	Catalog Catalog
}

// Validate checks every requested item against
//
//	available = stock_quantity - sum(cart quantity of the other variants of the same product)
//
// It never reserves anything. Rule violations come back as invalid results;
// only catalog read failures return an error.
func (s *Service) Validate(ctx context.Context, items []Item, cart Snapshot) ([]Result, error) {
	if len(items) == 0 {
		return []Result{}, nil
	}

	requested, order := mergeItems(items)

	productIDs := make([]string, 0, len(order))
	variantIDs := make([]string, 0, len(order))
	for _, key := range order {
		productIDs = append(productIDs, key.productID)
		variantIDs = append(variantIDs, key.variantID)
	}

	products, err := s.Catalog.GetProductsByIDs(ctx, uniq(productIDs))
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	variants, err := s.Catalog.GetVariantsByIDs(ctx, uniq(variantIDs))
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}

	results := make([]Result, 0, len(order))
	for _, key := range order {
		qty := requested[key]
		res := Result{ProductID: key.productID, VariantID: key.variantID, Requested: qty}

		if msg := checkRequest(key, qty, products, variants); msg != "" {
			res.ErrorMessage = msg
			results = append(results, res)
			continue
		}

		p := products[key.productID]
		res.Available = p.StockQuantity - otherVariantsInCart(cart, key.productID, key.variantID)
		if res.Available < 0 {
			res.Available = 0
		}
		res.IsValid = qty <= res.Available
		if !res.IsValid {
			res.ErrorMessage = outOfStockMessage(p.Name, res.Available)
		}
		results = append(results, res)
	}
	return results, nil
}

// Err converts the first invalid result into a StockConflictError.
func Err(results []Result) error {
	for _, r := range results {
		if r.IsValid {
			continue
		}
		return &orders.StockConflictError{
			ProductID: r.ProductID,
			VariantID: r.VariantID,
			Requested: r.Requested,
			Available: r.Available,
			Message:   r.ErrorMessage,
		}
	}
	return nil
}

type lineKey struct {
	productID string
	variantID string
}

// mergeItems sums duplicate lines of the same variant, keeping first-seen order.
func mergeItems(items []Item) (map[lineKey]int, []lineKey) {
	qty := make(map[lineKey]int, len(items))
	order := make([]lineKey, 0, len(items))
	for _, it := range items {
		k := lineKey{productID: strings.TrimSpace(it.ProductID), variantID: strings.TrimSpace(it.VariantID)}
		if _, seen := qty[k]; !seen {
			order = append(order, k)
		}
		qty[k] += it.Quantity
	}
	return qty, order
}

func checkRequest(k lineKey, qty int, products map[string]orders.Product, variants map[string]orders.Variant) string {
	if k.productID == "" || k.variantID == "" {
		return "Product and size are required."
	}
	if qty <= 0 {
		return "Quantity must be at least 1."
	}
	p, ok := products[k.productID]
	if !ok || !p.Active {
		return "This product is no longer available."
	}
	v, ok := variants[k.variantID]
	if !ok || v.ProductID != k.productID {
		return "This size does not exist for the product."
	}
	if !v.Active {
		return "This size is no longer available."
	}
	return ""
}

func otherVariantsInCart(cart Snapshot, productID, variantID string) int {
	n := 0
	for _, line := range cart {
		if line.ProductID == productID && line.VariantID != variantID && line.Quantity > 0 {
			n += line.Quantity
		}
	}
	return n
}

func outOfStockMessage(name string, available int) string {
	if available <= 0 {
		return fmt.Sprintf("%s is out of stock in all remaining sizes.", name)
	}
	return fmt.Sprintf("Only %d of %s left across all sizes in your cart.", available, name)
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
