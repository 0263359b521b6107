package catalogsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-sync/internal/orders"
	"github.com/ariefcatur/go-storefront-sync/internal/payments"
)

type fakeCatalog struct {
	mu       sync.Mutex
	products map[string]orders.Product
	variants map[string][]orders.Variant
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{products: map[string]orders.Product{}, variants: map[string][]orders.Variant{}}
}

func (c *fakeCatalog) add(id string, cents int64, sizes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[id] = orders.Product{ID: id, Name: "Name " + id, PriceCents: cents, Currency: "USD", Active: true, StockQuantity: 10}
	for _, s := range sizes {
		c.variants[id] = append(c.variants[id], orders.Variant{ID: id + "-" + s, ProductID: id, Size: s, Active: true})
	}
}

func (c *fakeCatalog) update(id string, fn func(p *orders.Product, vs []orders.Variant)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.products[id]
	fn(&p, c.variants[id])
	c.products[id] = p
}

func (c *fakeCatalog) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, id)
	delete(c.variants, id)
}

func (c *fakeCatalog) GetProduct(_ context.Context, id string) (orders.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[id]
	if !ok {
		return orders.Product{}, orders.ErrNotFound
	}
	return p, nil
}

func (c *fakeCatalog) GetProductsByIDs(_ context.Context, ids []string) (map[string]orders.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]orders.Product{}
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (c *fakeCatalog) ListActiveProductIDs(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, p := range c.products {
		if p.Active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *fakeCatalog) ListVariants(_ context.Context, productID string) ([]orders.Variant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]orders.Variant(nil), c.variants[productID]...), nil
}

// fakeProvider is an in-memory provider catalog with write counters.
type fakeProvider struct {
	mu       sync.Mutex
	seq      int
	clock    time.Time
	products map[string]payments.ProductRef
	prices   map[string]payments.PriceRef

	failCreate      map[string]bool
	failArchive     bool
	failCreatePrice bool
	// peakActive is the most active prices a variant ever had at once.
	peakActive map[string]int
	// findGate, when set, holds FindProduct until it is closed.
	findGate chan struct{}
	writes   int
	finds    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		clock:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		products:   map[string]payments.ProductRef{},
		prices:     map[string]payments.PriceRef{},
		failCreate: map[string]bool{},
		peakActive: map[string]int{},
	}
}

func (f *fakeProvider) next(prefix string) (string, time.Time) {
	f.seq++
	f.clock = f.clock.Add(time.Second)
	return fmt.Sprintf("%s_%d", prefix, f.seq), f.clock
}

func (f *fakeProvider) FindProduct(ctx context.Context, localID string) (payments.ProductRef, bool, error) {
	f.mu.Lock()
	f.finds++
	gate := f.findGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
		if err := ctx.Err(); err != nil {
			return payments.ProductRef{}, false, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.products {
		if p.LocalProductID == localID {
			return p, true, nil
		}
	}
	return payments.ProductRef{}, false, nil
}

func (f *fakeProvider) CreateProduct(_ context.Context, in payments.ProductInput) (payments.ProductRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[in.LocalProductID] {
		return payments.ProductRef{}, &orders.ExternalProviderError{Op: "create product", Err: errors.New("boom")}
	}
	f.writes++
	id, now := f.next("prod")
	ref := payments.ProductRef{ProviderID: id, LocalProductID: in.LocalProductID, Name: in.Name, Description: in.Description, Active: in.Active, Updated: now}
	f.products[id] = ref
	return ref, nil
}

func (f *fakeProvider) UpdateProduct(_ context.Context, providerID string, in payments.ProductInput) (payments.ProductRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	ref := f.products[providerID]
	ref.Name, ref.Description, ref.Active = in.Name, in.Description, in.Active
	_, ref.Updated = f.next("upd")
	f.products[providerID] = ref
	return ref, nil
}

func (f *fakeProvider) ArchiveProduct(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	ref := f.products[providerID]
	ref.Active = false
	f.products[providerID] = ref
	return nil
}

func (f *fakeProvider) ListActivePrices(_ context.Context, providerProductID string) ([]payments.PriceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []payments.PriceRef
	for _, p := range f.prices {
		if p.ProviderProductID == providerProductID && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProvider) CreatePrice(_ context.Context, in payments.PriceInput) (payments.PriceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreatePrice {
		return payments.PriceRef{}, &orders.ExternalProviderError{Op: "create price", Err: errors.New("boom")}
	}
	f.writes++
	id, now := f.next("price")
	ref := payments.PriceRef{
		ProviderID: id, ProviderProductID: in.ProviderProductID, LocalProductID: in.LocalProductID,
		LocalVariantID: in.LocalVariantID, UnitAmount: in.UnitAmount, Currency: in.Currency, Active: true, Created: now,
	}
	f.prices[id] = ref

	active := 0
	for _, p := range f.prices {
		if p.LocalVariantID == in.LocalVariantID && p.Active {
			active++
		}
	}
	if active > f.peakActive[in.LocalVariantID] {
		f.peakActive[in.LocalVariantID] = active
	}
	return ref, nil
}

func (f *fakeProvider) ArchivePrice(_ context.Context, priceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failArchive {
		return &orders.ExternalProviderError{Op: "archive price", Err: errors.New("archive down")}
	}
	f.writes++
	p := f.prices[priceID]
	p.Active = false
	f.prices[priceID] = p
	return nil
}

func (f *fakeProvider) ListManagedProducts(context.Context) ([]payments.ProductRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []payments.ProductRef
	for _, p := range f.products {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProvider) activePrices(variantID string) []payments.PriceRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []payments.PriceRef
	for _, p := range f.prices {
		if p.LocalVariantID == variantID && p.Active {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeProvider) set(fn func(f *fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeProvider) peak(variantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peakActive[variantID]
}

func (f *fakeProvider) findCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds
}

func (f *fakeProvider) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}
