package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ariefcatur/go-storefront-sync/internal/orders"
	"github.com/ariefcatur/go-storefront-sync/internal/payments"
	"github.com/ariefcatur/go-storefront-sync/internal/stock"
)

type fakeCatalog struct {
	products map[string]orders.Product
	variants map[string]orders.Variant
}

func (c *fakeCatalog) GetProductsByIDs(_ context.Context, ids []string) (map[string]orders.Product, error) {
	out := map[string]orders.Product{}
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (c *fakeCatalog) GetVariantsByIDs(_ context.Context, ids []string) (map[string]orders.Variant, error) {
	out := map[string]orders.Variant{}
	for _, id := range ids {
		if v, ok := c.variants[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func teeCatalog(stockQty int) *fakeCatalog {
	return &fakeCatalog{
		products: map[string]orders.Product{
			"tee": {ID: "tee", Name: "Tee", PriceCents: 2499, Currency: "USD", Active: true, StockQuantity: stockQty},
		},
		variants: map[string]orders.Variant{
			"tee-s": {ID: "tee-s", ProductID: "tee", Size: "S", Active: true},
			"tee-m": {ID: "tee-m", ProductID: "tee", Size: "M", Active: true},
		},
	}
}

type fakePayments struct {
	mu        sync.Mutex
	byKey     map[string]payments.PaymentIntent
	requests  []payments.PaymentIntentRequest
	cancelled []string
}

func (f *fakePayments) CreatePaymentIntent(_ context.Context, req payments.PaymentIntentRequest) (payments.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.byKey == nil {
		f.byKey = map[string]payments.PaymentIntent{}
	}
	if pi, ok := f.byKey[req.IdempotencyKey]; ok {
		return pi, nil
	}
	pi := payments.PaymentIntent{ID: "pi_" + req.OrderID[:8], ClientSecret: "secret", Amount: req.Amount, Currency: req.Currency}
	f.byKey[req.IdempotencyKey] = pi
	return pi, nil
}

func (f *fakePayments) GetPaymentIntent(_ context.Context, id string) (payments.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pi := range f.byKey {
		if pi.ID == id {
			return pi, nil
		}
	}
	return payments.PaymentIntent{}, errors.New("no such intent")
}

func (f *fakePayments) CancelPaymentIntent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

// fakeStore mirrors the schema: one row per (order, variant) and a unique
// payment intent. With a catalog set it also takes units out of the pools.
type fakeStore struct {
	mu      sync.Mutex
	err     error
	catalog *fakeCatalog
	orders  map[string]orders.Order
	items   map[string][]orders.OrderItem
}

func (s *fakeStore) CreateOrderWithItems(_ context.Context, o orders.Order, items []orders.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.orders == nil {
		s.orders, s.items = map[string]orders.Order{}, map[string][]orders.OrderItem{}
	}
	for _, existing := range s.orders {
		if existing.PaymentIntentID == o.PaymentIntentID {
			return orders.ErrAlreadyExists
		}
	}
	seen := map[string]bool{}
	for _, it := range items {
		if seen[it.VariantID] {
			return errors.New("duplicate key value violates order_items_pkey")
		}
		seen[it.VariantID] = true
	}
	if s.catalog != nil {
		for id, qty := range orders.QuantitiesByProduct(items) {
			prod := s.catalog.products[id]
			prod.StockQuantity -= qty
			s.catalog.products[id] = prod
		}
	}
	s.orders[o.ID] = o
	s.items[o.ID] = items
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return o, nil
	}
	return orders.Order{}, orders.ErrNotFound
}

func (s *fakeStore) GetByPaymentIntentID(_ context.Context, pi string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PaymentIntentID == pi {
			return o, nil
		}
	}
	return orders.Order{}, orders.ErrNotFound
}

func newPipeline(cat *fakeCatalog, pay *fakePayments, store *fakeStore, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		Stock:           &stock.Service{Catalog: cat},
		Catalog:         cat,
		Payments:        pay,
		Orders:          store,
		DefaultCurrency: "usd",
		Logger:          logger,
	}
}

func twoTees(total string) Params {
	return Params{
		Items:    []stock.Item{{ProductID: "tee", VariantID: "tee-m", Quantity: 2}},
		Email:    "buyer@example.com",
		Shipping: decimal.RequireFromString("2.00"),
		Total:    decimal.RequireFromString(total),
	}
}

func TestCreateOrderKeepsSubmittedTotalOnMismatch(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pay, store := &fakePayments{}, &fakeStore{}
	p := newPipeline(teeCatalog(10), pay, store, zap.New(core))

	res, err := p.CreateOrder(context.Background(), twoTees("49.98"))
	require.NoError(t, err)

	assert.True(t, res.TotalMismatch)
	assert.Equal(t, int64(4998), res.TotalCents)
	assert.Equal(t, int64(5198), res.ExpectedTotalCents)
	assert.Equal(t, orders.StatusProcessing, res.Status)

	require.Len(t, pay.requests, 1)
	assert.Equal(t, int64(4998), pay.requests[0].Amount)
	assert.Equal(t, "2", pay.requests[0].Metadata["item_count"])
	assert.Equal(t, "tee-m x2", pay.requests[0].Metadata["cart_summary"])

	o := store.orders[res.OrderID]
	assert.Equal(t, int64(4998), o.TotalCents)
	assert.Equal(t, int64(200), o.ShippingCents)
	assert.Equal(t, res.PaymentIntentID, o.PaymentIntentID)
	require.Len(t, store.items[res.OrderID], 1)
	assert.Equal(t, int64(2499), store.items[res.OrderID][0].PriceCents)

	require.Equal(t, 1, logs.FilterMessage("submitted total differs from catalog total").Len())
}

func TestCreateOrderMatchingTotal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p := newPipeline(teeCatalog(10), &fakePayments{}, &fakeStore{}, zap.New(core))

	res, err := p.CreateOrder(context.Background(), twoTees("51.98"))
	require.NoError(t, err)
	assert.False(t, res.TotalMismatch)
	assert.Equal(t, 0, logs.Len())

	res, err = p.CreateOrder(context.Background(), twoTees("51.97"))
	require.NoError(t, err)
	assert.False(t, res.TotalMismatch)
}

func TestCreateOrderRejectsSharedPoolOverflow(t *testing.T) {
	pay, store := &fakePayments{}, &fakeStore{}
	p := newPipeline(teeCatalog(3), pay, store, nil)

	params := twoTees("101.96")
	params.Items = append(params.Items, stock.Item{ProductID: "tee", VariantID: "tee-s", Quantity: 2})

	_, err := p.CreateOrder(context.Background(), params)
	var conflict *orders.StockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "tee", conflict.ProductID)
	assert.Empty(t, pay.requests)
	assert.Empty(t, store.orders)
}

func TestCreateOrderCancelsIntentWhenWriteFails(t *testing.T) {
	pay := &fakePayments{}
	store := &fakeStore{err: &orders.StockConflictError{ProductID: "tee", Requested: 2, Available: 1}}
	p := newPipeline(teeCatalog(10), pay, store, nil)

	_, err := p.CreateOrder(context.Background(), twoTees("51.98"))
	var conflict *orders.StockConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, pay.requests, 1)
	assert.Equal(t, []string{pay.byKey[pay.requests[0].IdempotencyKey].ID}, pay.cancelled)
}

func TestCreateOrderIdempotentRetry(t *testing.T) {
	pay, store := &fakePayments{}, &fakeStore{}
	p := newPipeline(teeCatalog(10), pay, store, nil)

	params := twoTees("51.98")
	params.IdempotencyKey = "cart-123"

	first, err := p.CreateOrder(context.Background(), params)
	require.NoError(t, err)
	second, err := p.CreateOrder(context.Background(), params)
	require.NoError(t, err)

	assert.False(t, first.Idempotent)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.Len(t, store.orders, 1)
	assert.Empty(t, pay.cancelled)
}

func TestCreateOrderRetryAfterStockConsumed(t *testing.T) {
	cat := teeCatalog(2)
	pay, store := &fakePayments{}, &fakeStore{catalog: cat}
	p := newPipeline(cat, pay, store, nil)

	params := twoTees("51.98")
	params.IdempotencyKey = "k1"

	first, err := p.CreateOrder(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 0, cat.products["tee"].StockQuantity)

	second, err := p.CreateOrder(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.Equal(t, "secret", second.ClientSecret)
	assert.Equal(t, orders.StatusProcessing, second.Status)
	assert.Len(t, pay.requests, 1)
	assert.Empty(t, pay.cancelled)
}

func TestCreateOrderWithoutKeyStillChecksStock(t *testing.T) {
	cat := teeCatalog(2)
	store := &fakeStore{catalog: cat}
	p := newPipeline(cat, &fakePayments{}, store, nil)

	_, err := p.CreateOrder(context.Background(), twoTees("51.98"))
	require.NoError(t, err)
	_, err = p.CreateOrder(context.Background(), twoTees("51.98"))
	var conflict *orders.StockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Len(t, store.orders, 1)
}

func TestCreateOrderMergesDuplicateLines(t *testing.T) {
	pay, store := &fakePayments{}, &fakeStore{}
	p := newPipeline(teeCatalog(10), pay, store, nil)

	params := twoTees("51.98")
	params.Items = []stock.Item{
		{ProductID: "tee", VariantID: "tee-m", Quantity: 1},
		{ProductID: "tee", VariantID: "tee-m", Quantity: 1},
	}

	res, err := p.CreateOrder(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, res.TotalMismatch)
	assert.Empty(t, pay.cancelled)

	items := store.items[res.OrderID]
	require.Len(t, items, 1)
	assert.Equal(t, "tee-m", items[0].VariantID)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, "tee-m x2", pay.requests[0].Metadata["cart_summary"])
}

func TestMergeLines(t *testing.T) {
	got := mergeLines([]stock.Item{
		{ProductID: "tee", VariantID: "tee-m", Quantity: 1},
		{ProductID: "tee", VariantID: "tee-s", Quantity: 2},
		{ProductID: " tee", VariantID: "tee-m ", Quantity: 3},
	})
	assert.Equal(t, []stock.Item{
		{ProductID: "tee", VariantID: "tee-m", Quantity: 4},
		{ProductID: "tee", VariantID: "tee-s", Quantity: 2},
	}, got)
}

func TestCreateOrderValidation(t *testing.T) {
	p := newPipeline(teeCatalog(10), &fakePayments{}, &fakeStore{}, nil)
	ctx := context.Background()

	cases := map[string]func(*Params){
		"empty cart":    func(p *Params) { p.Items = nil },
		"bad email":     func(p *Params) { p.Email = "nope" },
		"zero quantity": func(p *Params) { p.Items[0].Quantity = 0 },
		"sub-cent":      func(p *Params) { p.Total = decimal.RequireFromString("51.985") },
		"zero total":    func(p *Params) { p.Total = decimal.Zero },
		"negative ship": func(p *Params) { p.Shipping = decimal.RequireFromString("-1") },
		"currency":      func(p *Params) { p.Currency = "eur" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			params := twoTees("51.98")
			mutate(&params)
			_, err := p.CreateOrder(ctx, params)
			var verr *orders.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestCartSummaryIsBounded(t *testing.T) {
	var items []stock.Item
	for i := 0; i < 100; i++ {
		items = append(items, stock.Item{ProductID: "p", VariantID: strings.Repeat("v", 20), Quantity: 1})
	}
	s := cartSummary(items)
	assert.Len(t, s, maxMetadataValue)
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.Equal(t, 100, itemCount(items))
}
