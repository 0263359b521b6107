// Package checkout turns a validated cart into a paid-for order: stock check,
// server-side total, payment intent, then one atomic write.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
	"github.com/ariefcatur/go-storefront-sync/internal/payments"
	"github.com/ariefcatur/go-storefront-sync/internal/stock"
)

type StockValidator interface {
	Validate(ctx context.Context, items []stock.Item, cart stock.Snapshot) ([]stock.Result, error)
}

type Catalog interface {
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]orders.Product, error)
}

type PaymentProvider interface {
	CreatePaymentIntent(ctx context.Context, req payments.PaymentIntentRequest) (payments.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (payments.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string) error
}

type OrderStore interface {
	CreateOrderWithItems(ctx context.Context, o orders.Order, items []orders.OrderItem) error
	GetByID(ctx context.Context, id string) (orders.Order, error)
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (orders.Order, error)
}

type StatusCache interface {
	Set(ctx context.Context, orderID, status string) error
}

// metadata values are capped by the provider
const maxMetadataValue = 500

// totals within one cent are considered equal
const totalTolerance int64 = 1

var hundred = decimal.NewFromInt(100)

type Params struct {
	Items          []stock.Item
	Email          string
	Currency       string
	Shipping       decimal.Decimal
	Total          decimal.Decimal
	IdempotencyKey string
}

type Result struct {
	OrderID            string        `json:"order_id"`
	PaymentIntentID    string        `json:"payment_intent_id"`
	ClientSecret       string        `json:"client_secret,omitempty"`
	Status             orders.Status `json:"status"`
	TotalCents         int64         `json:"total_cents"`
	ExpectedTotalCents int64         `json:"expected_total_cents,omitempty"`
	TotalMismatch      bool          `json:"total_mismatch"`
	Idempotent         bool          `json:"idempotent"`
}

type Pipeline struct {
	Stock    StockValidator
	Catalog  Catalog
	Payments PaymentProvider
	Orders   OrderStore
	// Cache is optional.
	Cache           StatusCache
	DefaultCurrency string
	Logger          *zap.Logger
}

var orderNamespace = uuid.MustParse("6f1c1b1e-3a52-4f0e-9a55-2f6b1f0c9d41")

// newOrderID is stable for a given idempotency key so a retried checkout
// sends identical parameters to the provider.
func newOrderID(idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(orderNamespace, []byte(idempotencyKey)).String()
}

func toCents(field string, d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, orders.NewValidationError(field, "must not be negative")
	}
	if !d.Equal(d.Round(2)) {
		return 0, orders.NewValidationError(field, "at most two decimal places")
	}
	return d.Mul(hundred).IntPart(), nil
}

func (p *Pipeline) validate(params Params) (total, shipping int64, currency string, err error) {
	if len(params.Items) == 0 {
		return 0, 0, "", orders.NewValidationError("items", "cart is empty")
	}
	for i, it := range params.Items {
		if strings.TrimSpace(it.ProductID) == "" || strings.TrimSpace(it.VariantID) == "" {
			return 0, 0, "", orders.NewValidationError(fmt.Sprintf("items[%d]", i), "product_id and variant_id are required")
		}
		if it.Quantity <= 0 {
			return 0, 0, "", orders.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be positive")
		}
	}
	if _, perr := mail.ParseAddress(params.Email); perr != nil {
		return 0, 0, "", orders.NewValidationError("email", "invalid address")
	}
	if total, err = toCents("total", params.Total); err != nil {
		return 0, 0, "", err
	}
	if total == 0 {
		return 0, 0, "", orders.NewValidationError("total", "must be positive")
	}
	if shipping, err = toCents("shipping", params.Shipping); err != nil {
		return 0, 0, "", err
	}
	currency = strings.ToLower(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = strings.ToLower(p.DefaultCurrency)
	}
	if currency == "" {
		return 0, 0, "", orders.NewValidationError("currency", "required")
	}
	return total, shipping, currency, nil
}

// CreateOrder validates the cart, charges the SUBMITTED total and writes the
// order with its items and stock decrement in one transaction. When the
// transaction fails the payment intent is cancelled. A repeated idempotency
// key returns the order it already created.
func (p *Pipeline) CreateOrder(ctx context.Context, params Params) (Result, error) {
	log := logging.OrNop(p.Logger)

	submitted, shipping, currency, err := p.validate(params)
	if err != nil {
		return Result{}, err
	}

	orderID := newOrderID(params.IdempotencyKey)
	if params.IdempotencyKey != "" {
		existing, err := p.Orders.GetByID(ctx, orderID)
		switch {
		case err == nil:
			return p.existingResult(ctx, log, existing), nil
		case !errors.Is(err, orders.ErrNotFound):
			return Result{}, fmt.Errorf("load order %s: %w", orderID, err)
		}
	}

	lines := mergeLines(params.Items)
	snapshot := make(stock.Snapshot, 0, len(lines))
	for _, it := range lines {
		snapshot = append(snapshot, stock.CartLine(it))
	}
	results, err := p.Stock.Validate(ctx, lines, snapshot)
	if err != nil {
		return Result{}, err
	}
	if err := stock.Err(results); err != nil {
		return Result{}, err
	}

	ids := make([]string, 0, len(lines))
	for _, it := range lines {
		ids = append(ids, it.ProductID)
	}
	products, err := p.Catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("load products: %w", err)
	}

	items := make([]orders.OrderItem, 0, len(lines))
	expected := shipping
	for _, it := range lines {
		prod, ok := products[it.ProductID]
		if !ok {
			return Result{}, orders.NewValidationError("items", "unknown product "+it.ProductID)
		}
		if !strings.EqualFold(prod.Currency, currency) {
			return Result{}, orders.NewValidationError("currency", fmt.Sprintf("product %s is priced in %s", prod.ID, strings.ToLower(prod.Currency)))
		}
		expected += prod.PriceCents * int64(it.Quantity)
		items = append(items, orders.OrderItem{
			OrderID:    orderID,
			ProductID:  it.ProductID,
			VariantID:  it.VariantID,
			Quantity:   it.Quantity,
			PriceCents: prod.PriceCents,
		})
	}

	res := Result{OrderID: orderID, TotalCents: submitted, ExpectedTotalCents: expected}
	if diff := submitted - expected; diff > totalTolerance || diff < -totalTolerance {
		res.TotalMismatch = true
		log.Warn("submitted total differs from catalog total",
			zap.String("order_id", orderID),
			zap.Int64("submitted_cents", submitted),
			zap.Int64("expected_cents", expected),
		)
	}

	idemKey := params.IdempotencyKey
	if idemKey == "" {
		idemKey = "order-" + orderID
	}
	intent, err := p.Payments.CreatePaymentIntent(ctx, payments.PaymentIntentRequest{
		OrderID:        orderID,
		Amount:         submitted,
		Currency:       currency,
		Email:          params.Email,
		IdempotencyKey: idemKey,
		Metadata: map[string]string{
			"item_count":   strconv.Itoa(itemCount(lines)),
			"cart_summary": cartSummary(lines),
			"email":        params.Email,
		},
	})
	if err != nil {
		return Result{}, err
	}
	res.PaymentIntentID = intent.ID
	res.ClientSecret = intent.ClientSecret

	o := orders.Order{
		ID:              orderID,
		PaymentIntentID: intent.ID,
		Status:          orders.StatusProcessing,
		TotalCents:      submitted,
		ShippingCents:   shipping,
		Currency:        currency,
		Email:           params.Email,
	}
	if err := p.Orders.CreateOrderWithItems(ctx, o, items); err != nil {
		if errors.Is(err, orders.ErrAlreadyExists) {
			existing, gerr := p.Orders.GetByPaymentIntentID(ctx, intent.ID)
			if gerr == nil {
				res.OrderID = existing.ID
				res.Status = existing.Status
				res.TotalCents = existing.TotalCents
				res.Idempotent = true
				return res, nil
			}
			log.Error("order exists but cannot be read", zap.String("payment_intent", intent.ID), zap.Error(gerr))
			return Result{}, err
		}
		p.cancelIntent(ctx, log, orderID, intent.ID)
		return Result{}, err
	}
	res.Status = o.Status

	if p.Cache != nil {
		if err := p.Cache.Set(ctx, orderID, string(o.Status)); err != nil {
			log.Warn("status cache set failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	log.Info("order created",
		zap.String("order_id", orderID),
		zap.String("payment_intent", intent.ID),
		zap.Int64("total_cents", submitted),
		zap.Int("items", len(items)),
	)
	return res, nil
}

// existingResult answers a repeated checkout from the stored order. The client
// secret is re-read from the provider; without it the order is still returned.
func (p *Pipeline) existingResult(ctx context.Context, log *zap.Logger, o orders.Order) Result {
	res := Result{
		OrderID:         o.ID,
		PaymentIntentID: o.PaymentIntentID,
		Status:          o.Status,
		TotalCents:      o.TotalCents,
		Idempotent:      true,
	}
	intent, err := p.Payments.GetPaymentIntent(ctx, o.PaymentIntentID)
	if err != nil {
		log.Warn("cannot read payment intent of existing order",
			zap.String("order_id", o.ID), zap.String("payment_intent", o.PaymentIntentID), zap.Error(err))
		return res
	}
	res.ClientSecret = intent.ClientSecret
	return res
}

// cancelIntent is best effort and survives the caller's cancellation.
func (p *Pipeline) cancelIntent(ctx context.Context, log *zap.Logger, orderID, intentID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.Payments.CancelPaymentIntent(cctx, intentID); err != nil {
		log.Error("payment intent left open after failed order write",
			zap.String("order_id", orderID), zap.String("payment_intent", intentID), zap.Error(err))
		return
	}
	log.Info("payment intent cancelled after failed order write",
		zap.String("order_id", orderID), zap.String("payment_intent", intentID))
}

// mergeLines folds repeated lines for the same variant into one, keeping
// first-seen order.
func mergeLines(items []stock.Item) []stock.Item {
	type key struct{ product, variant string }
	out := make([]stock.Item, 0, len(items))
	at := make(map[key]int, len(items))
	for _, it := range items {
		it.ProductID = strings.TrimSpace(it.ProductID)
		it.VariantID = strings.TrimSpace(it.VariantID)
		k := key{it.ProductID, it.VariantID}
		if i, ok := at[k]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		at[k] = len(out)
		out = append(out, it)
	}
	return out
}

func itemCount(items []stock.Item) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}

func cartSummary(items []stock.Item) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s x%d", it.VariantID, it.Quantity))
	}
	sort.Strings(parts)
	s := strings.Join(parts, ", ")
	if len(s) > maxMetadataValue {
		s = s[:maxMetadataValue-3] + "..."
	}
	return s
}
