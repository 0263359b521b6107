package payments

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
)

type stripeProductAPI interface {
	New(params *stripe.ProductParams) (*stripe.Product, error)
	Update(id string, params *stripe.ProductParams) (*stripe.Product, error)
}

type stripePriceAPI interface {
	New(params *stripe.PriceParams) (*stripe.Price, error)
	Update(id string, params *stripe.PriceParams) (*stripe.Price, error)
}

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	products       stripeProductAPI
	prices         stripePriceAPI
	intents        stripePaymentIntentAPI
	searchProducts func(params *stripe.ProductSearchParams) ([]*stripe.Product, error)
	listPrices     func(params *stripe.PriceListParams) ([]*stripe.Price, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	ManagedBy     string
	RatePerSecond float64
	MaxRetries    int
	Backends      *stripe.Backends
	Logger        *zap.Logger
	// BackOff overrides the retry schedule, mostly for tests.
	BackOff func() backoff.BackOff

	clients *stripeClients
}

// StripeProvider talks to Stripe for catalog objects and payment intents.
// One instance is built at startup and injected into every service.
type StripeProvider struct {
	api        stripeClients
	managedBy  string
	limiter    *rate.Limiter
	maxRetries int
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	managedBy := strings.TrimSpace(cfg.ManagedBy)
	if managedBy == "" {
		return nil, errors.New("stripe: managed-by tag is required")
	}

	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			products: sc.Products,
			prices:   sc.Prices,
			intents:  sc.PaymentIntents,
			searchProducts: func(params *stripe.ProductSearchParams) ([]*stripe.Product, error) {
				var out []*stripe.Product
				it := sc.Products.Search(params)
				for it.Next() {
					out = append(out, it.Product())
				}
				return out, it.Err()
			},
			listPrices: func(params *stripe.PriceListParams) ([]*stripe.Price, error) {
				var out []*stripe.Price
				it := sc.Prices.List(params)
				for it.Next() {
					out = append(out, it.Price())
				}
				return out, it.Err()
			},
		}
	}
	if clients.products == nil || clients.prices == nil || clients.intents == nil || clients.searchProducts == nil || clients.listPrices == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}

	newBackOff := cfg.BackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &StripeProvider{
		api:        clients,
		managedBy:  managedBy,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: maxRetries,
		newBackOff: newBackOff,
		logger:     logging.OrNop(cfg.Logger).Named("stripe"),
	}, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// ManagedBy is the tag value stamped on provider objects.
func (p *StripeProvider) ManagedBy() string { return p.managedBy }

// do runs fn under the client-side rate limit, retrying throttling and
// transient failures with exponential backoff and jitter. Writes carry
// idempotency keys so a retried write cannot duplicate an object.
func (p *StripeProvider) do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.maxRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		attempt++
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := fn()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		p.logger.Warn("stripe call failed, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return &orders.ExternalProviderError{Op: op, Retryable: retryable(err), Err: err}
	}
	return nil
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError
	}
	// transport level failure
	return true
}

func idempotencyKey(parts ...string) string {
	h := fnv.New64a()
	for _, part := range parts {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%s-%x", parts[0], h.Sum64())
}

// FindProduct looks up the provider product tagged with the local product id.
// Archived products are returned too; callers check Active.
func (p *StripeProvider) FindProduct(ctx context.Context, localProductID string) (ProductRef, bool, error) {
	params := &stripe.ProductSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata[%s]:%s AND metadata[%s]:%s",
		searchQuote(MetaManagedBy), searchQuote(p.managedBy),
		searchQuote(MetaProductID), searchQuote(localProductID))
	params.Limit = stripe.Int64(10)

	var found []*stripe.Product
	err := p.do(ctx, "search products", func() error {
		var err error
		found, err = p.api.searchProducts(params)
		return err
	})
	if err != nil {
		return ProductRef{}, false, err
	}
	if len(found) == 0 {
		return ProductRef{}, false, nil
	}

	refs := make([]ProductRef, 0, len(found))
	for _, sp := range found {
		ref, err := decodeProduct(sp, p.managedBy)
		if err != nil {
			return ProductRef{}, false, err
		}
		if ref.LocalProductID != localProductID {
			return ProductRef{}, false, fmt.Errorf("%w: product %s tagged %q, searched %q", ErrMalformedMetadata, ref.ProviderID, ref.LocalProductID, localProductID)
		}
		refs = append(refs, ref)
	}
	if len(refs) > 1 {
		p.logger.Warn("several provider products share one local id",
			zap.String("product_id", localProductID), zap.Int("count", len(refs)))
	}
	// active first, then most recently updated
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Active != refs[j].Active {
			return refs[i].Active
		}
		return refs[i].Updated.After(refs[j].Updated)
	})
	return refs[0], true, nil
}

// ListManagedProducts returns every active provider product carrying our tag.
func (p *StripeProvider) ListManagedProducts(ctx context.Context) ([]ProductRef, error) {
	params := &stripe.ProductSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("active:'true' AND metadata[%s]:%s", searchQuote(MetaManagedBy), searchQuote(p.managedBy))
	params.Limit = stripe.Int64(100)

	var found []*stripe.Product
	err := p.do(ctx, "search managed products", func() error {
		var err error
		found, err = p.api.searchProducts(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	refs := make([]ProductRef, 0, len(found))
	for _, sp := range found {
		ref, err := decodeProduct(sp, p.managedBy)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (p *StripeProvider) CreateProduct(ctx context.Context, in ProductInput) (ProductRef, error) {
	params := &stripe.ProductParams{
		Name:   stripe.String(in.Name),
		Active: stripe.Bool(in.Active),
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	params.AddMetadata(MetaManagedBy, p.managedBy)
	params.AddMetadata(MetaProductID, in.LocalProductID)
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey("product-create", in.LocalProductID, in.Name, in.Description, fmt.Sprint(in.Active)))

	var created *stripe.Product
	err := p.do(ctx, "create product", func() error {
		var err error
		created, err = p.api.products.New(params)
		return err
	})
	if err != nil {
		return ProductRef{}, err
	}
	p.logger.Info("provider product created",
		zap.String("product_id", in.LocalProductID), zap.String("stripe_product", created.ID))
	return decodeProduct(created, p.managedBy)
}

func (p *StripeProvider) UpdateProduct(ctx context.Context, providerID string, in ProductInput) (ProductRef, error) {
	params := &stripe.ProductParams{
		Name:        stripe.String(in.Name),
		Description: stripe.String(in.Description),
		Active:      stripe.Bool(in.Active),
	}
	params.Context = ctx

	var updated *stripe.Product
	err := p.do(ctx, "update product", func() error {
		var err error
		updated, err = p.api.products.Update(providerID, params)
		return err
	})
	if err != nil {
		return ProductRef{}, err
	}
	return decodeProduct(updated, p.managedBy)
}

// ArchiveProduct deactivates the product. Provider products referenced by
// past payments cannot be deleted.
func (p *StripeProvider) ArchiveProduct(ctx context.Context, providerID string) error {
	params := &stripe.ProductParams{Active: stripe.Bool(false)}
	params.Context = ctx
	return p.do(ctx, "archive product", func() error {
		_, err := p.api.products.Update(providerID, params)
		return err
	})
}

// ListActivePrices lists the active prices of a provider product. Listing is
// read-after-write consistent, unlike search.
func (p *StripeProvider) ListActivePrices(ctx context.Context, providerProductID string) ([]PriceRef, error) {
	params := &stripe.PriceListParams{
		Product: stripe.String(providerProductID),
		Active:  stripe.Bool(true),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var found []*stripe.Price
	err := p.do(ctx, "list prices", func() error {
		var err error
		found, err = p.api.listPrices(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	refs := make([]PriceRef, 0, len(found))
	for _, sp := range found {
		ref, err := decodePrice(sp, p.managedBy)
		if err != nil {
			return nil, err
		}
		if ref.ProviderProductID == "" {
			ref.ProviderProductID = providerProductID
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// CreatePrice always creates a new price object; provider prices cannot be edited.
func (p *StripeProvider) CreatePrice(ctx context.Context, in PriceInput) (PriceRef, error) {
	currency := strings.ToLower(in.Currency)
	params := &stripe.PriceParams{
		Product:    stripe.String(in.ProviderProductID),
		UnitAmount: stripe.Int64(in.UnitAmount),
		Currency:   stripe.String(currency),
	}
	params.AddMetadata(MetaManagedBy, p.managedBy)
	params.AddMetadata(MetaProductID, in.LocalProductID)
	params.AddMetadata(MetaVariantID, in.LocalVariantID)
	if in.Supersedes != "" {
		params.AddMetadata(MetaSupersedes, in.Supersedes)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey("price-create", in.ProviderProductID, in.LocalVariantID,
		fmt.Sprint(in.UnitAmount), currency, in.Supersedes))

	var created *stripe.Price
	err := p.do(ctx, "create price", func() error {
		var err error
		created, err = p.api.prices.New(params)
		return err
	})
	if err != nil {
		return PriceRef{}, err
	}
	p.logger.Info("provider price created",
		zap.String("variant_id", in.LocalVariantID),
		zap.String("stripe_price", created.ID),
		zap.Int64("unit_amount", in.UnitAmount),
	)
	ref, err := decodePrice(created, p.managedBy)
	if err != nil {
		return PriceRef{}, err
	}
	if ref.ProviderProductID == "" {
		ref.ProviderProductID = in.ProviderProductID
	}
	return ref, nil
}

func (p *StripeProvider) ArchivePrice(ctx context.Context, priceID string) error {
	params := &stripe.PriceParams{Active: stripe.Bool(false)}
	params.Context = ctx
	return p.do(ctx, "archive price", func() error {
		_, err := p.api.prices.Update(priceID, params)
		return err
	})
}

// CreatePaymentIntent creates the intent the storefront confirms in the browser.
// Metadata links the intent back to the order being built.
func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
	if req.Amount <= 0 {
		return PaymentIntent{}, orders.NewValidationError("amount", "must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata(MetaManagedBy, p.managedBy)
	if req.OrderID != "" {
		params.AddMetadata(MetaOrderID, req.OrderID)
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	var intent *stripe.PaymentIntent
	err := p.do(ctx, "create payment intent", func() error {
		var err error
		intent, err = p.api.intents.New(params)
		return err
	})
	if err != nil {
		return PaymentIntent{}, err
	}
	p.logger.Info("payment intent created",
		zap.String("order_id", req.OrderID), zap.String("payment_intent", intent.ID))
	return toPaymentIntent(intent), nil
}

// GetPaymentIntent reads an existing intent, e.g. to hand its client secret
// back on a repeated checkout.
func (p *StripeProvider) GetPaymentIntent(ctx context.Context, id string) (PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	var intent *stripe.PaymentIntent
	err := p.do(ctx, "get payment intent", func() error {
		var err error
		intent, err = p.api.intents.Get(id, params)
		return err
	})
	if err != nil {
		return PaymentIntent{}, err
	}
	return toPaymentIntent(intent), nil
}

func toPaymentIntent(intent *stripe.PaymentIntent) PaymentIntent {
	return PaymentIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
		Amount:       intent.Amount,
		Currency:     strings.ToLower(string(intent.Currency)),
	}
}

func (p *StripeProvider) CancelPaymentIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String("abandoned"),
	}
	params.Context = ctx
	return p.do(ctx, "cancel payment intent", func() error {
		_, err := p.api.intents.Cancel(id, params)
		return err
	})
}
