package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
)

// Metadata tags written on every provider object this service owns. They are
// the only link between local ids and provider ids.
const (
	MetaManagedBy  = "managed_by"
	MetaProductID  = "product_id"
	MetaVariantID  = "variant_id"
	MetaSupersedes = "supersedes"
	MetaOrderID    = "order_id"
)

// ErrMalformedMetadata is returned when a provider object lacks the tags we rely on.
var ErrMalformedMetadata = errors.New("payments: malformed provider metadata")

// ProductRef is the provider product linked to a local product.
type ProductRef struct {
	ProviderID     string
	LocalProductID string
	Name           string
	Description    string
	Active         bool
	Updated        time.Time
}

// PriceRef is a provider price linked to a local variant. Prices are immutable
// on the provider side; only Active can change.
type PriceRef struct {
	ProviderID        string
	ProviderProductID string
	LocalProductID    string
	LocalVariantID    string
	UnitAmount        int64
	Currency          string
	Active            bool
	Created           time.Time
}

type ProductInput struct {
	LocalProductID string
	Name           string
	Description    string
	Active         bool
}

type PriceInput struct {
	ProviderProductID string
	LocalProductID    string
	LocalVariantID    string
	UnitAmount        int64
	Currency          string
	// Supersedes is the price this one replaces, kept for audit.
	Supersedes string
}

type PaymentIntentRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	Email          string
	Metadata       map[string]string
	IdempotencyKey string
}

type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64
	Currency     string
}

func requireMeta(kind, id string, md map[string]string, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(md[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s %s missing %s", ErrMalformedMetadata, kind, id, strings.Join(missing, ","))
	}
	return nil
}

func decodeProduct(p *stripe.Product, managedBy string) (ProductRef, error) {
	if p == nil {
		return ProductRef{}, fmt.Errorf("%w: nil product", ErrMalformedMetadata)
	}
	if err := requireMeta("product", p.ID, p.Metadata, MetaManagedBy, MetaProductID); err != nil {
		return ProductRef{}, err
	}
	if got := p.Metadata[MetaManagedBy]; got != managedBy {
		return ProductRef{}, fmt.Errorf("%w: product %s managed by %q", ErrMalformedMetadata, p.ID, got)
	}
	return ProductRef{
		ProviderID:     p.ID,
		LocalProductID: p.Metadata[MetaProductID],
		Name:           p.Name,
		Description:    p.Description,
		Active:         p.Active,
		Updated:        time.Unix(p.Updated, 0).UTC(),
	}, nil
}

func decodePrice(p *stripe.Price, managedBy string) (PriceRef, error) {
	if p == nil {
		return PriceRef{}, fmt.Errorf("%w: nil price", ErrMalformedMetadata)
	}
	if err := requireMeta("price", p.ID, p.Metadata, MetaManagedBy, MetaProductID, MetaVariantID); err != nil {
		return PriceRef{}, err
	}
	if got := p.Metadata[MetaManagedBy]; got != managedBy {
		return PriceRef{}, fmt.Errorf("%w: price %s managed by %q", ErrMalformedMetadata, p.ID, got)
	}
	ref := PriceRef{
		ProviderID:     p.ID,
		LocalProductID: p.Metadata[MetaProductID],
		LocalVariantID: p.Metadata[MetaVariantID],
		UnitAmount:     p.UnitAmount,
		Currency:       strings.ToLower(string(p.Currency)),
		Active:         p.Active,
		Created:        time.Unix(p.Created, 0).UTC(),
	}
	if p.Product != nil {
		ref.ProviderProductID = p.Product.ID
	}
	return ref, nil
}

// searchQuote quotes a value for the provider search query language.
func searchQuote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
