package orders

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Repo persists orders and their items in Postgres.
type Repo struct{ DB *pgxpool.Pool }

// CreateOrderWithItems decrements the shared stock, inserts the order and its
// items in one transaction. Either everything is committed or nothing is.
func (r *Repo) CreateOrderWithItems(ctx context.Context, o Order, items []OrderItem) error {
	if len(items) == 0 {
		return NewValidationError("items", "order must contain at least one item")
	}
	items = MergeItems(items)

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := decrementStock(ctx, tx, QuantitiesByProduct(items)); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, payment_intent_id, status, total_cents, shipping_cents, currency, email)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.PaymentIntentID, string(o.Status), o.TotalCents, o.ShippingCents, o.Currency, o.Email)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return err
	}

	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, variant_id, quantity, price_cents)
			VALUES ($1, $2, $3, $4, $5)`,
			o.ID, it.ProductID, it.VariantID, it.Quantity, it.PriceCents,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

const orderColumns = `id, payment_intent_id, status, total_cents, shipping_cents, currency, email, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		status string
	)
	err := row.Scan(&o.ID, &o.PaymentIntentID, &status, &o.TotalCents, &o.ShippingCents, &o.Currency, &o.Email, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	return o, nil
}

func (r *Repo) GetByID(ctx context.Context, id string) (Order, error) {
	return scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
}

func (r *Repo) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (Order, error) {
	return scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id=$1`, paymentIntentID))
}

func (r *Repo) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}

// TransitionStatus moves the order to `to` only if its current status allows it.
// The boolean is false when another writer got there first or the move is illegal.
// A transition to failed hands the order's units back to the product pools.
func (r *Repo) TransitionStatus(ctx context.Context, orderID string, to Status) (bool, error) {
	from := SourcesFor(to)
	if len(from) == 0 {
		return false, nil
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now()
		WHERE id=$1 AND status = ANY($3)`, orderID, string(to), from)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() != 1 {
		return false, nil
	}

	if to == StatusFailed {
		if err := restockOrder(ctx, tx, orderID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// sortedKeys gives a stable lock order so concurrent checkouts cannot deadlock.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
