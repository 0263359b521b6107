package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// decrementStock takes qty units out of each product pool with a conditional
// UPDATE. No row affected means the pool is short and the whole tx must roll back.
func decrementStock(ctx context.Context, tx pgx.Tx, qtyByProduct map[string]int) error {
	for _, productID := range sortedKeys(qtyByProduct) {
		qty := qtyByProduct[productID]
		ct, err := tx.Exec(ctx, `
			UPDATE products SET stock_quantity = stock_quantity - $2, updated_at = now()
			WHERE id = $1 AND stock_quantity >= $2`, productID, qty)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 1 {
			continue
		}

		var available int
		err = tx.QueryRow(ctx, `SELECT stock_quantity FROM products WHERE id=$1`, productID).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return NewValidationError("product_id", "unknown product "+productID)
		}
		if err != nil {
			return err
		}
		return &StockConflictError{ProductID: productID, Requested: qty, Available: available}
	}
	return nil
}

// restockOrder returns every unit of the order back to its product pool.
func restockOrder(ctx context.Context, tx pgx.Tx, orderID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE products p
		SET stock_quantity = p.stock_quantity + x.qty, updated_at = now()
		FROM (
			SELECT product_id, SUM(quantity) AS qty
			FROM order_items WHERE order_id = $1
			GROUP BY product_id
		) x
		WHERE p.id = x.product_id`, orderID)
	return err
}
