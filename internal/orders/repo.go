package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repo is the Postgres store. Every multi-entity mutation runs in a single
// transaction; product rows are the only contended resource and are always
// taken with FOR UPDATE plus a guarded decrement.
type Repo struct{ DB *pgxpool.Pool }

var (
	_ Store       = (*Repo)(nil)
	_ CartStore   = (*Repo)(nil)
	_ PaymentSink = (*Repo)(nil)
	_ AdminOpSink = (*Repo)(nil)
)

const orderCols = `id, external_id, user_id, merchant_id, recipient_name, recipient_phone,
	shipping_address, total_amount, status, payment_method, payment_time, created_at, updated_at`

func (r *Repo) PlaceOrder(ctx context.Context, in PlacementInput) (*Order, bool, error) {
	// Replay short-circuit before opening a transaction.
	o, err := r.getOrderByExternalID(ctx, in.ExternalID)
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, mapPgErr(err)
	}

	o, err = r.placeOrderTx(ctx, in)
	if err != nil {
		// A concurrent retry with the same external id may have won the
		// race; the unique index is the backstop.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "orders_order_external_id_key" {
			if o, err2 := r.getOrderByExternalID(ctx, in.ExternalID); err2 == nil {
				return o, true, nil
			}
		}
		return nil, false, mapPgErr(err)
	}
	return o, false, nil
}

func (r *Repo) placeOrderTx(ctx context.Context, in PlacementInput) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock product rows in ascending id order; a stable order keeps two
	// multi-line placements from deadlocking each other.
	ids := make([]string, len(in.Lines))
	for i, l := range in.Lines {
		ids[i] = l.ProductID
	}
	sort.Strings(ids)

	type locked struct {
		merchantID string
		categoryID string
		price      decimal.Decimal
		stock      int
	}
	products := make(map[string]locked, len(ids))
	for _, id := range ids {
		var p locked
		var priceStr string
		err := tx.QueryRow(ctx, `
			SELECT merchant_id, category_id, price, stock
			FROM products_product WHERE id = $1 FOR UPDATE`, id).
			Scan(&p.merchantID, &p.categoryID, &priceStr, &p.stock)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, err
		}
		if p.price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("product %s price: %w", id, err)
		}
		products[id] = p
	}

	merchantID := products[in.Lines[0].ProductID].merchantID
	for _, l := range in.Lines {
		if products[l.ProductID].merchantID != merchantID {
			return nil, fmt.Errorf("%w: line items span multiple merchants", ErrInvalidRequest)
		}
	}

	// All-or-nothing across the whole line set: collect every shortage
	// before touching any stock.
	var shortages []StockShortage
	for _, l := range in.Lines {
		if p := products[l.ProductID]; p.stock < l.Quantity {
			shortages = append(shortages, StockShortage{ProductID: l.ProductID, Required: l.Quantity, Available: p.stock})
		}
	}
	if len(shortages) > 0 {
		return nil, &InsufficientStockError{Shortages: shortages}
	}

	now := time.Now().UTC()
	o := &Order{
		ID:          uuid.NewString(),
		ExternalID:  in.ExternalID,
		UserID:      in.UserID,
		MerchantID:  merchantID,
		Recipient:   in.Recipient,
		Status:      StatusPending,
		TotalAmount: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, l := range in.Lines {
		p := products[l.ProductID]
		// Guarded decrement: the row is already locked, but the invariant
		// must not ride on the application-level read.
		ct, err := tx.Exec(ctx, `
			UPDATE products_product SET stock = stock - $2, updated_at = $3
			WHERE id = $1 AND stock >= $2`, l.ProductID, l.Quantity, now)
		if err != nil {
			return nil, err
		}
		if ct.RowsAffected() != 1 {
			return nil, &InsufficientStockError{Shortages: []StockShortage{
				{ProductID: l.ProductID, Required: l.Quantity, Available: p.stock},
			}}
		}
		line := OrderLine{OrderID: o.ID, ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: p.price}
		o.Lines = append(o.Lines, line)
		o.TotalAmount = o.TotalAmount.Add(line.Subtotal())
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders_order
			(id, external_id, user_id, merchant_id, recipient_name, recipient_phone,
			 shipping_address, total_amount, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		o.ID, o.ExternalID, o.UserID, o.MerchantID,
		o.Recipient.Name, o.Recipient.Phone, o.Recipient.Address,
		o.TotalAmount.StringFixed(2), string(o.Status), now)
	if err != nil {
		return nil, err
	}

	for _, line := range o.Lines {
		p := products[line.ProductID]
		if _, err = tx.Exec(ctx, `
			INSERT INTO orders_orderitem (order_id, product_id, merchant_id, quantity, price)
			VALUES ($1,$2,$3,$4,$5)`,
			o.ID, line.ProductID, merchantID, line.Quantity, line.UnitPrice.StringFixed(2)); err != nil {
			return nil, err
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO purchase_logs
				(user_id, product_id, category_id, order_id, unit_price, quantity, total_price, purchase_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			o.UserID, line.ProductID, p.categoryID, o.ID,
			line.UnitPrice.StringFixed(2), line.Quantity, line.Subtotal().StringFixed(2), now); err != nil {
			return nil, err
		}
		if _, err = tx.Exec(ctx, `
			DELETE FROM shopping_cart WHERE user_id = $1 AND product_id = $2`,
			o.UserID, line.ProductID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) Transition(ctx context.Context, orderID string, to Status, opts TransitionOpts) (*Order, error) {
	o, err := r.transitionTx(ctx, orderID, to, opts)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return o, nil
}

func (r *Repo) transitionTx(ctx context.Context, orderID string, to Status, opts TransitionOpts) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders_order WHERE id = $1 FOR UPDATE`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if o.Lines, err = loadLines(ctx, tx, o.ID); err != nil {
		return nil, err
	}

	if opts.ActorID != "" && !opts.ActorAdmin && o.UserID != opts.ActorID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", ErrPermissionDenied, orderID)
	}
	if !CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, to)
	}

	now := time.Now().UTC()
	if to == StatusPaid {
		if !opts.Method.Valid() {
			return nil, fmt.Errorf("%w: unknown payment_method %q", ErrInvalidRequest, opts.Method)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE orders_order SET status = $2, payment_method = $3, payment_time = $4, updated_at = $4
			WHERE id = $1`, o.ID, string(to), string(opts.Method), now); err != nil {
			return nil, err
		}
		o.PaymentMethod = opts.Method
		o.PaymentTime = &now
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE orders_order SET status = $2, updated_at = $3 WHERE id = $1`,
			o.ID, string(to), now); err != nil {
			return nil, err
		}
	}
	o.Status = to
	o.UpdatedAt = now

	if opts.Restock && to == StatusCancelled {
		for _, l := range o.Lines {
			if _, err := tx.Exec(ctx, `
				UPDATE products_product SET stock = stock + $2, updated_at = $3
				WHERE id = $1`, l.ProductID, l.Quantity, now); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders_order WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, mapPgErr(err)
	}
	if o.Lines, err = loadLines(ctx, r.DB, o.ID); err != nil {
		return nil, mapPgErr(err)
	}
	return o, nil
}

func (r *Repo) getOrderByExternalID(ctx context.Context, externalID string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders_order WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: external id %s", ErrNotFound, externalID)
	}
	if err != nil {
		return nil, err
	}
	if o.Lines, err = loadLines(ctx, r.DB, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) ListOrders(ctx context.Context, f ListFilter) ([]Order, error) {
	sql := `SELECT ` + orderCols + ` FROM orders_order WHERE 1=1`
	args := make([]any, 0, 5)
	if f.UserID != "" {
		args = append(args, f.UserID)
		sql += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.MerchantID != "" {
		args = append(args, f.MerchantID)
		sql += fmt.Sprintf(" AND merchant_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	sql += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr(err)
	}
	for i := range out {
		if out[i].Lines, err = loadLines(ctx, r.DB, out[i].ID); err != nil {
			return nil, mapPgErr(err)
		}
	}
	return out, nil
}

func (r *Repo) GetProduct(ctx context.Context, productID string) (*Product, error) {
	var p Product
	var priceStr string
	err := r.DB.QueryRow(ctx, `
		SELECT id, merchant_id, category_id, name, price, stock, created_at, updated_at
		FROM products_product WHERE id = $1`, productID).
		Scan(&p.ID, &p.MerchantID, &p.CategoryID, &p.Name, &priceStr, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
	}
	if err != nil {
		return nil, mapPgErr(err)
	}
	if p.Price, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("product %s price: %w", productID, err)
	}
	return &p, nil
}

func (r *Repo) Items(ctx context.Context, userID string) ([]CartItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT product_id, quantity FROM shopping_cart
		WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var out []CartItem
	for rows.Next() {
		it := CartItem{UserID: userID}
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repo) AppendPayment(ctx context.Context, rec PaymentRecord) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO payment_logs (user_id, order_id, amount, payment_method, status, ip_address, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.UserID, rec.OrderID, rec.Amount.StringFixed(2), string(rec.Method), rec.Result, rec.IP, rec.At)
	return mapPgErr(err)
}

func (r *Repo) AppendAdminOp(ctx context.Context, rec AdminOpRecord) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO admin_operation_logs
			(admin_id, operation_type, operation_content, object_type, object_id, ip_address, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ActorID, rec.Operation, rec.Content, rec.ObjectType, rec.ObjectID, rec.IP, rec.At)
	return mapPgErr(err)
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadLines(ctx context.Context, q pgQuerier, orderID string) ([]OrderLine, error) {
	rows, err := q.Query(ctx, `
		SELECT order_id, product_id, quantity, price
		FROM orders_orderitem WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderLine
	for rows.Next() {
		var l OrderLine
		var priceStr string
		if err := rows.Scan(&l.OrderID, &l.ProductID, &l.Quantity, &priceStr); err != nil {
			return nil, err
		}
		if l.UnitPrice, err = decimal.NewFromString(priceStr); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o         Order
		totalStr  string
		statusStr string
		method    *string
	)
	err := row.Scan(&o.ID, &o.ExternalID, &o.UserID, &o.MerchantID,
		&o.Recipient.Name, &o.Recipient.Phone, &o.Recipient.Address,
		&totalStr, &statusStr, &method, &o.PaymentTime, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.TotalAmount, err = decimal.NewFromString(totalStr); err != nil {
		return nil, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	o.Status = Status(statusStr)
	if method != nil {
		o.PaymentMethod = PaymentMethod(*method)
	}
	return &o, nil
}

// mapPgErr classifies storage-level failures. Lock waits, serialization
// failures and deadlocks become ErrTransientStorage so callers know a
// fresh retry is safe; domain errors pass through untouched.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		ErrNotFound, ErrInvalidRequest, ErrInsufficientStock,
		ErrIllegalTransition, ErrPermissionDenied, ErrInvalidStatus,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrTransientStorage, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	return err
}
