package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/db"
	"github.com/jesusaln/asistenciavircom-sub007/internal/receivables"
	"github.com/jesusaln/asistenciavircom-sub007/internal/stock"
)

// Folio series per document type.
const (
	SeriesQuote = "COT"
	SeriesOrder = "PED"
	SeriesSale  = "VTA"
)

// TxRepository exposes transactional operations. Stock and Receivables
// return sub-stores bound to the same transaction, so a sale, its stock
// movements and its ledger entry commit or roll back together.
type TxRepository interface {
	NextFolio(ctx context.Context, tenantID int64, series string) (string, error)

	InsertQuote(ctx context.Context, q Quote) (int64, error)
	GetQuoteForUpdate(ctx context.Context, tenantID, id int64) (Quote, error)
	UpdateQuote(ctx context.Context, q Quote) error
	SetQuoteStatus(ctx context.Context, id int64, status QuoteStatus) error

	InsertOrder(ctx context.Context, o Order) (int64, error)
	GetOrderForUpdate(ctx context.Context, tenantID, id int64) (Order, error)
	SetOrderStatus(ctx context.Context, id int64, status OrderStatus) error

	InsertSale(ctx context.Context, s Sale) (int64, error)
	GetSaleForUpdate(ctx context.Context, tenantID, id int64) (Sale, error)
	UpdateSale(ctx context.Context, s Sale) error
	SetSaleStatus(ctx context.Context, id int64, status SaleStatus, cancelledAt *time.Time) error
	SetSaleReceivable(ctx context.Context, saleID, receivableID int64) error
	SaleHasActiveInvoice(ctx context.Context, tenantID, saleID int64) (bool, error)

	Stock() stock.TxStore
	Receivables() receivables.TxRepository
}

// Repository provides PostgreSQL backed persistence for the three
// document types.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetQuote loads one quote with lines.
func (r *Repository) GetQuote(ctx context.Context, tenantID, id int64) (Quote, error) {
	q, err := scanQuote(r.pool.QueryRow(ctx, quoteSelect+` WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return Quote{}, err
	}
	q.Lines, err = loadLines(ctx, r.pool, "quote_lines", "quote_id", q.ID)
	return q, err
}

// ListQuotes returns quotes newest first, optionally filtered by status.
func (r *Repository) ListQuotes(ctx context.Context, tenantID int64, status QuoteStatus, limit int) ([]Quote, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		quoteSelect+` WHERE tenant_id = $1 AND ($2 = '' OR status = $2) ORDER BY id DESC LIMIT $3`,
		tenantID, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quotes []Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

// GetOrder loads one order with lines.
func (r *Repository) GetOrder(ctx context.Context, tenantID, id int64) (Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, orderSelect+` WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return Order{}, err
	}
	o.Lines, err = loadLines(ctx, r.pool, "order_lines", "order_id", o.ID)
	return o, err
}

// ListOrders returns orders newest first, optionally filtered by status.
func (r *Repository) ListOrders(ctx context.Context, tenantID int64, status OrderStatus, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		orderSelect+` WHERE tenant_id = $1 AND ($2 = '' OR status = $2) ORDER BY id DESC LIMIT $3`,
		tenantID, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetSale loads one sale with lines.
func (r *Repository) GetSale(ctx context.Context, tenantID, id int64) (Sale, error) {
	s, err := scanSale(r.pool.QueryRow(ctx, saleSelect+` WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return Sale{}, err
	}
	s.Lines, err = loadLines(ctx, r.pool, "sale_lines", "sale_id", s.ID)
	return s, err
}

// ListSales returns sales newest first, optionally filtered by status.
func (r *Repository) ListSales(ctx context.Context, tenantID int64, status SaleStatus, limit int) ([]Sale, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		saleSelect+` WHERE tenant_id = $1 AND ($2 = '' OR status = $2) ORDER BY id DESC LIMIT $3`,
		tenantID, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sales []Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, s)
	}
	return sales, rows.Err()
}

const quoteSelect = `SELECT id, tenant_id, client_id, folio, status, header_discount_pct, currency,
subtotal, item_discount_total, header_discount_amount, tax_total, withholding_iva, withholding_isr, total,
valid_until, notes, created_by, created_at, updated_at FROM quotes`

const orderSelect = `SELECT id, tenant_id, client_id, quote_id, location_id, folio, status, header_discount_pct, currency,
subtotal, item_discount_total, header_discount_amount, tax_total, withholding_iva, withholding_isr, total,
notes, created_by, created_at, updated_at FROM orders`

const saleSelect = `SELECT id, tenant_id, client_id, quote_id, order_id, location_id, folio, status, pay_method,
header_discount_pct, currency, subtotal, item_discount_total, header_discount_amount, tax_total, withholding_iva, withholding_isr, total,
receivable_id, settled, notes, created_by, created_at, updated_at, cancelled_at FROM sales`

func scanQuote(row pgx.Row) (Quote, error) {
	var q Quote
	err := row.Scan(&q.ID, &q.TenantID, &q.ClientID, &q.Folio, &q.Status, &q.HeaderDiscountPct, &q.Currency,
		&q.Totals.Subtotal, &q.Totals.ItemDiscountTotal, &q.Totals.HeaderDiscountAmount, &q.Totals.TaxTotal, &q.Totals.WithholdingIVA, &q.Totals.WithholdingISR, &q.Totals.Total,
		&q.ValidUntil, &q.Notes, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, ErrNotFound
		}
		return Quote{}, err
	}
	return q, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.TenantID, &o.ClientID, &o.QuoteID, &o.LocationID, &o.Folio, &o.Status,
		&o.HeaderDiscountPct, &o.Currency,
		&o.Totals.Subtotal, &o.Totals.ItemDiscountTotal, &o.Totals.HeaderDiscountAmount, &o.Totals.TaxTotal, &o.Totals.WithholdingIVA, &o.Totals.WithholdingISR, &o.Totals.Total,
		&o.Notes, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	return o, nil
}

func scanSale(row pgx.Row) (Sale, error) {
	var s Sale
	err := row.Scan(&s.ID, &s.TenantID, &s.ClientID, &s.QuoteID, &s.OrderID, &s.LocationID, &s.Folio, &s.Status,
		&s.PayMethod, &s.HeaderDiscountPct, &s.Currency,
		&s.Totals.Subtotal, &s.Totals.ItemDiscountTotal, &s.Totals.HeaderDiscountAmount, &s.Totals.TaxTotal, &s.Totals.WithholdingIVA, &s.Totals.WithholdingISR, &s.Totals.Total,
		&s.ReceivableID, &s.Settled, &s.Notes, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt, &s.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrNotFound
		}
		return Sale{}, err
	}
	return s, nil
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadLines(ctx context.Context, q queryer, table, fk string, docID int64) ([]LineItem, error) {
	rows, err := q.Query(ctx,
		`SELECT id, item_id, parent_item_id, description, quantity, unit_price, discount_pct, tax_rate,
		 stock_tracked, requires_serial, serials
		 FROM `+table+` WHERE `+fk+` = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LineItem
	for rows.Next() {
		var ln LineItem
		if err := rows.Scan(&ln.ID, &ln.ItemID, &ln.ParentItemID, &ln.Description, &ln.Quantity,
			&ln.UnitPrice, &ln.DiscountPct, &ln.TaxRate, &ln.StockTracked, &ln.RequiresSerial, &ln.Serials); err != nil {
			return nil, err
		}
		lines = append(lines, ln)
	}
	return lines, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) Stock() stock.TxStore { return stock.NewTxStore(t.tx) }

func (t *txRepo) Receivables() receivables.TxRepository { return receivables.NewTxRepository(t.tx) }

// NextFolio allocates the next consecutive folio for a series under a
// row lock on the counter.
func (t *txRepo) NextFolio(ctx context.Context, tenantID int64, series string) (string, error) {
	var value int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO folios (tenant_id, series, next_value) VALUES ($1, $2, 2)
		 ON CONFLICT (tenant_id, series) DO UPDATE SET next_value = folios.next_value + 1
		 RETURNING next_value - 1`,
		tenantID, series).Scan(&value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", series, value), nil
}

func (t *txRepo) InsertQuote(ctx context.Context, q Quote) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO quotes (tenant_id, client_id, folio, status, header_discount_pct, currency,
		 subtotal, item_discount_total, header_discount_amount, tax_total, withholding_iva, withholding_isr, total,
		 valid_until, notes, created_by, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now(),now()) RETURNING id`,
		q.TenantID, q.ClientID, q.Folio, q.Status, q.HeaderDiscountPct, q.Currency,
		q.Totals.Subtotal, q.Totals.ItemDiscountTotal, q.Totals.HeaderDiscountAmount, q.Totals.TaxTotal,
		q.Totals.WithholdingIVA, q.Totals.WithholdingISR, q.Totals.Total,
		q.ValidUntil, q.Notes, q.CreatedBy).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, t.insertLines(ctx, "quote_lines", "quote_id", id, q.Lines)
}

func (t *txRepo) GetQuoteForUpdate(ctx context.Context, tenantID, id int64) (Quote, error) {
	q, err := scanQuote(t.tx.QueryRow(ctx, quoteSelect+` WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return Quote{}, err
	}
	q.Lines, err = loadLines(ctx, t.tx, "quote_lines", "quote_id", q.ID)
	return q, err
}

func (t *txRepo) UpdateQuote(ctx context.Context, q Quote) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE quotes SET client_id = $2, header_discount_pct = $3, currency = $4,
		 subtotal = $5, item_discount_total = $6, header_discount_amount = $7, tax_total = $8,
		 withholding_iva = $9, withholding_isr = $10, total = $11,
		 valid_until = $12, notes = $13, updated_at = now() WHERE id = $1`,
		q.ID, q.ClientID, q.HeaderDiscountPct, q.Currency,
		q.Totals.Subtotal, q.Totals.ItemDiscountTotal, q.Totals.HeaderDiscountAmount, q.Totals.TaxTotal,
		q.Totals.WithholdingIVA, q.Totals.WithholdingISR, q.Totals.Total,
		q.ValidUntil, q.Notes)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM quote_lines WHERE quote_id = $1`, q.ID); err != nil {
		return err
	}
	return t.insertLines(ctx, "quote_lines", "quote_id", q.ID, q.Lines)
}

func (t *txRepo) SetQuoteStatus(ctx context.Context, id int64, status QuoteStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE quotes SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

func (t *txRepo) InsertOrder(ctx context.Context, o Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (tenant_id, client_id, quote_id, location_id, folio, status, header_discount_pct, currency,
		 subtotal, item_discount_total, header_discount_amount, tax_total, withholding_iva, withholding_isr, total,
		 notes, created_by, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now(),now()) RETURNING id`,
		o.TenantID, o.ClientID, o.QuoteID, o.LocationID, o.Folio, o.Status, o.HeaderDiscountPct, o.Currency,
		o.Totals.Subtotal, o.Totals.ItemDiscountTotal, o.Totals.HeaderDiscountAmount, o.Totals.TaxTotal,
		o.Totals.WithholdingIVA, o.Totals.WithholdingISR, o.Totals.Total,
		o.Notes, o.CreatedBy).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, t.insertLines(ctx, "order_lines", "order_id", id, o.Lines)
}

func (t *txRepo) GetOrderForUpdate(ctx context.Context, tenantID, id int64) (Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, orderSelect+` WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return Order{}, err
	}
	o.Lines, err = loadLines(ctx, t.tx, "order_lines", "order_id", o.ID)
	return o, err
}

func (t *txRepo) SetOrderStatus(ctx context.Context, id int64, status OrderStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

func (t *txRepo) InsertSale(ctx context.Context, s Sale) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO sales (tenant_id, client_id, quote_id, order_id, location_id, folio, status, pay_method,
		 header_discount_pct, currency, subtotal, item_discount_total, header_discount_amount, tax_total,
		 withholding_iva, withholding_isr, total,
		 settled, notes, created_by, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,false,$18,$19,now(),now()) RETURNING id`,
		s.TenantID, s.ClientID, s.QuoteID, s.OrderID, s.LocationID, s.Folio, s.Status, s.PayMethod,
		s.HeaderDiscountPct, s.Currency,
		s.Totals.Subtotal, s.Totals.ItemDiscountTotal, s.Totals.HeaderDiscountAmount, s.Totals.TaxTotal,
		s.Totals.WithholdingIVA, s.Totals.WithholdingISR, s.Totals.Total,
		s.Notes, s.CreatedBy).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, t.insertLines(ctx, "sale_lines", "sale_id", id, s.Lines)
}

func (t *txRepo) GetSaleForUpdate(ctx context.Context, tenantID, id int64) (Sale, error) {
	s, err := scanSale(t.tx.QueryRow(ctx, saleSelect+` WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return Sale{}, err
	}
	s.Lines, err = loadLines(ctx, t.tx, "sale_lines", "sale_id", s.ID)
	return s, err
}

func (t *txRepo) UpdateSale(ctx context.Context, s Sale) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE sales SET header_discount_pct = $2, currency = $3,
		 subtotal = $4, item_discount_total = $5, header_discount_amount = $6, tax_total = $7,
		 withholding_iva = $8, withholding_isr = $9, total = $10,
		 notes = $11, updated_at = now() WHERE id = $1`,
		s.ID, s.HeaderDiscountPct, s.Currency,
		s.Totals.Subtotal, s.Totals.ItemDiscountTotal, s.Totals.HeaderDiscountAmount, s.Totals.TaxTotal,
		s.Totals.WithholdingIVA, s.Totals.WithholdingISR, s.Totals.Total,
		s.Notes)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, s.ID); err != nil {
		return err
	}
	return t.insertLines(ctx, "sale_lines", "sale_id", s.ID, s.Lines)
}

func (t *txRepo) SetSaleStatus(ctx context.Context, id int64, status SaleStatus, cancelledAt *time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE sales SET status = $2, cancelled_at = $3, updated_at = now() WHERE id = $1`,
		id, status, cancelledAt)
	return err
}

func (t *txRepo) SetSaleReceivable(ctx context.Context, saleID, receivableID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE sales SET receivable_id = $2 WHERE id = $1`, saleID, receivableID)
	return err
}

// SaleHasActiveInvoice reports whether a vigente ingreso invoice exists
// for the sale. Cancellation and edits are blocked while one does.
func (t *txRepo) SaleHasActiveInvoice(ctx context.Context, tenantID, saleID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices
		 WHERE tenant_id = $1 AND sale_id = $2 AND kind = 'ingreso' AND status = 'vigente')`,
		tenantID, saleID).Scan(&exists)
	return exists, err
}

func (t *txRepo) insertLines(ctx context.Context, table, fk string, docID int64, lines []LineItem) error {
	for _, ln := range lines {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO `+table+` (`+fk+`, item_id, parent_item_id, description, quantity, unit_price,
			 discount_pct, tax_rate, stock_tracked, requires_serial, serials)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			docID, ln.ItemID, ln.ParentItemID, ln.Description, ln.Quantity, ln.UnitPrice,
			ln.DiscountPct, ln.TaxRate, ln.StockTracked, ln.RequiresSerial, ln.Serials)
		if err != nil {
			return err
		}
	}
	return nil
}
