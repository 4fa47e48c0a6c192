package invoicing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence. A partial unique
// index on (tenant_id, sale_id) where kind = 'ingreso' and status =
// 'vigente' backs the one-active-invoice rule.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, tenant_id, sale_id, payment_id, uuid, series, folio, kind, status,
	cancellation_reason, acuse, document, total, currency, stamped_at, cancelled_at, created_at`

// Insert persists a freshly stamped invoice. A unique violation on the
// vigente ingreso index means a concurrent issuance won the race.
func (r *Repository) Insert(ctx context.Context, inv Invoice) (int64, error) {
	doc, err := json.Marshal(inv.Document)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.pool.QueryRow(ctx,
		`INSERT INTO invoices
		   (tenant_id, sale_id, payment_id, uuid, series, folio, kind, status, document, total, currency, stamped_at)
		 VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		inv.TenantID, inv.SaleID, inv.PaymentID, inv.UUID, inv.Series, inv.Folio,
		inv.Kind, inv.Status, doc, inv.Total, inv.Currency, inv.StampedAt).Scan(&id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return 0, ErrAlreadyIssued
	}
	return id, err
}

// Get returns one invoice.
func (r *Repository) Get(ctx context.Context, tenantID, id int64) (Invoice, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	return inv, err
}

// GetVigenteIngreso returns the sale's active ingreso invoice, if any.
func (r *Repository) GetVigenteIngreso(ctx context.Context, tenantID, saleID int64) (Invoice, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE tenant_id = $1 AND sale_id = $2 AND kind = 'ingreso' AND status = 'vigente'`,
		tenantID, saleID)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, false, nil
	}
	if err != nil {
		return Invoice{}, false, err
	}
	return inv, true, nil
}

// ListBySale returns every invoice for the sale, oldest first.
func (r *Repository) ListBySale(ctx context.Context, tenantID, saleID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE tenant_id = $1 AND sale_id = $2 ORDER BY id`,
		tenantID, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// MarkCancelled flips a vigente invoice to its cancelled state.
func (r *Repository) MarkCancelled(ctx context.Context, id int64, status Status, reason, acuse string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE invoices
		 SET status = $2, cancellation_reason = $3, acuse = NULLIF($4, ''), cancelled_at = $5
		 WHERE id = $1 AND status = 'vigente'`,
		id, status, reason, acuse, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotVigente
	}
	return nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv       Invoice
		paymentID *int64
		reason    *string
		acuse     *string
		doc       []byte
	)
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.SaleID, &paymentID, &inv.UUID, &inv.Series,
		&inv.Folio, &inv.Kind, &inv.Status, &reason, &acuse, &doc, &inv.Total, &inv.Currency,
		&inv.StampedAt, &inv.CancelledAt, &inv.CreatedAt)
	if err != nil {
		return Invoice{}, err
	}
	if paymentID != nil {
		inv.PaymentID = *paymentID
	}
	if reason != nil {
		inv.CancellationReason = *reason
	}
	if acuse != nil {
		inv.Acuse = *acuse
	}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &inv.Document); err != nil {
			return Invoice{}, err
		}
	}
	return inv, nil
}
