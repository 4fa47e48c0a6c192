package receivables

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
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
		return fn(ctx, NewTxRepository(tx))
	})
}

const receivableColumns = `id, tenant_id, ref_kind, sale_id, client_id, total, paid, pending, status, due_date, notes, created_at, updated_at`

func scanReceivable(row pgx.Row) (Receivable, error) {
	var rec Receivable
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.RefKind, &rec.SaleID, &rec.ClientID, &rec.Total, &rec.Paid,
		&rec.Pending, &rec.Status, &rec.DueDate, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receivable{}, ErrNotFound
		}
		return Receivable{}, err
	}
	return rec, nil
}

// Get loads one receivable.
func (r *Repository) Get(ctx context.Context, tenantID, id int64) (Receivable, error) {
	return scanReceivable(r.pool.QueryRow(ctx,
		`SELECT `+receivableColumns+` FROM receivables WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

// List returns receivables filtered by client and status, newest first.
func (r *Repository) List(ctx context.Context, tenantID int64, filter ListFilter) ([]Receivable, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+receivableColumns+` FROM receivables
		 WHERE tenant_id = $1
		   AND ($2 = 0 OR client_id = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY id DESC LIMIT $4`,
		tenantID, filter.ClientID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []Receivable
	for rows.Next() {
		rec, err := scanReceivable(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListPayments returns a receivable's payments, oldest first.
func (r *Repository) ListPayments(ctx context.Context, tenantID, receivableID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, receivable_id, amount, method, reference, actor_id, voided, voided_at, created_at
		 FROM payments WHERE tenant_id = $1 AND receivable_id = $2 ORDER BY id`,
		tenantID, receivableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.TenantID, &p.ReceivableID, &p.Amount, &p.Method, &p.Reference,
			&p.ActorID, &p.Voided, &p.VoidedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// GetPayment returns one payment by id.
func (r *Repository) GetPayment(ctx context.Context, tenantID, id int64) (Payment, error) {
	var p Payment
	err := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, receivable_id, amount, method, reference, actor_id, voided, voided_at, created_at
		 FROM payments WHERE tenant_id = $1 AND id = $2`,
		tenantID, id).
		Scan(&p.ID, &p.TenantID, &p.ReceivableID, &p.Amount, &p.Method, &p.Reference,
			&p.ActorID, &p.Voided, &p.VoidedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	return p, err
}

// Aging buckets outstanding balances by days past due as of a date.
func (r *Repository) Aging(ctx context.Context, tenantID int64, asOf time.Time) (AgingBucket, error) {
	var aging AgingBucket
	err := r.pool.QueryRow(ctx,
		`SELECT
		   COALESCE(SUM(pending) FILTER (WHERE due_date >= $2), 0),
		   COALESCE(SUM(pending) FILTER (WHERE due_date < $2 AND due_date >= $2::date - 30), 0),
		   COALESCE(SUM(pending) FILTER (WHERE due_date < $2::date - 30 AND due_date >= $2::date - 60), 0),
		   COALESCE(SUM(pending) FILTER (WHERE due_date < $2::date - 60 AND due_date >= $2::date - 90), 0),
		   COALESCE(SUM(pending) FILTER (WHERE due_date < $2::date - 90), 0)
		 FROM receivables
		 WHERE tenant_id = $1 AND status IN ('pendiente','parcial','vencido')`,
		tenantID, asOf).
		Scan(&aging.Current, &aging.Days30, &aging.Days60, &aging.Days90, &aging.Days120)
	return aging, err
}

// MarkOverdue flips unpaid past-due rows to vencido and returns how
// many changed. Run by the worker on a schedule.
func (r *Repository) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE receivables SET status = 'vencido', updated_at = now()
		 WHERE status IN ('pendiente','parcial') AND due_date < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction. The sales package uses
// this to keep ledger writes inside the sale transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

func (t *txRepo) InsertReceivable(ctx context.Context, rec Receivable) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO receivables (tenant_id, ref_kind, sale_id, client_id, total, paid, pending, status, due_date, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now()) RETURNING id`,
		rec.TenantID, rec.RefKind, rec.SaleID, rec.ClientID, rec.Total, rec.Paid, rec.Pending, rec.Status, rec.DueDate, rec.Notes).
		Scan(&id)
	return id, err
}

func (t *txRepo) GetReceivableForUpdate(ctx context.Context, tenantID, id int64) (Receivable, error) {
	return scanReceivable(t.tx.QueryRow(ctx,
		`SELECT `+receivableColumns+` FROM receivables WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id))
}

func (t *txRepo) GetReceivableBySaleForUpdate(ctx context.Context, tenantID, saleID int64) (Receivable, error) {
	return scanReceivable(t.tx.QueryRow(ctx,
		`SELECT `+receivableColumns+` FROM receivables WHERE tenant_id = $1 AND ref_kind = 'venta' AND sale_id = $2 FOR UPDATE`,
		tenantID, saleID))
}

func (t *txRepo) UpdateReceivable(ctx context.Context, rec Receivable) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE receivables SET total = $2, paid = $3, pending = $4, status = $5, updated_at = now() WHERE id = $1`,
		rec.ID, rec.Total, rec.Paid, rec.Pending, rec.Status)
	return err
}

func (t *txRepo) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO payments (tenant_id, receivable_id, amount, method, reference, actor_id, voided, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, now()) RETURNING id`,
		p.TenantID, p.ReceivableID, p.Amount, p.Method, p.Reference, p.ActorID).
		Scan(&id)
	return id, err
}

func (t *txRepo) GetPaymentForUpdate(ctx context.Context, tenantID, id int64) (Payment, error) {
	var p Payment
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, receivable_id, amount, method, reference, actor_id, voided, voided_at, created_at
		 FROM payments WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id).
		Scan(&p.ID, &p.TenantID, &p.ReceivableID, &p.Amount, &p.Method, &p.Reference,
			&p.ActorID, &p.Voided, &p.VoidedAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, err
	}
	return p, nil
}

func (t *txRepo) LatestActivePaymentID(ctx context.Context, tenantID, receivableID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`SELECT id FROM payments WHERE tenant_id = $1 AND receivable_id = $2 AND NOT voided
		 ORDER BY id DESC LIMIT 1`,
		tenantID, receivableID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (t *txRepo) MarkPaymentVoided(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payments SET voided = true, voided_at = $2 WHERE id = $1`, id, at)
	return err
}

func (t *txRepo) SetSaleSettled(ctx context.Context, saleID int64, settled bool) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE sales SET settled = $2, updated_at = now() WHERE id = $1`, saleID, settled)
	return err
}
