// Package clients gives the engine a read-only view of customers.
// Client administration lives outside this core; the engine only needs
// identity and credit terms.
package clients

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Fiscal person types as SAT classifies them.
const (
	PersonFisica = "fisica"
	PersonMoral  = "moral"
)

// Client is a customer snapshot. CreditLimit zero means no credit line.
type Client struct {
	ID          int64
	TenantID    int64
	Name        string
	RFC         string
	Email       string
	PersonType  string
	CreditLimit float64
	CreditDays  int
	Active      bool
}

// ErrNotFound indicates the client does not exist for the tenant.
var ErrNotFound = errors.New("clients: client not found")

// Reader is the read interface the engine consumes.
type Reader interface {
	GetClient(ctx context.Context, tenantID, id int64) (*Client, error)
	OutstandingBalance(ctx context.Context, tenantID, clientID int64) (float64, error)
}

// Repository provides PostgreSQL backed client reads.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetClient loads one client.
func (r *Repository) GetClient(ctx context.Context, tenantID, id int64) (*Client, error) {
	var c Client
	err := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, rfc, email, person_type, credit_limit, credit_days, active
		 FROM clients WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, id).
		Scan(&c.ID, &c.TenantID, &c.Name, &c.RFC, &c.Email, &c.PersonType, &c.CreditLimit, &c.CreditDays, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// OutstandingBalance sums the client's open receivable balances. Used
// by the credit limit guard on credit sales.
func (r *Repository) OutstandingBalance(ctx context.Context, tenantID, clientID int64) (float64, error) {
	var balance float64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(pending), 0) FROM receivables
		 WHERE tenant_id = $1 AND client_id = $2 AND status IN ('pendiente','parcial','vencido')`,
		tenantID, clientID).Scan(&balance)
	return balance, err
}
