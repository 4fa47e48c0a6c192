package receivables

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jesusaln/asistenciavircom-sub007/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, tenantID, id int64) (Receivable, error)
	List(ctx context.Context, tenantID int64, filter ListFilter) ([]Receivable, error)
	ListPayments(ctx context.Context, tenantID, receivableID int64) ([]Payment, error)
	Aging(ctx context.Context, tenantID int64, asOf time.Time) (AgingBucket, error)
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards retried payment submissions by request key. A
// nil port disables checking.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service coordinates ledger operations on their own transactions.
// Sale-creation auto-settlement does not come through here; it uses the
// package-level Apply inside the sale transaction.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem}
}

// RegisterPaymentInput is a payment application request.
type RegisterPaymentInput struct {
	ReceivableID   int64   `json:"receivable_id" validate:"required"`
	Amount         float64 `json:"amount" validate:"required,gt=0"`
	Method         Method  `json:"method" validate:"required"`
	Reference      string  `json:"reference"`
	ActorID        int64   `json:"-"`
	IdempotencyKey string  `json:"-"`
}

// RegisterPayment applies one payment to a receivable. Payments with
// no external reference get a generated one so banks and complements
// can always point back at a concrete application.
func (s *Service) RegisterPayment(ctx context.Context, tenantID int64, input RegisterPaymentInput) (PaymentResult, error) {
	if input.Reference == "" {
		input.Reference = uuid.NewString()
	}
	var key string
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = fmt.Sprintf("%d:%s", tenantID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, "receivables"); err != nil {
			return PaymentResult{}, err
		}
	}
	var result PaymentResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		payment, rec, err := Apply(ctx, tx, tenantID, input.ReceivableID, input.Amount, input.Method, input.Reference, input.ActorID)
		if err != nil {
			return err
		}
		result = PaymentResult{PaymentID: payment.ID, NewPaid: rec.Paid, NewPending: rec.Pending, NewStatus: rec.Status}
		return nil
	})
	if err != nil {
		if key != "" {
			_ = s.idempotency.Delete(ctx, key)
		}
		return PaymentResult{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			TenantID: tenantID,
			ActorID:  input.ActorID,
			Action:   "receivables:register_payment",
			Entity:   "receivable",
			EntityID: fmt.Sprintf("%d", input.ReceivableID),
			Meta:     map[string]any{"amount": input.Amount, "method": string(input.Method)},
		})
	}
	return result, nil
}

// VoidPayment reverses a single payment. Role checks happen at the
// router; the ledger only guarantees balance consistency.
func (s *Service) VoidPayment(ctx context.Context, tenantID, paymentID, actorID int64) (Receivable, error) {
	var rec Receivable
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, err = VoidPayment(ctx, tx, tenantID, paymentID, time.Now().UTC())
		return err
	})
	if err != nil {
		return Receivable{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			TenantID: tenantID,
			ActorID:  actorID,
			Action:   "receivables:void_payment",
			Entity:   "payment",
			EntityID: fmt.Sprintf("%d", paymentID),
		})
	}
	return rec, nil
}

// Get loads a receivable.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (Receivable, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// List returns receivables for the tenant.
func (s *Service) List(ctx context.Context, tenantID int64, filter ListFilter) ([]Receivable, error) {
	return s.repo.List(ctx, tenantID, filter)
}

// Payments lists a receivable's payment history.
func (s *Service) Payments(ctx context.Context, tenantID, receivableID int64) ([]Payment, error) {
	return s.repo.ListPayments(ctx, tenantID, receivableID)
}

// Aging returns the outstanding balance buckets as of now.
func (s *Service) Aging(ctx context.Context, tenantID int64) (AgingBucket, error) {
	return s.repo.Aging(ctx, tenantID, time.Now().UTC())
}

// MarkOverdue flips unpaid past-due rows to vencido across tenants.
func (s *Service) MarkOverdue(ctx context.Context) (int64, error) {
	return s.repo.MarkOverdue(ctx, time.Now().UTC())
}
