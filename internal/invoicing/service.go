package invoicing

import (
	"context"
	"fmt"
	"time"

	"github.com/jesusaln/asistenciavircom-sub007/internal/receivables"
	"github.com/jesusaln/asistenciavircom-sub007/internal/sales"
	"github.com/jesusaln/asistenciavircom-sub007/internal/shared"
)

// RepositoryPort is the persistence surface the service needs.
type RepositoryPort interface {
	Insert(ctx context.Context, inv Invoice) (int64, error)
	Get(ctx context.Context, tenantID, id int64) (Invoice, error)
	GetVigenteIngreso(ctx context.Context, tenantID, saleID int64) (Invoice, bool, error)
	ListBySale(ctx context.Context, tenantID, saleID int64) ([]Invoice, error)
	MarkCancelled(ctx context.Context, id int64, status Status, reason, acuse string, at time.Time) error
}

// SalesPort reads the sale whose frozen lines feed the document.
type SalesPort interface {
	GetSale(ctx context.Context, tenantID, id int64) (sales.Sale, error)
}

// LedgerPort reads payments and receivables for complements.
type LedgerPort interface {
	Get(ctx context.Context, tenantID, id int64) (receivables.Receivable, error)
	GetPayment(ctx context.Context, tenantID, id int64) (receivables.Payment, error)
}

// LockPort takes the distributed in-flight lock around provider calls.
type LockPort interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const issueLockTTL = 30 * time.Second

// Service drives the invoice lifecycle. Provider calls always happen
// outside database transactions so no row lock is held across the
// network; the unique index on vigente ingreso rows closes the
// remaining race.
type Service struct {
	repo     RepositoryPort
	sales    SalesPort
	ledger   LedgerPort
	provider Provider
	locks    LockPort
	audit    AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, salesPort SalesPort, ledger LedgerPort, provider Provider, locks LockPort, audit AuditPort) *Service {
	return &Service{repo: repo, sales: salesPort, ledger: ledger, provider: provider, locks: locks, audit: audit}
}

// Issue stamps an ingreso invoice for the sale. The vigente guard runs
// before any provider contact; a sale with an active invoice must be
// cancelled first.
func (s *Service) Issue(ctx context.Context, tenantID, saleID, actorID int64) (Invoice, error) {
	sale, err := s.sales.GetSale(ctx, tenantID, saleID)
	if err != nil {
		return Invoice{}, err
	}
	if sale.Status != sales.SaleApproved {
		return Invoice{}, ErrSaleNotInvoiceable
	}
	if _, exists, err := s.repo.GetVigenteIngreso(ctx, tenantID, saleID); err != nil {
		return Invoice{}, err
	} else if exists {
		return Invoice{}, ErrAlreadyIssued
	}

	key := fmt.Sprintf("invoicing:issue:%d:%d", tenantID, saleID)
	ok, err := s.locks.Acquire(ctx, key, issueLockTTL)
	if err != nil {
		return Invoice{}, err
	}
	if !ok {
		return Invoice{}, ErrIssuanceInFlight
	}
	defer func() {
		_ = s.locks.Release(context.WithoutCancel(ctx), key)
	}()

	doc := buildIngresoDocument(sale)
	result, err := s.provider.Issue(ctx, doc)
	if err != nil {
		return Invoice{}, err
	}

	inv := Invoice{
		TenantID:  tenantID,
		SaleID:    saleID,
		UUID:      result.UUID,
		Series:    result.Series,
		Folio:     result.Folio,
		Kind:      KindIngreso,
		Status:    StatusVigente,
		Document:  doc,
		Total:     sale.Totals.Total,
		Currency:  sale.Currency,
		StampedAt: result.StampedAt,
	}
	inv.ID, err = s.repo.Insert(ctx, inv)
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, tenantID, actorID, "invoicing:issue", inv.ID, map[string]any{"sale_id": saleID, "uuid": inv.UUID})
	return inv, nil
}

// Cancel asks the provider to cancel a vigente invoice and records the
// outcome. The sale itself is untouched; cancelling the sale is a
// separate caller decision.
func (s *Service) Cancel(ctx context.Context, tenantID, invoiceID int64, reason, substitutionUUID string, actorID int64) (Invoice, error) {
	if !ValidCancelReason(reason) {
		return Invoice{}, &InvalidReasonError{Code: reason}
	}
	if reason == ReasonWithSubstitution && substitutionUUID == "" {
		return Invoice{}, ErrSubstitutionRequired
	}
	inv, err := s.repo.Get(ctx, tenantID, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if !inv.Vigente() {
		return Invoice{}, ErrNotVigente
	}

	result, err := s.provider.Cancel(ctx, inv.UUID, reason, substitutionUUID)
	if err != nil {
		return Invoice{}, err
	}

	status := StatusCancelled
	if result.Acuse != "" {
		status = StatusCancelledAcuse
	}
	now := time.Now()
	if err := s.repo.MarkCancelled(ctx, inv.ID, status, reason, result.Acuse, now); err != nil {
		return Invoice{}, err
	}
	inv.Status = status
	inv.CancellationReason = reason
	inv.Acuse = result.Acuse
	inv.CancelledAt = &now
	s.record(ctx, tenantID, actorID, "invoicing:cancel", inv.ID, map[string]any{"reason": reason, "uuid": inv.UUID})
	return inv, nil
}

// IssuePaymentComplement stamps a pago document for one payment on a
// credit sale. The complement relates back to the sale's vigente
// ingreso invoice.
func (s *Service) IssuePaymentComplement(ctx context.Context, tenantID, paymentID, actorID int64) (Invoice, error) {
	payment, err := s.ledger.GetPayment(ctx, tenantID, paymentID)
	if err != nil {
		return Invoice{}, err
	}
	if payment.Voided {
		return Invoice{}, ErrPaymentVoided
	}
	rec, err := s.ledger.Get(ctx, tenantID, payment.ReceivableID)
	if err != nil {
		return Invoice{}, err
	}
	sale, err := s.sales.GetSale(ctx, tenantID, rec.SaleID)
	if err != nil {
		return Invoice{}, err
	}
	if sale.PayMethod != sales.PayCredit {
		return Invoice{}, ErrNotCreditSale
	}
	ingreso, exists, err := s.repo.GetVigenteIngreso(ctx, tenantID, sale.ID)
	if err != nil {
		return Invoice{}, err
	}
	if !exists {
		return Invoice{}, ErrNoActiveInvoice
	}

	key := fmt.Sprintf("invoicing:pago:%d:%d", tenantID, paymentID)
	ok, err := s.locks.Acquire(ctx, key, issueLockTTL)
	if err != nil {
		return Invoice{}, err
	}
	if !ok {
		return Invoice{}, ErrIssuanceInFlight
	}
	defer func() {
		_ = s.locks.Release(context.WithoutCancel(ctx), key)
	}()

	doc := FiscalDocument{
		Kind:        KindPago,
		SaleFolio:   sale.Folio,
		ClientID:    sale.ClientID,
		Currency:    sale.Currency,
		PaymentForm: paymentForm(sales.PayMethod(payment.Method)),
		RelatedUUID: ingreso.UUID,
		Amount:      payment.Amount,
		Total:       payment.Amount,
	}
	result, err := s.provider.Issue(ctx, doc)
	if err != nil {
		return Invoice{}, err
	}

	inv := Invoice{
		TenantID:  tenantID,
		SaleID:    sale.ID,
		PaymentID: paymentID,
		UUID:      result.UUID,
		Series:    result.Series,
		Folio:     result.Folio,
		Kind:      KindPago,
		Status:    StatusVigente,
		Document:  doc,
		Total:     payment.Amount,
		Currency:  sale.Currency,
		StampedAt: result.StampedAt,
	}
	inv.ID, err = s.repo.Insert(ctx, inv)
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, tenantID, actorID, "invoicing:payment_complement", inv.ID, map[string]any{"payment_id": paymentID, "uuid": inv.UUID})
	return inv, nil
}

// Get returns one invoice.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (Invoice, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// ListBySale returns every invoice stamped for the sale, oldest first.
func (s *Service) ListBySale(ctx context.Context, tenantID, saleID int64) ([]Invoice, error) {
	return s.repo.ListBySale(ctx, tenantID, saleID)
}

// ProviderStatus reports stamping provider health.
func (s *Service) ProviderStatus(ctx context.Context) error {
	return s.provider.Status(ctx)
}

func buildIngresoDocument(sale sales.Sale) FiscalDocument {
	doc := FiscalDocument{
		Kind:          KindIngreso,
		SaleFolio:     sale.Folio,
		ClientID:      sale.ClientID,
		Currency:      sale.Currency,
		PaymentForm:   paymentForm(sale.PayMethod),
		PaymentMethod: paymentMethod(sale.PayMethod),
		Subtotal:      sale.Totals.Subtotal,
		Discount:      sale.Totals.ItemDiscountTotal + sale.Totals.HeaderDiscountAmount,
		TaxTotal:      sale.Totals.TaxTotal,
		Total:         sale.Totals.Total,
	}
	for _, ln := range sale.Lines {
		// Component lines of a kit are stock bookkeeping, not fiscal
		// concepts; the parent line already carries the full price.
		if ln.ParentItemID != 0 {
			continue
		}
		doc.Lines = append(doc.Lines, FiscalLine{
			Description: ln.Description,
			Quantity:    ln.Quantity,
			UnitPrice:   ln.UnitPrice,
			DiscountPct: ln.DiscountPct,
			TaxRate:     ln.TaxRate,
			Amount:      float64(ln.Quantity) * ln.UnitPrice,
		})
	}
	return doc
}

// paymentForm maps settlement forms to the authority's catalog codes.
func paymentForm(m sales.PayMethod) string {
	switch m {
	case sales.PayCash:
		return "01"
	case sales.PayCheque:
		return "02"
	case sales.PayTransfer:
		return "03"
	case sales.PayCard:
		return "04"
	case sales.PayCredit:
		return "99"
	}
	return "99"
}

// paymentMethod distinguishes single-exhibition sales from deferred
// ones that collect through payment complements.
func paymentMethod(m sales.PayMethod) string {
	if m == sales.PayCredit {
		return "PPD"
	}
	return "PUE"
}

func (s *Service) record(ctx context.Context, tenantID, actorID int64, action string, invoiceID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "invoice",
		EntityID: fmt.Sprintf("%d", invoiceID),
		Meta:     meta,
	})
}
