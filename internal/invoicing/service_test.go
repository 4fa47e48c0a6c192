package invoicing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/cache"
	"github.com/jesusaln/asistenciavircom-sub007/internal/receivables"
	"github.com/jesusaln/asistenciavircom-sub007/internal/sales"
)

type memoryRepo struct {
	invoices map[int64]Invoice
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{invoices: make(map[int64]Invoice)}
}

func (r *memoryRepo) Insert(ctx context.Context, inv Invoice) (int64, error) {
	if inv.Kind == KindIngreso {
		for _, existing := range r.invoices {
			if existing.SaleID == inv.SaleID && existing.Kind == KindIngreso && existing.Vigente() {
				return 0, ErrAlreadyIssued
			}
		}
	}
	r.nextID++
	inv.ID = r.nextID
	r.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (r *memoryRepo) Get(ctx context.Context, tenantID, id int64) (Invoice, error) {
	if inv, ok := r.invoices[id]; ok {
		return inv, nil
	}
	return Invoice{}, ErrNotFound
}

func (r *memoryRepo) GetVigenteIngreso(ctx context.Context, tenantID, saleID int64) (Invoice, bool, error) {
	for _, inv := range r.invoices {
		if inv.SaleID == saleID && inv.Kind == KindIngreso && inv.Vigente() {
			return inv, true, nil
		}
	}
	return Invoice{}, false, nil
}

func (r *memoryRepo) ListBySale(ctx context.Context, tenantID, saleID int64) ([]Invoice, error) {
	var out []Invoice
	for id := int64(1); id <= r.nextID; id++ {
		if inv, ok := r.invoices[id]; ok && inv.SaleID == saleID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (r *memoryRepo) MarkCancelled(ctx context.Context, id int64, status Status, reason, acuse string, at time.Time) error {
	inv, ok := r.invoices[id]
	if !ok || !inv.Vigente() {
		return ErrNotVigente
	}
	inv.Status = status
	inv.CancellationReason = reason
	inv.Acuse = acuse
	inv.CancelledAt = &at
	r.invoices[id] = inv
	return nil
}

type memorySales struct {
	sales map[int64]sales.Sale
}

func (m *memorySales) GetSale(ctx context.Context, tenantID, id int64) (sales.Sale, error) {
	if s, ok := m.sales[id]; ok {
		return s, nil
	}
	return sales.Sale{}, sales.ErrNotFound
}

type memoryLedger struct {
	recs     map[int64]receivables.Receivable
	payments map[int64]receivables.Payment
}

func (m *memoryLedger) Get(ctx context.Context, tenantID, id int64) (receivables.Receivable, error) {
	if rec, ok := m.recs[id]; ok {
		return rec, nil
	}
	return receivables.Receivable{}, receivables.ErrNotFound
}

func (m *memoryLedger) GetPayment(ctx context.Context, tenantID, id int64) (receivables.Payment, error) {
	if p, ok := m.payments[id]; ok {
		return p, nil
	}
	return receivables.Payment{}, receivables.ErrNotFound
}

// stubProvider counts calls and answers from a script.
type stubProvider struct {
	issueCalls  int
	cancelCalls int
	issueErr    error
	cancelErr   error
	acuse       string
	lastDoc     FiscalDocument
}

func (p *stubProvider) Issue(ctx context.Context, doc FiscalDocument) (StampResult, error) {
	p.issueCalls++
	p.lastDoc = doc
	if p.issueErr != nil {
		return StampResult{}, p.issueErr
	}
	return StampResult{
		UUID:      "AAAA-BBBB-0001",
		Series:    "A",
		Folio:     "1001",
		StampedAt: time.Now(),
	}, nil
}

func (p *stubProvider) Cancel(ctx context.Context, uuid, reason, substitutionUUID string) (CancelResult, error) {
	p.cancelCalls++
	if p.cancelErr != nil {
		return CancelResult{}, p.cancelErr
	}
	return CancelResult{Acuse: p.acuse}, nil
}

func (p *stubProvider) Status(ctx context.Context) error { return nil }

const tenantID = int64(7)

func approvedSale() sales.Sale {
	return sales.Sale{
		ID:        1,
		TenantID:  tenantID,
		ClientID:  3,
		Folio:     "VTA-000001",
		Status:    sales.SaleApproved,
		PayMethod: sales.PayCash,
		Currency:  "MXN",
		Totals:    sales.Totals{Subtotal: 200, TaxTotal: 32, Total: 232},
		Lines: []sales.LineItem{
			{ItemID: 1, Description: "Camara", Quantity: 2, UnitPrice: 100, TaxRate: 16},
		},
	}
}

type fixture struct {
	repo     *memoryRepo
	sales    *memorySales
	ledger   *memoryLedger
	provider *stubProvider
	locks    *cache.Locker
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks := cache.NewLocker(client)
	repo := newMemoryRepo()
	salesPort := &memorySales{sales: map[int64]sales.Sale{1: approvedSale()}}
	ledger := &memoryLedger{
		recs:     make(map[int64]receivables.Receivable),
		payments: make(map[int64]receivables.Payment),
	}
	provider := &stubProvider{}
	return &fixture{
		repo:     repo,
		sales:    salesPort,
		ledger:   ledger,
		provider: provider,
		locks:    locks,
		svc:      NewService(repo, salesPort, ledger, provider, locks, nil),
	}
}

func TestIssueStampsAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.svc.Issue(ctx, tenantID, 1, 9)
	require.NoError(t, err)
	require.Equal(t, StatusVigente, inv.Status)
	require.Equal(t, KindIngreso, inv.Kind)
	require.Equal(t, "AAAA-BBBB-0001", inv.UUID)
	require.Equal(t, 1, f.provider.issueCalls)

	// Document is the sale's frozen snapshot.
	require.Equal(t, "VTA-000001", inv.Document.SaleFolio)
	require.InDelta(t, 232, inv.Document.Total, 0.001)
	require.Equal(t, "PUE", inv.Document.PaymentMethod)
	require.Equal(t, "01", inv.Document.PaymentForm)
	require.Len(t, inv.Document.Lines, 1)
}

func TestIssueRejectsSecondWithoutProviderContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, tenantID, 1, 9)
	require.NoError(t, err)
	require.Equal(t, 1, f.provider.issueCalls)

	_, err = f.svc.Issue(ctx, tenantID, 1, 9)
	require.ErrorIs(t, err, ErrAlreadyIssued)
	require.Equal(t, 1, f.provider.issueCalls)
}

func TestIssueAfterCancellationCreatesNewRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, tenantID, 1, 9)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, tenantID, first.ID, ReasonNoSubstitution, "", 9)
	require.NoError(t, err)

	second, err := f.svc.Issue(ctx, tenantID, 1, 9)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	invoices, err := f.svc.ListBySale(ctx, tenantID, 1)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
}

func TestIssueProviderUnavailableLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.issueErr = ErrProviderUnavailable
	_, err := f.svc.Issue(ctx, tenantID, 1, 9)
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.Empty(t, f.repo.invoices)

	// Retry succeeds once the provider recovers; the lock is free.
	f.provider.issueErr = nil
	_, err = f.svc.Issue(ctx, tenantID, 1, 9)
	require.NoError(t, err)
}

func TestIssueProviderRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.issueErr = &ProviderRejectedError{StatusCode: 422, Detail: "rfc invalido"}
	_, err := f.svc.Issue(ctx, tenantID, 1, 9)
	var rejected *ProviderRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, 422, rejected.StatusCode)
	require.Empty(t, f.repo.invoices)
}

func TestIssueInFlightLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.locks.Acquire(ctx, "invoicing:issue:7:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Issue(ctx, tenantID, 1, 9)
	require.ErrorIs(t, err, ErrIssuanceInFlight)
	require.Zero(t, f.provider.issueCalls)
}

func TestIssueRejectsCancelledSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sale := approvedSale()
	sale.Status = sales.SaleCancelled
	f.sales.sales[1] = sale

	_, err := f.svc.Issue(ctx, tenantID, 1, 9)
	require.ErrorIs(t, err, ErrSaleNotInvoiceable)
	require.Zero(t, f.provider.issueCalls)
}

func TestCancelReasonOneRequiresSubstitution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.svc.Issue(ctx, tenantID, 1, 9)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, tenantID, inv.ID, ReasonWithSubstitution, "", 9)
	require.ErrorIs(t, err, ErrSubstitutionRequired)
	require.Zero(t, f.provider.cancelCalls)

	_, err = f.svc.Cancel(ctx, tenantID, inv.ID, "07", "", 9)
	var badReason *InvalidReasonError
	require.ErrorAs(t, err, &badReason)

	cancelled, err := f.svc.Cancel(ctx, tenantID, inv.ID, ReasonWithSubstitution, "CCCC-DDDD-0002", 9)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, ReasonWithSubstitution, cancelled.CancellationReason)
}

func TestCancelWithAcuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.svc.Issue(ctx, tenantID, 1, 9)
	require.NoError(t, err)

	f.provider.acuse = "ACUSE-001"
	cancelled, err := f.svc.Cancel(ctx, tenantID, inv.ID, ReasonNoSubstitution, "", 9)
	require.NoError(t, err)
	require.Equal(t, StatusCancelledAcuse, cancelled.Status)
	require.Equal(t, "ACUSE-001", cancelled.Acuse)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = f.svc.Cancel(ctx, tenantID, inv.ID, ReasonNoSubstitution, "", 9)
	require.ErrorIs(t, err, ErrNotVigente)
}

func TestCancelProviderFailureKeepsVigente(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.svc.Issue(ctx, tenantID, 1, 9)
	require.NoError(t, err)

	f.provider.cancelErr = ErrProviderUnavailable
	_, err = f.svc.Cancel(ctx, tenantID, inv.ID, ReasonNoSubstitution, "", 9)
	require.ErrorIs(t, err, ErrProviderUnavailable)

	stored, err := f.svc.Get(ctx, tenantID, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusVigente, stored.Status)
}

func TestPaymentComplement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sale := approvedSale()
	sale.PayMethod = sales.PayCredit
	f.sales.sales[1] = sale
	f.ledger.recs[10] = receivables.Receivable{ID: 10, TenantID: tenantID, SaleID: 1, Total: 232, Pending: 132, Paid: 100}
	f.ledger.payments[20] = receivables.Payment{ID: 20, TenantID: tenantID, ReceivableID: 10, Amount: 100, Method: receivables.MethodTransfer}

	_, err := f.svc.IssuePaymentComplement(ctx, tenantID, 20, 9)
	require.ErrorIs(t, err, ErrNoActiveInvoice)

	_, err = f.svc.Issue(ctx, tenantID, 1, 9)
	require.NoError(t, err)

	inv, err := f.svc.IssuePaymentComplement(ctx, tenantID, 20, 9)
	require.NoError(t, err)
	require.Equal(t, KindPago, inv.Kind)
	require.Equal(t, int64(20), inv.PaymentID)
	require.Equal(t, "AAAA-BBBB-0001", inv.Document.RelatedUUID)
	require.InDelta(t, 100, inv.Document.Amount, 0.001)
	require.Equal(t, "03", inv.Document.PaymentForm)
}

func TestPaymentComplementGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Voided payments never stamp.
	f.ledger.recs[10] = receivables.Receivable{ID: 10, TenantID: tenantID, SaleID: 1}
	f.ledger.payments[20] = receivables.Payment{ID: 20, TenantID: tenantID, ReceivableID: 10, Amount: 50, Voided: true}
	_, err := f.svc.IssuePaymentComplement(ctx, tenantID, 20, 9)
	require.ErrorIs(t, err, ErrPaymentVoided)

	// A cash sale settles in one exhibition, no complement applies.
	f.ledger.payments[21] = receivables.Payment{ID: 21, TenantID: tenantID, ReceivableID: 10, Amount: 50}
	_, err = f.svc.IssuePaymentComplement(ctx, tenantID, 21, 9)
	require.ErrorIs(t, err, ErrNotCreditSale)
	require.Zero(t, f.provider.issueCalls)
}
