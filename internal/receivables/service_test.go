package receivables

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jesusaln/asistenciavircom-sub007/internal/shared"
)

type memoryIdem struct {
	keys map[string]bool
}

func (m *memoryIdem) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdem) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type memoryLedger struct {
	receivables map[int64]Receivable
	payments    map[int64]Payment
	settled     map[int64]bool
	nextID      int64
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		receivables: make(map[int64]Receivable),
		payments:    make(map[int64]Payment),
		settled:     make(map[int64]bool),
	}
}

func (m *memoryLedger) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryLedger) Get(ctx context.Context, tenantID, id int64) (Receivable, error) {
	if rec, ok := m.receivables[id]; ok {
		return rec, nil
	}
	return Receivable{}, ErrNotFound
}

func (m *memoryLedger) List(ctx context.Context, tenantID int64, filter ListFilter) ([]Receivable, error) {
	var out []Receivable
	for _, rec := range m.receivables {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memoryLedger) ListPayments(ctx context.Context, tenantID, receivableID int64) ([]Payment, error) {
	var out []Payment
	for _, p := range m.payments {
		if p.ReceivableID == receivableID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryLedger) Aging(ctx context.Context, tenantID int64, asOf time.Time) (AgingBucket, error) {
	var aging AgingBucket
	for _, rec := range m.receivables {
		switch rec.Status {
		case StatusPending, StatusPartial, StatusOverdue:
			if rec.DueDate.Before(asOf) {
				aging.Days30 += rec.Pending
			} else {
				aging.Current += rec.Pending
			}
		}
	}
	return aging, nil
}

func (m *memoryLedger) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, rec := range m.receivables {
		if (rec.Status == StatusPending || rec.Status == StatusPartial) && rec.DueDate.Before(now) {
			rec.Status = StatusOverdue
			m.receivables[id] = rec
			n++
		}
	}
	return n, nil
}

func (m *memoryLedger) InsertReceivable(ctx context.Context, rec Receivable) (int64, error) {
	m.nextID++
	rec.ID = m.nextID
	m.receivables[rec.ID] = rec
	return rec.ID, nil
}

func (m *memoryLedger) GetReceivableForUpdate(ctx context.Context, tenantID, id int64) (Receivable, error) {
	return m.Get(ctx, tenantID, id)
}

func (m *memoryLedger) GetReceivableBySaleForUpdate(ctx context.Context, tenantID, saleID int64) (Receivable, error) {
	for _, rec := range m.receivables {
		if rec.SaleID == saleID {
			return rec, nil
		}
	}
	return Receivable{}, ErrNotFound
}

func (m *memoryLedger) UpdateReceivable(ctx context.Context, rec Receivable) error {
	m.receivables[rec.ID] = rec
	return nil
}

func (m *memoryLedger) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	m.nextID++
	p.ID = m.nextID
	m.payments[p.ID] = p
	return p.ID, nil
}

func (m *memoryLedger) GetPaymentForUpdate(ctx context.Context, tenantID, id int64) (Payment, error) {
	if p, ok := m.payments[id]; ok {
		return p, nil
	}
	return Payment{}, ErrNotFound
}

func (m *memoryLedger) LatestActivePaymentID(ctx context.Context, tenantID, receivableID int64) (int64, error) {
	var latest int64
	for _, p := range m.payments {
		if p.ReceivableID == receivableID && !p.Voided && p.ID > latest {
			latest = p.ID
		}
	}
	return latest, nil
}

func (m *memoryLedger) MarkPaymentVoided(ctx context.Context, id int64, at time.Time) error {
	p := m.payments[id]
	p.Voided = true
	p.VoidedAt = &at
	m.payments[id] = p
	return nil
}

func (m *memoryLedger) SetSaleSettled(ctx context.Context, saleID int64, settled bool) error {
	m.settled[saleID] = settled
	return nil
}

func (m *memoryLedger) open(t *testing.T, tenantID, saleID int64, total float64) Receivable {
	t.Helper()
	rec, err := Open(context.Background(), m, Receivable{
		TenantID: tenantID, SaleID: saleID, ClientID: 1, Total: total,
		DueDate: time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return rec
}

func TestOverpaymentRejectedThenPaid(t *testing.T) {
	ledger := newMemoryLedger()
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()
	rec := ledger.open(t, 1, 10, 1000)

	result, err := svc.RegisterPayment(ctx, 1, RegisterPaymentInput{
		ReceivableID: rec.ID, Amount: 600, Method: MethodTransfer,
	})
	require.NoError(t, err)
	require.InDelta(t, 600, result.NewPaid, 0.001)
	require.InDelta(t, 400, result.NewPending, 0.001)
	require.Equal(t, StatusPartial, result.NewStatus)

	_, err = svc.RegisterPayment(ctx, 1, RegisterPaymentInput{
		ReceivableID: rec.ID, Amount: 500, Method: MethodTransfer,
	})
	var overpay *OverpaymentError
	require.ErrorAs(t, err, &overpay)
	require.InDelta(t, 400, overpay.Pending, 0.001)
	require.InDelta(t, 500, overpay.Attempted, 0.001)

	result, err = svc.RegisterPayment(ctx, 1, RegisterPaymentInput{
		ReceivableID: rec.ID, Amount: 400, Method: MethodTransfer,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, result.NewStatus)
	require.InDelta(t, 0, result.NewPending, 0.001)
	require.True(t, ledger.settled[10])
}

func TestPaidPlusPendingInvariant(t *testing.T) {
	ledger := newMemoryLedger()
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()
	rec := ledger.open(t, 1, 10, 750.33)

	amounts := []float64{100.10, 250.23, 400}
	for _, amount := range amounts {
		result, err := svc.RegisterPayment(ctx, 1, RegisterPaymentInput{
			ReceivableID: rec.ID, Amount: amount, Method: MethodCash,
		})
		require.NoError(t, err)
		require.InDelta(t, 750.33, result.NewPaid+result.NewPending, 0.005)
		require.GreaterOrEqual(t, result.NewPending, 0.0)
	}
}

func TestVoidPaymentReversesExactlyOne(t *testing.T) {
	ledger := newMemoryLedger()
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()
	rec := ledger.open(t, 1, 10, 1000)

	first, err := svc.RegisterPayment(ctx, 1, RegisterPaymentInput{ReceivableID: rec.ID, Amount: 600, Method: MethodCash})
	require.NoError(t, err)
	second, err := svc.RegisterPayment(ctx, 1, RegisterPaymentInput{ReceivableID: rec.ID, Amount: 400, Method: MethodCash})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, second.NewStatus)
	require.True(t, ledger.settled[10])

	got, err := svc.VoidPayment(ctx, 1, second.PaymentID, 99)
	require.NoError(t, err)
	require.InDelta(t, 600, got.Paid, 0.001)
	require.InDelta(t, 400, got.Pending, 0.001)
	require.Equal(t, StatusPartial, got.Status)
	require.False(t, ledger.settled[10])

	_, err = svc.VoidPayment(ctx, 1, second.PaymentID, 99)
	require.ErrorIs(t, err, ErrPaymentVoided)

	got, err = svc.VoidPayment(ctx, 1, first.PaymentID, 99)
	require.NoError(t, err)
	require.InDelta(t, 0, got.Paid, 0.001)
	require.Equal(t, StatusPending, got.Status)
}

func TestVoidPaymentOnlyNewestFirst(t *testing.T) {
	ledger := newMemoryLedger()
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()
	rec := ledger.open(t, 1, 10, 1000)

	first, err := svc.RegisterPayment(ctx, 1, RegisterPaymentInput{ReceivableID: rec.ID, Amount: 600, Method: MethodCash})
	require.NoError(t, err)
	_, err = svc.RegisterPayment(ctx, 1, RegisterPaymentInput{ReceivableID: rec.ID, Amount: 200, Method: MethodCash})
	require.NoError(t, err)

	// Voiding an older payment out of order would leave the running
	// balance unreconstructible.
	_, err = svc.VoidPayment(ctx, 1, first.PaymentID, 99)
	require.ErrorIs(t, err, ErrNotLatestPayment)
	require.InDelta(t, 800, ledger.receivables[rec.ID].Paid, 0.001)
}

func TestRegisterPaymentDuplicateKey(t *testing.T) {
	ledger := newMemoryLedger()
	idem := &memoryIdem{keys: make(map[string]bool)}
	svc := NewService(ledger, nil, idem)
	ctx := context.Background()
	rec := ledger.open(t, 1, 10, 1000)

	input := RegisterPaymentInput{
		ReceivableID: rec.ID, Amount: 300, Method: MethodCash,
		IdempotencyKey: "pay-1",
	}
	_, err := svc.RegisterPayment(ctx, 1, input)
	require.NoError(t, err)

	_, err = svc.RegisterPayment(ctx, 1, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.InDelta(t, 300, ledger.receivables[rec.ID].Paid, 0.001)
	require.Len(t, ledger.payments, 1)
}

func TestRegisterPaymentKeyReleasedOnFailure(t *testing.T) {
	ledger := newMemoryLedger()
	idem := &memoryIdem{keys: make(map[string]bool)}
	svc := NewService(ledger, nil, idem)
	ctx := context.Background()
	rec := ledger.open(t, 1, 10, 100)

	input := RegisterPaymentInput{
		ReceivableID: rec.ID, Amount: 500, Method: MethodCash,
		IdempotencyKey: "pay-2",
	}
	_, err := svc.RegisterPayment(ctx, 1, input)
	var overpay *OverpaymentError
	require.ErrorAs(t, err, &overpay)

	input.Amount = 100
	_, err = svc.RegisterPayment(ctx, 1, input)
	require.NoError(t, err)
}

func TestRentalReceivableNeverSettlesSale(t *testing.T) {
	ledger := newMemoryLedger()
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()

	rec, err := Open(ctx, ledger, Receivable{
		TenantID: 1, SaleID: 77, ClientID: 1, RefKind: RefRental, Total: 500,
		DueDate: time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	result, err := svc.RegisterPayment(ctx, 1, RegisterPaymentInput{ReceivableID: rec.ID, Amount: 500, Method: MethodTransfer})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, result.NewStatus)
	require.False(t, ledger.settled[77])
}

func TestOpenDefaultsToSaleKind(t *testing.T) {
	ledger := newMemoryLedger()
	rec := ledger.open(t, 1, 10, 100)
	require.Equal(t, RefSale, rec.RefKind)
}

func TestPaymentRejectedOnClosedReceivable(t *testing.T) {
	ledger := newMemoryLedger()
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()
	rec := ledger.open(t, 1, 10, 100)

	require.NoError(t, CancelForSale(ctx, ledger, 1, 10))
	_, err := svc.RegisterPayment(ctx, 1, RegisterPaymentInput{ReceivableID: rec.ID, Amount: 50, Method: MethodCash})
	require.ErrorIs(t, err, ErrReceivableClosed)
}

func TestRejectsBadAmountAndMethod(t *testing.T) {
	ledger := newMemoryLedger()
	ctx := context.Background()
	rec := ledger.open(t, 1, 10, 100)

	_, _, err := Apply(ctx, ledger, 1, rec.ID, -5, MethodCash, "", 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = Apply(ctx, ledger, 1, rec.ID, 50, Method("credito"), "", 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMarkOverdue(t *testing.T) {
	ledger := newMemoryLedger()
	svc := NewService(ledger, nil, nil)
	ctx := context.Background()

	past := ledger.open(t, 1, 10, 100)
	pastRec := ledger.receivables[past.ID]
	pastRec.DueDate = time.Now().Add(-48 * time.Hour)
	ledger.receivables[past.ID] = pastRec
	ledger.open(t, 1, 11, 200)

	n, err := svc.MarkOverdue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, StatusOverdue, ledger.receivables[past.ID].Status)
}
