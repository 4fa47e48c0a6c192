package receivables

import (
	"context"
	"errors"
	"time"
)

// TxRepository exposes transactional operations. The sales package
// obtains one bound to its own transaction so document writes and
// ledger entries commit together.
type TxRepository interface {
	InsertReceivable(ctx context.Context, rec Receivable) (int64, error)
	GetReceivableForUpdate(ctx context.Context, tenantID, id int64) (Receivable, error)
	GetReceivableBySaleForUpdate(ctx context.Context, tenantID, saleID int64) (Receivable, error)
	UpdateReceivable(ctx context.Context, rec Receivable) error
	InsertPayment(ctx context.Context, p Payment) (int64, error)
	GetPaymentForUpdate(ctx context.Context, tenantID, id int64) (Payment, error)
	LatestActivePaymentID(ctx context.Context, tenantID, receivableID int64) (int64, error)
	MarkPaymentVoided(ctx context.Context, id int64, at time.Time) error
	SetSaleSettled(ctx context.Context, saleID int64, settled bool) error
}

// Open creates a pendiente receivable inside the caller's transaction.
func Open(ctx context.Context, tx TxRepository, rec Receivable) (Receivable, error) {
	if rec.RefKind == "" {
		rec.RefKind = RefSale
	}
	rec.Total = roundMoney(rec.Total)
	rec.Paid = 0
	rec.Pending = rec.Total
	rec.Status = StatusPending
	id, err := tx.InsertReceivable(ctx, rec)
	if err != nil {
		return Receivable{}, err
	}
	rec.ID = id
	return rec, nil
}

// Apply registers one payment against a receivable under its row lock.
// Overpayment is rejected, never capped. A payment that clears the
// balance flips the backing sale's settled flag.
func Apply(ctx context.Context, tx TxRepository, tenantID, receivableID int64, amount float64, method Method, reference string, actorID int64) (Payment, Receivable, error) {
	if amount <= 0 {
		return Payment{}, Receivable{}, ErrInvalidAmount
	}
	if !ValidMethod(method) {
		return Payment{}, Receivable{}, ErrInvalidAmount
	}
	rec, err := tx.GetReceivableForUpdate(ctx, tenantID, receivableID)
	if err != nil {
		return Payment{}, Receivable{}, err
	}
	if rec.Status == StatusCancelled || rec.Status == StatusPaid {
		return Payment{}, Receivable{}, ErrReceivableClosed
	}
	amount = roundMoney(amount)
	if amount > rec.Pending+0.004 {
		return Payment{}, Receivable{}, &OverpaymentError{Pending: rec.Pending, Attempted: amount}
	}

	payment := Payment{
		TenantID:     tenantID,
		ReceivableID: rec.ID,
		Amount:       amount,
		Method:       method,
		Reference:    reference,
		ActorID:      actorID,
	}
	paymentID, err := tx.InsertPayment(ctx, payment)
	if err != nil {
		return Payment{}, Receivable{}, err
	}
	payment.ID = paymentID

	rec.Paid = roundMoney(rec.Paid + amount)
	rec.Pending = roundMoney(rec.Total - rec.Paid)
	rec.Status = deriveStatus(rec.Pending, rec.Total)
	if err := tx.UpdateReceivable(ctx, rec); err != nil {
		return Payment{}, Receivable{}, err
	}
	if rec.Status == StatusPaid && rec.RefKind == RefSale && rec.SaleID != 0 {
		if err := tx.SetSaleSettled(ctx, rec.SaleID, true); err != nil {
			return Payment{}, Receivable{}, err
		}
	}
	return payment, rec, nil
}

// VoidPayment reverses exactly one payment, all or nothing. The paid
// balance can never go negative; a receivable that is no longer fully
// paid loses the sale's settled flag.
func VoidPayment(ctx context.Context, tx TxRepository, tenantID, paymentID int64, now time.Time) (Receivable, error) {
	payment, err := tx.GetPaymentForUpdate(ctx, tenantID, paymentID)
	if err != nil {
		return Receivable{}, err
	}
	if payment.Voided {
		return Receivable{}, ErrPaymentVoided
	}
	rec, err := tx.GetReceivableForUpdate(ctx, tenantID, payment.ReceivableID)
	if err != nil {
		return Receivable{}, err
	}
	if rec.Status == StatusCancelled {
		return Receivable{}, ErrReceivableClosed
	}
	if payment.Amount > rec.Paid+0.004 {
		return Receivable{}, ErrInvalidAmount
	}
	// Reversals unwind in order: only the most recent active payment
	// can be voided, so intermediate balances stay reconstructible.
	latest, err := tx.LatestActivePaymentID(ctx, tenantID, payment.ReceivableID)
	if err != nil {
		return Receivable{}, err
	}
	if latest != payment.ID {
		return Receivable{}, ErrNotLatestPayment
	}

	wasPaid := rec.Status == StatusPaid
	if err := tx.MarkPaymentVoided(ctx, payment.ID, now); err != nil {
		return Receivable{}, err
	}
	rec.Paid = roundMoney(rec.Paid - payment.Amount)
	rec.Pending = roundMoney(rec.Total - rec.Paid)
	rec.Status = deriveStatus(rec.Pending, rec.Total)
	if err := tx.UpdateReceivable(ctx, rec); err != nil {
		return Receivable{}, err
	}
	if wasPaid && rec.Status != StatusPaid && rec.RefKind == RefSale && rec.SaleID != 0 {
		if err := tx.SetSaleSettled(ctx, rec.SaleID, false); err != nil {
			return Receivable{}, err
		}
	}
	return rec, nil
}

// Reprice rebases a receivable on a new document total, re-deriving
// pending and status in the caller's transaction. A total below what
// has already been collected is rejected.
func Reprice(ctx context.Context, tx TxRepository, rec Receivable, newTotal float64) (Receivable, error) {
	rec.Total = roundMoney(newTotal)
	if rec.Paid > rec.Total+0.004 {
		return Receivable{}, ErrInvalidAmount
	}
	rec.Pending = roundMoney(rec.Total - rec.Paid)
	rec.Status = deriveStatus(rec.Pending, rec.Total)
	if err := tx.UpdateReceivable(ctx, rec); err != nil {
		return Receivable{}, err
	}
	return rec, nil
}

// CancelForSale marks a sale's receivable cancelada. Used by sale
// cancellation; the row stays on record with its payment history.
func CancelForSale(ctx context.Context, tx TxRepository, tenantID, saleID int64) error {
	rec, err := tx.GetReceivableBySaleForUpdate(ctx, tenantID, saleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Status == StatusCancelled {
		return nil
	}
	rec.Status = StatusCancelled
	return tx.UpdateReceivable(ctx, rec)
}
