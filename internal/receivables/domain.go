// Package receivables is the accounts receivable ledger: one obligation
// per credit sale, payments applied against it under a row lock, an
// aging report, and overdue marking. Balances are kept consistent by
// construction: pending is always total minus paid.
package receivables

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a receivable.
type Status string

const (
	StatusPending   Status = "pendiente"
	StatusPartial   Status = "parcial"
	StatusPaid      Status = "pagado"
	StatusOverdue   Status = "vencido"
	StatusCancelled Status = "cancelada"
)

// Method is how a payment was made. Credit is a sale term, not a
// payment method, so it never appears here.
type Method string

const (
	MethodCash     Method = "efectivo"
	MethodTransfer Method = "transferencia"
	MethodCard     Method = "tarjeta"
	MethodCheque   Method = "cheque"
)

// ValidMethod reports whether m is an accepted payment method.
func ValidMethod(m Method) bool {
	switch m {
	case MethodCash, MethodTransfer, MethodCard, MethodCheque:
		return true
	}
	return false
}

// RefKind says what document a receivable collects for.
type RefKind string

const (
	RefSale   RefKind = "venta"
	RefRental RefKind = "renta"
)

// Receivable is one collection obligation, usually backing a sale.
// RefRental rows carry the rental contract id in SaleID; only RefSale
// rows participate in sale settlement.
type Receivable struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	RefKind   RefKind   `json:"ref_kind"`
	SaleID    int64     `json:"sale_id,omitempty"`
	ClientID  int64     `json:"client_id"`
	Total     float64   `json:"total"`
	Paid      float64   `json:"paid"`
	Pending   float64   `json:"pending"`
	Status    Status    `json:"status"`
	DueDate   time.Time `json:"due_date"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payment is one application against a receivable. Voided payments stay
// on record with the void timestamp.
type Payment struct {
	ID           int64      `json:"id"`
	TenantID     int64      `json:"tenant_id"`
	ReceivableID int64      `json:"receivable_id"`
	Amount       float64    `json:"amount"`
	Method       Method     `json:"method"`
	Reference    string     `json:"reference,omitempty"`
	ActorID      int64      `json:"actor_id,omitempty"`
	Voided       bool       `json:"voided"`
	VoidedAt     *time.Time `json:"voided_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// PaymentResult is the post-application balance snapshot.
type PaymentResult struct {
	PaymentID  int64   `json:"payment_id"`
	NewPaid    float64 `json:"new_paid"`
	NewPending float64 `json:"new_pending"`
	NewStatus  Status  `json:"new_status"`
}

// AgingBucket groups outstanding balances by days past due.
type AgingBucket struct {
	Current float64 `json:"current"`
	Days30  float64 `json:"days_30"`
	Days60  float64 `json:"days_60"`
	Days90  float64 `json:"days_90"`
	Days120 float64 `json:"days_120_plus"`
}

// Total sums every bucket.
func (a AgingBucket) Total() float64 {
	return a.Current + a.Days30 + a.Days60 + a.Days90 + a.Days120
}

// ListFilter narrows receivable listings.
type ListFilter struct {
	ClientID int64
	Status   Status
	Limit    int
}

var (
	// ErrNotFound indicates the receivable or payment does not exist.
	ErrNotFound = errors.New("receivables: not found")
	// ErrInvalidAmount indicates a zero or negative payment amount.
	ErrInvalidAmount = errors.New("receivables: amount must be positive")
	// ErrReceivableClosed indicates the receivable is cancelled or fully
	// paid and accepts no further payments.
	ErrReceivableClosed = errors.New("receivables: receivable is closed")
	// ErrPaymentVoided indicates the payment was already voided.
	ErrPaymentVoided = errors.New("receivables: payment already voided")
	// ErrNotLatestPayment indicates an older payment was targeted while
	// a more recent active one exists.
	ErrNotLatestPayment = errors.New("receivables: only the most recent payment can be voided")
)

// OverpaymentError reports a payment exceeding the pending balance. The
// caller must split or reduce the amount; balances are never capped.
type OverpaymentError struct {
	Pending   float64
	Attempted float64
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("receivables: payment %.2f exceeds pending balance %.2f", e.Attempted, e.Pending)
}

// roundMoney keeps stored balances at two decimal places so float noise
// from repeated additions never leaks into comparisons.
func roundMoney(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}

// deriveStatus recomputes the state from the balance.
func deriveStatus(pending, total float64) Status {
	switch {
	case pending <= 0.004:
		return StatusPaid
	case pending >= total-0.004:
		return StatusPending
	default:
		return StatusPartial
	}
}
