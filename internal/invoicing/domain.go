package invoicing

import (
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes the fiscal document classes.
type Kind string

const (
	// KindIngreso is the income invoice tied one-to-one to a sale.
	KindIngreso Kind = "ingreso"
	// KindPago is a payment complement, one per registered payment on
	// a credit sale.
	KindPago Kind = "pago"
)

// Status is the invoice lifecycle state.
type Status string

const (
	StatusVigente        Status = "vigente"
	StatusCancelled      Status = "cancelado"
	StatusCancelledAcuse Status = "cancelado_con_acuse"
)

// Cancellation reason codes accepted by the stamping authority. Reason
// 01 replaces the invoice and therefore needs the substitution uuid.
const (
	ReasonWithSubstitution = "01"
	ReasonNoSubstitution   = "02"
	ReasonNotCarriedOut    = "03"
	ReasonRelatedOperation = "04"
)

// ValidCancelReason reports whether code is an accepted reason.
func ValidCancelReason(code string) bool {
	switch code {
	case ReasonWithSubstitution, ReasonNoSubstitution, ReasonNotCarriedOut, ReasonRelatedOperation:
		return true
	}
	return false
}

// Invoice is a stamped fiscal document. The row is created only after a
// successful provider call and its document snapshot never changes.
type Invoice struct {
	ID                 int64          `json:"id"`
	TenantID           int64          `json:"tenant_id"`
	SaleID             int64          `json:"sale_id"`
	PaymentID          int64          `json:"payment_id,omitempty"`
	UUID               string         `json:"uuid"`
	Series             string         `json:"series"`
	Folio              string         `json:"folio"`
	Kind               Kind           `json:"kind"`
	Status             Status         `json:"status"`
	CancellationReason string         `json:"cancellation_reason,omitempty"`
	Acuse              string         `json:"acuse,omitempty"`
	Document           FiscalDocument `json:"document"`
	Total              float64        `json:"total"`
	Currency           string         `json:"currency"`
	StampedAt          time.Time      `json:"stamped_at"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Vigente reports whether the invoice is still in force.
func (i Invoice) Vigente() bool { return i.Status == StatusVigente }

// FiscalDocument is the frozen snapshot sent to the provider. It is
// built from the sale's stored lines and totals, never recomputed from
// current catalog prices.
type FiscalDocument struct {
	Kind          Kind         `json:"kind"`
	SaleFolio     string       `json:"sale_folio"`
	ClientID      int64        `json:"client_id"`
	ClientName    string       `json:"client_name,omitempty"`
	ClientRFC     string       `json:"client_rfc,omitempty"`
	Currency      string       `json:"currency"`
	PaymentForm   string       `json:"payment_form"`
	PaymentMethod string       `json:"payment_method"`
	Lines         []FiscalLine `json:"lines"`
	Subtotal      float64      `json:"subtotal"`
	Discount      float64      `json:"discount"`
	TaxTotal      float64      `json:"tax_total"`
	Total         float64      `json:"total"`
	// RelatedUUID carries the ingreso invoice uuid on pago documents.
	RelatedUUID string  `json:"related_uuid,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
}

// FiscalLine is one concept on the fiscal document.
type FiscalLine struct {
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	DiscountPct float64 `json:"discount_pct"`
	TaxRate     float64 `json:"tax_rate"`
	Amount      float64 `json:"amount"`
}

var (
	// ErrNotFound indicates the invoice does not exist for the tenant.
	ErrNotFound = errors.New("invoicing: invoice not found")
	// ErrAlreadyIssued indicates the sale already has a vigente
	// ingreso invoice.
	ErrAlreadyIssued = errors.New("invoicing: sale already has an active invoice")
	// ErrIssuanceInFlight indicates another issuance for the same sale
	// is in progress.
	ErrIssuanceInFlight = errors.New("invoicing: issuance already in progress")
	// ErrNotVigente indicates a cancellation on an already cancelled
	// invoice.
	ErrNotVigente = errors.New("invoicing: invoice is not vigente")
	// ErrSubstitutionRequired indicates reason 01 without the
	// replacing invoice uuid.
	ErrSubstitutionRequired = errors.New("invoicing: cancellation reason 01 requires a substitution uuid")
	// ErrSaleNotInvoiceable indicates the sale is not in a state that
	// can be stamped.
	ErrSaleNotInvoiceable = errors.New("invoicing: sale cannot be invoiced in its current state")
	// ErrPaymentVoided indicates a complement request for a voided
	// payment.
	ErrPaymentVoided = errors.New("invoicing: payment is voided")
	// ErrNotCreditSale indicates a complement request on a sale that
	// settled at creation.
	ErrNotCreditSale = errors.New("invoicing: payment complements apply to credit sales only")
	// ErrNoActiveInvoice indicates a complement request for a sale
	// without a vigente ingreso invoice to relate to.
	ErrNoActiveInvoice = errors.New("invoicing: sale has no active invoice to relate the complement to")
)

// InvalidReasonError reports an unknown cancellation reason code.
type InvalidReasonError struct {
	Code string
}

func (e *InvalidReasonError) Error() string {
	return fmt.Sprintf("invoicing: unknown cancellation reason %q", e.Code)
}
