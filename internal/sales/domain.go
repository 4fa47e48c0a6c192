// Package sales holds the three commercial documents and their state
// machines: quotes, orders and sales. Documents move forward through
// explicit transitions; conversions re-validate stock at conversion
// time and everything a conversion touches commits in one transaction.
package sales

import (
	"errors"
	"fmt"
	"time"
)

// QuoteStatus is the quote lifecycle state.
type QuoteStatus string

const (
	QuoteDraft          QuoteStatus = "borrador"
	QuotePending        QuoteStatus = "pendiente"
	QuoteApproved       QuoteStatus = "aprobada"
	QuoteConvertedOrder QuoteStatus = "convertida_a_pedido"
	QuoteConvertedSale  QuoteStatus = "convertida_a_venta"
	QuoteCancelled      QuoteStatus = "cancelada"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderDraft     OrderStatus = "borrador"
	OrderConfirmed OrderStatus = "confirmado"
	OrderToSale    OrderStatus = "enviado_a_venta"
	OrderCancelled OrderStatus = "cancelado"
)

// SaleStatus is the sale lifecycle state.
type SaleStatus string

const (
	SalePending   SaleStatus = "pendiente"
	SaleApproved  SaleStatus = "aprobada"
	SaleCancelled SaleStatus = "cancelada"
)

var quoteTransitions = map[QuoteStatus][]QuoteStatus{
	QuoteDraft:    {QuotePending, QuoteCancelled},
	QuotePending:  {QuoteApproved, QuoteCancelled},
	QuoteApproved: {QuoteConvertedOrder, QuoteConvertedSale, QuoteCancelled},
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderDraft:     {OrderConfirmed, OrderCancelled},
	OrderConfirmed: {OrderToSale, OrderCancelled},
}

var saleTransitions = map[SaleStatus][]SaleStatus{
	SalePending:  {SaleApproved, SaleCancelled},
	SaleApproved: {SaleCancelled},
}

// InvalidTransitionError reports a state change the machine forbids.
type InvalidTransitionError struct {
	Document string
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("sales: %s cannot move from %s to %s", e.Document, e.From, e.To)
}

func checkQuoteTransition(from, to QuoteStatus) error {
	for _, allowed := range quoteTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{Document: "quote", From: string(from), To: string(to)}
}

func checkOrderTransition(from, to OrderStatus) error {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{Document: "order", From: string(from), To: string(to)}
}

func checkSaleTransition(from, to SaleStatus) error {
	for _, allowed := range saleTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{Document: "sale", From: string(from), To: string(to)}
}

// PayMethod is the agreed settlement form. Credito defers collection to
// the receivables ledger; every other method settles at creation.
type PayMethod string

const (
	PayCash     PayMethod = "efectivo"
	PayTransfer PayMethod = "transferencia"
	PayCard     PayMethod = "tarjeta"
	PayCheque   PayMethod = "cheque"
	PayCredit   PayMethod = "credito"
)

// ValidPayMethod reports whether m is a known settlement form.
func ValidPayMethod(m PayMethod) bool {
	switch m {
	case PayCash, PayTransfer, PayCard, PayCheque, PayCredit:
		return true
	}
	return false
}

// LineItem is a frozen document line. Kit parents carry the price and
// no stock effect; their component lines are zero priced, point back
// via ParentItemID and carry the stock flags so cancellation can
// restock without re-reading the catalog.
type LineItem struct {
	ID             int64    `json:"id"`
	ItemID         int64    `json:"item_id"`
	ParentItemID   int64    `json:"parent_item_id,omitempty"`
	Description    string   `json:"description"`
	Quantity       int      `json:"quantity"`
	UnitPrice      float64  `json:"unit_price"`
	DiscountPct    float64  `json:"discount_pct"`
	TaxRate        float64  `json:"tax_rate"`
	StockTracked   bool     `json:"stock_tracked"`
	RequiresSerial bool     `json:"requires_serial"`
	Serials        []string `json:"serials,omitempty"`
}

// Totals is the persisted pricing breakdown of a document.
type Totals struct {
	Subtotal             float64 `json:"subtotal"`
	ItemDiscountTotal    float64 `json:"item_discount_total"`
	HeaderDiscountAmount float64 `json:"header_discount_amount"`
	TaxTotal             float64 `json:"tax_total"`
	WithholdingIVA       float64 `json:"withholding_iva,omitempty"`
	WithholdingISR       float64 `json:"withholding_isr,omitempty"`
	Total                float64 `json:"total"`
}

// Quote is a priced offer with no stock effect.
type Quote struct {
	ID                int64       `json:"id"`
	TenantID          int64       `json:"tenant_id"`
	ClientID          int64       `json:"client_id"`
	Folio             string      `json:"folio"`
	Status            QuoteStatus `json:"status"`
	HeaderDiscountPct float64     `json:"header_discount_pct"`
	Currency          string      `json:"currency"`
	Totals            Totals      `json:"totals"`
	Lines             []LineItem  `json:"lines"`
	ValidUntil        time.Time   `json:"valid_until"`
	Notes             string      `json:"notes,omitempty"`
	CreatedBy         int64       `json:"created_by,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Order is a confirmed intent that reserves stock until conversion.
type Order struct {
	ID                int64       `json:"id"`
	TenantID          int64       `json:"tenant_id"`
	ClientID          int64       `json:"client_id"`
	QuoteID           int64       `json:"quote_id,omitempty"`
	LocationID        int64       `json:"location_id"`
	Folio             string      `json:"folio"`
	Status            OrderStatus `json:"status"`
	HeaderDiscountPct float64     `json:"header_discount_pct"`
	Currency          string      `json:"currency"`
	Totals            Totals      `json:"totals"`
	Lines             []LineItem  `json:"lines"`
	Notes             string      `json:"notes,omitempty"`
	CreatedBy         int64       `json:"created_by,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Sale is the executed transaction: stock committed, receivable open.
type Sale struct {
	ID                int64      `json:"id"`
	TenantID          int64      `json:"tenant_id"`
	ClientID          int64      `json:"client_id"`
	QuoteID           int64      `json:"quote_id,omitempty"`
	OrderID           int64      `json:"order_id,omitempty"`
	LocationID        int64      `json:"location_id"`
	Folio             string     `json:"folio"`
	Status            SaleStatus `json:"status"`
	PayMethod         PayMethod  `json:"pay_method"`
	HeaderDiscountPct float64    `json:"header_discount_pct"`
	Currency          string     `json:"currency"`
	Totals            Totals     `json:"totals"`
	Lines             []LineItem `json:"lines"`
	ReceivableID      int64      `json:"receivable_id,omitempty"`
	Settled           bool       `json:"settled"`
	Notes             string     `json:"notes,omitempty"`
	CreatedBy         int64      `json:"created_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
}

// LineInput is one requested document line. Serials apply to serialized
// items; ComponentSerials supplies serials per component when the item
// is a kit.
type LineInput struct {
	ItemID           int64              `json:"item_id" validate:"required"`
	Quantity         int                `json:"quantity" validate:"required,gt=0"`
	UnitPrice        *float64           `json:"unit_price,omitempty"`
	DiscountPct      float64            `json:"discount_pct" validate:"gte=0,lte=100"`
	Serials          []string           `json:"serials,omitempty"`
	ComponentSerials map[int64][]string `json:"component_serials,omitempty"`
}

// QuoteInput creates or replaces a quote.
type QuoteInput struct {
	ClientID          int64       `json:"client_id" validate:"required"`
	HeaderDiscountPct float64     `json:"header_discount_pct" validate:"gte=0,lte=100"`
	Currency          string      `json:"currency"`
	Lines             []LineInput `json:"lines" validate:"required,min=1,dive"`
	ValidDays         int         `json:"valid_days"`
	Notes             string      `json:"notes"`
	ActorID           int64       `json:"-"`
}

// OrderInput creates an order.
type OrderInput struct {
	ClientID          int64       `json:"client_id" validate:"required"`
	LocationID        int64       `json:"location_id" validate:"required"`
	HeaderDiscountPct float64     `json:"header_discount_pct" validate:"gte=0,lte=100"`
	Currency          string      `json:"currency"`
	Lines             []LineInput `json:"lines" validate:"required,min=1,dive"`
	Notes             string      `json:"notes"`
	ActorID           int64       `json:"-"`
}

// SaleInput creates or replaces a sale.
type SaleInput struct {
	ClientID          int64       `json:"client_id" validate:"required"`
	LocationID        int64       `json:"location_id" validate:"required"`
	PayMethod         PayMethod   `json:"pay_method" validate:"required"`
	HeaderDiscountPct float64     `json:"header_discount_pct" validate:"gte=0,lte=100"`
	Currency          string      `json:"currency"`
	Lines             []LineInput `json:"lines" validate:"required,min=1,dive"`
	Notes             string      `json:"notes"`
	ActorID           int64       `json:"-"`
	IdempotencyKey    string      `json:"-"`
}

// ConvertInput carries conversion parameters; a sale needs a settlement
// form and a stock location the source document may not have.
type ConvertInput struct {
	LocationID     int64     `json:"location_id"`
	PayMethod      PayMethod `json:"pay_method" validate:"required"`
	ActorID        int64     `json:"-"`
	IdempotencyKey string    `json:"-"`
}

var (
	// ErrNotFound indicates the document does not exist for the tenant.
	ErrNotFound = errors.New("sales: not found")
	// ErrHasActiveInvoice indicates the sale still has a vigente
	// invoice and may not be changed or cancelled.
	ErrHasActiveInvoice = errors.New("sales: sale has an active invoice")
	// ErrHasPayments indicates the sale's receivable already collected
	// payments; the sale can be cancelled but not edited.
	ErrHasPayments = errors.New("sales: receivable has payments applied")
	// ErrClientInactive indicates the client is disabled.
	ErrClientInactive = errors.New("sales: client is inactive")
	// ErrNotEditable indicates the document state forbids edits.
	ErrNotEditable = errors.New("sales: document can no longer be edited")
	// ErrPayMethodChange indicates an edit tried to switch the payment
	// method. Cancel and recreate the sale instead.
	ErrPayMethodChange = errors.New("sales: pay method cannot change on edit")
)

// CreditLimitError reports a credit sale pushing the client past its
// credit line.
type CreditLimitError struct {
	Limit       float64
	Outstanding float64
	Attempted   float64
}

func (e *CreditLimitError) Error() string {
	return fmt.Sprintf("sales: credit limit %.2f exceeded: outstanding %.2f plus sale %.2f",
		e.Limit, e.Outstanding, e.Attempted)
}
