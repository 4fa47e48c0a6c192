package sales

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jesusaln/asistenciavircom-sub007/internal/catalog"
	"github.com/jesusaln/asistenciavircom-sub007/internal/clients"
	"github.com/jesusaln/asistenciavircom-sub007/internal/pricing"
	"github.com/jesusaln/asistenciavircom-sub007/internal/receivables"
	"github.com/jesusaln/asistenciavircom-sub007/internal/shared"
	"github.com/jesusaln/asistenciavircom-sub007/internal/stock"
	"github.com/jesusaln/asistenciavircom-sub007/internal/tenants"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetQuote(ctx context.Context, tenantID, id int64) (Quote, error)
	ListQuotes(ctx context.Context, tenantID int64, status QuoteStatus, limit int) ([]Quote, error)
	GetOrder(ctx context.Context, tenantID, id int64) (Order, error)
	ListOrders(ctx context.Context, tenantID int64, status OrderStatus, limit int) ([]Order, error)
	GetSale(ctx context.Context, tenantID, id int64) (Sale, error)
	ListSales(ctx context.Context, tenantID int64, status SaleStatus, limit int) ([]Sale, error)
}

// IdempotencyPort guards retried mutations by request key. A nil port
// disables checking.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups sale policy knobs.
type ServiceConfig struct {
	AllowNegativeStock bool
	DefaultCreditDays  int
	DefaultCurrency    string
}

// Service coordinates the document state machines with pricing, stock
// and the receivables ledger.
type Service struct {
	repo        RepositoryPort
	catalog     catalog.Reader
	clients     clients.Reader
	taxes       tenants.ConfigReader
	audit       AuditPort
	idempotency IdempotencyPort
	cfg         ServiceConfig
}

// NewService builds Service.
func NewService(repo RepositoryPort, cat catalog.Reader, cli clients.Reader, taxes tenants.ConfigReader, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	if cfg.DefaultCreditDays <= 0 {
		cfg.DefaultCreditDays = 30
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "MXN"
	}
	return &Service{repo: repo, catalog: cat, clients: cli, taxes: taxes, audit: audit, idempotency: idem, cfg: cfg}
}

// CreateQuote prices the lines and stores a borrador quote. Quotes
// never touch stock.
func (s *Service) CreateQuote(ctx context.Context, tenantID int64, input QuoteInput) (Quote, error) {
	currency, err := s.resolveCurrency(input.Currency)
	if err != nil {
		return Quote{}, err
	}
	lines, err := s.buildLines(ctx, tenantID, input.Lines)
	if err != nil {
		return Quote{}, err
	}
	totals, err := s.computeTotals(ctx, tenantID, input.ClientID, lines, input.HeaderDiscountPct)
	if err != nil {
		return Quote{}, err
	}
	validDays := input.ValidDays
	if validDays <= 0 {
		validDays = 15
	}

	quote := Quote{
		TenantID:          tenantID,
		ClientID:          input.ClientID,
		Status:            QuoteDraft,
		HeaderDiscountPct: input.HeaderDiscountPct,
		Currency:          currency,
		Totals:            totals,
		Lines:             lines,
		ValidUntil:        time.Now().UTC().AddDate(0, 0, validDays),
		Notes:             input.Notes,
		CreatedBy:         input.ActorID,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		quote.Folio, err = tx.NextFolio(ctx, tenantID, SeriesQuote)
		if err != nil {
			return err
		}
		quote.ID, err = tx.InsertQuote(ctx, quote)
		return err
	})
	if err != nil {
		return Quote{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "sales:create_quote", "quote", quote.ID, nil)
	return quote, nil
}

// UpdateQuote replaces the lines and totals of an editable quote.
func (s *Service) UpdateQuote(ctx context.Context, tenantID, quoteID int64, input QuoteInput) (Quote, error) {
	currency, err := s.resolveCurrency(input.Currency)
	if err != nil {
		return Quote{}, err
	}
	lines, err := s.buildLines(ctx, tenantID, input.Lines)
	if err != nil {
		return Quote{}, err
	}
	totals, err := s.computeTotals(ctx, tenantID, input.ClientID, lines, input.HeaderDiscountPct)
	if err != nil {
		return Quote{}, err
	}

	var quote Quote
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		quote, err = tx.GetQuoteForUpdate(ctx, tenantID, quoteID)
		if err != nil {
			return err
		}
		if quote.Status != QuoteDraft && quote.Status != QuotePending {
			return ErrNotEditable
		}
		quote.ClientID = input.ClientID
		quote.HeaderDiscountPct = input.HeaderDiscountPct
		quote.Currency = currency
		quote.Totals = totals
		quote.Lines = lines
		quote.Notes = input.Notes
		return tx.UpdateQuote(ctx, quote)
	})
	if err != nil {
		return Quote{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "sales:update_quote", "quote", quoteID, nil)
	return quote, nil
}

// SubmitQuote moves a quote from borrador to pendiente.
func (s *Service) SubmitQuote(ctx context.Context, tenantID, quoteID, actorID int64) (Quote, error) {
	return s.transitionQuote(ctx, tenantID, quoteID, actorID, QuotePending, "sales:submit_quote")
}

// ApproveQuote moves a quote from pendiente to aprobada.
func (s *Service) ApproveQuote(ctx context.Context, tenantID, quoteID, actorID int64) (Quote, error) {
	return s.transitionQuote(ctx, tenantID, quoteID, actorID, QuoteApproved, "sales:approve_quote")
}

// CancelQuote cancels a quote from any non-terminal state.
func (s *Service) CancelQuote(ctx context.Context, tenantID, quoteID, actorID int64) (Quote, error) {
	return s.transitionQuote(ctx, tenantID, quoteID, actorID, QuoteCancelled, "sales:cancel_quote")
}

func (s *Service) transitionQuote(ctx context.Context, tenantID, quoteID, actorID int64, to QuoteStatus, action string) (Quote, error) {
	var quote Quote
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		quote, err = tx.GetQuoteForUpdate(ctx, tenantID, quoteID)
		if err != nil {
			return err
		}
		if err := checkQuoteTransition(quote.Status, to); err != nil {
			return err
		}
		quote.Status = to
		return tx.SetQuoteStatus(ctx, quoteID, to)
	})
	if err != nil {
		return Quote{}, err
	}
	s.record(ctx, tenantID, actorID, action, "quote", quoteID, nil)
	return quote, nil
}

// ConvertQuoteToOrder creates a borrador order from an approved quote.
// The order reserves stock at confirmation, not here.
func (s *Service) ConvertQuoteToOrder(ctx context.Context, tenantID, quoteID int64, input ConvertInput) (Order, error) {
	var order Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		quote, err := tx.GetQuoteForUpdate(ctx, tenantID, quoteID)
		if err != nil {
			return err
		}
		if err := checkQuoteTransition(quote.Status, QuoteConvertedOrder); err != nil {
			return err
		}
		order = Order{
			TenantID:          tenantID,
			ClientID:          quote.ClientID,
			QuoteID:           quote.ID,
			LocationID:        input.LocationID,
			Status:            OrderDraft,
			HeaderDiscountPct: quote.HeaderDiscountPct,
			Currency:          quote.Currency,
			Totals:            quote.Totals,
			Lines:             stripLineIDs(quote.Lines),
			Notes:             quote.Notes,
			CreatedBy:         input.ActorID,
		}
		order.Folio, err = tx.NextFolio(ctx, tenantID, SeriesOrder)
		if err != nil {
			return err
		}
		order.ID, err = tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		return tx.SetQuoteStatus(ctx, quoteID, QuoteConvertedOrder)
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "sales:convert_quote_to_order", "quote", quoteID, map[string]any{"order_id": order.ID})
	return order, nil
}

// ConvertQuoteToSale turns an approved quote directly into a sale.
// Stock is validated and committed now; a failed allocation aborts the
// whole conversion and the quote keeps its state.
func (s *Service) ConvertQuoteToSale(ctx context.Context, tenantID, quoteID int64, input ConvertInput) (Sale, error) {
	if !ValidPayMethod(input.PayMethod) {
		return Sale{}, fmt.Errorf("sales: unknown pay method %q", input.PayMethod)
	}
	quote, err := s.repo.GetQuote(ctx, tenantID, quoteID)
	if err != nil {
		return Sale{}, err
	}
	if err := s.checkCredit(ctx, tenantID, quote.ClientID, input.PayMethod, quote.Totals.Total); err != nil {
		return Sale{}, err
	}
	key, err := s.claimKey(ctx, tenantID, input.IdempotencyKey)
	if err != nil {
		return Sale{}, err
	}

	var sale Sale
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		quote, err := tx.GetQuoteForUpdate(ctx, tenantID, quoteID)
		if err != nil {
			return err
		}
		if err := checkQuoteTransition(quote.Status, QuoteConvertedSale); err != nil {
			return err
		}
		sale, err = s.createSaleTx(ctx, tx, saleParams{
			TenantID:          tenantID,
			ClientID:          quote.ClientID,
			QuoteID:           quote.ID,
			LocationID:        input.LocationID,
			PayMethod:         input.PayMethod,
			HeaderDiscountPct: quote.HeaderDiscountPct,
			Currency:          quote.Currency,
			Totals:            quote.Totals,
			Lines:             stripLineIDs(quote.Lines),
			Notes:             quote.Notes,
			ActorID:           input.ActorID,
		})
		if err != nil {
			return err
		}
		return tx.SetQuoteStatus(ctx, quoteID, QuoteConvertedSale)
	})
	if err != nil {
		s.releaseKey(ctx, key)
		return Sale{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "sales:convert_quote_to_sale", "quote", quoteID, map[string]any{"sale_id": sale.ID})
	return sale, nil
}

// CreateOrder prices the lines and stores a borrador order.
func (s *Service) CreateOrder(ctx context.Context, tenantID int64, input OrderInput) (Order, error) {
	currency, err := s.resolveCurrency(input.Currency)
	if err != nil {
		return Order{}, err
	}
	lines, err := s.buildLines(ctx, tenantID, input.Lines)
	if err != nil {
		return Order{}, err
	}
	totals, err := s.computeTotals(ctx, tenantID, input.ClientID, lines, input.HeaderDiscountPct)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		TenantID:          tenantID,
		ClientID:          input.ClientID,
		LocationID:        input.LocationID,
		Status:            OrderDraft,
		HeaderDiscountPct: input.HeaderDiscountPct,
		Currency:          currency,
		Totals:            totals,
		Lines:             lines,
		Notes:             input.Notes,
		CreatedBy:         input.ActorID,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order.Folio, err = tx.NextFolio(ctx, tenantID, SeriesOrder)
		if err != nil {
			return err
		}
		order.ID, err = tx.InsertOrder(ctx, order)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "sales:create_order", "order", order.ID, nil)
	return order, nil
}

// ConfirmOrder reserves stock for every line or none; a single failing
// line aborts the confirmation.
func (s *Service) ConfirmOrder(ctx context.Context, tenantID, orderID, actorID int64) (Order, error) {
	var order Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, tenantID, orderID)
		if err != nil {
			return err
		}
		if err := checkOrderTransition(order.Status, OrderConfirmed); err != nil {
			return err
		}
		planned := plannedFromLines(order.Lines)
		if err := stock.Reserve(ctx, tx.Stock(), tenantID, order.LocationID, planned, "order", order.ID); err != nil {
			return err
		}
		order.Status = OrderConfirmed
		return tx.SetOrderStatus(ctx, orderID, OrderConfirmed)
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, tenantID, actorID, "sales:confirm_order", "order", orderID, nil)
	return order, nil
}

// CancelOrder cancels a draft or confirmed order, releasing any held
// reservation.
func (s *Service) CancelOrder(ctx context.Context, tenantID, orderID, actorID int64) (Order, error) {
	var order Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, tenantID, orderID)
		if err != nil {
			return err
		}
		if err := checkOrderTransition(order.Status, OrderCancelled); err != nil {
			return err
		}
		if order.Status == OrderConfirmed {
			planned := plannedFromLines(order.Lines)
			if err := stock.Release(ctx, tx.Stock(), tenantID, order.LocationID, planned, "order", order.ID); err != nil {
				return err
			}
		}
		order.Status = OrderCancelled
		return tx.SetOrderStatus(ctx, orderID, OrderCancelled)
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, tenantID, actorID, "sales:cancel_order", "order", orderID, nil)
	return order, nil
}

// ConvertOrderToSale consumes the order's reservation and creates the
// sale in the same transaction.
func (s *Service) ConvertOrderToSale(ctx context.Context, tenantID, orderID int64, input ConvertInput) (Sale, error) {
	if !ValidPayMethod(input.PayMethod) {
		return Sale{}, fmt.Errorf("sales: unknown pay method %q", input.PayMethod)
	}
	order, err := s.repo.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return Sale{}, err
	}
	if err := s.checkCredit(ctx, tenantID, order.ClientID, input.PayMethod, order.Totals.Total); err != nil {
		return Sale{}, err
	}
	key, err := s.claimKey(ctx, tenantID, input.IdempotencyKey)
	if err != nil {
		return Sale{}, err
	}

	var sale Sale
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, tenantID, orderID)
		if err != nil {
			return err
		}
		if err := checkOrderTransition(order.Status, OrderToSale); err != nil {
			return err
		}
		sale, err = s.createSaleTx(ctx, tx, saleParams{
			TenantID:          tenantID,
			ClientID:          order.ClientID,
			QuoteID:           order.QuoteID,
			OrderID:           order.ID,
			LocationID:        order.LocationID,
			PayMethod:         input.PayMethod,
			HeaderDiscountPct: order.HeaderDiscountPct,
			Currency:          order.Currency,
			Totals:            order.Totals,
			Lines:             stripLineIDs(order.Lines),
			Notes:             order.Notes,
			ActorID:           input.ActorID,
			FromReservation:   true,
		})
		if err != nil {
			return err
		}
		return tx.SetOrderStatus(ctx, orderID, OrderToSale)
	})
	if err != nil {
		s.releaseKey(ctx, key)
		return Sale{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "sales:convert_order_to_sale", "order", orderID, map[string]any{"sale_id": sale.ID})
	return sale, nil
}

// CreateSale creates and approves a sale in one step: stock commits
// immediately and the receivable opens, auto-settled unless the sale is
// on credit.
func (s *Service) CreateSale(ctx context.Context, tenantID int64, input SaleInput) (Sale, error) {
	if !ValidPayMethod(input.PayMethod) {
		return Sale{}, fmt.Errorf("sales: unknown pay method %q", input.PayMethod)
	}
	currency, err := s.resolveCurrency(input.Currency)
	if err != nil {
		return Sale{}, err
	}
	lines, err := s.buildLines(ctx, tenantID, input.Lines)
	if err != nil {
		return Sale{}, err
	}
	totals, err := s.computeTotals(ctx, tenantID, input.ClientID, lines, input.HeaderDiscountPct)
	if err != nil {
		return Sale{}, err
	}
	if err := s.checkCredit(ctx, tenantID, input.ClientID, input.PayMethod, totals.Total); err != nil {
		return Sale{}, err
	}
	key, err := s.claimKey(ctx, tenantID, input.IdempotencyKey)
	if err != nil {
		return Sale{}, err
	}

	var sale Sale
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err = s.createSaleTx(ctx, tx, saleParams{
			TenantID:          tenantID,
			ClientID:          input.ClientID,
			LocationID:        input.LocationID,
			PayMethod:         input.PayMethod,
			HeaderDiscountPct: input.HeaderDiscountPct,
			Currency:          currency,
			Totals:            totals,
			Lines:             lines,
			Notes:             input.Notes,
			ActorID:           input.ActorID,
		})
		return err
	})
	if err != nil {
		s.releaseKey(ctx, key)
		return Sale{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "sales:create_sale", "sale", sale.ID, map[string]any{"total": sale.Totals.Total})
	return sale, nil
}

// UpdateSale replaces the lines of a sale that has no invoice and no
// collected payments: old stock returns, new stock commits, and the
// receivable re-derives from the new total.
func (s *Service) UpdateSale(ctx context.Context, tenantID, saleID int64, input SaleInput) (Sale, error) {
	currency, err := s.resolveCurrency(input.Currency)
	if err != nil {
		return Sale{}, err
	}
	lines, err := s.buildLines(ctx, tenantID, input.Lines)
	if err != nil {
		return Sale{}, err
	}
	totals, err := s.computeTotals(ctx, tenantID, input.ClientID, lines, input.HeaderDiscountPct)
	if err != nil {
		return Sale{}, err
	}

	var sale Sale
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err = tx.GetSaleForUpdate(ctx, tenantID, saleID)
		if err != nil {
			return err
		}
		if sale.Status == SaleCancelled {
			return ErrNotEditable
		}
		if input.PayMethod != "" && input.PayMethod != sale.PayMethod {
			return ErrPayMethodChange
		}
		invoiced, err := tx.SaleHasActiveInvoice(ctx, tenantID, saleID)
		if err != nil {
			return err
		}
		if invoiced {
			return ErrHasActiveInvoice
		}
		rec, err := tx.Receivables().GetReceivableBySaleForUpdate(ctx, tenantID, saleID)
		if err != nil && !errors.Is(err, receivables.ErrNotFound) {
			return err
		}
		if err == nil && rec.Paid > 0.004 {
			return ErrHasPayments
		}

		st := tx.Stock()
		if err := stock.Restock(ctx, st, tenantID, sale.LocationID, plannedFromLines(sale.Lines), "sale", sale.ID); err != nil {
			return err
		}
		if err := stock.Commit(ctx, st, stock.Config{AllowNegative: s.cfg.AllowNegativeStock},
			tenantID, sale.LocationID, plannedFromLines(lines), "sale", sale.ID); err != nil {
			return err
		}

		sale.HeaderDiscountPct = input.HeaderDiscountPct
		sale.Currency = currency
		sale.Totals = totals
		sale.Lines = lines
		sale.Notes = input.Notes
		if err := tx.UpdateSale(ctx, sale); err != nil {
			return err
		}
		if rec.ID != 0 {
			if _, err := receivables.Reprice(ctx, tx.Receivables(), rec, totals.Total); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Sale{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "sales:update_sale", "sale", saleID, map[string]any{"total": totals.Total})
	return sale, nil
}

// CancelSale is terminal: committed stock returns to its location,
// serials flip back to en_stock and the receivable is voided. A sale
// with a vigente invoice must have it cancelled first.
func (s *Service) CancelSale(ctx context.Context, tenantID, saleID, actorID int64) (Sale, error) {
	var sale Sale
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		sale, err = tx.GetSaleForUpdate(ctx, tenantID, saleID)
		if err != nil {
			return err
		}
		if err := checkSaleTransition(sale.Status, SaleCancelled); err != nil {
			return err
		}
		invoiced, err := tx.SaleHasActiveInvoice(ctx, tenantID, saleID)
		if err != nil {
			return err
		}
		if invoiced {
			return ErrHasActiveInvoice
		}
		if err := stock.Restock(ctx, tx.Stock(), tenantID, sale.LocationID, plannedFromLines(sale.Lines), "sale", sale.ID); err != nil {
			return err
		}
		if err := receivables.CancelForSale(ctx, tx.Receivables(), tenantID, saleID); err != nil {
			return err
		}
		now := time.Now().UTC()
		sale.Status = SaleCancelled
		sale.CancelledAt = &now
		return tx.SetSaleStatus(ctx, saleID, SaleCancelled, &now)
	})
	if err != nil {
		return Sale{}, err
	}
	s.record(ctx, tenantID, actorID, "sales:cancel_sale", "sale", saleID, nil)
	return sale, nil
}

// GetQuote loads one quote.
func (s *Service) GetQuote(ctx context.Context, tenantID, id int64) (Quote, error) {
	return s.repo.GetQuote(ctx, tenantID, id)
}

// ListQuotes lists quotes.
func (s *Service) ListQuotes(ctx context.Context, tenantID int64, status QuoteStatus, limit int) ([]Quote, error) {
	return s.repo.ListQuotes(ctx, tenantID, status, limit)
}

// GetOrder loads one order.
func (s *Service) GetOrder(ctx context.Context, tenantID, id int64) (Order, error) {
	return s.repo.GetOrder(ctx, tenantID, id)
}

// ListOrders lists orders.
func (s *Service) ListOrders(ctx context.Context, tenantID int64, status OrderStatus, limit int) ([]Order, error) {
	return s.repo.ListOrders(ctx, tenantID, status, limit)
}

// GetSale loads one sale.
func (s *Service) GetSale(ctx context.Context, tenantID, id int64) (Sale, error) {
	return s.repo.GetSale(ctx, tenantID, id)
}

// ListSales lists sales.
func (s *Service) ListSales(ctx context.Context, tenantID int64, status SaleStatus, limit int) ([]Sale, error) {
	return s.repo.ListSales(ctx, tenantID, status, limit)
}

type saleParams struct {
	TenantID          int64
	ClientID          int64
	QuoteID           int64
	OrderID           int64
	LocationID        int64
	PayMethod         PayMethod
	HeaderDiscountPct float64
	Currency          string
	Totals            Totals
	Lines             []LineItem
	Notes             string
	ActorID           int64
	FromReservation   bool
}

// createSaleTx persists the sale, moves stock and opens the receivable
// inside the caller's transaction. Non-credit sales settle in full here
// so a cash ticket leaves the transaction already paid.
func (s *Service) createSaleTx(ctx context.Context, tx TxRepository, p saleParams) (Sale, error) {
	sale := Sale{
		TenantID:          p.TenantID,
		ClientID:          p.ClientID,
		QuoteID:           p.QuoteID,
		OrderID:           p.OrderID,
		LocationID:        p.LocationID,
		Status:            SaleApproved,
		PayMethod:         p.PayMethod,
		HeaderDiscountPct: p.HeaderDiscountPct,
		Currency:          p.Currency,
		Totals:            p.Totals,
		Lines:             p.Lines,
		Notes:             p.Notes,
		CreatedBy:         p.ActorID,
	}
	var err error
	sale.Folio, err = tx.NextFolio(ctx, p.TenantID, SeriesSale)
	if err != nil {
		return Sale{}, err
	}
	sale.ID, err = tx.InsertSale(ctx, sale)
	if err != nil {
		return Sale{}, err
	}

	planned := plannedFromLines(p.Lines)
	st := tx.Stock()
	if p.FromReservation {
		err = stock.ConsumeReservation(ctx, st, p.TenantID, p.LocationID, planned, "sale", sale.ID)
	} else {
		err = stock.Commit(ctx, st, stock.Config{AllowNegative: s.cfg.AllowNegativeStock},
			p.TenantID, p.LocationID, planned, "sale", sale.ID)
	}
	if err != nil {
		return Sale{}, err
	}

	rec, err := receivables.Open(ctx, tx.Receivables(), receivables.Receivable{
		TenantID: p.TenantID,
		SaleID:   sale.ID,
		ClientID: p.ClientID,
		Total:    p.Totals.Total,
		DueDate:  time.Now().UTC().AddDate(0, 0, s.creditDays(ctx, p.TenantID, p.ClientID)),
	})
	if err != nil {
		return Sale{}, err
	}
	sale.ReceivableID = rec.ID
	if err := tx.SetSaleReceivable(ctx, sale.ID, rec.ID); err != nil {
		return Sale{}, err
	}

	switch {
	case p.Totals.Total <= 0.004:
		sale.Settled = true
		if err := tx.Receivables().SetSaleSettled(ctx, sale.ID, true); err != nil {
			return Sale{}, err
		}
	case p.PayMethod != PayCredit:
		_, recAfter, err := receivables.Apply(ctx, tx.Receivables(), p.TenantID, rec.ID,
			rec.Total, settlementMethod(p.PayMethod), sale.Folio, p.ActorID)
		if err != nil {
			return Sale{}, err
		}
		sale.Settled = recAfter.Status == receivables.StatusPaid
	}
	return sale, nil
}

// checkCredit rejects a credit sale that would push the client past its
// credit line. Clients without a credit line cannot buy on credit.
func (s *Service) checkCredit(ctx context.Context, tenantID, clientID int64, method PayMethod, total float64) error {
	if method != PayCredit {
		return nil
	}
	client, err := s.clients.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return err
	}
	if !client.Active {
		return ErrClientInactive
	}
	outstanding, err := s.clients.OutstandingBalance(ctx, tenantID, clientID)
	if err != nil {
		return err
	}
	if outstanding+total > client.CreditLimit+0.004 {
		return &CreditLimitError{Limit: client.CreditLimit, Outstanding: outstanding, Attempted: total}
	}
	return nil
}

func (s *Service) creditDays(ctx context.Context, tenantID, clientID int64) int {
	client, err := s.clients.GetClient(ctx, tenantID, clientID)
	if err != nil || client.CreditDays <= 0 {
		return s.cfg.DefaultCreditDays
	}
	return client.CreditDays
}

// buildLines expands the requested lines into frozen document lines.
// Kits become a priced parent line plus zero-priced component lines
// that carry the stock flags and serials.
func (s *Service) buildLines(ctx context.Context, tenantID int64, inputs []LineInput) ([]LineItem, error) {
	ids := make([]int64, 0, len(inputs))
	for _, in := range inputs {
		ids = append(ids, in.ItemID)
	}
	items, err := s.catalog.GetItems(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}

	var lines []LineItem
	for _, in := range inputs {
		item, ok := items[in.ItemID]
		if !ok {
			return nil, catalog.ErrNotFound
		}
		if !item.Active {
			return nil, fmt.Errorf("sales: item %s is inactive", item.SKU)
		}
		price := item.UnitPrice
		if in.UnitPrice != nil {
			price = *in.UnitPrice
		}

		if !item.IsKit {
			lines = append(lines, LineItem{
				ItemID:         item.ID,
				Description:    item.Name,
				Quantity:       in.Quantity,
				UnitPrice:      price,
				DiscountPct:    in.DiscountPct,
				TaxRate:        item.TaxRate,
				StockTracked:   item.IsProduct(),
				RequiresSerial: item.IsProduct() && item.RequiresSerial,
				Serials:        in.Serials,
			})
			continue
		}

		lines = append(lines, LineItem{
			ItemID:      item.ID,
			Description: item.Name,
			Quantity:    in.Quantity,
			UnitPrice:   price,
			DiscountPct: in.DiscountPct,
			TaxRate:     item.TaxRate,
		})
		for _, comp := range item.Components {
			child, err := s.catalog.GetItem(ctx, tenantID, comp.ItemID)
			if err != nil {
				return nil, err
			}
			if child.IsKit {
				return nil, catalog.ErrNestedKit
			}
			lines = append(lines, LineItem{
				ItemID:         child.ID,
				ParentItemID:   item.ID,
				Description:    child.Name,
				Quantity:       comp.Quantity * in.Quantity,
				StockTracked:   child.IsProduct(),
				RequiresSerial: child.IsProduct() && child.RequiresSerial,
				Serials:        in.ComponentSerials[child.ID],
			})
		}
	}
	return lines, nil
}

// computeTotals prices the document. Withholdings normally stay off the
// sales side; a tenant that opts in extends them to persona moral clients.
func (s *Service) computeTotals(ctx context.Context, tenantID, clientID int64, lines []LineItem, headerDiscountPct float64) (Totals, error) {
	cfg, err := s.taxes.TaxConfig(ctx, tenantID)
	if err != nil {
		return Totals{}, err
	}
	var opts []pricing.Option
	if cfg.RetentionPersonaMoral && clientID != 0 {
		client, err := s.clients.GetClient(ctx, tenantID, clientID)
		if err != nil {
			return Totals{}, err
		}
		if client.PersonType == clients.PersonMoral {
			opts = append(opts, pricing.WithWithholdings())
		}
	}
	priced := make([]pricing.Line, 0, len(lines))
	for _, ln := range lines {
		priced = append(priced, pricing.Line{
			Quantity:    decimal.NewFromInt(int64(ln.Quantity)),
			UnitPrice:   decimal.NewFromFloat(ln.UnitPrice),
			DiscountPct: decimal.NewFromFloat(ln.DiscountPct),
			TaxRate:     decimal.NewFromFloat(ln.TaxRate),
		})
	}
	totals, err := pricing.Compute(priced, decimal.NewFromFloat(headerDiscountPct), cfg, pricing.ModeSales, opts...)
	if err != nil {
		return Totals{}, err
	}
	return Totals{
		Subtotal:             totals.Subtotal.InexactFloat64(),
		ItemDiscountTotal:    totals.ItemDiscountTotal.InexactFloat64(),
		HeaderDiscountAmount: totals.HeaderDiscountAmount.InexactFloat64(),
		TaxTotal:             totals.TaxTotal.InexactFloat64(),
		WithholdingIVA:       totals.WithholdingIVA.InexactFloat64(),
		WithholdingISR:       totals.WithholdingISR.InexactFloat64(),
		Total:                totals.Total.InexactFloat64(),
	}, nil
}

func (s *Service) resolveCurrency(code string) (string, error) {
	if code == "" {
		code = s.cfg.DefaultCurrency
	}
	if err := pricing.ValidateCurrency(code); err != nil {
		return "", err
	}
	return code, nil
}

// claimKey registers the caller's Idempotency-Key scoped to the tenant.
// An empty key means the caller opted out. The claim is released when
// the operation fails so a corrected retry can run.
func (s *Service) claimKey(ctx context.Context, tenantID int64, raw string) (string, error) {
	if raw == "" || s.idempotency == nil {
		return "", nil
	}
	key := fmt.Sprintf("%d:%s", tenantID, raw)
	if err := s.idempotency.CheckAndInsert(ctx, key, "sales"); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if key != "" && s.idempotency != nil {
		_ = s.idempotency.Delete(ctx, key)
	}
}

func (s *Service) record(ctx context.Context, tenantID, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}

// plannedFromLines projects the stock-bearing lines into allocation
// requests, ascending item id for a stable lock order.
func plannedFromLines(lines []LineItem) []stock.PlannedLine {
	planned := make([]stock.PlannedLine, 0, len(lines))
	for _, ln := range lines {
		if !ln.StockTracked {
			continue
		}
		planned = append(planned, stock.PlannedLine{
			ItemID:         ln.ItemID,
			ParentItemID:   ln.ParentItemID,
			Quantity:       ln.Quantity,
			Serials:        ln.Serials,
			RequiresSerial: ln.RequiresSerial,
		})
	}
	sort.SliceStable(planned, func(i, j int) bool { return planned[i].ItemID < planned[j].ItemID })
	return planned
}

func stripLineIDs(lines []LineItem) []LineItem {
	out := make([]LineItem, len(lines))
	copy(out, lines)
	for i := range out {
		out[i].ID = 0
	}
	return out
}

// settlementMethod maps a sale's settlement form to the ledger's
// payment method. Credit never reaches here.
func settlementMethod(m PayMethod) receivables.Method {
	switch m {
	case PayCash:
		return receivables.MethodCash
	case PayTransfer:
		return receivables.MethodTransfer
	case PayCard:
		return receivables.MethodCard
	case PayCheque:
		return receivables.MethodCheque
	}
	return receivables.MethodCash
}
