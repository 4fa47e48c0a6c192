package sales

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jesusaln/asistenciavircom-sub007/internal/catalog"
	"github.com/jesusaln/asistenciavircom-sub007/internal/clients"
	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/httpx"
	"github.com/jesusaln/asistenciavircom-sub007/internal/pricing"
	"github.com/jesusaln/asistenciavircom-sub007/internal/shared"
	"github.com/jesusaln/asistenciavircom-sub007/internal/stock"
)

// Handler exposes quote, order and sale endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountQuoteRoutes registers quote routes.
func (h *Handler) MountQuoteRoutes(r chi.Router) {
	r.Get("/", h.listQuotes)
	r.Post("/", h.createQuote)
	r.Get("/{id}", h.getQuote)
	r.Put("/{id}", h.updateQuote)
	r.Post("/{id}/submit", h.submitQuote)
	r.Post("/{id}/approve", h.approveQuote)
	r.Post("/{id}/cancel", h.cancelQuote)
	r.Post("/{id}/convert-to-order", h.convertQuoteToOrder)
	r.Post("/{id}/convert-to-sale", h.convertQuoteToSale)
}

// MountOrderRoutes registers order routes.
func (h *Handler) MountOrderRoutes(r chi.Router) {
	r.Get("/", h.listOrders)
	r.Post("/", h.createOrder)
	r.Get("/{id}", h.getOrder)
	r.Post("/{id}/confirm", h.confirmOrder)
	r.Post("/{id}/cancel", h.cancelOrder)
	r.Post("/{id}/convert-to-sale", h.convertOrderToSale)
}

// MountSaleRoutes registers sale routes.
func (h *Handler) MountSaleRoutes(r chi.Router) {
	r.Get("/", h.listSales)
	r.Post("/", h.createSale)
	r.Get("/{id}", h.getSale)
	r.Put("/{id}", h.updateSale)
	r.Post("/{id}/cancel", h.cancelSale)
}

func (h *Handler) createQuote(w http.ResponseWriter, r *http.Request) {
	var input QuoteInput
	if !h.decode(w, r, &input) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	quote, err := h.service.CreateQuote(r.Context(), shared.TenantFromContext(r.Context()), input)
	if err != nil {
		h.respondError(w, err, "create quote")
		return
	}
	httpx.JSON(w, http.StatusCreated, quote)
}

func (h *Handler) updateQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var input QuoteInput
	if !h.decode(w, r, &input) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	quote, err := h.service.UpdateQuote(r.Context(), shared.TenantFromContext(r.Context()), id, input)
	if err != nil {
		h.respondError(w, err, "update quote")
		return
	}
	httpx.JSON(w, http.StatusOK, quote)
}

func (h *Handler) getQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	quote, err := h.service.GetQuote(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, err, "get quote")
		return
	}
	httpx.JSON(w, http.StatusOK, quote)
}

func (h *Handler) listQuotes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	quotes, err := h.service.ListQuotes(r.Context(), shared.TenantFromContext(r.Context()),
		QuoteStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		h.respondError(w, err, "list quotes")
		return
	}
	httpx.JSON(w, http.StatusOK, quotes)
}

func (h *Handler) submitQuote(w http.ResponseWriter, r *http.Request) {
	h.quoteTransition(w, r, h.service.SubmitQuote, "submit quote")
}

func (h *Handler) approveQuote(w http.ResponseWriter, r *http.Request) {
	h.quoteTransition(w, r, h.service.ApproveQuote, "approve quote")
}

func (h *Handler) cancelQuote(w http.ResponseWriter, r *http.Request) {
	h.quoteTransition(w, r, h.service.CancelQuote, "cancel quote")
}

func (h *Handler) quoteTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, tenantID, quoteID, actorID int64) (Quote, error), action string) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	quote, err := fn(r.Context(), shared.TenantFromContext(r.Context()), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, action)
		return
	}
	httpx.JSON(w, http.StatusOK, quote)
}

func (h *Handler) convertQuoteToOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var input ConvertInput
	_ = httpx.DecodeJSON(r, &input)
	input.ActorID = shared.ActorFromContext(r.Context())
	order, err := h.service.ConvertQuoteToOrder(r.Context(), shared.TenantFromContext(r.Context()), id, input)
	if err != nil {
		h.respondError(w, err, "convert quote to order")
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) convertQuoteToSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var input ConvertInput
	if !h.decode(w, r, &input) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	input.IdempotencyKey = r.Header.Get(shared.HeaderIdempotencyKey)
	sale, err := h.service.ConvertQuoteToSale(r.Context(), shared.TenantFromContext(r.Context()), id, input)
	if err != nil {
		h.respondError(w, err, "convert quote to sale")
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var input OrderInput
	if !h.decode(w, r, &input) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	order, err := h.service.CreateOrder(r.Context(), shared.TenantFromContext(r.Context()), input)
	if err != nil {
		h.respondError(w, err, "create order")
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, err, "get order")
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders, err := h.service.ListOrders(r.Context(), shared.TenantFromContext(r.Context()),
		OrderStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		h.respondError(w, err, "list orders")
		return
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.ConfirmOrder(r.Context(), shared.TenantFromContext(r.Context()), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, "confirm order")
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.CancelOrder(r.Context(), shared.TenantFromContext(r.Context()), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, "cancel order")
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) convertOrderToSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var input ConvertInput
	if !h.decode(w, r, &input) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	input.IdempotencyKey = r.Header.Get(shared.HeaderIdempotencyKey)
	sale, err := h.service.ConvertOrderToSale(r.Context(), shared.TenantFromContext(r.Context()), id, input)
	if err != nil {
		h.respondError(w, err, "convert order to sale")
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var input SaleInput
	if !h.decode(w, r, &input) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	input.IdempotencyKey = r.Header.Get(shared.HeaderIdempotencyKey)
	sale, err := h.service.CreateSale(r.Context(), shared.TenantFromContext(r.Context()), input)
	if err != nil {
		h.respondError(w, err, "create sale")
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) updateSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var input SaleInput
	if !h.decode(w, r, &input) {
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	sale, err := h.service.UpdateSale(r.Context(), shared.TenantFromContext(r.Context()), id, input)
	if err != nil {
		h.respondError(w, err, "update sale")
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sale, err := h.service.GetSale(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, err, "get sale")
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) listSales(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sales, err := h.service.ListSales(r.Context(), shared.TenantFromContext(r.Context()),
		SaleStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		h.respondError(w, err, "list sales")
		return
	}
	httpx.JSON(w, http.StatusOK, sales)
}

func (h *Handler) cancelSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sale, err := h.service.CancelSale(r.Context(), shared.TenantFromContext(r.Context()), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, "cancel sale")
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid document id")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error, action string) {
	var transition *InvalidTransitionError
	var credit *CreditLimitError
	var insufficient *stock.InsufficientStockError
	var serials *stock.SerialUnavailableError
	var serialCount *stock.SerialCountError
	var priceInput *pricing.InvalidInputError
	switch {
	case errors.As(err, &transition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.As(err, &credit):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Credit Limit Exceeded", err.Error())
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.As(err, &serials):
		httpx.Problem(w, http.StatusConflict, "Serials Unavailable", err.Error())
	case errors.As(err, &serialCount), errors.As(err, &priceInput):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrHasActiveInvoice), errors.Is(err, ErrHasPayments), errors.Is(err, ErrNotEditable),
		errors.Is(err, ErrPayMethodChange):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, catalog.ErrNotFound), errors.Is(err, clients.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, catalog.ErrNestedKit), errors.Is(err, ErrClientInactive):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
