package receivables

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/httpx"
	"github.com/jesusaln/asistenciavircom-sub007/internal/shared"
)

// Handler exposes receivables endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers receivables routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/aging", h.aging)
	r.Get("/{id}", h.get)
	r.Get("/{id}/payments", h.listPayments)
	r.Post("/{id}/payments", h.registerPayment)
	r.Post("/payments/{paymentID}/void", h.voidPayment)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var filter ListFilter
	filter.ClientID, _ = strconv.ParseInt(r.URL.Query().Get("client_id"), 10, 64)
	filter.Status = Status(r.URL.Query().Get("status"))
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := h.service.List(r.Context(), shared.TenantFromContext(r.Context()), filter)
	if err != nil {
		h.respondError(w, err, "list receivables")
		return
	}
	httpx.JSON(w, http.StatusOK, recs)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid receivable id")
		return
	}
	rec, err := h.service.Get(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, err, "get receivable")
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid receivable id")
		return
	}
	payments, err := h.service.Payments(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, err, "list payments")
		return
	}
	httpx.JSON(w, http.StatusOK, payments)
}

func (h *Handler) registerPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid receivable id")
		return
	}
	var input RegisterPaymentInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	input.ReceivableID = id
	input.ActorID = shared.ActorFromContext(r.Context())
	input.IdempotencyKey = r.Header.Get(shared.HeaderIdempotencyKey)
	if err := h.validate.Struct(input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.RegisterPayment(r.Context(), shared.TenantFromContext(r.Context()), input)
	if err != nil {
		h.respondError(w, err, "register payment")
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) voidPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := strconv.ParseInt(chi.URLParam(r, "paymentID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid payment id")
		return
	}
	rec, err := h.service.VoidPayment(r.Context(), shared.TenantFromContext(r.Context()), paymentID,
		shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, "void payment")
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	aging, err := h.service.Aging(r.Context(), shared.TenantFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, "aging report")
		return
	}
	httpx.JSON(w, http.StatusOK, aging)
}

func (h *Handler) respondError(w http.ResponseWriter, err error, action string) {
	var overpay *OverpaymentError
	switch {
	case errors.As(err, &overpay):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Overpayment Rejected", err.Error())
	case errors.Is(err, ErrInvalidAmount):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", err.Error())
	case errors.Is(err, ErrReceivableClosed), errors.Is(err, ErrPaymentVoided), errors.Is(err, ErrNotLatestPayment):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
