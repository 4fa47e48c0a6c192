package invoicing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/httpx"
	"github.com/jesusaln/asistenciavircom-sub007/internal/receivables"
	"github.com/jesusaln/asistenciavircom-sub007/internal/sales"
	"github.com/jesusaln/asistenciavircom-sub007/internal/shared"
)

// Handler exposes invoice endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.issue)
	r.Post("/payment-complements", h.issuePaymentComplement)
	r.Get("/provider-status", h.providerStatus)
	r.Get("/{id}", h.get)
	r.Post("/{id}/cancel", h.cancel)
	r.Get("/sales/{saleID}", h.listBySale)
}

type issueRequest struct {
	SaleID int64 `json:"sale_id" validate:"required"`
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	var input issueRequest
	if !h.decode(w, r, &input) {
		return
	}
	inv, err := h.service.Issue(r.Context(), shared.TenantFromContext(r.Context()), input.SaleID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, "issue invoice")
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

type complementRequest struct {
	PaymentID int64 `json:"payment_id" validate:"required"`
}

func (h *Handler) issuePaymentComplement(w http.ResponseWriter, r *http.Request) {
	var input complementRequest
	if !h.decode(w, r, &input) {
		return
	}
	inv, err := h.service.IssuePaymentComplement(r.Context(), shared.TenantFromContext(r.Context()), input.PaymentID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, "issue payment complement")
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

type cancelRequest struct {
	Reason           string `json:"reason" validate:"required"`
	SubstitutionUUID string `json:"substitution_uuid"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var input cancelRequest
	if !h.decode(w, r, &input) {
		return
	}
	inv, err := h.service.Cancel(r.Context(), shared.TenantFromContext(r.Context()), id, input.Reason, input.SubstitutionUUID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, "cancel invoice")
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, err, "get invoice")
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) listBySale(w http.ResponseWriter, r *http.Request) {
	saleID, ok := h.pathID(w, r, "saleID")
	if !ok {
		return
	}
	invoices, err := h.service.ListBySale(r.Context(), shared.TenantFromContext(r.Context()), saleID)
	if err != nil {
		h.respondError(w, err, "list invoices")
		return
	}
	httpx.JSON(w, http.StatusOK, invoices)
}

func (h *Handler) providerStatus(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ProviderStatus(r.Context()); err != nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Provider Unavailable", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
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
	var rejected *ProviderRejectedError
	var badReason *InvalidReasonError
	switch {
	case errors.Is(err, ErrAlreadyIssued), errors.Is(err, ErrNotVigente):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrIssuanceInFlight):
		httpx.Problem(w, http.StatusConflict, "Issuance In Progress", err.Error())
	case errors.Is(err, ErrProviderUnavailable):
		httpx.Problem(w, http.StatusBadGateway, "Provider Unavailable", err.Error())
	case errors.As(err, &rejected):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Provider Rejected", err.Error())
	case errors.As(err, &badReason), errors.Is(err, ErrSubstitutionRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrSaleNotInvoiceable), errors.Is(err, ErrNotCreditSale),
		errors.Is(err, ErrPaymentVoided), errors.Is(err, ErrNoActiveInvoice):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, sales.ErrNotFound), errors.Is(err, receivables.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
