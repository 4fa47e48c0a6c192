package stock

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

// Handler exposes stock endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.receive)
	r.Get("/items/{itemID}/positions", h.listPositions)
	r.Get("/items/{itemID}/serials", h.listSerials)
	r.Get("/movements", h.listMovements)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var input ReceiveInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())

	pos, err := h.service.Receive(r.Context(), shared.TenantFromContext(r.Context()), input)
	if err != nil {
		h.respondError(w, err, "receive stock")
		return
	}
	httpx.JSON(w, http.StatusCreated, pos)
}

func (h *Handler) listPositions(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid item id")
		return
	}
	positions, err := h.service.Positions(r.Context(), shared.TenantFromContext(r.Context()), itemID)
	if err != nil {
		h.respondError(w, err, "list positions")
		return
	}
	httpx.JSON(w, http.StatusOK, positions)
}

func (h *Handler) listSerials(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid item id")
		return
	}
	locationID, _ := strconv.ParseInt(r.URL.Query().Get("location_id"), 10, 64)
	units, err := h.service.Serials(r.Context(), shared.TenantFromContext(r.Context()), itemID, locationID)
	if err != nil {
		h.respondError(w, err, "list serials")
		return
	}
	httpx.JSON(w, http.StatusOK, units)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	var filter MovementFilter
	filter.ItemID, _ = strconv.ParseInt(r.URL.Query().Get("item_id"), 10, 64)
	filter.LocationID, _ = strconv.ParseInt(r.URL.Query().Get("location_id"), 10, 64)
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	moves, err := h.service.Movements(r.Context(), shared.TenantFromContext(r.Context()), filter)
	if err != nil {
		h.respondError(w, err, "list movements")
		return
	}
	httpx.JSON(w, http.StatusOK, moves)
}

func (h *Handler) respondError(w http.ResponseWriter, err error, action string) {
	var insufficient *InsufficientStockError
	var serials *SerialUnavailableError
	var count *SerialCountError
	switch {
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.As(err, &serials):
		httpx.Problem(w, http.StatusConflict, "Serials Unavailable", err.Error())
	case errors.As(err, &count):
		httpx.Problem(w, http.StatusBadRequest, "Serial Count Mismatch", err.Error())
	case errors.Is(err, ErrPositionNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
