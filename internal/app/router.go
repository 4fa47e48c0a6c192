package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jesusaln/asistenciavircom-sub007/internal/invoicing"
	"github.com/jesusaln/asistenciavircom-sub007/internal/platform/httpx"
	"github.com/jesusaln/asistenciavircom-sub007/internal/receivables"
	"github.com/jesusaln/asistenciavircom-sub007/internal/sales"
	"github.com/jesusaln/asistenciavircom-sub007/internal/stock"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Pool               *pgxpool.Pool
	SalesHandler       *sales.Handler
	StockHandler       *stock.Handler
	ReceivablesHandler *receivables.Handler
	InvoicingHandler   *invoicing.Handler
}

// NewRouter assembles the HTTP surface.
func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{Logger: p.Logger, Config: p.Config}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := p.Pool.Ping(req.Context()); err != nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "Not Ready", "database unreachable")
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware(p.Logger))
		r.Route("/quotes", p.SalesHandler.MountQuoteRoutes)
		r.Route("/orders", p.SalesHandler.MountOrderRoutes)
		r.Route("/sales", p.SalesHandler.MountSaleRoutes)
		r.Route("/stock", p.StockHandler.MountRoutes)
		r.Route("/receivables", p.ReceivablesHandler.MountRoutes)
		r.Route("/invoices", p.InvoicingHandler.MountRoutes)
	})

	return r
}
