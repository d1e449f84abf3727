// internal/api/router.go
package api

import (
	"net/http"

	"checkoutledger/internal/catalog"
	"checkoutledger/internal/circulation"
	"checkoutledger/internal/httpx"
	"checkoutledger/internal/lifecycle"
	"checkoutledger/internal/reporting"
	"checkoutledger/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Dependencies are the services the HTTP surface exposes.
type Dependencies struct {
	Store   store.Store
	Catalog catalog.Service
	Ledger  circulation.Service
	Monitor lifecycle.Monitor
	Reports reporting.Projector
	Logger  logrus.FieldLogger

	// Limiter caps mutating requests; nil disables limiting.
	Limiter *rate.Limiter

	// Idempotency enables Idempotency-Key on reserve; nil disables it.
	Idempotency *IdempotencyCache
}

// NewRouter wires every handler onto one chi router.
func NewRouter(d Dependencies) http.Handler {
	log := d.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health(d.Store, log))

	r.Group(func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(rateLimit(d.Limiter))
		}

		r.Route("/items", catalog.NewHandler(d.Catalog, log).Routes)
		r.Route("/checkouts", func(r chi.Router) {
			var reserveMW []func(http.Handler) http.Handler
			if d.Idempotency != nil {
				reserveMW = append(reserveMW, d.Idempotency.Middleware)
			}
			circulation.NewHandler(d.Ledger, log).Routes(r, reserveMW...)
		})
		r.Route("/maintenance", lifecycle.NewHandler(d.Monitor, log).Routes)
		r.Route("/reports", reporting.NewHandler(d.Reports, log).Routes)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Message(w, http.StatusNotFound, "not_found", "no route for %s %s", r.Method, r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Message(w, http.StatusMethodNotAllowed, "method_not_allowed", "%s not allowed on %s", r.Method, r.URL.Path)
	})

	return otelhttp.NewHandler(r, "checkout-ledger",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func health(st store.Store, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			log.WithError(err).Warn("health check failed")
			httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
