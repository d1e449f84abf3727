// internal/lifecycle/handler.go
package lifecycle

import (
	"net/http"
	"time"

	"checkoutledger/internal/httpx"
	"checkoutledger/internal/inventory"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	monitor Monitor
	now     func() time.Time
	log     logrus.FieldLogger
}

func NewHandler(monitor Monitor, log logrus.FieldLogger) *Handler {
	return &Handler{monitor: monitor, now: time.Now, log: log}
}

// Routes mounts the maintenance endpoints under /maintenance.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sweep-overdue", h.handleSweep)
}

// handleSweep accepts an optional ?now= (RFC 3339) so a missed sweep can be
// replayed for a past instant. A future instant would mark loans overdue
// before they are due, so it is rejected.
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	current := h.now()
	now, err := httpx.QueryTime(r, "now", current)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	if now.After(current) {
		httpx.Error(w, r, h.log, inventory.Invalid("now", "must not be in the future"))
		return
	}

	n, err := h.monitor.SweepOverdue(r.Context(), now)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, SweepResult{Transitioned: n})
}
