// internal/reporting/handler.go
package reporting

import (
	"net/http"
	"time"

	"checkoutledger/internal/httpx"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	projector Projector
	now       func() time.Time
	log       logrus.FieldLogger
}

func NewHandler(projector Projector, log logrus.FieldLogger) *Handler {
	return &Handler{projector: projector, now: time.Now, log: log}
}

// Routes mounts the report endpoints under /reports. Time-dependent reports
// accept ?now= in RFC 3339.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/low-stock", h.handleLowStock)
	r.Get("/holder/{holderId}", h.handleHolderStatus)
	r.Get("/overdue", h.handleOverdue)
	r.Get("/inventory", h.handleInventory)
	r.Get("/missing", h.handleMissing)
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.projector.LowStock(r.Context())
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) handleHolderStatus(w http.ResponseWriter, r *http.Request) {
	now, err := httpx.QueryTime(r, "now", h.now())
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	status, err := h.projector.HolderStatus(r.Context(), chi.URLParam(r, "holderId"), now)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

func (h *Handler) handleOverdue(w http.ResponseWriter, r *http.Request) {
	now, err := httpx.QueryTime(r, "now", h.now())
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	entries, err := h.projector.OverdueReport(r.Context(), now)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleInventory(w http.ResponseWriter, r *http.Request) {
	status, err := h.projector.InventoryStatus(r.Context())
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

func (h *Handler) handleMissing(w http.ResponseWriter, r *http.Request) {
	now, err := httpx.QueryTime(r, "now", h.now())
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	entries, err := h.projector.MissingItems(r.Context(), now)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}
