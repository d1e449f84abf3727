// internal/circulation/handler.go
package circulation

import (
	"context"
	"net/http"

	"checkoutledger/internal/httpx"
	"checkoutledger/internal/inventory"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	service Service
	log     logrus.FieldLogger
}

func NewHandler(service Service, log logrus.FieldLogger) *Handler {
	return &Handler{service: service, log: log}
}

// Routes mounts the checkout endpoints under /checkouts. reserveMW wraps
// only the single-item reserve route.
func (h *Handler) Routes(r chi.Router, reserveMW ...func(http.Handler) http.Handler) {
	r.With(reserveMW...).Post("/", h.handleReserve)
	r.Post("/batch", h.handleReserveBatch)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetRecord)
		r.Post("/return", h.handleRelease)
		r.Post("/lost", h.handleMarkLost)
	})
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	rec, err := h.service.Reserve(r.Context(), req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleReserveBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	res, err := h.service.ReserveBatch(r.Context(), req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	rec, err := h.service.GetRecord(r.Context(), id)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.handleClose(w, r, h.service.Release)
}

func (h *Handler) handleMarkLost(w http.ResponseWriter, r *http.Request) {
	h.handleClose(w, r, h.service.MarkLost)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request, closeFn func(ctx context.Context, id uuid.UUID, res Resolution) (*inventory.CheckoutRecord, error)) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	var res Resolution
	if err := httpx.DecodeOptional(r, &res); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	rec, err := closeFn(r.Context(), id, res)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}
