// internal/catalog/handler.go
package catalog

import (
	"net/http"
	"strconv"

	"checkoutledger/internal/httpx"
	"checkoutledger/internal/inventory"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	service Service
	log     logrus.FieldLogger
}

func NewHandler(service Service, log logrus.FieldLogger) *Handler {
	return &Handler{service: service, log: log}
}

// Routes mounts the catalog endpoints under /items.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleCreateItem)
	r.Get("/", h.handleListItems)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetItem)
		r.Patch("/", h.handleUpdateDetails)
		r.Post("/adjust", h.handleAdjust)
		r.Post("/recount", h.handleRecount)
		r.Get("/history", h.handleHistory)
	})
}

func (h *Handler) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req NewItem
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	item, err := h.service.CreateItem(r.Context(), req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	opts := ListOptions{Category: r.URL.Query().Get("category")}
	if raw := r.URL.Query().Get("available"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.Error(w, r, h.log, inventory.Invalid("available", "must be a boolean, got %q", raw))
			return
		}
		opts.AvailableOnly = v
	}

	items, err := h.service.ListItems(r.Context(), opts)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) handleUpdateDetails(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	var req ItemDetails
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	item, err := h.service.UpdateDetails(r.Context(), id, req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

type adjustRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	var req adjustRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	item, err := h.service.AdjustTotal(r.Context(), id, req.Delta, req.Reason, req.Actor)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

type recountRequest struct {
	Counted int    `json:"counted"`
	Reason  string `json:"reason"`
	Actor   string `json:"actor"`
}

func (h *Handler) handleRecount(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	var req recountRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	item, err := h.service.Recount(r.Context(), id, req.Counted, req.Reason, req.Actor)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	if _, err := h.service.GetItem(r.Context(), id); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	events, err := h.service.History(r.Context(), id)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}
