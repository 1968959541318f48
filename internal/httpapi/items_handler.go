package httpapi

import (
	"net/http"
	"net/url"

	"edc-detector/internal/models"
	"edc-detector/internal/registry"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type createItemRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    *bool  `json:"required"`
}

type updateItemRequest struct {
	ID          *string `json:"id"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Required    *bool   `json:"required"`
}

// GET /api/v1/items
func (h *Handler) listItems(w http.ResponseWriter, _ *http.Request) {
	items := h.registry.ListAll()
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}

// POST /api/v1/items
func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	id, err := h.registry.Register(r.Context(), registry.Registration{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Required:    req.Required,
	})
	if err != nil {
		h.logger.Info("Item registration rejected", zap.String("item_id", req.ID), zap.Error(err))
		writeError(w, err)
		return
	}

	item, err := h.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(item))
}

// GET /api/v1/items/{id}
func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.registry.Get(itemIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(item))
}

// PUT /api/v1/items/{id}
func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	item, err := h.registry.Update(r.Context(), itemIDParam(r), registry.ItemUpdate{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Required:    req.Required,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(item))
}

// DELETE /api/v1/items/{id}
func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	id := itemIDParam(r)
	if err := h.registry.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"id": models.NormalizeID(id)}))
}

// POST /api/v1/sightings
// 与 MQTT 相同的消息格式 {identifier, timestamp?, location?, rssi?, source?}
func (h *Handler) postSighting(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if err := h.ingestor.IngestPayload(r.Context(), body, "", models.SourceTagRadio); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, Ok(map[string]any{"accepted": true}))
}

// POST /api/v1/presence/check
func (h *Handler) presenceCheck(w http.ResponseWriter, _ *http.Request) {
	h.trigger.Trigger()
	writeJSON(w, http.StatusAccepted, Ok(map[string]any{"triggered": true}))
}

func itemIDParam(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}
