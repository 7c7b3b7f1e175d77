package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/ragvault/internal/services"
)

type CollectionHandler struct {
	collections *services.CollectionService
	log         *slog.Logger
}

func NewCollectionHandler(collections *services.CollectionService, log *slog.Logger) *CollectionHandler {
	return &CollectionHandler{collections: collections, log: log}
}

type createCollectionRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=4096"`
	Provider    string `json:"embedding_provider" validate:"omitempty,max=64"`
	Model       string `json:"embedding_model" validate:"omitempty,max=255"`
}

type updateCollectionRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=4096"`
}

func (h *CollectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	col, err := h.collections.Create(r.Context(), services.CreateCollectionInput{
		Name: req.Name, Description: req.Description, Provider: req.Provider, Model: req.Model,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

func (h *CollectionHandler) List(w http.ResponseWriter, r *http.Request) {
	cols, err := h.collections.List(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (h *CollectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	col, err := h.collections.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

func (h *CollectionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateCollectionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	col, err := h.collections.Update(r.Context(), chi.URLParam(r, "id"), req.Name, req.Description)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

func (h *CollectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.collections.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CollectionHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	n, err := h.collections.Reindex(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"scheduled": n})
}
