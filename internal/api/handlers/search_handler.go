package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/ragvault/internal/models"
	"github.com/markdave123-py/ragvault/internal/services"
)

type SearchHandler struct {
	search *services.SearchService
	log    *slog.Logger
}

func NewSearchHandler(search *services.SearchService, log *slog.Logger) *SearchHandler {
	return &SearchHandler{search: search, log: log}
}

type searchRequest struct {
	Query  string            `json:"query" validate:"required"`
	Limit  int               `json:"limit" validate:"gte=0"`
	Filter map[string]string `json:"filter"`
}

type searchResponse struct {
	Results []models.SearchResult `json:"results"`
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.search.Search(r.Context(), chi.URLParam(r, "id"), services.SearchRequest{
		Query: req.Query, Limit: req.Limit, Filter: req.Filter,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: res})
}

func (h *SearchHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.search.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
