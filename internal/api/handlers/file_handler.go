package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/ragvault/internal/models"
	"github.com/markdave123-py/ragvault/internal/services"
)

// multipart framing allowance on top of the file limit
const formOverhead = 1 << 20

type FileHandler struct {
	files       *services.FileService
	maxFileSize int64
	log         *slog.Logger
}

func NewFileHandler(files *services.FileService, maxFileSize int64, log *slog.Logger) *FileHandler {
	return &FileHandler{files: files, maxFileSize: maxFileSize, log: log}
}

// Upload accepts a multipart "file" field and answers 202 once the bytes are
// stored and ingestion is scheduled.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("file exceeds %d bytes", h.maxFileSize)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `missing "file" field`})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "could not read file"})
		return
	}

	f, err := h.files.Upload(r.Context(), chi.URLParam(r, "id"), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, f)
}

func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.FileStatus(r.URL.Query().Get("status"))
	files, err := h.files.ListByCollection(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, err := h.files.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.files.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.files.Reprocess(r.Context(), id); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "scheduled"})
}
