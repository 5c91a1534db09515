package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/calmora/internal/service"
)

// DataHandler serves the generic document endpoints under /api/data.
type DataHandler struct {
	docs   *service.DocumentService
	logger *slog.Logger
}

func NewDataHandler(docs *service.DocumentService, logger *slog.Logger) *DataHandler {
	return &DataHandler{docs: docs, logger: logger}
}

// HandleGet: GET /api/data/{category} → 200 {data} or 404.
func (h *DataHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	data, err := h.docs.Get(r.Context(), userID, chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// HandlePut: PUT /api/data/{category} → 200 {data, updated_at}.
// The body replaces the stored value entirely.
func (h *DataHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	body, err := decodeRaw(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	doc, err := h.docs.Put(r.Context(), userID, chi.URLParam(r, "category"), body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       doc.Data,
		"updated_at": doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// HandleMerge: POST /api/data/{category}/merge → 200 {data}.
func (h *DataHandler) HandleMerge(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	body, err := decodeRaw(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	merged, err := h.docs.Merge(r.Context(), userID, chi.URLParam(r, "category"), body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": merged})
}

// HandleGetBulk: GET /api/data/bulk → 200 {data: {category: value}}.
func (h *DataHandler) HandleGetBulk(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	all, err := h.docs.GetAll(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": all})
}

// HandlePutBulk: PUT /api/data/bulk → 200 {message}.
func (h *DataHandler) HandlePutBulk(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	body, err := decodeRaw(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.docs.PutBulk(r.Context(), userID, body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "All data updated successfully"})
}
