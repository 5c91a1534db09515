package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sakif/calmora/internal/service"
)

// WellnessHandler serves the typed views: /api/pet, /api/habits, /api/moods.
type WellnessHandler struct {
	docs   *service.DocumentService
	logger *slog.Logger
}

func NewWellnessHandler(docs *service.DocumentService, logger *slog.Logger) *WellnessHandler {
	return &WellnessHandler{docs: docs, logger: logger}
}

// view runs a read-only projection and writes it under key.
func (h *WellnessHandler) view(w http.ResponseWriter, r *http.Request, key string,
	get func(*service.DocumentService, *http.Request, string) (json.RawMessage, error)) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	v, err := get(h.docs, r, userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{key: v})
}

// update decodes the body, runs set and writes the result under key.
func (h *WellnessHandler) update(w http.ResponseWriter, r *http.Request, key string,
	set func(*service.DocumentService, *http.Request, string, json.RawMessage) (json.RawMessage, error)) {
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
	v, err := set(h.docs, r, userID, body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{key: v})
}

// HandleGetPet: GET /api/pet → 200 {pet}, {} when there is none.
func (h *WellnessHandler) HandleGetPet(w http.ResponseWriter, r *http.Request) {
	h.view(w, r, "pet", func(s *service.DocumentService, r *http.Request, uid string) (json.RawMessage, error) {
		return s.Pet(r.Context(), uid)
	})
}

// HandlePutPet: PUT /api/pet → 200 {pet}.
func (h *WellnessHandler) HandlePutPet(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, "pet", func(s *service.DocumentService, r *http.Request, uid string, body json.RawMessage) (json.RawMessage, error) {
		return s.SetPet(r.Context(), uid, body)
	})
}

// HandleGetHabits: GET /api/habits → 200 {habits}, [] when there are none.
func (h *WellnessHandler) HandleGetHabits(w http.ResponseWriter, r *http.Request) {
	h.view(w, r, "habits", func(s *service.DocumentService, r *http.Request, uid string) (json.RawMessage, error) {
		return s.Habits(r.Context(), uid)
	})
}

// HandlePutHabits: PUT /api/habits with a JSON array → 200 {habits}.
func (h *WellnessHandler) HandlePutHabits(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, "habits", func(s *service.DocumentService, r *http.Request, uid string, body json.RawMessage) (json.RawMessage, error) {
		return s.SetHabits(r.Context(), uid, body)
	})
}

// HandleGetMoods: GET /api/moods → 200 {moods}, newest first.
func (h *WellnessHandler) HandleGetMoods(w http.ResponseWriter, r *http.Request) {
	h.view(w, r, "moods", func(s *service.DocumentService, r *http.Request, uid string) (json.RawMessage, error) {
		return s.Moods(r.Context(), uid)
	})
}

// HandleAddMood: POST /api/moods → 201 {mood, moods}.
func (h *WellnessHandler) HandleAddMood(w http.ResponseWriter, r *http.Request) {
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

	mood, moods, err := h.docs.AddMood(r.Context(), userID, body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]json.RawMessage{"mood": mood, "moods": moods})
}
