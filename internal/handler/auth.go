package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/calmora/internal/apperror"
	"github.com/sakif/calmora/internal/service"
)

// AuthRecorder counts register/login outcomes. *metrics.Metrics satisfies it.
type AuthRecorder interface {
	RecordAuth(action, result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuth(string, string) {}

// AuthHandler serves /api/auth: register, login, me and update-profile.
//
// HANDLER RESPONSIBILITIES:
//   - decode the request body
//   - call AccountService, which owns every rule
//   - shape the JSON response and map errors to status codes
type AuthHandler struct {
	accounts *service.AccountService
	recorder AuthRecorder
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler. recorder may be nil.
func NewAuthHandler(accounts *service.AccountService, recorder AuthRecorder, logger *slog.Logger) *AuthHandler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &AuthHandler{accounts: accounts, recorder: recorder, logger: logger}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Message     string `json:"message"`
	User        any    `json:"user"`
	AccessToken string `json:"access_token"`
}

type userResponse struct {
	User any `json:"user"`
}

// HandleRegister creates an account.
//
// HTTP: POST /api/auth/register → 201 {message, user, access_token}
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.recorder.RecordAuth("register", "invalid_request")
		writeError(w, h.logger, err)
		return
	}

	res, err := h.accounts.Register(r.Context(), req.Username, req.Email, req.Password)
	h.recorder.RecordAuth("register", outcome(err))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{
		Message:     "User registered successfully",
		User:        res.User,
		AccessToken: res.Token,
	})
}

// HandleLogin exchanges username + password for a token.
//
// HTTP: POST /api/auth/login → 200 {message, user, access_token}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.recorder.RecordAuth("login", "invalid_request")
		writeError(w, h.logger, err)
		return
	}

	res, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	h.recorder.RecordAuth("login", outcome(err))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Message:     "Login successful",
		User:        res.User,
		AccessToken: res.Token,
	})
}

// HandleMe returns the authenticated user's profile.
//
// HTTP: GET /api/auth/me → 200 {user}
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	user, err := h.accounts.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: user})
}

// updateProfileRequest uses pointers and RawMessage so an absent field can
// be told apart from an empty one.
type updateProfileRequest struct {
	Username    *string         `json:"username"`
	Email       *string         `json:"email"`
	ProfileData json.RawMessage `json:"profile_data"`
}

// HandleUpdateProfile applies a partial update to the caller's account.
//
// HTTP: PUT /api/auth/update-profile → 200 {user}
func (h *AuthHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUser(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	user, err := h.accounts.UpdateProfile(r.Context(), userID, service.ProfilePatch{
		Username:    req.Username,
		Email:       req.Email,
		ProfileData: req.ProfileData,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: user})
}

// outcome turns a service error into a metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, apperror.ErrValidation):
		return "invalid_request"
	case errors.Is(err, apperror.ErrUnauthorized):
		return "invalid_credentials"
	case errors.Is(err, apperror.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
