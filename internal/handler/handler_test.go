package handler_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/calmora/internal/auth"
	"github.com/sakif/calmora/internal/handler"
	"github.com/sakif/calmora/internal/repository/memory"
	"github.com/sakif/calmora/internal/service"
)

// fakeRecorder captures RecordAuth calls as "action/result".
type fakeRecorder struct {
	calls []string
}

func (f *fakeRecorder) RecordAuth(action, result string) {
	f.calls = append(f.calls, action+"/"+result)
}

type testEnv struct {
	router   chi.Router
	accounts *service.AccountService
	recorder *fakeRecorder
	userID   string
}

// newTestEnv mounts every handler on a chi router. Protected routes get the
// caller's ID from the X-Test-User header instead of a token, so these tests
// exercise the handlers alone. The server package covers the real
// middleware chain.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	tokens, err := auth.NewTokenService("handler-test-secret-0123", time.Hour)
	require.NoError(t, err)

	store := memory.New()
	accounts := service.NewAccountService(store, tokens, auth.NewPasswordService(4), logger)
	docs := service.NewDocumentService(store, logger)

	env := &testEnv{accounts: accounts, recorder: &fakeRecorder{}}
	ah := handler.NewAuthHandler(accounts, env.recorder, logger)
	dh := handler.NewDataHandler(docs, logger)
	wh := handler.NewWellnessHandler(docs, logger)

	r := chi.NewRouter()
	r.Get("/api/health", handler.HandleHealth)
	r.Post("/api/auth/register", ah.HandleRegister)
	r.Post("/api/auth/login", ah.HandleLogin)
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if id := req.Header.Get("X-Test-User"); id != "" {
					req = req.WithContext(auth.WithUserID(req.Context(), id))
				}
				next.ServeHTTP(w, req)
			})
		})
		r.Get("/api/auth/me", ah.HandleMe)
		r.Put("/api/auth/update-profile", ah.HandleUpdateProfile)
		r.Get("/api/data/bulk", dh.HandleGetBulk)
		r.Put("/api/data/bulk", dh.HandlePutBulk)
		r.Get("/api/data/{category}", dh.HandleGet)
		r.Put("/api/data/{category}", dh.HandlePut)
		r.Post("/api/data/{category}/merge", dh.HandleMerge)
		r.Get("/api/pet", wh.HandleGetPet)
		r.Put("/api/pet", wh.HandlePutPet)
		r.Get("/api/habits", wh.HandleGetHabits)
		r.Put("/api/habits", wh.HandlePutHabits)
		r.Get("/api/moods", wh.HandleGetMoods)
		r.Post("/api/moods", wh.HandleAddMood)
	})
	env.router = r
	return env
}

// register creates "alice" and remembers her ID for authenticated calls.
func (e *testEnv) register(t *testing.T) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/register", `{"username":"alice","email":"alice@example.com","password":"secret1"}`, false)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var body struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	e.userID = body.User.ID
}

func (e *testEnv) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-Test-User", e.userID)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body handler.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Error
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/health", "", false)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","message":"Calmora API is running"}`, rr.Body.String())
}

// =========================================================================
// Auth
// =========================================================================

func TestHandleRegister(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		env := newTestEnv(t)
		rr := env.do(t, http.MethodPost, "/api/auth/register", `{"username":" alice ","email":"a@x.io","password":"secret1"}`, false)

		require.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var body map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.JSONEq(t, `"User registered successfully"`, string(body["message"]))
		assert.NotEmpty(t, body["access_token"])
		assert.Contains(t, string(body["user"]), `"username":"alice"`)
		assert.NotContains(t, string(body["user"]), "password")
		assert.Equal(t, []string{"register/success"}, env.recorder.calls)
	})

	t.Run("duplicate username", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t)
		rr := env.do(t, http.MethodPost, "/api/auth/register", `{"username":"alice","email":"other@x.io","password":"secret1"}`, false)

		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, "Username already exists", errorMessage(t, rr))
		assert.Equal(t, "register/conflict", env.recorder.calls[len(env.recorder.calls)-1])
	})

	t.Run("malformed JSON", func(t *testing.T) {
		env := newTestEnv(t)
		rr := env.do(t, http.MethodPost, "/api/auth/register", `{"username":`, false)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "Invalid JSON", errorMessage(t, rr))
	})

	t.Run("short password", func(t *testing.T) {
		env := newTestEnv(t)
		rr := env.do(t, http.MethodPost, "/api/auth/register", `{"username":"bob","email":"b@x.io","password":"123"}`, false)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "Password must be at least 6 characters", errorMessage(t, rr))
	})

	t.Run("oversized body", func(t *testing.T) {
		env := newTestEnv(t)
		big := `{"username":"` + strings.Repeat("a", handler.MaxBodyBytes) + `"}`
		rr := env.do(t, http.MethodPost, "/api/auth/register", big, false)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "Request body too large", errorMessage(t, rr))
	})
}

func TestHandleLogin(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	rr := env.do(t, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"secret1"}`, false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"message":"Login successful"`)
	assert.Contains(t, rr.Body.String(), `"access_token":"`)

	wrongPassword := env.do(t, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"nope-nope"}`, false)
	unknownUser := env.do(t, http.MethodPost, "/api/auth/login", `{"username":"nobody","password":"secret1"}`, false)

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, http.StatusUnauthorized, unknownUser.Code)
	assert.Equal(t, wrongPassword.Body.String(), unknownUser.Body.String())
	assert.Contains(t, env.recorder.calls, "login/invalid_credentials")
}

func TestHandleMe(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	rr := env.do(t, http.MethodGet, "/api/auth/me", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"email":"alice@example.com"`)

	anon := env.do(t, http.MethodGet, "/api/auth/me", "", false)
	assert.Equal(t, http.StatusUnauthorized, anon.Code)
}

func TestHandleUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	rr := env.do(t, http.MethodPut, "/api/auth/update-profile", `{"profile_data":{"bio":"hi"}}`, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"profile_data":{"bio":"hi"}`)
	assert.Contains(t, rr.Body.String(), `"username":"alice"`, "absent fields are unchanged")

	rr = env.do(t, http.MethodPut, "/api/auth/update-profile", `{"username":""}`, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Username cannot be empty", errorMessage(t, rr))
}

// =========================================================================
// Data
// =========================================================================

func TestDataHandlers_GetPutMerge(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	rr := env.do(t, http.MethodGet, "/api/data/gratitude", "", true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Data type not found", errorMessage(t, rr))

	rr = env.do(t, http.MethodPut, "/api/data/gratitude", `{"items":["sun"]}`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	var put struct {
		Data      json.RawMessage `json:"data"`
		UpdatedAt string          `json:"updated_at"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &put))
	assert.JSONEq(t, `{"items":["sun"]}`, string(put.Data))
	_, err := time.Parse(time.RFC3339Nano, put.UpdatedAt)
	assert.NoError(t, err)

	rr = env.do(t, http.MethodPost, "/api/data/gratitude/merge", `{"streak":2}`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"data":{"items":["sun"],"streak":2}}`, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/api/data/gratitude/merge", `[1]`, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDataHandlers_Bulk(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	rr := env.do(t, http.MethodPut, "/api/data/bulk", `{"pet":{"name":"Mochi"},"extra":[1]}`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"message":"All data updated successfully"}`, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/api/data/bulk", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Data, 6)
	assert.JSONEq(t, `{"name":"Mochi"}`, string(body.Data["pet"]))
	assert.JSONEq(t, `[1]`, string(body.Data["extra"]))
}

// =========================================================================
// Wellness
// =========================================================================

func TestWellnessHandlers(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	rr := env.do(t, http.MethodGet, "/api/pet", "", true)
	assert.JSONEq(t, `{"pet":{}}`, rr.Body.String())

	rr = env.do(t, http.MethodPut, "/api/pet", `{"name":"Mochi"}`, true)
	assert.JSONEq(t, `{"pet":{"name":"Mochi"}}`, rr.Body.String())

	rr = env.do(t, http.MethodPut, "/api/habits", `[{"name":"walk"}]`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodGet, "/api/habits", "", true)
	assert.JSONEq(t, `{"habits":[{"name":"walk"}]}`, rr.Body.String())

	rr = env.do(t, http.MethodPut, "/api/habits", `{"name":"walk"}`, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/moods", `{"mood":"calm"}`, true)
	assert.Equal(t, http.StatusCreated, rr.Code)
	rr = env.do(t, http.MethodPost, "/api/moods", `{"mood":"happy"}`, true)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.JSONEq(t, `{"mood":{"mood":"happy"},"moods":[{"mood":"happy"},{"mood":"calm"}]}`, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/api/moods", "", true)
	assert.JSONEq(t, `{"moods":[{"mood":"happy"},{"mood":"calm"}]}`, rr.Body.String())
}

func TestDecode_EmptyBodyIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	req := httptest.NewRequest(http.MethodPut, "/api/pet", bytes.NewReader(nil))
	req.Header.Set("X-Test-User", env.userID)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Invalid JSON", errorMessage(t, rr))
}

func TestDecode_TrailingDataIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	env.register(t)

	for _, body := range []string{`{"a":1} junk`, `{"a":1}{"b":2}`, `[1] ]`} {
		rr := env.do(t, http.MethodPut, "/api/data/trailing", body, true)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "body %q", body)
		assert.Equal(t, "Invalid JSON", errorMessage(t, rr))
	}

	rr := env.do(t, http.MethodGet, "/api/data/trailing", "", true)
	assert.Equal(t, http.StatusNotFound, rr.Code, "a rejected body stores nothing")

	rr = env.do(t, http.MethodPut, "/api/data/trailing", "{\"a\":1}\n  \n", true)
	assert.Equal(t, http.StatusOK, rr.Code, "trailing whitespace is fine")
}
