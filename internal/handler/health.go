package handler

import "net/http"

// HandleHealth: GET /api/health → 200 {status, message}. No auth, no store
// access; it only says the process is serving.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Calmora API is running",
	})
}
