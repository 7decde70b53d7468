// pixl/handlers/handlers.go

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"pixl/database"
	"pixl/models"

	"github.com/go-chi/chi/v5"
)

// App is an interface that defines the dependencies our handlers need.
type App interface {
	DB() *database.DatabaseService
	RateLimiter() *models.RateLimiter
	Logger() *slog.Logger
}

// respondJSON sends a JSON response with a given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}, app App) {
	response, err := json.Marshal(payload)
	if err != nil {
		app.Logger().Error("Failed to marshal JSON payload", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(`{"error":"Failed to marshal JSON response"}`)); werr != nil {
			app.Logger().Error("Failed to write internal server error response", "error", werr)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		app.Logger().Error("Failed to write JSON response", "error", err)
	}
}

// respondError maps a database-layer error onto an HTTP status and a JSON
// error body. Unclassified errors become a 500 and get logged.
func respondError(w http.ResponseWriter, r *http.Request, err error, app App) {
	status := http.StatusInternalServerError
	switch models.ErrKind(err) {
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindConflict:
		status = http.StatusConflict
	case models.KindPreconditionFailed:
		status = http.StatusPreconditionFailed
	case models.KindInsufficientBalance:
		status = http.StatusPaymentRequired
	case models.KindInvalidArgument:
		status = http.StatusBadRequest
	case models.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		app.Logger().Error("Unhandled request error", "path", r.URL.Path, "error", err)
		respondJSON(w, status, map[string]string{"error": "Internal server error"}, app)
		return
	}
	respondJSON(w, status, map[string]string{"error": err.Error()}, app)
}

// decodeJSON reads a request body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return models.NewError(models.KindInvalidArgument, "invalid JSON body: %v", err)
	}
	return nil
}

// urlInt parses a chi URL parameter as an integer.
func urlInt(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, models.NewError(models.KindInvalidArgument, "invalid %s: %q", name, raw)
	}
	return n, nil
}

// MakeHandler now accepts our generic App interface.
func MakeHandler(app App, fn func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, app)
	}
}
