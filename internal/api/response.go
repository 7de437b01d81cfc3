package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/model"
)

// envelope is the body of every response.
type envelope struct {
	Success bool   `json:"success"`
	Info    string `json:"info,omitempty"`
	Data    any    `json:"data"`
}

var errBadSessionID = eris.New("session id must be a positive integer")

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, envelope{Success: false, Info: err.Error()})
}

func statusFor(err error) int {
	var tpe *model.TrainingPreconditionError
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &tpe):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidLabel), errors.Is(err, errBadSessionID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func sessionID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadSessionID
	}
	return id, nil
}
