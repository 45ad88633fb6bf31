package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"ecotip/services/tipgateway/apperr"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(reader)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, op string, dst any) error {
	body, err := readBody(w, r)
	if err != nil {
		return apperr.Validation(op, "request body too large or unreadable")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Validation(op, fmt.Sprintf("invalid JSON payload: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError maps err onto its status and a stable code. Only the caller-facing
// message is returned; server-side failures are logged in full.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := http.StatusText(status)
	var typed *apperr.Error
	if errors.As(err, &typed) {
		msg = typed.Kind.Error()
		if typed.Msg != "" && status < http.StatusInternalServerError {
			msg = typed.Msg
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: apperr.Code(err)})
}
