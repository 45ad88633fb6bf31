package middleware

import (
	"encoding/json"
	"net/http"

	"ecotip/services/tipgateway/apperr"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, kind error, msg string) {
	writeStatus(w, apperr.HTTPStatus(kind), apperr.Code(kind), msg)
}

func writeStatus(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Code: code})
}
