package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/arzzra/soft_phone/pkg/call"
)

// envelope формат всех JSON ответов: { "data": ..., "error": ..., "code": ... }
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("ошибка кодирования JSON ответа", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg, Code: code}); err != nil {
		slog.Error("ошибка кодирования JSON ошибки", slog.Any("error", err))
	}
}

// writeCallError переводит ошибку вызова в HTTP статус по её коду
func writeCallError(w http.ResponseWriter, err error) {
	var callErr *call.Error
	if !errors.As(err, &callErr) {
		writeError(w, http.StatusInternalServerError, string(call.CodeFailed), err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch callErr.Code {
	case call.CodeInvalidDestination, call.CodeInvalidDigit:
		status = http.StatusBadRequest
	case call.CodeNotReady:
		status = http.StatusServiceUnavailable
	case call.CodeBlocked, call.CodeAlreadyActive, call.CodeNotActive, call.CodeNoActiveSession:
		status = http.StatusConflict
	}
	writeError(w, status, string(callErr.Code), callErr.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
