package handler

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the uniform error envelope. Code is the short
// machine-readable identifier clients branch on (access_denied, busy,
// segment_not_found, ...); Message is for operators and may change freely.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// JSON writes data with the given status. The body is marshalled before the
// header goes out so an encoding failure can still produce a clean 500.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if data == nil {
		w.WriteHeader(status)
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":"encoding_failed"}`))
		return
	}
	w.WriteHeader(status)
	w.Write(body)
}

func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Code: code, Message: message})
}
