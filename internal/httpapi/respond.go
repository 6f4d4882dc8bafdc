package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/BaSui01/llmlb/types"
)

// OpenAIError is the error envelope OpenAI clients expect.
type OpenAIError struct {
	Error OpenAIErrorBody `json:"error"`
}

// OpenAIErrorBody is the inner error object.
type OpenAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err in the OpenAI error shape, deriving status, category,
// and code from the structured error. Non-structured errors surface as a
// generic 500; their details are for logs only.
func WriteError(w http.ResponseWriter, err error) {
	e := types.AsError(err)
	WriteJSON(w, e.Status(), OpenAIError{
		Error: OpenAIErrorBody{
			Message: e.Message,
			Type:    e.Category(),
			Code:    e.APICode(),
		},
	})
}

// Response is the management API envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteSuccess writes a management API success envelope.
func WriteSuccess(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{Success: true, Data: data})
}
