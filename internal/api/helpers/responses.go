package helpers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openauthd/openauthd/internal/oautherr"
)

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// RespondError maps a domain error to its HTTP status and body. Coded
// errors surface their code; anything else becomes a generic 500 so
// internals never leak to the client.
func RespondError(w http.ResponseWriter, err error) {
	if oaErr := oautherr.AsError(err); oaErr != nil {
		RespondJSON(w, oaErr.HTTPStatus(), map[string]string{
			"error":             oaErr.Code,
			"error_description": oaErr.Message,
		})
		return
	}
	slog.Error("unhandled_error", "error", err)
	RespondJSON(w, http.StatusInternalServerError, map[string]string{
		"error":             "server_error",
		"error_description": "internal server error",
	})
}

// RespondOAuthError writes an OAuth 2.0 error body with an explicit
// status, for the token and authorize endpoints.
func RespondOAuthError(w http.ResponseWriter, status int, code, description string) {
	RespondJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
