package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/matiasleandrokruk/ragd/internal/api/apierr"
	"github.com/matiasleandrokruk/ragd/pkg/uuid"
)

const (
	headerContentType = "Content-Type"
	mimeJSON          = "application/json"
)

// writeJSON encodes payload as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set(headerContentType, mimeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes {"error": message} at status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps err to its HTTP status and writes it.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, apierr.StatusForError(err), err.Error())
}

// newSessionID mints a session id for chat requests that omit one.
func newSessionID() string {
	return uuid.NewV7().String()
}
