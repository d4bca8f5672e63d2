// Package apierr maps domain error kinds to HTTP status codes.
// Extracted to a leaf package, the same way ctxkeys is, to avoid an import
// cycle between api (which wires handlers into routes) and api/handlers
// (which needs the mapping to write error responses).
package apierr

import (
	"errors"
	"net/http"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
	"github.com/matiasleandrokruk/ragd/internal/infra/llm"
)

// StatusForError maps a domain error to the HTTP status code its kind
// carries. Errors that don't match any known kind map to 500.
func StatusForError(err error) int {
	var validation *knowledge.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest
	}
	var conflict *knowledge.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict
	}
	var notFound *knowledge.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	var timeout *knowledge.TimeoutError
	if errors.As(err, &timeout) {
		return http.StatusGatewayTimeout
	}
	var embedErr *knowledge.EmbeddingError
	if errors.As(err, &embedErr) {
		return http.StatusServiceUnavailable
	}
	var vectorErr *knowledge.VectorStoreError
	if errors.As(err, &vectorErr) {
		return http.StatusServiceUnavailable
	}
	var llmErr *llm.LLMError
	if errors.As(err, &llmErr) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
