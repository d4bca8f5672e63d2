package handlers

import (
	"context"
	"net/http"
)

// HealthChecker is implemented by any backing service the health endpoint
// probes (llm.LLMProvider.HealthCheck, vectorstore.QdrantStore.HealthCheck).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler serves GET /api/v1/health.
type HealthHandler struct {
	llm         HealthChecker
	vectorStore HealthChecker
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(llm, vectorStore HealthChecker) *HealthHandler {
	return &HealthHandler{llm: llm, vectorStore: vectorStore}
}

const (
	componentStatusOK   = "ok"
	componentStatusDown = "down"
)

// Health handles GET /api/v1/health -> {status, components:{llm,vectorstore}}
//. Overall status is "ok" only if every component is.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	llmStatus := componentStatusOK
	if err := h.llm.HealthCheck(r.Context()); err != nil {
		llmStatus = componentStatusDown
	}
	vectorStatus := componentStatusOK
	if err := h.vectorStore.HealthCheck(r.Context()); err != nil {
		vectorStatus = componentStatusDown
	}

	status := componentStatusOK
	if llmStatus != componentStatusOK || vectorStatus != componentStatusOK {
		status = componentStatusDown
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"components": map[string]string{
			"llm":         llmStatus,
			"vectorstore": vectorStatus,
		},
	})
}
