package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matiasleandrokruk/ragd/internal/api"
	"github.com/matiasleandrokruk/ragd/internal/domain/kb"
	"github.com/matiasleandrokruk/ragd/internal/domain/retrieval"
	"github.com/matiasleandrokruk/ragd/internal/infra/llm"
)

type stubKB struct{}

func (stubKB) CreateKB(context.Context, kb.KnowledgeBase) (kb.KnowledgeBase, error) {
	return kb.KnowledgeBase{}, nil
}
func (stubKB) GetKB(context.Context, string) (kb.KnowledgeBase, error) { return kb.KnowledgeBase{}, nil }
func (stubKB) ListKBs(context.Context, int, int) (kb.Page[kb.KnowledgeBase], error) {
	return kb.Page[kb.KnowledgeBase]{}, nil
}
func (stubKB) UpdateKB(context.Context, kb.KnowledgeBase) (kb.KnowledgeBase, error) {
	return kb.KnowledgeBase{}, nil
}
func (stubKB) DeleteKB(context.Context, string) error { return nil }
func (stubKB) UploadFile(context.Context, string, string) (kb.FileEntity, kb.IngestionSummary, error) {
	return kb.FileEntity{}, kb.IngestionSummary{}, nil
}
func (stubKB) ListFiles(context.Context, string, kb.FileFilter, int, int) (kb.Page[kb.FileEntity], error) {
	return kb.Page[kb.FileEntity]{}, nil
}
func (stubKB) DeleteFile(context.Context, string) error { return nil }
func (stubKB) Query(context.Context, string, kb.QueryInput) ([]retrieval.Hit, error) { return nil, nil }

type stubChat struct{}

func (stubChat) Chat(context.Context, string, string, []llm.Message, string) (string, error) {
	return "ok", nil
}

type stubHealth struct{}

func (stubHealth) HealthCheck(context.Context) error { return nil }

func TestNewRouter_HealthEndpoint(t *testing.T) {
	t.Parallel()

	router := api.NewRouter(api.Dependencies{
		KB:          stubKB{},
		Chat:        stubChat{},
		LLM:         stubHealth{},
		VectorStore: stubHealth{},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("X-Session-ID") == "" {
		t.Fatal("expected SessionID middleware to set X-Session-ID")
	}
}

func TestNewRouter_ChatEndpoint(t *testing.T) {
	t.Parallel()

	router := api.NewRouter(api.Dependencies{
		KB:          stubKB{},
		Chat:        stubChat{},
		LLM:         stubHealth{},
		VectorStore: stubHealth{},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"query":"hi"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestNewRouter_UnknownRoute_Returns404(t *testing.T) {
	t.Parallel()

	router := api.NewRouter(api.Dependencies{
		KB:          stubKB{},
		Chat:        stubChat{},
		LLM:         stubHealth{},
		VectorStore: stubHealth{},
	})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusNotFound)
	}
}
