// Package api wires the REST surface into a chi router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matiasleandrokruk/ragd/internal/api/handlers"
	apmiddleware "github.com/matiasleandrokruk/ragd/internal/api/middleware"
)

// Dependencies bundles the components NewRouter wires into handlers. All
// fields are required except UploadDir, which defaults to "./data/uploads".
type Dependencies struct {
	KB          handlers.KBManager
	Chat        handlers.ChatOrchestrator
	LLM         handlers.HealthChecker
	VectorStore handlers.HealthChecker
	UploadDir   string
}

const defaultUploadDir = "./data/uploads"

// NewRouter builds the chi router for the REST surface: chat, health, and
// per-KB CRUD/file/query endpoints. There is no auth layer — access control
// is out of scope — so every route below apmiddleware.SessionID is
// reachable without credentials.
func NewRouter(deps Dependencies) *chi.Mux {
	uploadDir := deps.UploadDir
	if uploadDir == "" {
		uploadDir = defaultUploadDir
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apmiddleware.SessionID)

	healthHandler := handlers.NewHealthHandler(deps.LLM, deps.VectorStore)
	r.Get("/api/v1/health", healthHandler.Health)

	chatHandler := handlers.NewChatHandler(deps.Chat)
	r.Post("/api/v1/chat", chatHandler.Chat)

	kbHandler := handlers.NewKBHandler(deps.KB, uploadDir)
	r.Route("/api/v1/knowledge-bases", func(r chi.Router) {
		r.Get("/", kbHandler.ListKBs)
		r.Post("/", kbHandler.CreateKB)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", kbHandler.GetKB)
			r.Put("/", kbHandler.UpdateKB)
			r.Delete("/", kbHandler.DeleteKB)

			r.Get("/files", kbHandler.ListFiles)
			r.Post("/files", kbHandler.UploadFiles)
			r.Delete("/files/{fid}", kbHandler.DeleteFile)

			r.Post("/query", kbHandler.Query)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	return r
}
