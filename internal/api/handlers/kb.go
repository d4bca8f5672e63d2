package handlers

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/matiasleandrokruk/ragd/internal/domain/kb"
	"github.com/matiasleandrokruk/ragd/internal/domain/retrieval"
)

// KBManager is the subset of kb.Manager the KB handlers drive. Satisfied by
// *kb.Manager.
type KBManager interface {
	CreateKB(ctx context.Context, in kb.KnowledgeBase) (kb.KnowledgeBase, error)
	GetKB(ctx context.Context, id string) (kb.KnowledgeBase, error)
	ListKBs(ctx context.Context, page, size int) (kb.Page[kb.KnowledgeBase], error)
	UpdateKB(ctx context.Context, patch kb.KnowledgeBase) (kb.KnowledgeBase, error)
	DeleteKB(ctx context.Context, id string) error
	UploadFile(ctx context.Context, kbID, path string) (kb.FileEntity, kb.IngestionSummary, error)
	ListFiles(ctx context.Context, kbID string, filter kb.FileFilter, page, size int) (kb.Page[kb.FileEntity], error)
	DeleteFile(ctx context.Context, id string) error
	Query(ctx context.Context, kbID string, in kb.QueryInput) ([]retrieval.Hit, error)
}

// KBHandler serves the knowledge-bases REST surface: CRUD, file upload,
// listing, and per-KB query.
type KBHandler struct {
	manager   KBManager
	uploadDir string
}

// NewKBHandler builds a KBHandler. uploadDir is where multipart files land
// before kb.Manager.UploadFile (which takes a filesystem path) ingests them.
func NewKBHandler(manager KBManager, uploadDir string) *KBHandler {
	return &KBHandler{manager: manager, uploadDir: uploadDir}
}

const (
	defaultPage     = 1
	defaultPageSize = 20
	maxPageSize     = 100
)

func pageParams(r *http.Request) (page, size int) {
	page = defaultPage
	size = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v > 0 {
		if v > maxPageSize {
			v = maxPageSize
		}
		size = v
	}
	return page, size
}

// knowledgeBaseRequest is the create/update request body — a KB-spec (POST)
// or a partial patch (PUT).
type knowledgeBaseRequest struct {
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	EmbeddingModel     string              `json:"embedding_model"`
	EmbeddingDimension int                 `json:"embedding_dimension"`
	Chunk              *kb.ChunkConfig     `json:"chunk,omitempty"`
	Retrieval          *kb.RetrievalConfig `json:"retrieval,omitempty"`
}

func (req knowledgeBaseRequest) toDomain(id string) kb.KnowledgeBase {
	out := kb.KnowledgeBase{
		ID:                 id,
		Name:               req.Name,
		Description:        req.Description,
		EmbeddingModel:     req.EmbeddingModel,
		EmbeddingDimension: req.EmbeddingDimension,
	}
	if req.Chunk != nil {
		out.Chunk = *req.Chunk
	}
	if req.Retrieval != nil {
		out.Retrieval = *req.Retrieval
	}
	return out
}

// CreateKB handles POST /api/v1/knowledge-bases.
func (h *KBHandler) CreateKB(w http.ResponseWriter, r *http.Request) {
	var req knowledgeBaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.manager.CreateKB(r.Context(), req.toDomain(""))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListKBs handles GET /api/v1/knowledge-bases?page&size.
func (h *KBHandler) ListKBs(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	result, err := h.manager.ListKBs(r.Context(), page, size)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetKB handles GET /api/v1/knowledge-bases/{id}.
func (h *KBHandler) GetKB(w http.ResponseWriter, r *http.Request) {
	found, err := h.manager.GetKB(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// UpdateKB handles PUT /api/v1/knowledge-bases/{id}.
func (h *KBHandler) UpdateKB(w http.ResponseWriter, r *http.Request) {
	var req knowledgeBaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.manager.UpdateKB(r.Context(), req.toDomain(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteKB handles DELETE /api/v1/knowledge-bases/{id}.
func (h *KBHandler) DeleteKB(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteKB(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFiles handles GET /api/v1/knowledge-bases/{id}/files?page&size&status&query.
func (h *KBHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	filter := kb.FileFilter{
		Status: kb.FileStatus(r.URL.Query().Get("status")),
		Query:  r.URL.Query().Get("query"),
	}

	result, err := h.manager.ListFiles(r.Context(), chi.URLParam(r, "id"), filter, page, size)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

const maxUploadMemory = 32 << 20 // 32MiB held in memory before spilling to temp files.

// UploadFiles handles POST /api/v1/knowledge-bases/{id}/files (multipart).
// Each part is staged under uploadDir, then run through kb.Manager.UploadFile
// (the synchronous ingestion pipeline), returning one FileEntity per file.
func (h *KBHandler) UploadFiles(w http.ResponseWriter, r *http.Request) {
	kbID := chi.URLParam(r, "id")

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	fileHeaders := r.MultipartForm.File["file"]
	if len(fileHeaders) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}

	entities := make([]kb.FileEntity, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		path, err := h.stageUpload(kbID, fh)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		entity, _, err := h.manager.UploadFile(r.Context(), kbID, path)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		entities = append(entities, entity)
	}

	writeJSON(w, http.StatusCreated, entities)
}

func (h *KBHandler) stageUpload(kbID string, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dir := filepath.Join(h.uploadDir, kbID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(fh.Filename))

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return path, nil
}

// DeleteFile handles DELETE /api/v1/knowledge-bases/{id}/files/{fid}.
func (h *KBHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteFile(r.Context(), chi.URLParam(r, "fid")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryRequest struct {
	Query               string  `json:"query"`
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// Query handles POST /api/v1/knowledge-bases/{id}/query.
func (h *KBHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	hits, err := h.manager.Query(r.Context(), chi.URLParam(r, "id"), kb.QueryInput{
		Query:               req.Query,
		TopK:                req.TopK,
		SimilarityThreshold: req.SimilarityThreshold,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}
