package kb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
	"github.com/matiasleandrokruk/ragd/internal/domain/retrieval"
)

// Retriever is the subset of the retrieval engine the manager drives for the query operation.
type Retriever interface {
	Search(ctx context.Context, collection, query string, cfg retrieval.Config) ([]retrieval.Hit, error)
	AdaptiveSearch(ctx context.Context, collection, query string, cfg retrieval.Config) ([]retrieval.Hit, error)
	InvalidateCollection(collection string)
}

// VectorCollections is the subset of the vector store the manager drives directly
// (collection lifecycle and single-file point removal; bulk point upload
// happens inside knowledge.Ingest).
type VectorCollections interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	DeleteCollection(ctx context.Context, name string) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error
}

// Manager composes vector collections, the ingestion pipeline, and this
// package's Store into the KB-level operations.
type Manager struct {
	store     *Store
	vectors   VectorCollections
	loader    knowledge.Loader
	chunker   *knowledge.Chunker
	embed     knowledge.Embedder
	upsert    knowledge.VectorUpserter
	retriever Retriever
}

// NewManager wires a Manager from its dependencies. retriever may be nil if
// the caller never invokes Query (e.g. an ingestion-only CLI).
func NewManager(store *Store, vectors VectorCollections, loader knowledge.Loader, embed knowledge.Embedder, upsert knowledge.VectorUpserter, retriever Retriever) *Manager {
	return &Manager{
		store:     store,
		vectors:   vectors,
		loader:    loader,
		chunker:   knowledge.NewChunker(),
		embed:     embed,
		upsert:    upsert,
		retriever: retriever,
	}
}

// CreateKB allocates an id, writes the record, then ensures the
// collection; a collection-creation failure rolls back the record
// so a KB never exists without its collection, and vice versa.
func (m *Manager) CreateKB(ctx context.Context, in KnowledgeBase) (KnowledgeBase, error) {
	created, err := m.store.CreateKB(ctx, in)
	if err != nil {
		return KnowledgeBase{}, err
	}

	if err := m.vectors.EnsureCollection(ctx, created.CollectionName, created.EmbeddingDimension); err != nil {
		_ = m.store.DeleteKB(ctx, created.ID)
		return KnowledgeBase{}, fmt.Errorf("kb manager: create collection: %w", err)
	}
	return created, nil
}

// DeleteKB deletes the collection first, then the record (cascading its
// files) — ordered so a crash between steps leaves at most an orphan
// collection, never an orphan record.
func (m *Manager) DeleteKB(ctx context.Context, id string) error {
	existing, err := m.store.GetKB(ctx, id)
	if err != nil {
		return err
	}
	if err := m.vectors.DeleteCollection(ctx, existing.CollectionName); err != nil {
		return fmt.Errorf("kb manager: delete collection: %w", err)
	}
	return m.store.DeleteKB(ctx, id)
}

func (m *Manager) GetKB(ctx context.Context, id string) (KnowledgeBase, error) {
	return m.store.GetKB(ctx, id)
}

func (m *Manager) ListKBs(ctx context.Context, page, size int) (Page[KnowledgeBase], error) {
	return m.store.ListKBs(ctx, page, size)
}

// UpdateKB rejects attempts to change embedding_model/embedding_dimension,
// otherwise delegates to the store.
func (m *Manager) UpdateKB(ctx context.Context, patch KnowledgeBase) (KnowledgeBase, error) {
	existing, err := m.store.GetKB(ctx, patch.ID)
	if err != nil {
		return KnowledgeBase{}, err
	}
	if patch.EmbeddingModel != "" && patch.EmbeddingModel != existing.EmbeddingModel {
		return KnowledgeBase{}, &knowledge.ValidationError{Msg: "embedding_model is immutable after creation"}
	}
	if patch.EmbeddingDimension != 0 && patch.EmbeddingDimension != existing.EmbeddingDimension {
		return KnowledgeBase{}, &knowledge.ValidationError{Msg: "embedding_dimension is immutable after creation"}
	}
	patch.EmbeddingModel = existing.EmbeddingModel
	patch.EmbeddingDimension = existing.EmbeddingDimension
	patch.CollectionName = existing.CollectionName
	return m.store.UpdateKB(ctx, patch)
}

// UploadFile admits a file (status=pending) then synchronously runs the
// ingestion pipeline against it, updating the file and KB counters.
func (m *Manager) UploadFile(ctx context.Context, kbID, path string) (FileEntity, IngestionSummary, error) {
	k, err := m.store.GetKB(ctx, kbID)
	if err != nil {
		return FileEntity{}, IngestionSummary{}, err
	}

	info, statErr := os.Stat(path)
	var size int64
	var mtime time.Time
	if statErr == nil {
		size = info.Size()
		mtime = info.ModTime()
	}

	f, err := m.store.AddFile(ctx, FileEntity{
		KBID:     kbID,
		FileName: filepath.Base(path),
		FilePath: path,
		FileSize: size,
	})
	if err != nil {
		return FileEntity{}, IngestionSummary{}, err
	}

	_ = m.store.UpdateFileStatus(ctx, f.ID, StatusParsing, 0, "")

	report, err := knowledge.Ingest(ctx,
		knowledge.IngestTarget{
			KBID:               k.ID,
			CollectionName:     k.CollectionName,
			EmbeddingModel:     k.EmbeddingModel,
			EmbeddingDimension: k.EmbeddingDimension,
			Chunking: knowledge.Config{
				ChunkSize:               k.Chunk.ChunkSize,
				ChunkOverlap:            k.Chunk.ChunkOverlap,
				RespectSentenceBoundary: k.Chunk.RespectSentenceBoundary,
				ChineseAware:            k.Chunk.ChineseAware,
			},
		},
		[]knowledge.IngestFile{{Path: path, FileID: f.ID, Mtime: mtime}},
		m.loader, m.chunker, m.embed, m.upsert,
		knowledge.IngestOptions{Force: false},
	)
	if err != nil {
		_ = m.store.UpdateFileStatus(ctx, f.ID, StatusFailed, 0, err.Error())
		return f, IngestionSummary{}, err
	}

	result := report.FileResults[0]
	if result.Err != nil {
		_ = m.store.UpdateFileStatus(ctx, f.ID, StatusFailed, 0, result.Err.Error())
		return f, summaryFromReport(report), nil
	}

	_ = m.store.UpdateFileStatus(ctx, f.ID, StatusPersisting, result.ChunkCount, "")
	_ = m.store.UpdateFileStatus(ctx, f.ID, StatusSucceeded, result.ChunkCount, "")
	if m.retriever != nil {
		m.retriever.InvalidateCollection(k.CollectionName)
	}

	k.DocumentCount++
	k.ChunkCount += result.ChunkCount
	if _, err := m.store.UpdateKB(ctx, k); err != nil {
		return f, summaryFromReport(report), fmt.Errorf("kb manager: update counters: %w", err)
	}

	f, _ = m.store.GetFile(ctx, f.ID)
	return f, summaryFromReport(report), nil
}

func (m *Manager) ListFiles(ctx context.Context, kbID string, filter FileFilter, page, size int) (Page[FileEntity], error) {
	return m.store.ListFiles(ctx, kbID, filter, page, size)
}

// DeleteFile removes a file's row and its vectors from the KB's collection.
// This is also the only supported reprocess path: delete then re-upload.
func (m *Manager) DeleteFile(ctx context.Context, id string) error {
	f, err := m.store.GetFile(ctx, id)
	if err != nil {
		return err
	}
	k, err := m.store.GetKB(ctx, f.KBID)
	if err != nil {
		return err
	}

	if err := m.vectors.DeleteByFilter(ctx, k.CollectionName, map[string]string{"file_id": f.ID}); err != nil {
		return err
	}
	if m.retriever != nil {
		m.retriever.InvalidateCollection(k.CollectionName)
	}

	if err := m.store.DeleteFile(ctx, id); err != nil {
		return err
	}

	k.DocumentCount--
	k.ChunkCount -= f.ChunkCount
	if k.DocumentCount < 0 {
		k.DocumentCount = 0
	}
	if k.ChunkCount < 0 {
		k.ChunkCount = 0
	}
	_, err = m.store.UpdateKB(ctx, k)
	return err
}

// QueryInput overrides a KB's default retrieval config for a single call.
// Zero-value fields fall back to the KB's stored RetrievalConfig.
type QueryInput struct {
	Query               string
	TopK                int
	SimilarityThreshold float64
}

// Query runs the retrieval engine against a KB's collection using its stored retrieval_config,
// with per-call TopK/SimilarityThreshold overrides when provided.
func (m *Manager) Query(ctx context.Context, kbID string, in QueryInput) ([]retrieval.Hit, error) {
	if m.retriever == nil {
		return nil, fmt.Errorf("kb manager: query: no retriever configured")
	}
	k, err := m.store.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}

	cfg := retrieval.Config{
		Mode:                  retrievalModeFor(k.Retrieval.Mode),
		TopK:                  k.Retrieval.TopK,
		SimilarityThreshold:   float32(k.Retrieval.SimilarityThreshold),
		VectorWeight:          float32(k.Retrieval.VectorWeight),
		KeywordWeight:         float32(k.Retrieval.KeywordWeight),
		ChineseAware:          k.Chunk.ChineseAware,
		AdaptiveMinThreshold:  float32(k.Retrieval.AdaptiveMinThreshold),
		AdaptiveTargetResults: k.Retrieval.AdaptiveTargetResults,
	}
	if in.TopK > 0 {
		cfg.TopK = in.TopK
	}
	if in.SimilarityThreshold > 0 {
		cfg.SimilarityThreshold = float32(in.SimilarityThreshold)
	}

	if cfg.AdaptiveTargetResults > 0 {
		return m.retriever.AdaptiveSearch(ctx, k.CollectionName, in.Query, cfg)
	}
	return m.retriever.Search(ctx, k.CollectionName, in.Query, cfg)
}

func retrievalModeFor(mode RetrievalMode) retrieval.Mode {
	switch mode {
	case ModeVector:
		return retrieval.ModeVector
	case ModeFulltext:
		return retrieval.ModeKeyword
	default:
		return retrieval.ModeHybrid
	}
}

// IngestionSummary is the caller-facing projection of an IngestionReport
// for a single-file upload.
type IngestionSummary struct {
	ChunksCreated   int
	VectorsUploaded int
	TotalSeconds    float64
	Errors          []string
}

func summaryFromReport(r knowledge.IngestionReport) IngestionSummary {
	return IngestionSummary{
		ChunksCreated:   r.ChunksCreated,
		VectorsUploaded: r.VectorsUploaded,
		TotalSeconds:    r.TotalSeconds,
		Errors:          r.Errors,
	}
}
