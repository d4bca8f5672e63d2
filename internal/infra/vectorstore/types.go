// Package vectorstore implements the vector store client against Qdrant.
// The Store interface is the seam the retrieval and ingestion pipelines code
// against, so tests can substitute a fake without a running Qdrant instance.
package vectorstore

import (
	"context"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
)

// Hit is one search result: a point id, its similarity score, and its payload.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// CollectionInfo reports collection-level stats for `info(name)`.
type CollectionInfo struct {
	PointCount int64
	Dimension  int
}

// Store is the vector store contract: ensure_collection, delete_collection, upsert,
// search, scroll, count, info, delete_by_filter.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection string, points []knowledge.VectorPoint) error
	Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32) ([]Hit, error)
	Scroll(ctx context.Context, collection string, filter map[string]string, limit int) ([]Hit, error)
	Count(ctx context.Context, collection string) (int64, error)
	Info(ctx context.Context, collection string) (CollectionInfo, error)
	// DeleteByFilter removes every point matching an equality filter (e.g.
	// {"file_id": id}), for reprocessing a single file without dropping the
	// whole collection.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error
	Close() error
}
