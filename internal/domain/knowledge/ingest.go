// Package knowledge — ingestion pipeline: loader -> chunker ->
// embedder -> vector store, with partial-failure isolation per file and an
// IngestionReport aggregating the whole run. The worker-pool fan-out follows
// a bounded-goroutine idiom.
package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matiasleandrokruk/ragd/pkg/uuid"
)

// Loader produces Documents from a single file path. Satisfied by
// *loader.Registry without knowledge importing the loader package.
type Loader interface {
	Load(path string) ([]Document, error)
}

// Embedder embeds a batch of chunk texts in input order. Satisfied by
// *llm.CachingEmbedder.
type Embedder interface {
	EmbedDocuments(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// VectorUpserter is the subset of the vector store the ingestion pipeline drives.
// Satisfied by *vectorstore.QdrantStore.
type VectorUpserter interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection string, points []VectorPoint) error
}

// IngestTarget is the subset of a KB's configuration the pipeline needs,
// kept separate from the kb package's KnowledgeBase type to avoid an
// import cycle (kb imports knowledge for its error types).
type IngestTarget struct {
	KBID               string
	CollectionName     string
	EmbeddingModel     string
	EmbeddingDimension int
	Chunking           Config
}

// IngestFile is one input to Ingest: a path, its owning FileEntity ID, and
// the mtime the caller last saw (used for incremental-mode skip decisions).
type IngestFile struct {
	Path   string
	FileID string
	Mtime  time.Time
}

// FileResult is the per-file outcome, returned alongside the aggregate
// IngestionReport so the KB manager can update its FileEntity rows.
type FileResult struct {
	Path       string
	Skipped    bool // incremental mode: mtime unchanged since last success
	ChunkCount int
	Err        error
}

// IngestionReport aggregates the outcome of ingesting a batch of files.
type IngestionReport struct {
	DocumentsLoaded int
	ChunksCreated   int
	VectorsUploaded int
	FailedFiles     []string
	Errors          []string
	TotalSeconds    float64
	Timestamp       time.Time

	FileResults []FileResult
}

// IngestOptions controls incremental mode and pipeline concurrency.
type IngestOptions struct {
	Force         bool
	LastSucceeded map[string]time.Time // path -> mtime at last success
	Workers       int                  // default 4
	EmbedBatch    int                  // default 16
}

// Ingest runs the pipeline for a single KB against a set of files.
// File-level failures never abort sibling files; the pipeline itself
// returns an error only for setup failures (e.g. EnsureCollection).
func Ingest(ctx context.Context, target IngestTarget, files []IngestFile, loader Loader, chunker *Chunker, embedder Embedder, store VectorUpserter, opts IngestOptions) (IngestionReport, error) {
	start := time.Now()

	if opts.Force {
		if err := store.DeleteCollection(ctx, target.CollectionName); err != nil {
			return IngestionReport{}, fmt.Errorf("ingest: force delete collection: %w", err)
		}
	}
	if err := store.EnsureCollection(ctx, target.CollectionName, target.EmbeddingDimension); err != nil {
		return IngestionReport{}, fmt.Errorf("ingest: ensure collection: %w", err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	embedBatch := opts.EmbedBatch
	if embedBatch <= 0 {
		embedBatch = 16
	}

	jobs := make(chan IngestFile)
	results := make([]FileResult, len(files))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				results[indexOf(files, f)] = ingestOne(ctx, target, f, loader, chunker, embedder, store, opts, embedBatch)
			}
		}()
	}
	for _, f := range files {
		jobs <- f
	}
	close(jobs)
	wg.Wait()

	report := IngestionReport{Timestamp: start.UTC(), FileResults: results}
	for _, r := range results {
		if r.Skipped {
			continue
		}
		report.DocumentsLoaded++
		if r.Err != nil {
			report.FailedFiles = append(report.FailedFiles, r.Path)
			report.Errors = append(report.Errors, r.Err.Error())
			continue
		}
		report.ChunksCreated += r.ChunkCount
		report.VectorsUploaded += r.ChunkCount
	}
	report.TotalSeconds = time.Since(start).Seconds()
	return report, nil
}

func indexOf(files []IngestFile, f IngestFile) int {
	for i, g := range files {
		if g.Path == f.Path {
			return i
		}
	}
	return -1
}

func ingestOne(ctx context.Context, target IngestTarget, f IngestFile, loader Loader, chunker *Chunker, embedder Embedder, store VectorUpserter, opts IngestOptions, embedBatch int) FileResult {
	if !opts.Force {
		if last, ok := opts.LastSucceeded[f.Path]; ok && !f.Mtime.After(last) {
			return FileResult{Path: f.Path, Skipped: true}
		}
	}

	docs, err := loader.Load(f.Path)
	if err != nil {
		return FileResult{Path: f.Path, Err: err}
	}

	chunks, err := chunker.Split(docs, target.Chunking)
	if err != nil {
		return FileResult{Path: f.Path, Err: err}
	}
	if len(chunks) == 0 {
		return FileResult{Path: f.Path, ChunkCount: 0}
	}

	points := make([]VectorPoint, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatch {
		end := start + embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vectors, err := embedder.EmbedDocuments(ctx, target.EmbeddingModel, texts)
		if err != nil {
			return FileResult{Path: f.Path, Err: &EmbeddingError{Msg: "embed batch for " + f.Path, Cause: err}}
		}
		if len(vectors) != len(batch) {
			return FileResult{Path: f.Path, Err: &EmbeddingError{Msg: fmt.Sprintf("embed batch for %s: got %d vectors for %d chunks", f.Path, len(vectors), len(batch))}}
		}
		for _, v := range vectors {
			if len(v) != target.EmbeddingDimension {
				return FileResult{Path: f.Path, Err: &EmbeddingError{Msg: fmt.Sprintf("embed batch for %s: model returned dimension %d, KB expects %d", f.Path, len(v), target.EmbeddingDimension)}}
			}
		}

		for i, c := range batch {
			payload := map[string]string{
				"text":        c.Content,
				"source":      c.SourcePath(),
				"file_id":     f.FileID,
				"kb_id":       target.KBID,
				"chunk_index": c.Metadata["chunk_index"],
			}
			for k, v := range c.Metadata {
				if _, exists := payload[k]; !exists {
					payload[k] = v
				}
			}
			points = append(points, VectorPoint{
				ID:      uuid.NewV7().String(),
				Vector:  vectors[i],
				Payload: payload,
			})
		}
	}

	if err := store.Upsert(ctx, target.CollectionName, points); err != nil {
		return FileResult{Path: f.Path, Err: &VectorStoreError{Msg: "upsert for " + f.Path, Cause: err}}
	}

	return FileResult{Path: f.Path, ChunkCount: len(chunks)}
}
