// Package kb — sqlite-backed metadata store, built on
// internal/infra/sqlite/db.go's connection factory with string-match
// unique-violation detection rather than a sqlc-generated query layer:
// this package's query set is small and hand-written directly against
// database/sql.
package kb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
	"github.com/matiasleandrokruk/ragd/pkg/uuid"
)

// Store implements the metadata store contract against a *sql.DB.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated *sql.DB.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

const timeLayout = "2006-01-02T15:04:05.000Z"

// CreateKB inserts a new KB row. name must be unique; the collection
// name is derived from the fresh ID.
func (s *Store) CreateKB(ctx context.Context, in KnowledgeBase) (KnowledgeBase, error) {
	now := time.Now().UTC()
	in.ID = uuid.NewV7().String()
	in.CollectionName = "kb_" + in.ID
	in.CreatedAt, in.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (
			id, name, description, embedding_model, embedding_dimension, collection_name,
			chunk_size, chunk_overlap, respect_sentence_boundary, chinese_aware,
			retrieval_mode, top_k, similarity_threshold, vector_weight, keyword_weight,
			adaptive_min_threshold, adaptive_target_results, document_count, chunk_count,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,0,?,?)`,
		in.ID, in.Name, in.Description, in.EmbeddingModel, in.EmbeddingDimension, in.CollectionName,
		in.Chunk.ChunkSize, in.Chunk.ChunkOverlap, boolToInt(in.Chunk.RespectSentenceBoundary), boolToInt(in.Chunk.ChineseAware),
		string(in.Retrieval.Mode), in.Retrieval.TopK, in.Retrieval.SimilarityThreshold, in.Retrieval.VectorWeight, in.Retrieval.KeywordWeight,
		in.Retrieval.AdaptiveMinThreshold, in.Retrieval.AdaptiveTargetResults,
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return KnowledgeBase{}, &knowledge.ConflictError{Msg: fmt.Sprintf("knowledge base named %q already exists", in.Name)}
		}
		return KnowledgeBase{}, fmt.Errorf("kb store: create: %w", err)
	}
	return in, nil
}

// GetKB fetches one KB by id.
func (s *Store) GetKB(ctx context.Context, id string) (KnowledgeBase, error) {
	row := s.db.QueryRowContext(ctx, kbSelectColumns+` FROM knowledge_bases WHERE id = ?`, id)
	kb, err := scanKB(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeBase{}, &knowledge.NotFoundError{Msg: fmt.Sprintf("knowledge base %q not found", id)}
	}
	if err != nil {
		return KnowledgeBase{}, fmt.Errorf("kb store: get: %w", err)
	}
	return kb, nil
}

// ListKBs returns a page of KBs ordered by created_at descending.
func (s *Store) ListKBs(ctx context.Context, page, size int) (Page[KnowledgeBase], error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_bases`).Scan(&total); err != nil {
		return Page[KnowledgeBase]{}, fmt.Errorf("kb store: count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, kbSelectColumns+` FROM knowledge_bases ORDER BY created_at DESC LIMIT ? OFFSET ?`, size, (page-1)*size)
	if err != nil {
		return Page[KnowledgeBase]{}, fmt.Errorf("kb store: list: %w", err)
	}
	defer rows.Close()

	var items []KnowledgeBase
	for rows.Next() {
		k, err := scanKB(rows)
		if err != nil {
			return Page[KnowledgeBase]{}, fmt.Errorf("kb store: scan: %w", err)
		}
		items = append(items, k)
	}

	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	return Page[KnowledgeBase]{Items: items, Total: total, Pages: pages}, nil
}

// UpdateKB applies mutable-field changes (name, description, retrieval
// config, counters). embedding_model/embedding_dimension are immutable
// and are never written here.
func (s *Store) UpdateKB(ctx context.Context, k KnowledgeBase) (KnowledgeBase, error) {
	existing, err := s.GetKB(ctx, k.ID)
	if err != nil {
		return KnowledgeBase{}, err
	}

	now := time.Now().UTC()
	if !now.After(existing.UpdatedAt) {
		now = existing.UpdatedAt.Add(time.Millisecond)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE knowledge_bases SET
			name = ?, description = ?, chunk_size = ?, chunk_overlap = ?,
			respect_sentence_boundary = ?, chinese_aware = ?, retrieval_mode = ?, top_k = ?,
			similarity_threshold = ?, vector_weight = ?, keyword_weight = ?,
			adaptive_min_threshold = ?, adaptive_target_results = ?,
			document_count = ?, chunk_count = ?, updated_at = ?
		WHERE id = ?`,
		k.Name, k.Description, k.Chunk.ChunkSize, k.Chunk.ChunkOverlap,
		boolToInt(k.Chunk.RespectSentenceBoundary), boolToInt(k.Chunk.ChineseAware), string(k.Retrieval.Mode), k.Retrieval.TopK,
		k.Retrieval.SimilarityThreshold, k.Retrieval.VectorWeight, k.Retrieval.KeywordWeight,
		k.Retrieval.AdaptiveMinThreshold, k.Retrieval.AdaptiveTargetResults,
		k.DocumentCount, k.ChunkCount, now.Format(timeLayout), k.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return KnowledgeBase{}, &knowledge.ConflictError{Msg: fmt.Sprintf("knowledge base named %q already exists", k.Name)}
		}
		return KnowledgeBase{}, fmt.Errorf("kb store: update: %w", err)
	}
	return s.GetKB(ctx, k.ID)
}

// DeleteKB removes a KB row; files cascade via the foreign key.
func (s *Store) DeleteKB(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("kb store: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &knowledge.NotFoundError{Msg: fmt.Sprintf("knowledge base %q not found", id)}
	}
	return nil
}

const kbSelectColumns = `SELECT
	id, name, description, embedding_model, embedding_dimension, collection_name,
	chunk_size, chunk_overlap, respect_sentence_boundary, chinese_aware,
	retrieval_mode, top_k, similarity_threshold, vector_weight, keyword_weight,
	adaptive_min_threshold, adaptive_target_results, document_count, chunk_count,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKB(row rowScanner) (KnowledgeBase, error) {
	var k KnowledgeBase
	var respectBoundary, chineseAware int
	var mode string
	var createdAt, updatedAt string

	err := row.Scan(
		&k.ID, &k.Name, &k.Description, &k.EmbeddingModel, &k.EmbeddingDimension, &k.CollectionName,
		&k.Chunk.ChunkSize, &k.Chunk.ChunkOverlap, &respectBoundary, &chineseAware,
		&mode, &k.Retrieval.TopK, &k.Retrieval.SimilarityThreshold, &k.Retrieval.VectorWeight, &k.Retrieval.KeywordWeight,
		&k.Retrieval.AdaptiveMinThreshold, &k.Retrieval.AdaptiveTargetResults, &k.DocumentCount, &k.ChunkCount,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return KnowledgeBase{}, err
	}

	k.Chunk.RespectSentenceBoundary = respectBoundary != 0
	k.Chunk.ChineseAware = chineseAware != 0
	k.Retrieval.Mode = RetrievalMode(mode)
	k.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	k.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return k, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
