// Package kb implements the multi-knowledge-base metadata store and
// the high-level KB manager: per-KB chunk/retrieval configuration,
// file lifecycle tracking, and the record-then-collection (create) and
// collection-then-record (delete) ordering that keeps a KB's sqlite row and
// its vector-store collection in lockstep.
package kb

import "time"

// RetrievalMode selects which of the retrieval engine's search strategies a KB uses by default.
type RetrievalMode string

const (
	ModeVector   RetrievalMode = "vector"
	ModeFulltext RetrievalMode = "fulltext"
	ModeHybrid   RetrievalMode = "hybrid"
)

// FileStatus is a FileEntity's lifecycle stage.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusParsing    FileStatus = "parsing"
	StatusPersisting FileStatus = "persisting"
	StatusSucceeded  FileStatus = "succeeded"
	StatusFailed     FileStatus = "failed"
	StatusCancelled  FileStatus = "cancelled"
)

// ChunkConfig mirrors knowledge.Config; duplicated here (rather than
// imported) so the metadata store has no dependency on the chunker package.
type ChunkConfig struct {
	ChunkSize               int  `json:"chunk_size"`
	ChunkOverlap            int  `json:"chunk_overlap"`
	RespectSentenceBoundary bool `json:"respect_sentence_boundary"`
	ChineseAware            bool `json:"chinese_aware"`
}

// RetrievalConfig controls the retrieval engine's default search behavior for a KB.
type RetrievalConfig struct {
	Mode                  RetrievalMode `json:"mode"`
	TopK                  int           `json:"top_k"`
	SimilarityThreshold   float64       `json:"similarity_threshold"`
	VectorWeight          float64       `json:"vector_weight"`
	KeywordWeight         float64       `json:"keyword_weight"`
	AdaptiveMinThreshold  float64       `json:"adaptive_min_threshold"`
	AdaptiveTargetResults int           `json:"adaptive_target_results"`
}

// KnowledgeBase is a named, isolated retrieval domain: one sqlite row and
// exactly one vector-store collection.
type KnowledgeBase struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	EmbeddingModel     string          `json:"embedding_model"`
	EmbeddingDimension int             `json:"embedding_dimension"`
	CollectionName     string          `json:"collection_name"`
	Chunk              ChunkConfig     `json:"chunk"`
	Retrieval          RetrievalConfig `json:"retrieval"`
	DocumentCount      int             `json:"document_count"`
	ChunkCount         int             `json:"chunk_count"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// FileEntity tracks one ingested file's lifecycle within a KB.
type FileEntity struct {
	ID           string     `json:"id"`
	KBID         string     `json:"kb_id"`
	FileName     string     `json:"file_name"`
	FilePath     string     `json:"file_path"`
	FileSize     int64      `json:"file_size"`
	ContentType  string     `json:"content_type"`
	Status       FileStatus `json:"status"`
	ChunkCount   int        `json:"chunk_count"`
	FailedReason string     `json:"failed_reason,omitempty"`
	LastMtime    time.Time  `json:"last_mtime"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Page is a paginated result set, shared by list_kbs and list_files.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}
