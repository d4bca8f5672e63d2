// Package testsupport collects the in-memory test doubles shared by the
// end-to-end feature suite at the repository root. Each type mirrors the
// shape of a package-local fake already used in a unit test elsewhere in
// the tree (kb.fakeVectors, retrieval.fakeStore/fakeEmbedder,
// agent.scriptedLLM) but is exported so a single external test package can
// wire a full stack against it.
package testsupport

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
	"github.com/matiasleandrokruk/ragd/internal/infra/llm"
	"github.com/matiasleandrokruk/ragd/internal/infra/vectorstore"
)

// HashEmbedder turns text into a deterministic bag-of-words vector (hashed
// term buckets, L2-normalized) so cosine similarity between related texts is
// meaningfully higher than between unrelated ones, without a real model.
type HashEmbedder struct {
	Dimension int

	mu          sync.Mutex
	forceDim    int // when > 0, returned vectors have this width instead of Dimension
	forceDimFor map[string]bool
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	return &HashEmbedder{Dimension: dimension, forceDimFor: map[string]bool{}}
}

// ForceDimensionDrift makes every subsequent embed of a text containing
// needle return a vector of width instead of the configured Dimension,
// simulating a model swap mid-collection.
func (e *HashEmbedder) ForceDimensionDrift(needle string, width int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceDim = width
	e.forceDimFor[needle] = true
}

func (e *HashEmbedder) EmbedDocuments(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vectorFor(t)
	}
	return out, nil
}

func (e *HashEmbedder) EmbedQuery(_ context.Context, _ string, text string) ([]float32, error) {
	return e.vectorFor(text), nil
}

func (e *HashEmbedder) vectorFor(text string) []float32 {
	dim := e.Dimension

	e.mu.Lock()
	for needle := range e.forceDimFor {
		if strings.Contains(text, needle) {
			dim = e.forceDim
		}
	}
	e.mu.Unlock()

	vec := make([]float32, dim)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		bucket := int(h.Sum32()) % dim
		if bucket < 0 {
			bucket += dim
		}
		vec[bucket]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// MemStore is an in-memory vectorstore.Store with real cosine-similarity
// search, standing in for Qdrant in the feature suite.
type MemStore struct {
	mu          sync.Mutex
	collections map[string]int // name -> dimension
	points      map[string][]knowledge.VectorPoint
}

func NewMemStore() *MemStore {
	return &MemStore{
		collections: map[string]int{},
		points:      map[string][]knowledge.VectorPoint{},
	}
}

func (s *MemStore) EnsureCollection(_ context.Context, name string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = dimension
		s.points[name] = nil
	}
	return nil
}

func (s *MemStore) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	delete(s.points, name)
	return nil
}

func (s *MemStore) Upsert(_ context.Context, collection string, points []knowledge.VectorPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dim, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("testsupport: upsert into unknown collection %q", collection)
	}
	for _, p := range points {
		if len(p.Vector) != dim {
			return fmt.Errorf("testsupport: upsert vector width %d, collection %q expects %d", len(p.Vector), collection, dim)
		}
	}
	s.points[collection] = append(s.points[collection], points...)
	return nil
}

func (s *MemStore) Search(_ context.Context, collection string, vector []float32, limit int, scoreThreshold float32) ([]vectorstore.Hit, error) {
	s.mu.Lock()
	points := append([]knowledge.VectorPoint(nil), s.points[collection]...)
	s.mu.Unlock()

	hits := make([]vectorstore.Hit, 0, len(points))
	for _, p := range points {
		score := cosine(vector, p.Vector)
		if score < scoreThreshold {
			continue
		}
		hits = append(hits, vectorstore.Hit{ID: p.ID, Score: score, Payload: p.Payload})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemStore) Scroll(_ context.Context, collection string, _ map[string]string, limit int) ([]vectorstore.Hit, error) {
	s.mu.Lock()
	points := append([]knowledge.VectorPoint(nil), s.points[collection]...)
	s.mu.Unlock()

	hits := make([]vectorstore.Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, vectorstore.Hit{ID: p.ID, Payload: p.Payload})
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemStore) DeleteByFilter(_ context.Context, collection string, filter map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.points[collection][:0]
	for _, p := range s.points[collection] {
		if matchesFilter(p.Payload, filter) {
			continue
		}
		kept = append(kept, p)
	}
	s.points[collection] = kept
	return nil
}

func matchesFilter(payload, filter map[string]string) bool {
	for k, v := range filter {
		if payload[k] != v {
			return false
		}
	}
	return true
}

func (s *MemStore) Count(_ context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.points[collection])), nil
}

func (s *MemStore) Info(_ context.Context, collection string) (vectorstore.CollectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vectorstore.CollectionInfo{PointCount: int64(len(s.points[collection])), Dimension: s.collections[collection]}, nil
}

func (s *MemStore) Close() error { return nil }

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// MapLoader loads documents from an in-memory path->content map instead of
// the filesystem, with optional per-path failures to drive ingestion's
// partial-failure handling.
type MapLoader struct {
	mu      sync.Mutex
	content map[string]string
	failing map[string]string
}

func NewMapLoader() *MapLoader {
	return &MapLoader{content: map[string]string{}, failing: map[string]string{}}
}

func (l *MapLoader) PutFile(path, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.content[path] = content
}

// FailFile makes Load return a LoaderError for path with the given reason,
// instead of loading content.
func (l *MapLoader) FailFile(path, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing[path] = reason
}

func (l *MapLoader) Load(path string) ([]knowledge.Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if reason, ok := l.failing[path]; ok {
		return nil, &knowledge.LoaderError{Path: path, Msg: reason}
	}
	content, ok := l.content[path]
	if !ok {
		return nil, &knowledge.LoaderError{Path: path, Msg: "no such file registered"}
	}
	return []knowledge.Document{{Content: content, Metadata: map[string]string{"source": path}}}, nil
}

// ScriptedToolCallingLLM plays the role of a tool-calling model: its first
// response to any fresh turn issues a search_knowledge_base call built from
// the user's question, and once it sees a tool result in the conversation it
// synthesizes an answer that quotes the retrieved content instead of
// returning a canned string, so the feature suite exercises the real
// plan -> observe -> synthesize loop end to end.
type ScriptedToolCallingLLM struct {
	mu    sync.Mutex
	calls int
}

func NewScriptedToolCallingLLM() *ScriptedToolCallingLLM { return &ScriptedToolCallingLLM{} }

func (m *ScriptedToolCallingLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *ScriptedToolCallingLLM) ChatCompletion(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	var lastTool *llm.Message
	var lastUser string
	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role == "tool" {
			lastTool = msg
		}
		if msg.Role == "user" {
			lastUser = msg.Content
		}
	}

	if lastTool != nil {
		return &llm.ChatResponse{
			Content:    "Based on the knowledge base: " + lastTool.Content,
			StopReason: "stop",
		}, nil
	}

	return &llm.ChatResponse{
		ToolCalls: []llm.ToolCall{{
			ID:        "call_" + strconv.Itoa(m.calls),
			Name:      "search_knowledge_base",
			Arguments: map[string]any{"query": lastUser},
		}},
		StopReason: "tool_calls",
	}, nil
}
