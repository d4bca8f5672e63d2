package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/matiasleandrokruk/ragd/internal/infra/vectorstore"
)

// Embedder embeds a single query string. Satisfied by *llm.CachingEmbedder.
type Embedder interface {
	EmbedQuery(ctx context.Context, model, text string) ([]float32, error)
}

// VectorSearcher is the subset of the vector store the engine drives. Satisfied by
// vectorstore.Store (a *vectorstore.QdrantStore in production).
type VectorSearcher interface {
	Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32) ([]vectorstore.Hit, error)
	Scroll(ctx context.Context, collection string, filter map[string]string, limit int) ([]vectorstore.Hit, error)
}

// scrollCap bounds how many points a keyword search scrolls to build its
// term-frequency table. A pure performance knob, not a tuned constant.
const scrollCap = 5000

// dfTable is a collection's cached document-frequency table for idf_est.
type dfTable struct {
	docFreq map[string]int
	n       int
}

// Engine implements the retrieval engine against a single vector store and embedder.
type Engine struct {
	store          VectorSearcher
	embed          Embedder
	embeddingModel string

	mu      sync.Mutex
	dfCache *lru.Cache[string, dfTable]
}

// NewEngine builds an Engine with an LRU cache of per-collection
// document-frequency tables (the same golang-lru/v2 dependency the embedding cache uses).
func NewEngine(store VectorSearcher, embed Embedder, embeddingModel string, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 32
	}
	cache, err := lru.New[string, dfTable](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("retrieval: new engine: %w", err)
	}
	return &Engine{store: store, embed: embed, embeddingModel: embeddingModel, dfCache: cache}, nil
}

// InvalidateCollection drops the cached document-frequency table for a
// collection; call after any ingestion upsert into it.
func (e *Engine) InvalidateCollection(collection string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dfCache.Remove(collection)
}

// Search dispatches to the configured strategy.
func (e *Engine) Search(ctx context.Context, collection, query string, cfg Config) ([]Hit, error) {
	switch cfg.Mode {
	case ModeVector:
		return e.VectorSearch(ctx, collection, query, cfg)
	case ModeKeyword:
		return e.KeywordSearch(ctx, collection, query, cfg)
	default:
		return e.HybridSearch(ctx, collection, query, cfg)
	}
}

// VectorSearch embeds the query and runs a similarity search against the vector store.
func (e *Engine) VectorSearch(ctx context.Context, collection, query string, cfg Config) ([]Hit, error) {
	topK := resolveTopK(cfg.TopK)
	vec, err := e.embed.EmbedQuery(ctx, e.embeddingModel, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	rawHits, err := e.store.Search(ctx, collection, vec, topK, cfg.SimilarityThreshold)
	if err != nil {
		return nil, fmt.Errorf("retrieval: vector search: %w", err)
	}
	hits := hitsFromVectorStore(rawHits)
	sortHits(hits)
	return capHits(hits, topK), nil
}

// KeywordSearch tokenizes the query and scores scrolled chunks by
// sum_t tf(t, chunk) * idf_est(t).
func (e *Engine) KeywordSearch(ctx context.Context, collection, query string, cfg Config) ([]Hit, error) {
	topK := resolveTopK(cfg.TopK)
	terms := tokenize(query, cfg.ChineseAware)
	if len(terms) == 0 {
		return nil, nil
	}

	rawHits, err := e.store.Scroll(ctx, collection, nil, scrollCap)
	if err != nil {
		return nil, fmt.Errorf("retrieval: keyword scroll: %w", err)
	}
	if len(rawHits) == 0 {
		return nil, nil
	}

	df := e.documentFrequencies(collection, rawHits)

	scored := make([]Hit, 0, len(rawHits))
	for _, raw := range rawHits {
		hit := hitFromPayload(raw.ID, raw.Payload)
		tf := termFrequencies(hit.Content, cfg.ChineseAware)
		var score float64
		for _, term := range terms {
			count, ok := tf[term]
			if !ok {
				continue
			}
			score += float64(count) * idfEst(df, term)
		}
		if score <= 0 {
			continue
		}
		hit.Score = float32(score)
		scored = append(scored, hit)
	}

	sortHits(scored)
	return capHits(scored, topK), nil
}

// HybridSearch runs vector and keyword search concurrently (graceful
// degradation if either fails entirely), min-max normalizes each list's
// scores to [0,1], and merges by the configured weights.
func (e *Engine) HybridSearch(ctx context.Context, collection, query string, cfg Config) ([]Hit, error) {
	topK := resolveTopK(cfg.TopK)
	internalLimit := 2 * topK
	innerCfg := cfg
	innerCfg.TopK = internalLimit

	var (
		vecHits, kwHits   []Hit
		vecErr, kwErr     error
		wg                sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vecHits, vecErr = e.VectorSearch(ctx, collection, query, innerCfg)
	}()
	go func() {
		defer wg.Done()
		kwHits, kwErr = e.KeywordSearch(ctx, collection, query, innerCfg)
	}()
	wg.Wait()

	if vecErr != nil && kwErr != nil {
		return nil, fmt.Errorf("retrieval: hybrid search: vector: %v, keyword: %v", vecErr, kwErr)
	}

	vectorWeight, keywordWeight := cfg.VectorWeight, cfg.KeywordWeight
	if vectorWeight == 0 && keywordWeight == 0 {
		vectorWeight, keywordWeight = 0.5, 0.5
	}

	merged := mergeWeighted(minMaxNormalize(vecHits), minMaxNormalize(kwHits), vectorWeight, keywordWeight)
	sortHits(merged)
	return capHits(merged, topK), nil
}

// AdaptiveSearch wraps any mode: if the result count falls short of
// cfg.AdaptiveTargetResults, it retries with SimilarityThreshold reduced by
// adaptiveBackoffFactor down to AdaptiveMinThreshold, up to
// adaptiveMaxAttempts attempts. Returns the first attempt meeting the
// target, else the largest non-empty result.
func (e *Engine) AdaptiveSearch(ctx context.Context, collection, query string, cfg Config) ([]Hit, error) {
	target := cfg.AdaptiveTargetResults
	if target <= 0 {
		target = defaultAdaptiveTargetResults
	}

	var best []Hit
	threshold := cfg.SimilarityThreshold
	for attempt := 0; attempt < adaptiveMaxAttempts; attempt++ {
		attemptCfg := cfg
		attemptCfg.SimilarityThreshold = threshold

		hits, err := e.Search(ctx, collection, query, attemptCfg)
		if err != nil {
			return nil, err
		}
		if len(hits) > len(best) {
			best = hits
		}
		if len(hits) >= target {
			return hits, nil
		}

		threshold *= adaptiveBackoffFactor
		if threshold < cfg.AdaptiveMinThreshold {
			threshold = cfg.AdaptiveMinThreshold
		}
	}
	return best, nil
}

// ExpandQuery prepends 0..k synonym expansions to the query text, drawn
// from a caller-supplied dictionary.
func ExpandQuery(query string, synonyms map[string][]string) string {
	if len(synonyms) == 0 {
		return query
	}
	terms := strings.Fields(strings.ToLower(query))
	var expansions []string
	seen := map[string]bool{}
	for _, t := range terms {
		for _, syn := range synonyms[t] {
			if !seen[syn] {
				seen[syn] = true
				expansions = append(expansions, syn)
			}
		}
	}
	if len(expansions) == 0 {
		return query
	}
	return strings.Join(expansions, " ") + " " + query
}

func (e *Engine) documentFrequencies(collection string, hits []vectorstore.Hit) dfTable {
	e.mu.Lock()
	if cached, ok := e.dfCache.Get(collection); ok {
		e.mu.Unlock()
		return cached
	}
	e.mu.Unlock()

	df := dfTable{docFreq: map[string]int{}, n: len(hits)}
	for _, h := range hits {
		text := h.Payload["text"]
		seen := map[string]bool{}
		for _, term := range tokenize(text, false) {
			if !seen[term] {
				seen[term] = true
				df.docFreq[term]++
			}
		}
	}

	e.mu.Lock()
	e.dfCache.Add(collection, df)
	e.mu.Unlock()
	return df
}

func idfEst(df dfTable, term string) float64 {
	d := df.docFreq[term]
	if d == 0 || df.n == 0 {
		return 0
	}
	return math.Log(float64(df.n) / float64(d))
}

func termFrequencies(text string, chineseAware bool) map[string]int {
	freq := map[string]int{}
	for _, term := range tokenize(text, chineseAware) {
		freq[term]++
	}
	return freq
}

func hitsFromVectorStore(raw []vectorstore.Hit) []Hit {
	hits := make([]Hit, 0, len(raw))
	for _, r := range raw {
		hit := hitFromPayload(r.ID, r.Payload)
		hit.Score = r.Score
		hits = append(hits, hit)
	}
	return hits
}

func hitFromPayload(id string, payload map[string]string) Hit {
	chunkIndex := 0
	fmt.Sscanf(payload["chunk_index"], "%d", &chunkIndex)
	return Hit{
		ID:         id,
		Content:    payload["text"],
		Source:     payload["source"],
		ChunkIndex: chunkIndex,
		Metadata:   payload,
	}
}

// minMaxNormalize scales each hit's score into [0,1].
func minMaxNormalize(hits []Hit) []Hit {
	if len(hits) == 0 {
		return hits
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	out := make([]Hit, len(hits))
	copy(out, hits)
	spread := max - min
	for i := range out {
		if spread == 0 {
			out[i].Score = 1
			continue
		}
		out[i].Score = (out[i].Score - min) / spread
	}
	return out
}

// mergeWeighted combines two normalized-score hit lists by weighted sum,
// deduplicating by id; a chunk missing from one side contributes 0 for
// that side's weight.
func mergeWeighted(a, b []Hit, weightA, weightB float32) []Hit {
	byID := map[string]*Hit{}
	order := make([]string, 0, len(a)+len(b))

	for _, h := range a {
		hc := h
		hc.Score = h.Score * weightA
		byID[h.ID] = &hc
		order = append(order, h.ID)
	}
	for _, h := range b {
		if existing, ok := byID[h.ID]; ok {
			existing.Score += h.Score * weightB
			continue
		}
		hc := h
		hc.Score = h.Score * weightB
		byID[h.ID] = &hc
		order = append(order, h.ID)
	}

	seen := map[string]bool{}
	merged := make([]Hit, 0, len(byID))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, *byID[id])
	}
	return merged
}

// sortHits orders hits by descending score, then ascending chunk_index,
// then ascending id, so ties resolve deterministically.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].ChunkIndex != hits[j].ChunkIndex {
			return hits[i].ChunkIndex < hits[j].ChunkIndex
		}
		return hits[i].ID < hits[j].ID
	})
}

func capHits(hits []Hit, limit int) []Hit {
	if len(hits) > limit {
		return hits[:limit]
	}
	return hits
}
