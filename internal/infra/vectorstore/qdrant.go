package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
)

const defaultBatchSize = 100

// QdrantStore wraps a *qdrant.Client and implements the Store interface.
type QdrantStore struct {
	client *qdrant.Client

	maxAttempts  int
	initialDelay time.Duration
	backoffMult  float64
	maxDelay     time.Duration
}

// Config is the subset of connection parameters a caller supplies.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// NewQdrantStore dials Qdrant and returns a ready Store.
func NewQdrantStore(cfg Config) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 cfg.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: create client: %w", err)
	}
	return &QdrantStore{
		client:       client,
		maxAttempts:  3,
		initialDelay: time.Second,
		backoffMult:  2,
		maxDelay:     10 * time.Second,
	}, nil
}

// EnsureCollection creates the named collection with cosine distance if
// absent, and validates the existing collection's dimension otherwise.
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	info, err := s.client.GetCollectionInfo(ctx, name)
	if err == nil {
		existing := int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		if existing != dimension {
			return &knowledge.VectorStoreError{Msg: fmt.Sprintf("collection %q has dimension %d, want %d", name, existing, dimension)}
		}
		return nil
	}

	createErr := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if createErr != nil {
		return &knowledge.VectorStoreError{Msg: fmt.Sprintf("create collection %q", name), Cause: createErr}
	}
	return nil
}

// DeleteCollection removes a collection; absence is not an error.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return &knowledge.VectorStoreError{Msg: fmt.Sprintf("delete collection %q", name), Cause: err}
	}
	return nil
}

// Upsert writes points in batches of defaultBatchSize, each batch retried
// with exponential backoff.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []knowledge.VectorPoint) error {
	for start := 0; start < len(points); start += defaultBatchSize {
		end := start + defaultBatchSize
		if end > len(points) {
			end = len(points)
		}
		if err := s.upsertBatchWithRetry(ctx, collection, points[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *QdrantStore) upsertBatchWithRetry(ctx context.Context, collection string, batch []knowledge.VectorPoint) error {
	structs := make([]*qdrant.PointStruct, len(batch))
	for i, p := range batch {
		structs[i] = pointToStruct(p)
	}

	var lastErr error
	delay := s.initialDelay
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         structs,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = minDuration(time.Duration(float64(delay)*s.backoffMult), s.maxDelay)
	}
	return &knowledge.VectorStoreError{Msg: fmt.Sprintf("upsert batch into %q after %d attempts", collection, s.maxAttempts), Cause: lastErr}
}

// Search returns the top `limit` hits ordered by descending similarity.
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32) ([]Hit, error) {
	result, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(scoreThreshold),
	})
	if err != nil {
		return nil, &knowledge.VectorStoreError{Msg: fmt.Sprintf("search %q", collection), Cause: err}
	}

	hits := make([]Hit, 0, len(result))
	for _, point := range result {
		hits = append(hits, Hit{
			ID:      pointIDToString(point.GetId()),
			Score:   point.GetScore(),
			Payload: payloadToStrings(point.GetPayload()),
		})
	}
	return hits, nil
}

// Scroll forward-enumerates points matching an equality filter, for keyword
// fallback search.
func (s *QdrantStore) Scroll(ctx context.Context, collection string, filter map[string]string, limit int) ([]Hit, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filter) > 0 {
		req.Filter = buildEqualityFilter(filter)
	}

	points, err := s.client.Scroll(ctx, req)
	if err != nil {
		return nil, &knowledge.VectorStoreError{Msg: fmt.Sprintf("scroll %q", collection), Cause: err}
	}

	hits := make([]Hit, 0, len(points))
	for _, point := range points {
		hits = append(hits, Hit{
			ID:      pointIDToString(point.GetId()),
			Payload: payloadToStrings(point.GetPayload()),
		})
	}
	return hits, nil
}

// DeleteByFilter removes every point whose payload matches filter.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: buildEqualityFilter(filter),
			},
		},
	})
	if err != nil {
		return &knowledge.VectorStoreError{Msg: fmt.Sprintf("delete by filter in %q", collection), Cause: err}
	}
	return nil
}

// Count returns the total number of points in a collection.
func (s *QdrantStore) Count(ctx context.Context, collection string) (int64, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: collection})
	if err != nil {
		return 0, &knowledge.VectorStoreError{Msg: fmt.Sprintf("count %q", collection), Cause: err}
	}
	return int64(n), nil
}

// Info reports point count and vector dimension for a collection.
func (s *QdrantStore) Info(ctx context.Context, collection string) (CollectionInfo, error) {
	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return CollectionInfo{}, &knowledge.VectorStoreError{Msg: fmt.Sprintf("info %q", collection), Cause: err}
	}
	return CollectionInfo{
		PointCount: int64(info.GetPointsCount()),
		Dimension:  int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
	}, nil
}

// Close releases the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// HealthCheck verifies the store is reachable.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.ListCollections(ctx); err != nil {
		return &knowledge.VectorStoreError{Msg: "health check", Cause: err}
	}
	return nil
}

func pointToStruct(p knowledge.VectorPoint) *qdrant.PointStruct {
	payload := make(map[string]*qdrant.Value, len(p.Payload))
	for k, v := range p.Payload {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	return &qdrant.PointStruct{
		Id:      &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: p.ID}},
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: p.Vector}}},
		Payload: payload,
	}
}

func payloadToStrings(payload map[string]*qdrant.Value) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = v.GetStringValue()
	}
	return out
}

func pointIDToString(id *qdrant.PointId) string {
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func buildEqualityFilter(filter map[string]string) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   k,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
