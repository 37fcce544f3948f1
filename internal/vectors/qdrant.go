// Package vectors provides protocol candidate retrieval via Qdrant.
package vectors

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// CollectionProtocols holds one point per protocol, embedded from its
// name and description at setup time.
const CollectionProtocols = "protocols"

// Store wraps the Qdrant client for vector operations
type Store struct {
	client *qdrant.Client
}

// Config for the vector store
type Config struct {
	Host   string // Qdrant host, default "localhost"
	Port   int    // Qdrant gRPC port, default 6334
	UseTLS bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host: "localhost",
		Port: 6334,
	}
}

// NewStore creates a new vector store
func NewStore(cfg Config) (*Store, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	return &Store{client: client}, nil
}

// Close closes the Qdrant connection
func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the protocol collection if missing
func (s *Store) EnsureCollection(ctx context.Context, dimension uint64) error {
	exists, err := s.client.CollectionExists(ctx, CollectionProtocols)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", CollectionProtocols, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: CollectionProtocols,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", CollectionProtocols, err)
	}
	return nil
}

// Point represents a vector point
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// Upsert inserts or updates protocol vectors
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	qdrantPoints := make([]*qdrant.PointStruct, len(points))

	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: toQdrantPayload(p.Payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: CollectionProtocols,
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// SearchResult is one retrieved candidate
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

// Search retrieves the topK protocol candidates nearest to the query
// vector, optionally filtered by payload keywords (e.g. module_id).
func (s *Store) Search(ctx context.Context, vector []float32, topK uint64, filter map[string]string) ([]SearchResult, error) {
	var qdrantFilter *qdrant.Filter
	if len(filter) > 0 {
		qdrantFilter = buildFilter(filter)
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: CollectionProtocols,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(topK),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         qdrantFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	searchResults := make([]SearchResult, len(results))
	for i, r := range results {
		searchResults[i] = SearchResult{
			ID:      r.Id.GetUuid(),
			Score:   r.Score,
			Payload: fromQdrantPayload(r.Payload),
		}
	}

	return searchResults, nil
}

func toQdrantPayload(payload map[string]interface{}) map[string]*qdrant.Value {
	result := make(map[string]*qdrant.Value)
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			result[k] = qdrant.NewValueString(val)
		case int:
			result[k] = qdrant.NewValueInt(int64(val))
		case int64:
			result[k] = qdrant.NewValueInt(val)
		case float64:
			result[k] = qdrant.NewValueDouble(val)
		case float32:
			result[k] = qdrant.NewValueDouble(float64(val))
		case bool:
			result[k] = qdrant.NewValueBool(val)
		}
	}
	return result
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	result := make(map[string]interface{})
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			result[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			result[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			result[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			result[k] = val.BoolValue
		}
	}
	return result
}

func buildFilter(filter map[string]string) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))

	for k, v := range filter {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: k,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{
							Keyword: v,
						},
					},
				},
			},
		})
	}

	if len(conditions) == 0 {
		return nil
	}

	return &qdrant.Filter{Must: conditions}
}
