// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// Collection names the three logical collections the daemon maintains.
// Each is addressed by a distinct content-address scheme; see ChunkPointID,
// and the plain observation/batch uuids used for memory and plan points.
type Collection string

const (
	CollectionCode   Collection = "code"
	CollectionMemory Collection = "memory"
	CollectionPlan   Collection = "plan"
)

// ErrDimensionMismatch is returned by Search/Add when a collection's stored
// vector dimension disagrees with the caller's embedder.
var ErrDimensionMismatch = errors.New("vectorstore: dimension mismatch")

// Item is one point to add to a collection.
type Item struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
	Content  string
}

// Match is a scored search hit. Score is cosine similarity normalized to [0,1].
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
	Content  string
}

// Filter is an exact-match conjunction over point metadata.
type Filter map[string]string

// Stats describes a collection's size.
type Stats struct {
	Count       int
	ApproxBytes int64
}

// VectorStore is the content-addressed store behind C3. Implementations must
// make Add/Delete point-in-time consistent within a single call; there is no
// cross-collection transaction.
type VectorStore interface {
	Add(ctx context.Context, collection Collection, items []Item, replaceByID bool) error
	Delete(ctx context.Context, collection Collection, filter Filter) error
	Search(ctx context.Context, collection Collection, queryVector []float32, k int, filter Filter, minScore float64) ([]Match, error)
	Stats(ctx context.Context, collection Collection) (Stats, error)
	// StoredDimension reports the collection's fixed vector width, or 0
	// when the collection does not exist yet. Callers compare it against
	// the active embedder's dimension to detect a provider switch.
	StoredDimension(ctx context.Context, collection Collection) (int, error)
	// Reset drops and recreates the collection, e.g. after an embedding model
	// swap changes the vector dimension.
	Reset(ctx context.Context, collection Collection, dimension int) error
}

// ChunkPointID derives a code collection's point id for a chunk: the
// content address sha256(filepath + ":" + chunk index).
func ChunkPointID(filepath string, chunkIndex int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", filepath, chunkIndex)))
	return hex.EncodeToString(h[:])
}

// QdrantStore is a gRPC-backed VectorStore with one Qdrant collection per
// logical Collection, named "<slug>_code", "<slug>_memory", "<slug>_plan" so
// multiple daemons can share one Qdrant instance without collision.
type QdrantStore struct {
	collectionsSvc qdrant.CollectionsClient
	pointsSvc      qdrant.PointsClient
	slug           string

	mu         sync.Mutex
	dimensions map[Collection]int
}

// NewQdrantStore constructs a store bound to conn, named after projectSlug.
func NewQdrantStore(conn *grpc.ClientConn, projectSlug string) (*QdrantStore, error) {
	if conn == nil {
		return nil, errors.New("vectorstore: gRPC connection is required")
	}
	if projectSlug == "" {
		projectSlug = "default"
	}
	return &QdrantStore{
		collectionsSvc: qdrant.NewCollectionsClient(conn),
		pointsSvc:      qdrant.NewPointsClient(conn),
		slug:           projectSlug,
		dimensions:     make(map[Collection]int),
	}, nil
}

func (q *QdrantStore) collectionName(c Collection) string {
	return fmt.Sprintf("%s_%s", q.slug, c)
}

func (q *QdrantStore) ensureCollection(ctx context.Context, c Collection, dim int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if known, ok := q.dimensions[c]; ok {
		if known != dim {
			return fmt.Errorf("%w: collection %s has dimension %d, got %d", ErrDimensionMismatch, c, known, dim)
		}
		return nil
	}

	name := q.collectionName(c)
	list, err := q.collectionsSvc.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}

	exists := false
	for _, coll := range list.Collections {
		if coll.Name == name {
			exists = true
			break
		}
	}

	if exists {
		// A fresh process has an empty cache; the collection's stored
		// width is the truth. A daemon restarted with a different
		// embedding model must hit ErrDimensionMismatch here (and go
		// through Reset), not a raw upsert error later.
		stored, err := q.probeDimension(ctx, name)
		if err != nil {
			return err
		}
		if stored > 0 && stored != dim {
			return fmt.Errorf("%w: collection %s stores dimension %d, embedder produces %d (reset the collection to switch models)",
				ErrDimensionMismatch, c, stored, dim)
		}
		q.dimensions[c] = dim
		return nil
	}

	_, err = q.collectionsSvc.Create(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", name, err)
	}
	log.Printf("vectorstore: created collection %s (dim=%d)", name, dim)

	q.dimensions[c] = dim
	return nil
}

// probeDimension reads a collection's configured vector size from Qdrant.
// Returns 0 when the server does not report one.
func (q *QdrantStore) probeDimension(ctx context.Context, name string) (int, error) {
	info, err := q.collectionsSvc.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: inspect collection %s: %w", name, err)
	}
	params := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return 0, nil
	}
	return int(params.GetSize()), nil
}

// StoredDimension reports the collection's fixed vector width (0 when the
// collection does not exist).
func (q *QdrantStore) StoredDimension(ctx context.Context, c Collection) (int, error) {
	q.mu.Lock()
	if known, ok := q.dimensions[c]; ok {
		q.mu.Unlock()
		return known, nil
	}
	q.mu.Unlock()

	name := q.collectionName(c)
	list, err := q.collectionsSvc.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, coll := range list.Collections {
		if coll.Name == name {
			return q.probeDimension(ctx, name)
		}
	}
	return 0, nil
}

func toQdrantValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func pointID(id string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}
}

// Add upserts items into collection, creating it at the first-seen dimension
// if absent. replaceByID is always honored since Qdrant upsert is natively
// idempotent by point id.
func (q *QdrantStore) Add(ctx context.Context, collection Collection, items []Item, replaceByID bool) error {
	if len(items) == 0 {
		return nil
	}

	if err := q.ensureCollection(ctx, collection, len(items[0].Vector)); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(items))
	for _, item := range items {
		payload := make(map[string]*qdrant.Value, len(item.Metadata)+1)
		for k, v := range item.Metadata {
			payload[k] = toQdrantValue(v)
		}
		if item.Content != "" {
			payload["content"] = toQdrantValue(item.Content)
		}

		points = append(points, &qdrant.PointStruct{
			Id: pointID(item.ID),
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: item.Vector},
				},
			},
			Payload: payload,
		})
	}

	_, err := q.pointsSvc.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName(collection),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert into %s: %w", collection, err)
	}
	return nil
}

func buildFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
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

// Delete removes every point in collection matching filter. An empty filter
// is rejected to avoid accidentally clearing an entire collection.
func (q *QdrantStore) Delete(ctx context.Context, collection Collection, filter Filter) error {
	if len(filter) == 0 {
		return errors.New("vectorstore: delete requires a non-empty filter")
	}
	_, err := q.pointsSvc.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName(collection),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: buildFilter(filter)},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete from %s: %w", collection, err)
	}
	return nil
}

// Search returns up to k matches scored by cosine similarity, filtered by
// filter and minScore.
func (q *QdrantStore) Search(ctx context.Context, collection Collection, queryVector []float32, k int, filter Filter, minScore float64) ([]Match, error) {
	if len(queryVector) == 0 {
		return nil, errors.New("vectorstore: query vector cannot be empty")
	}
	// On a fresh process the cache is empty; StoredDimension probes the
	// server so a model switch surfaces as the sentinel here too.
	dim, err := q.StoredDimension(ctx, collection)
	if err != nil {
		return nil, err
	}
	if dim > 0 && dim != len(queryVector) {
		return nil, fmt.Errorf("%w: collection %s has dimension %d, query has %d", ErrDimensionMismatch, collection, dim, len(queryVector))
	}
	if k <= 0 {
		k = 10
	}

	resp, err := q.pointsSvc.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collectionName(collection),
		Vector:         queryVector,
		Limit:          uint64(k),
		Filter:         buildFilter(filter),
		ScoreThreshold: scoreThresholdPtr(minScore),
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &qdrant.WithVectorsSelector{SelectorOptions: &qdrant.WithVectorsSelector_Enable{Enable: false}},
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search %s: %w", collection, err)
	}

	matches := make([]Match, 0, len(resp.Result))
	for _, sp := range resp.Result {
		m := Match{Score: float64(sp.Score), Metadata: make(map[string]string)}
		if sp.Id != nil {
			m.ID = sp.Id.GetUuid()
		}
		for key, v := range sp.Payload {
			if key == "content" {
				m.Content = v.GetStringValue()
				continue
			}
			m.Metadata[key] = v.GetStringValue()
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func scoreThresholdPtr(minScore float64) *float32 {
	if minScore <= 0 {
		return nil
	}
	f := float32(minScore)
	return &f
}

// Stats reports collection size.
func (q *QdrantStore) Stats(ctx context.Context, collection Collection) (Stats, error) {
	info, err := q.collectionsSvc.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: q.collectionName(collection)})
	if err != nil {
		return Stats{}, fmt.Errorf("vectorstore: stats for %s: %w", collection, err)
	}
	if info.Result == nil || info.Result.PointsCount == nil {
		return Stats{}, nil
	}
	count := int(*info.Result.PointsCount)
	return Stats{Count: count, ApproxBytes: int64(count) * 4 * int64(q.dimensions[collection])}, nil
}

// Reset drops and recreates collection at dimension, used after an embedding
// model swap changes vector width.
func (q *QdrantStore) Reset(ctx context.Context, collection Collection, dimension int) error {
	name := q.collectionName(collection)
	_, err := q.collectionsSvc.Delete(ctx, &qdrant.DeleteCollection{CollectionName: name})
	if err != nil && !strings.Contains(err.Error(), "doesn't exist") && !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("vectorstore: delete collection %s: %w", name, err)
	}

	q.mu.Lock()
	delete(q.dimensions, collection)
	q.mu.Unlock()

	return q.ensureCollection(ctx, collection, dimension)
}
