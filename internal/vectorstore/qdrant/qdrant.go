// Package qdrant stores feedback chunks in a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/soulstay/feedbackrag/internal/retrieval"
)

// Payload keys holding Record fields. Chunk ids are not UUIDs, so each
// point gets a derived UUID and keeps the chunk id in its payload.
const (
	payloadChunkID   = "chunk_id"
	payloadText      = "text"
	payloadCreatedAt = "created_at"
)

var pointNamespace = uuid.MustParse("6f1c1f0e-5b7a-4d2e-9a53-3c1f5e0b7d42")

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

type collectionsAPI interface {
	CollectionExists(ctx context.Context, in *pb.CollectionExistsRequest, opts ...grpc.CallOption) (*pb.CollectionExistsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store implements retrieval.VectorStore on a Qdrant collection with cosine
// distance. The collection is created on the first insert, once the vector
// size is known.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string

	mu     sync.Mutex
	exists bool
}

var _ retrieval.VectorStore = (*Store)(nil)

// Open connects to Qdrant's gRPC endpoint at host:port.
func Open(host string, port int, collection string) (*Store, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Store) Name() string { return "qdrant" }

// ensureCollection reports whether the collection exists, creating it with
// vector size dim when dim > 0.
func (s *Store) ensureCollection(ctx context.Context, dim int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exists {
		return true, nil
	}

	resp, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: s.collection})
	if err != nil {
		return false, fmt.Errorf("checking qdrant collection %q: %w", s.collection, err)
	}
	if resp.GetResult().GetExists() {
		s.exists = true
		return true, nil
	}
	if dim <= 0 {
		return false, nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
			Params: &pb.VectorParams{Size: uint64(dim), Distance: pb.Distance_Cosine},
		}},
	})
	if err != nil {
		return false, fmt.Errorf("creating qdrant collection %q: %w", s.collection, err)
	}
	s.exists = true
	return true, nil
}

// Insert upserts all records in one request and waits for it to apply.
func (s *Store) Insert(ctx context.Context, records []retrieval.Record) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := s.ensureCollection(ctx, len(records[0].Embedding)); err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Embedding}}},
			Payload: toPayload(r),
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]retrieval.ScoredRecord, error) {
	if topK <= 0 {
		return []retrieval.ScoredRecord{}, nil
	}
	ok, err := s.ensureCollection(ctx, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []retrieval.ScoredRecord{}, nil
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("searching qdrant: %w", err)
	}

	out := make([]retrieval.ScoredRecord, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		rec := fromPayload(pt.GetPayload())
		if rec.ID == "" {
			rec.ID = pt.GetId().GetUuid()
		}
		out = append(out, retrieval.ScoredRecord{Record: rec, Score: pt.GetScore()})
	}
	return out, nil
}

// DeleteAll deletes every point with an empty filter, keeping the
// collection and its vector configuration.
func (s *Store) DeleteAll(ctx context.Context) error {
	ok, err := s.ensureCollection(ctx, 0)
	if err != nil || !ok {
		return err
	}
	wait := true
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
			Filter: &pb.Filter{},
		}},
	})
	if err != nil {
		return fmt.Errorf("deleting qdrant points: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	ok, err := s.ensureCollection(ctx, 0)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: s.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("counting qdrant points: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// PointID derives the stable point UUID of a chunk id.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func toPayload(r retrieval.Record) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(r.Metadata)+5)
	for k, v := range r.Metadata {
		if pv := toValue(v); pv != nil {
			payload[k] = pv
		}
	}
	payload[payloadChunkID] = stringValue(r.ID)
	payload[payloadText] = stringValue(r.Text)
	payload[payloadCreatedAt] = stringValue(r.CreatedAt.UTC().Format(time.RFC3339))
	payload[retrieval.MetaSourceID] = stringValue(r.SourceID)
	payload[retrieval.MetaChunkIndex] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(r.ChunkIndex)}}
	return payload
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func toValue(v any) *pb.Value {
	switch x := v.(type) {
	case string:
		return stringValue(x)
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: x}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(x)}}
	case int32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(x)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: x}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(x)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: x}}
	default:
		return nil
	}
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	default:
		return nil
	}
}

func fromPayload(payload map[string]*pb.Value) retrieval.Record {
	rec := retrieval.Record{Metadata: make(retrieval.Metadata, len(payload))}
	for k, v := range payload {
		switch k {
		case payloadChunkID:
			rec.ID = v.GetStringValue()
		case payloadText:
			rec.Text = v.GetStringValue()
		case payloadCreatedAt:
			rec.CreatedAt, _ = time.Parse(time.RFC3339, v.GetStringValue())
		default:
			if val := fromValue(v); val != nil {
				rec.Metadata[k] = val
			}
		}
	}
	rec.SourceID = rec.Metadata.String(retrieval.MetaSourceID)
	if idx, ok := rec.Metadata.Int(retrieval.MetaChunkIndex); ok {
		rec.ChunkIndex = int(idx)
	}
	return rec
}
