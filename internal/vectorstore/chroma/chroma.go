// Package chroma stores feedback chunks in a Chroma collection.
package chroma

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"

	"github.com/soulstay/feedbackrag/internal/retrieval"
)

const metaCreatedAt = "created_at"

// collection is the subset of chromago.Collection used by Store.
type collection interface {
	Add(ctx context.Context, opts ...chromago.CollectionAddOption) error
	Query(ctx context.Context, opts ...chromago.CollectionQueryOption) (chromago.QueryResult, error)
	Count(ctx context.Context) (int, error)
}

// admin is the subset of chromago.Client used by Store.
type admin interface {
	DeleteCollection(ctx context.Context, name string, options ...chromago.DeleteCollectionOption) error
	Close() error
}

// Store implements retrieval.VectorStore on a Chroma collection. The
// collection uses cosine space, so similarity is 1 - distance.
type Store struct {
	client admin
	name   string
	create func(ctx context.Context) (collection, error)

	mu   sync.RWMutex
	coll collection
}

var _ retrieval.VectorStore = (*Store)(nil)

// Open connects to the Chroma server at baseURL and gets or creates the
// named collection.
func Open(ctx context.Context, baseURL, name string) (*Store, error) {
	client, err := chromago.NewHTTPClient(chromago.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("creating chroma client: %w", err)
	}
	create := func(ctx context.Context) (collection, error) {
		coll, err := client.GetOrCreateCollection(ctx, name,
			chromago.WithCollectionMetadataCreate(
				chromago.NewMetadata(
					chromago.NewStringAttribute("hnsw:space", "cosine"),
					chromago.NewStringAttribute("description", "guest feedback chunks"),
				),
			),
		)
		if err != nil {
			return nil, err
		}
		return coll, nil
	}
	coll, err := create(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("opening chroma collection %q: %w", name, err)
	}
	return &Store{client: client, name: name, create: create, coll: coll}, nil
}

func (s *Store) collection() collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coll
}

// Close releases the client.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Name() string { return "chroma" }

// Insert adds all records in one request.
func (s *Store) Insert(ctx context.Context, records []retrieval.Record) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]chromago.DocumentID, len(records))
	texts := make([]string, len(records))
	embs := make([]embeddings.Embedding, len(records))
	metas := make([]chromago.DocumentMetadata, len(records))
	for i, r := range records {
		ids[i] = chromago.DocumentID(r.ID)
		texts[i] = r.Text
		embs[i] = embeddings.NewEmbeddingFromFloat32(r.Embedding)
		metas[i] = toDocumentMetadata(r)
	}
	err := s.collection().Add(ctx,
		chromago.WithIDs(ids...),
		chromago.WithTexts(texts...),
		chromago.WithEmbeddings(embs...),
		chromago.WithMetadatas(metas...),
	)
	if err != nil {
		return fmt.Errorf("adding %d records to chroma: %w", len(records), err)
	}
	return nil
}

// Search queries the collection with vector. Chroma rejects n_results
// larger than the collection, so the count is checked first.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]retrieval.ScoredRecord, error) {
	if topK <= 0 {
		return []retrieval.ScoredRecord{}, nil
	}
	n, err := s.collection().Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting chroma records: %w", err)
	}
	if n == 0 {
		return []retrieval.ScoredRecord{}, nil
	}
	if topK > n {
		topK = n
	}

	res, err := s.collection().Query(ctx,
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
		chromago.WithNResults(topK),
	)
	if err != nil {
		return nil, fmt.Errorf("querying chroma: %w", err)
	}

	idGroups := res.GetIDGroups()
	if len(idGroups) == 0 {
		return []retrieval.ScoredRecord{}, nil
	}
	ids := idGroups[0]
	docs := firstGroup(res.GetDocumentsGroups())
	metas := firstGroup(res.GetMetadatasGroups())
	dists := firstGroup(res.GetDistancesGroups())

	out := make([]retrieval.ScoredRecord, 0, len(ids))
	for i, id := range ids {
		rec := retrieval.Record{ID: string(id)}
		if i < len(docs) && docs[i] != nil {
			rec.Text = docs[i].ContentString()
		}
		if i < len(metas) {
			meta, err := fromDocumentMetadata(metas[i])
			if err != nil {
				return nil, fmt.Errorf("decoding metadata of %s: %w", id, err)
			}
			applyMetadata(&rec, meta)
		}
		var score float32
		if i < len(dists) {
			score = 1 - float32(dists[i])
		}
		out = append(out, retrieval.ScoredRecord{Record: rec, Score: score})
	}
	return out, nil
}

// DeleteAll drops the collection and creates it again empty. Its cost does
// not depend on how many records the collection holds.
func (s *Store) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.DeleteCollection(ctx, s.name); err != nil {
		return fmt.Errorf("deleting chroma collection %q: %w", s.name, err)
	}
	coll, err := s.create(ctx)
	if err != nil {
		return fmt.Errorf("recreating chroma collection %q: %w", s.name, err)
	}
	s.coll = coll
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.collection().Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting chroma records: %w", err)
	}
	return n, nil
}

func firstGroup[T any](groups []T) T {
	var zero T
	if len(groups) == 0 {
		return zero
	}
	return groups[0]
}

// toDocumentMetadata converts record metadata into Chroma attributes.
// Values of unsupported types are stored as their JSON text.
func toDocumentMetadata(r retrieval.Record) chromago.DocumentMetadata {
	attrs := make([]*chromago.MetaAttribute, 0, len(r.Metadata)+3)
	attrs = append(attrs,
		chromago.NewStringAttribute(retrieval.MetaSourceID, r.SourceID),
		chromago.NewIntAttribute(retrieval.MetaChunkIndex, int64(r.ChunkIndex)),
		chromago.NewStringAttribute(metaCreatedAt, r.CreatedAt.UTC().Format(time.RFC3339)),
	)
	for k, v := range r.Metadata {
		switch k {
		case retrieval.MetaSourceID, retrieval.MetaChunkIndex, metaCreatedAt:
			continue
		}
		attrs = append(attrs, attribute(k, v))
	}
	return chromago.NewDocumentMetadata(attrs...)
}

func attribute(key string, v any) *chromago.MetaAttribute {
	switch x := v.(type) {
	case string:
		return chromago.NewStringAttribute(key, x)
	case bool:
		return chromago.NewBoolAttribute(key, x)
	case int:
		return chromago.NewIntAttribute(key, int64(x))
	case int32:
		return chromago.NewIntAttribute(key, int64(x))
	case int64:
		return chromago.NewIntAttribute(key, x)
	case float32:
		return chromago.NewFloatAttribute(key, float64(x))
	case float64:
		return chromago.NewFloatAttribute(key, x)
	default:
		b, _ := json.Marshal(x)
		return chromago.NewStringAttribute(key, string(b))
	}
}

// fromDocumentMetadata round-trips Chroma metadata through JSON, the only
// way to enumerate its keys.
func fromDocumentMetadata(md chromago.DocumentMetadata) (retrieval.Metadata, error) {
	if md == nil {
		return retrieval.Metadata{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return retrieval.DecodeMetadata(string(b))
}

// applyMetadata moves the bookkeeping attributes back into Record fields.
func applyMetadata(rec *retrieval.Record, meta retrieval.Metadata) {
	rec.SourceID = meta.String(retrieval.MetaSourceID)
	if idx, ok := meta.Int(retrieval.MetaChunkIndex); ok {
		rec.ChunkIndex = int(idx)
	}
	if ts := meta.String(metaCreatedAt); ts != "" {
		rec.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		delete(meta, metaCreatedAt)
	}
	rec.Metadata = meta
}
