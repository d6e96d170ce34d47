package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

// ChromaStore keeps one Chroma collection open for the life of the process.
type ChromaStore struct {
	client     chromago.Client
	collection chromago.Collection
}

var _ Store = (*ChromaStore)(nil)

// NewChromaStore connects to Chroma and gets or creates the named
// collection with cosine distance.
func NewChromaStore(ctx context.Context, baseURL, collectionName string) (*ChromaStore, error) {
	var opts []chromago.ClientOption
	if baseURL != "" {
		opts = append(opts, chromago.WithBaseURL(baseURL))
	}
	client, err := chromago.NewHTTPClient(opts...)
	if err != nil {
		return nil, unavailable("create chroma client", err)
	}

	collection, err := client.GetOrCreateCollection(ctx, collectionName,
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute("hnsw:space", "cosine"),
				chromago.NewStringAttribute("created_by", "gopherrag"),
			),
		),
	)
	if err != nil {
		_ = client.Close()
		return nil, unavailable("get or create collection "+collectionName, err)
	}
	return &ChromaStore{client: client, collection: collection}, nil
}

func (s *ChromaStore) Add(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]chromago.DocumentID, len(records))
	texts := make([]string, len(records))
	vectors := make([]embeddings.Embedding, len(records))
	metas := make([]chromago.DocumentMetadata, len(records))
	for i, r := range records {
		ids[i] = chromago.DocumentID(r.ID)
		texts[i] = r.Document
		vectors[i] = embeddings.NewEmbeddingFromFloat32(r.Vector)
		metas[i] = toChromaMetadata(r.Metadata)
	}

	if err := s.collection.Add(ctx,
		chromago.WithIDs(ids...),
		chromago.WithTexts(texts...),
		chromago.WithEmbeddings(vectors...),
		chromago.WithMetadatas(metas...),
	); err != nil {
		return unavailable("add", err)
	}
	return nil
}

func (s *ChromaStore) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	results, err := s.collection.Query(ctx,
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
		chromago.WithNResults(topK),
		chromago.WithIncludeQuery(chromago.IncludeDocuments, chromago.IncludeMetadatas, chromago.IncludeDistances),
	)
	if err != nil {
		return nil, unavailable("query", err)
	}

	idGroups := results.GetIDGroups()
	docGroups := results.GetDocumentsGroups()
	metaGroups := results.GetMetadatasGroups()
	distGroups := results.GetDistancesGroups()
	if len(docGroups) == 0 {
		return nil, nil
	}

	var out []Match
	for i, doc := range docGroups[0] {
		if doc == nil {
			continue
		}
		m := Match{Document: doc.ContentString()}
		if len(idGroups) > 0 && i < len(idGroups[0]) {
			m.ID = string(idGroups[0][i])
		}
		if len(metaGroups) > 0 && i < len(metaGroups[0]) {
			m.Metadata = fromChromaMetadata(metaGroups[0][i])
		}
		if len(distGroups) > 0 && i < len(distGroups[0]) {
			m.Distance = float64(distGroups[0][i])
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *ChromaStore) Get(ctx context.Context, where Where) ([]Record, error) {
	opts := []chromago.CollectionGetOption{
		chromago.WithIncludeGet(chromago.IncludeDocuments, chromago.IncludeMetadatas, chromago.IncludeEmbeddings),
	}
	if len(where) > 0 {
		opts = append(opts, chromago.WithWhereGet(toChromaWhere(where)))
	}
	res, err := s.collection.Get(ctx, opts...)
	if err != nil {
		return nil, unavailable("get", err)
	}

	ids := res.GetIDs()
	docs := res.GetDocuments()
	metas := res.GetMetadatas()
	vectors := res.GetEmbeddings()
	out := make([]Record, 0, len(ids))
	for i, id := range ids {
		r := Record{ID: string(id)}
		if i < len(docs) && docs[i] != nil {
			r.Document = docs[i].ContentString()
		}
		if i < len(metas) {
			r.Metadata = fromChromaMetadata(metas[i])
		}
		if i < len(vectors) && vectors[i] != nil {
			r.Vector = vectors[i].ContentAsFloat32()
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *ChromaStore) Delete(ctx context.Context, where Where) error {
	if len(where) == 0 {
		return fmt.Errorf("chroma delete requires a filter")
	}
	if err := s.collection.Delete(ctx, chromago.WithWhereDelete(toChromaWhere(where))); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *ChromaStore) Count(ctx context.Context, where Where) (int, error) {
	if len(where) == 0 {
		n, err := s.collection.Count(ctx)
		if err != nil {
			return 0, unavailable("count", err)
		}
		return n, nil
	}
	res, err := s.collection.Get(ctx,
		chromago.WithWhereGet(toChromaWhere(where)),
		chromago.WithIncludeGet(chromago.IncludeMetadatas),
	)
	if err != nil {
		return 0, unavailable("get", err)
	}
	return len(res.GetIDs()), nil
}

func (s *ChromaStore) Ping(ctx context.Context) error {
	if err := s.client.Heartbeat(ctx); err != nil {
		return unavailable("heartbeat", err)
	}
	return nil
}

func (s *ChromaStore) Close() error {
	return s.client.Close()
}

func toChromaWhere(where Where) chromago.WhereFilter {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]chromago.WhereClause, 0, len(keys))
	for _, k := range keys {
		clauses = append(clauses, chromago.EqString(k, where[k]))
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return chromago.And(clauses...)
}

func toChromaMetadata(md map[string]interface{}) chromago.DocumentMetadata {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]*chromago.MetaAttribute, 0, len(keys))
	for _, k := range keys {
		switch v := md[k].(type) {
		case string:
			attrs = append(attrs, chromago.NewStringAttribute(k, v))
		case bool:
			attrs = append(attrs, chromago.NewBoolAttribute(k, v))
		case int:
			attrs = append(attrs, chromago.NewIntAttribute(k, int64(v)))
		case int64:
			attrs = append(attrs, chromago.NewIntAttribute(k, v))
		case float64:
			attrs = append(attrs, chromago.NewFloatAttribute(k, v))
		default:
			attrs = append(attrs, chromago.NewStringAttribute(k, fmt.Sprint(v)))
		}
	}
	return chromago.NewDocumentMetadata(attrs...)
}

// fromChromaMetadata goes through JSON since DocumentMetadata exposes no map accessor.
func fromChromaMetadata(md chromago.DocumentMetadata) map[string]interface{} {
	out := make(map[string]interface{})
	if md == nil {
		return out
	}
	raw, err := json.Marshal(md)
	if err != nil {
		log.Printf("chroma metadata marshal failed: %v", err)
		return out
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		log.Printf("chroma metadata unmarshal failed: %v", err)
		return out
	}
	// keep integer attributes integral so a Get then Add round trip is lossless
	for k, v := range out {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			out[k] = i
		} else if f, err := n.Float64(); err == nil {
			out[k] = f
		}
	}
	return out
}
