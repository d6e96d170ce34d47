package app

import (
	"context"
	"log"
	"strings"

	"gopherrag/internal/ai"
	"gopherrag/internal/vectorstore"
)

// ContextEntry is one ranked chunk handed to the prompt.
type ContextEntry struct {
	ID          string                 `json:"id"`
	Text        string                 `json:"text"`
	Fingerprint string                 `json:"fingerprint"`
	Filename    string                 `json:"filename"`
	ChunkIndex  int                    `json:"chunk_index"`
	Distance    float64                `json:"distance"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type RetrievalService struct {
	embedder    ai.Embedder
	store       vectorstore.Store
	defaultTopK int
}

func NewRetrievalService(embedder ai.Embedder, store vectorstore.Store, defaultTopK int) *RetrievalService {
	if defaultTopK <= 0 {
		defaultTopK = 4
	}
	return &RetrievalService{
		embedder:    embedder,
		store:       store,
		defaultTopK: defaultTopK,
	}
}

// Retrieve returns up to topK chunks closest to query, in store rank order.
// Embedding or store failures are logged and yield an empty result.
func (s *RetrievalService) Retrieve(ctx context.Context, query string, topK int) []ContextEntry {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if topK <= 0 {
		topK = s.defaultTopK
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("retrieve: embed query failed, answering without context: %v", err)
		return nil
	}
	matches, err := s.store.Query(ctx, vec, topK)
	if err != nil {
		log.Printf("retrieve: vector query failed, answering without context: %v", err)
		return nil
	}

	entries := make([]ContextEntry, 0, len(matches))
	for _, m := range matches {
		entries = append(entries, ContextEntry{
			ID:          m.ID,
			Text:        m.Document,
			Fingerprint: metaString(m.Metadata, "fingerprint"),
			Filename:    metaString(m.Metadata, "source_filename"),
			ChunkIndex:  metaInt(m.Metadata, "chunk_index"),
			Distance:    m.Distance,
			Metadata:    m.Metadata,
		})
	}
	return entries
}

func metaString(md map[string]interface{}, key string) string {
	if v, ok := md[key].(string); ok {
		return v
	}
	return ""
}

// metaInt accepts the numeric types stores hand back after a JSON round trip.
func metaInt(md map[string]interface{}, key string) int {
	switch v := md[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return 0
}
