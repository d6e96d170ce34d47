package ai

import (
	"context"
	"log"

	"gopherrag/internal/pkg/fingerprint"
)

// VectorCache stores embeddings by key.
type VectorCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
}

// CachingEmbedder serves repeated texts from a cache. Cache errors are logged
// and never fail the call.
type CachingEmbedder struct {
	next      Embedder
	cache     VectorCache
	namespace string
}

func NewCachingEmbedder(next Embedder, cache VectorCache, namespace string) *CachingEmbedder {
	return &CachingEmbedder{next: next, cache: cache, namespace: namespace}
}

func (e *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.namespace + ":" + fingerprint.Sum([]byte(text))
	if vec, ok, err := e.cache.Get(ctx, key); err != nil {
		log.Printf("embedding cache get failed: %v", err)
	} else if ok {
		return vec, nil
	}

	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, key, vec); err != nil {
		log.Printf("embedding cache set failed: %v", err)
	}
	return vec, nil
}
