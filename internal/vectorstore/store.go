package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnavailable = errors.New("vector store unavailable")

// Record is one chunk to persist: id, vector, text and flat metadata.
// Metadata values must be string, bool, int, int64 or float64.
type Record struct {
	ID       string
	Vector   []float32
	Document string
	Metadata map[string]interface{}
}

// Match is one nearest neighbour. Lower Distance is closer.
type Match struct {
	ID       string
	Document string
	Metadata map[string]interface{}
	Distance float64
}

// Where is an equality filter on string metadata; all pairs must match.
type Where map[string]string

// Store is the narrow interface the pipelines use.
type Store interface {
	Add(ctx context.Context, records []Record) error
	// Query returns up to topK matches, closest first.
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
	// Get returns every record matching where, vectors included.
	Get(ctx context.Context, where Where) ([]Record, error)
	Delete(ctx context.Context, where Where) error
	Count(ctx context.Context, where Where) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
