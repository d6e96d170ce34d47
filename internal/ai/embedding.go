package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	ErrEmptyInput           = errors.New("embedding input is empty")
	ErrDimensionMismatch    = errors.New("embedding dimension changed")
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// StatusError is a non-2xx answer from an upstream HTTP service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// OllamaEmbedder calls the Ollama /api/embeddings endpoint.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	bodyBytes, err := json.Marshal(map[string]string{
		"model":  e.model,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build embedding request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse embedding json failed: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding in response")
	}
	return parsed.Embedding, nil
}

type EmbeddingOptions struct {
	Timeout           time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64
}

// EmbeddingGenerator wraps a provider with a per-attempt timeout, bounded
// retries with exponential backoff and an optional rate limit. Every vector
// it returns has the same length.
type EmbeddingGenerator struct {
	provider Embedder
	opts     EmbeddingOptions
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	dim int
}

func NewEmbeddingGenerator(provider Embedder, opts EmbeddingOptions) *EmbeddingGenerator {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	g := &EmbeddingGenerator{
		provider: provider,
		opts:     opts,
		sleep:    sleepContext,
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return g
}

// Dimension returns the vector length seen so far, or 0.
func (g *EmbeddingGenerator) Dimension() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dim
}

func (g *EmbeddingGenerator) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	var lastErr error
	backoff := g.opts.InitialBackoff
	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, backoff); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
			}
			backoff *= 2
			if backoff > g.opts.MaxBackoff {
				backoff = g.opts.MaxBackoff
			}
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		vec, err := g.provider.Embed(attemptCtx, text)
		cancel()
		if err == nil {
			if err := g.checkDimension(len(vec)); err != nil {
				return nil, err
			}
			return vec, nil
		}

		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		log.Printf("embedding attempt %d/%d failed: %v", attempt+1, g.opts.MaxRetries+1, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, lastErr)
}

func (g *EmbeddingGenerator) checkDimension(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dim == 0 {
		g.dim = n
		return nil
	}
	if n != g.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, n, g.dim)
	}
	return nil
}

// retryable reports whether another attempt could succeed. Client errors
// other than 429 will not.
func retryable(err error) bool {
	if code, ok := statusCode(err); ok {
		return code == http.StatusTooManyRequests || code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !errors.Is(err, ErrEmptyInput)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
