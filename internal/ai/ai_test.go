package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

type scriptedEmbedder struct {
	mu    sync.Mutex
	errs  []error
	vec   []float32
	calls int
}

func (s *scriptedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.vec, nil
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req["model"])
		assert.Equal(t, "hello", req["prompt"])
		_, _ = w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	}))
	defer srv.Close()

	vec, err := NewOllamaEmbedder(srv.URL+"/", "nomic-embed-text").Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaEmbedder_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaEmbedder(srv.URL, "missing").Embed(context.Background(), "hello")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestEmbeddingGenerator_RetriesThenSucceeds(t *testing.T) {
	p := &scriptedEmbedder{
		errs: []error{&StatusError{Code: 503}, errors.New("connection reset")},
		vec:  []float32{1, 2},
	}
	g := NewEmbeddingGenerator(p, EmbeddingOptions{MaxRetries: 3})
	g.sleep = noSleep

	vec, err := g.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, 2, g.Dimension())
}

func TestEmbeddingGenerator_ExhaustedRetries(t *testing.T) {
	p := &scriptedEmbedder{errs: []error{
		&StatusError{Code: 500}, &StatusError{Code: 500}, &StatusError{Code: 500}, &StatusError{Code: 500},
	}}
	var waits []time.Duration
	g := NewEmbeddingGenerator(p, EmbeddingOptions{MaxRetries: 2, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 15 * time.Millisecond})
	g.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := g.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}, waits)
}

func TestEmbeddingGenerator_ClientErrorIsNotRetried(t *testing.T) {
	p := &scriptedEmbedder{errs: []error{&StatusError{Code: 400}}}
	g := NewEmbeddingGenerator(p, EmbeddingOptions{MaxRetries: 5})
	g.sleep = noSleep

	_, err := g.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Equal(t, 1, p.calls)
}

func TestEmbeddingGenerator_EmptyInput(t *testing.T) {
	p := &scriptedEmbedder{vec: []float32{1}}
	g := NewEmbeddingGenerator(p, EmbeddingOptions{})
	_, err := g.Embed(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 0, p.calls)
}

func TestEmbeddingGenerator_DimensionMismatch(t *testing.T) {
	p := &scriptedEmbedder{vec: []float32{1, 2, 3}}
	g := NewEmbeddingGenerator(p, EmbeddingOptions{})
	_, err := g.Embed(context.Background(), "a")
	require.NoError(t, err)

	p.vec = []float32{1, 2}
	_, err = g.Embed(context.Background(), "b")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestEmbeddingGenerator_UnreachableService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	g := NewEmbeddingGenerator(NewOllamaEmbedder(url, "m"), EmbeddingOptions{MaxRetries: 1, Timeout: time.Second})
	g.sleep = noSleep
	_, err := g.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]float32
}

func (c *mapCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = vec
	return nil
}

func TestCachingEmbedder(t *testing.T) {
	p := &scriptedEmbedder{vec: []float32{0.5}}
	e := NewCachingEmbedder(p, &mapCache{data: map[string][]float32{}}, "m")

	for i := 0; i < 3; i++ {
		vec, err := e.Embed(context.Background(), "same question")
		require.NoError(t, err)
		assert.Equal(t, []float32{0.5}, vec)
	}
	assert.Equal(t, 1, p.calls)

	_, err := e.Embed(context.Background(), "other question")
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]float32, bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingCache) Set(context.Context, string, []float32) error {
	return errors.New("redis down")
}

func TestCachingEmbedder_CacheFailureFallsThrough(t *testing.T) {
	p := &scriptedEmbedder{vec: []float32{0.5}}
	e := NewCachingEmbedder(p, failingCache{}, "m")

	for i := 0; i < 2; i++ {
		vec, err := e.Embed(context.Background(), "q")
		require.NoError(t, err)
		assert.Equal(t, []float32{0.5}, vec)
	}
	assert.Equal(t, 2, p.calls)
}

func TestCachingEmbedder_NamespacesKeys(t *testing.T) {
	cache := &mapCache{data: map[string][]float32{}}
	p := &scriptedEmbedder{vec: []float32{1}}

	_, err := NewCachingEmbedder(p, cache, "nomic").Embed(context.Background(), "q")
	require.NoError(t, err)
	_, err = NewCachingEmbedder(p, cache, "minilm").Embed(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, 2, p.calls)
	assert.Len(t, cache.data, 2)
}

func ndjsonServer(t *testing.T, lines []string, gotReq *GenerateRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		if gotReq != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(gotReq))
		}
		flusher := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			flusher.Flush()
		}
	}))
}

func TestOllamaClient_Stream(t *testing.T) {
	var req GenerateRequest
	srv := ndjsonServer(t, []string{
		`{"response":"Hel","done":false}`,
		`{"response":"lo","done":false}`,
		`{"response":"","done":true,"total_duration":12}`,
	}, &req)
	defer srv.Close()

	var got []GenerateChunk
	err := NewOllamaClient(srv.URL, "llama3").Stream(context.Background(), GenerateRequest{Prompt: "hi"}, func(c GenerateChunk) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, req.Stream)
	assert.Equal(t, "llama3", req.Model)
	assert.Equal(t, "hi", req.Prompt)

	require.Len(t, got, 3)
	assert.Equal(t, "Hel", got[0].Response)
	assert.True(t, got[2].Done)
	assert.JSONEq(t, `{"response":"","done":true,"total_duration":12}`, string(got[2].Raw))
}

func TestOllamaClient_StreamTruncated(t *testing.T) {
	srv := ndjsonServer(t, []string{`{"response":"partial","done":false}`}, nil)
	defer srv.Close()

	err := NewOllamaClient(srv.URL, "m").Stream(context.Background(), GenerateRequest{Prompt: "hi"}, func(GenerateChunk) error { return nil })
	assert.ErrorIs(t, err, ErrStreamTruncated)
}

func TestOllamaClient_StreamErrorLine(t *testing.T) {
	srv := ndjsonServer(t, []string{`{"error":"model crashed"}`}, nil)
	defer srv.Close()

	err := NewOllamaClient(srv.URL, "m").Stream(context.Background(), GenerateRequest{Prompt: "hi"}, func(GenerateChunk) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")
}

func TestOllamaClient_CallbackErrorStopsStream(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"response":"a","done":false}`,
		`{"response":"b","done":false}`,
		`{"response":"","done":true}`,
	}, nil)
	defer srv.Close()

	stop := errors.New("stop")
	var n int32
	err := NewOllamaClient(srv.URL, "m").Stream(context.Background(), GenerateRequest{Prompt: "hi"}, func(GenerateChunk) error {
		atomic.AddInt32(&n, 1)
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, int32(1), n)
}

func TestOllamaClient_CompleteMatchesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if !req.Stream {
			_, _ = w.Write([]byte(`{"response":"Hello world","done":true}`))
			return
		}
		for _, part := range []string{"Hello", " ", "world"} {
			b, _ := json.Marshal(GenerateChunk{Response: part})
			fmt.Fprintln(w, string(b))
		}
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "m")
	full, err := c.Complete(context.Background(), GenerateRequest{Prompt: "q"})
	require.NoError(t, err)
	assert.True(t, full.Done)

	var b strings.Builder
	require.NoError(t, c.Stream(context.Background(), GenerateRequest{Prompt: "q"}, func(ch GenerateChunk) error {
		b.WriteString(ch.Response)
		return nil
	}))
	assert.Equal(t, full.Response, b.String())
}

func TestOllamaClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "m").Complete(context.Background(), GenerateRequest{Prompt: "q"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 500, se.Code)
}

func TestVisionOCR(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req GenerateRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, "llava", req.Model)
		assert.False(t, req.Stream)
		assert.Len(t, req.Images, 1)
		_, _ = w.Write([]byte(`{"response":"  INVOICE 42\n","done":true}`))
	}))
	defer srv.Close()

	text, err := NewVisionOCR(NewOllamaClient(srv.URL, "llama3"), "llava", 0).Recognize(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "INVOICE 42", text)
}

func TestOpenAIGenerator_StreamReframesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["stream"] != true {
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"Hello world"},"finish_reason":"stop"}]}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hello", " world"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(srv.URL+"/v1", "sk-test", "m")
	var got []GenerateChunk
	require.NoError(t, g.Stream(context.Background(), GenerateRequest{Prompt: "hi"}, func(c GenerateChunk) error {
		got = append(got, c)
		return nil
	}))
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"response":"Hello","done":false}`, string(got[0].Raw))
	assert.True(t, got[2].Done)

	full, err := g.Complete(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, got[0].Response+got[1].Response, full.Response)
}
