package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gin-gonic/gin"

	"gopherrag/internal/ai"
	"gopherrag/internal/app"
	"gopherrag/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeIngester struct {
	mu      sync.Mutex
	inputs  []app.IngestInput
	result  app.IngestResult
	deleted int
	delErr  error
	docs    []model.Document
	listErr error
}

func (f *fakeIngester) Ingest(_ context.Context, in app.IngestInput) app.IngestResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	res := f.result
	res.Filename = in.Filename
	return res
}

func (f *fakeIngester) Delete(context.Context, string) (int, error) {
	return f.deleted, f.delErr
}

func (f *fakeIngester) ListDocuments(int, int) ([]model.Document, error) {
	return f.docs, f.listErr
}

type fakeJobs struct {
	jobs []model.IngestJob
	err  error
}

func (f *fakeJobs) PublishJob(_ context.Context, job model.IngestJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type staticRetriever struct {
	entries []app.ContextEntry
}

func (r staticRetriever) Retrieve(context.Context, string, int) []app.ContextEntry {
	return r.entries
}

// scriptedLLM replays fragments as Ollama-style NDJSON lines.
type scriptedLLM struct {
	fragments []string
	endErr    error
	pingErr   error
}

func line(text string, done bool) ai.GenerateChunk {
	c := ai.GenerateChunk{Response: text, Done: done}
	c.Raw, _ = json.Marshal(map[string]interface{}{"response": text, "done": done})
	return c
}

func (l *scriptedLLM) Complete(context.Context, ai.GenerateRequest) (ai.GenerateChunk, error) {
	if l.endErr != nil {
		return ai.GenerateChunk{}, l.endErr
	}
	text := ""
	for _, f := range l.fragments {
		text += f
	}
	return line(text, true), nil
}

func (l *scriptedLLM) Stream(_ context.Context, _ ai.GenerateRequest, onChunk func(ai.GenerateChunk) error) error {
	for _, f := range l.fragments {
		if err := onChunk(line(f, false)); err != nil {
			return err
		}
	}
	if l.endErr != nil {
		return l.endErr
	}
	return onChunk(line("", true))
}

func (l *scriptedLLM) Model() string { return "test-model" }

func (l *scriptedLLM) Ping(context.Context) error { return l.pingErr }

var errUpstream = errors.New("upstream reset")
