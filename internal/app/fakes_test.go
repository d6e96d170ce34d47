package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"gopherrag/internal/ai"
	"gopherrag/internal/model"
	"gopherrag/internal/vectorstore"
)

// letterEmbedder derives a deterministic 8-dim vector from text.
type letterEmbedder struct {
	calls atomic.Int32
	err   error
}

func (e *letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	vec := make([]float32, 8)
	for i, r := range text {
		vec[(int(r)+i)%8]++
	}
	return vec, nil
}

type memRegistry struct {
	mu      sync.Mutex
	docs    map[string]model.Document
	aliases map[string][]string
}

func newMemRegistry() *memRegistry {
	return &memRegistry{docs: map[string]model.Document{}, aliases: map[string][]string{}}
}

func (r *memRegistry) Upsert(doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.Fingerprint] = *doc
	return nil
}

func (r *memRegistry) GetByFingerprint(fp string) (*model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[fp]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (r *memRegistry) List(int, int) ([]model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Document
	for _, d := range r.docs {
		out = append(out, d)
	}
	return out, nil
}

func (r *memRegistry) AddAlias(fp, filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[fp] = append(r.aliases[fp], filename)
	return nil
}

func (r *memRegistry) DeleteByFingerprint(fp string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, fp)
	delete(r.aliases, fp)
	return nil
}

// halfAddStore writes the first record then fails, like a store dropping mid-batch.
type halfAddStore struct {
	*vectorstore.MemoryStore
}

func (s halfAddStore) Add(ctx context.Context, records []vectorstore.Record) error {
	if len(records) > 0 {
		if err := s.MemoryStore.Add(ctx, records[:1]); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: connection reset", vectorstore.ErrUnavailable)
}

// failingNthAddStore behaves like halfAddStore on Add call number failOn and
// passes every other call through.
type failingNthAddStore struct {
	*vectorstore.MemoryStore
	failOn int32
	calls  atomic.Int32
}

func (s *failingNthAddStore) Add(ctx context.Context, records []vectorstore.Record) error {
	if s.calls.Add(1) != s.failOn {
		return s.MemoryStore.Add(ctx, records)
	}
	return halfAddStore{s.MemoryStore}.Add(ctx, records)
}

type brokenStore struct {
	*vectorstore.MemoryStore
}

func (brokenStore) Query(context.Context, []float32, int) ([]vectorstore.Match, error) {
	return nil, fmt.Errorf("%w: refused", vectorstore.ErrUnavailable)
}

type fakeTagger struct{ tags []string }

func (f fakeTagger) Tags([]byte) ([]string, error) { return f.tags, nil }

type fakeOCR struct{ text string }

func (f fakeOCR) Recognize(context.Context, []byte) (string, error) { return f.text, nil }

// scriptedLLM streams fragments then a done line. When hold is set each
// fragment waits for a receive on hold or for the context to end. forever
// keeps producing tokN fragments after the script runs out.
type scriptedLLM struct {
	fragments []string
	endErr    error
	hold      chan struct{}
	forever   bool
}

func (l *scriptedLLM) Complete(ctx context.Context, _ ai.GenerateRequest) (ai.GenerateChunk, error) {
	if err := ctx.Err(); err != nil {
		return ai.GenerateChunk{}, err
	}
	if l.endErr != nil {
		return ai.GenerateChunk{}, l.endErr
	}
	var text string
	for _, f := range l.fragments {
		text += f
	}
	return ai.GenerateChunk{Response: text, Done: true}, nil
}

func (l *scriptedLLM) Stream(ctx context.Context, _ ai.GenerateRequest, onChunk func(ai.GenerateChunk) error) error {
	for i := 0; l.forever || i < len(l.fragments); i++ {
		if l.hold != nil {
			select {
			case <-l.hold:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		frag := fmt.Sprintf("tok%d ", i)
		if i < len(l.fragments) {
			frag = l.fragments[i]
		}
		raw := []byte(fmt.Sprintf(`{"response":%q,"done":false}`, frag))
		if err := onChunk(ai.GenerateChunk{Response: frag, Raw: raw}); err != nil {
			return err
		}
	}
	if l.endErr != nil {
		return l.endErr
	}
	return onChunk(ai.GenerateChunk{Done: true, Raw: []byte(`{"response":"","done":true}`)})
}

// doneAfterGateLLM emits one fragment, waits for gate to close without
// watching the context, then emits the done frame regardless of cancellation.
type doneAfterGateLLM struct {
	gate chan struct{}
}

func (l *doneAfterGateLLM) Complete(context.Context, ai.GenerateRequest) (ai.GenerateChunk, error) {
	<-l.gate
	return ai.GenerateChunk{Response: "late", Done: true}, nil
}

func (l *doneAfterGateLLM) Stream(_ context.Context, _ ai.GenerateRequest, onChunk func(ai.GenerateChunk) error) error {
	if err := onChunk(ai.GenerateChunk{Response: "first ", Raw: []byte(`{"response":"first ","done":false}`)}); err != nil {
		return err
	}
	<-l.gate
	return onChunk(ai.GenerateChunk{Done: true, Raw: []byte(`{"response":"","done":true}`)})
}

type recordingPublisher struct {
	mu    sync.Mutex
	turns []model.TurnRecord
}

func (p *recordingPublisher) PublishTurn(_ context.Context, turn model.TurnRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turn)
	return nil
}

func (p *recordingPublisher) last() model.TurnRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.turns) == 0 {
		return model.TurnRecord{}
	}
	return p.turns[len(p.turns)-1]
}

type staticRetriever struct{ entries []ContextEntry }

func (r staticRetriever) Retrieve(context.Context, string, int) []ContextEntry { return r.entries }
