package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gopherrag/internal/ai"
	"gopherrag/internal/model"
)

type State string

const (
	StateIdle            State = "idle"
	StatePromptAssembled State = "prompt_assembled"
	StateGenerating      State = "generating"
	StateCompleted       State = "completed"
	StateCancelled       State = "cancelled"
	StateFailed          State = "failed"
)

type EventType string

const (
	EventFragment  EventType = "fragment"
	EventDone      EventType = "done"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// Event is one item of a generation stream. Raw is the upstream NDJSON line
// for fragment and done events.
type Event struct {
	Type EventType
	Text string
	Raw  []byte
	Err  error
}

// Generator is the slice of the LLM client the controller drives.
type Generator interface {
	Complete(ctx context.Context, req ai.GenerateRequest) (ai.GenerateChunk, error)
	Stream(ctx context.Context, req ai.GenerateRequest, onChunk func(ai.GenerateChunk) error) error
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) []ContextEntry
}

// TurnPublisher hands finished turns to whatever persists conversations.
type TurnPublisher interface {
	PublishTurn(ctx context.Context, turn model.TurnRecord) error
}

type ChatRequest struct {
	Question string
	Mode     string
	TopK     int
}

type AnswerResult struct {
	SessionID string         `json:"session_id"`
	Mode      Mode           `json:"mode"`
	Answer    string         `json:"answer"`
	Sources   []ContextEntry `json:"sources"`
}

type GenerationConfig struct {
	Model       string
	DefaultMode string
	TopK        int
	Timeout     time.Duration
}

type GenerationService struct {
	llm       Generator
	retriever Retriever
	publisher TurnPublisher
	cfg       GenerationConfig
}

// NewGenerationService builds the controller. publisher may be nil.
func NewGenerationService(llm Generator, retriever Retriever, publisher TurnPublisher, cfg GenerationConfig) (*GenerationService, error) {
	if _, err := ParseMode(cfg.DefaultMode); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &GenerationService{
		llm:       llm,
		retriever: retriever,
		publisher: publisher,
		cfg:       cfg,
	}, nil
}

// Session is the state of one generation request.
type Session struct {
	ID        string
	Mode      Mode
	Question  string
	Prompt    string
	Sources   []ContextEntry
	StartedAt time.Time

	mu        sync.Mutex
	state     State
	text      strings.Builder
	err       error
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text is the cumulative text forwarded so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel aborts generation. Once it returns no further fragment is sent.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	// wait out a fragment send that is already in progress
	s.mu.Lock()
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *GenerationService) prepare(ctx context.Context, req ChatRequest) (*Session, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is empty", ErrInvalidInput)
	}
	raw := req.Mode
	if strings.TrimSpace(raw) == "" {
		raw = s.cfg.DefaultMode
	}
	mode, err := ParseMode(raw)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		Question:  question,
		StartedAt: time.Now(),
		state:     StateIdle,
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if s.retriever != nil {
		sess.Sources = s.retriever.Retrieve(ctx, question, topK)
	}
	sess.Prompt = BuildPrompt(mode, sess.Sources, question)
	sess.setState(StatePromptAssembled)
	return sess, nil
}

// Stream starts a streaming generation. Events arrive in upstream order and
// the channel is closed after exactly one terminal event (done, error or
// cancelled). Callers must read until the channel is closed.
func (s *GenerationService) Stream(ctx context.Context, req ChatRequest) (*Session, <-chan Event, error) {
	sess, err := s.prepare(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	sess.cancel = cancel
	events := make(chan Event)

	go func() {
		defer close(events)
		defer cancel()

		sess.setState(StateGenerating)
		var doneRaw []byte
		err := s.llm.Stream(genCtx, ai.GenerateRequest{Model: s.cfg.Model, Prompt: sess.Prompt}, func(ch ai.GenerateChunk) error {
			if ch.Done {
				if sess.cancelled.Load() {
					return context.Canceled
				}
				doneRaw = ch.Raw
				return nil
			}
			return sess.forward(genCtx, events, ch)
		})

		terminal := sess.finish(ctx, err, doneRaw)
		s.publish(ctx, sess)
		events <- terminal
	}()

	return sess, events, nil
}

// forward sends one fragment unless the session was cancelled. The session
// lock is held across the send so Cancel cannot return mid-send.
func (s *Session) forward(ctx context.Context, events chan<- Event, ch ai.GenerateChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled.Load() {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case events <- Event{Type: EventFragment, Text: ch.Response, Raw: ch.Raw}:
		s.text.WriteString(ch.Response)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) finish(parent context.Context, err error, doneRaw []byte) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A cancelled session never reports done, even if the upstream finished.
	switch {
	case s.cancelled.Load() || errors.Is(parent.Err(), context.Canceled):
		s.state = StateCancelled
		s.err = ErrGenerationCancelled
		return Event{Type: EventCancelled, Err: ErrGenerationCancelled}
	case err == nil:
		s.state = StateCompleted
		return Event{Type: EventDone, Raw: doneRaw}
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("generation timed out: %w", err)
		}
		s.state = StateFailed
		s.err = fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		return Event{Type: EventError, Err: s.err}
	}
}

// Answer runs a non-streaming generation for the same prompt Stream would build.
func (s *GenerationService) Answer(ctx context.Context, req ChatRequest) (*AnswerResult, error) {
	sess, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	sess.setState(StateGenerating)
	chunk, err := s.llm.Complete(genCtx, ai.GenerateRequest{Model: s.cfg.Model, Prompt: sess.Prompt})
	if err == nil {
		sess.mu.Lock()
		sess.text.WriteString(chunk.Response)
		sess.mu.Unlock()
	}
	sess.finish(ctx, err, chunk.Raw)
	s.publish(ctx, sess)
	if err := sess.Err(); err != nil {
		return nil, err
	}

	return &AnswerResult{
		SessionID: sess.ID,
		Mode:      sess.Mode,
		Answer:    sess.Text(),
		Sources:   sess.Sources,
	}, nil
}

func (s *GenerationService) publish(ctx context.Context, sess *Session) {
	if s.publisher == nil {
		return
	}
	turn := sess.turnRecord()
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := s.publisher.PublishTurn(pubCtx, turn); err != nil {
		log.Printf("publish turn %s failed: %v", sess.ID, err)
	}
}

func (s *Session) turnRecord() model.TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn := model.TurnRecord{
		SessionID:  s.ID,
		Mode:       string(s.Mode),
		Question:   s.Question,
		Answer:     s.text.String(),
		StartedAt:  s.StartedAt,
		FinishedAt: time.Now(),
	}
	switch s.state {
	case StateCompleted:
		turn.Status = model.TurnCompleted
	case StateCancelled:
		turn.Status = model.TurnCancelled
		turn.Partial = true
	default:
		turn.Status = model.TurnFailed
		turn.Partial = true
	}
	if s.err != nil {
		turn.Error = s.err.Error()
	}
	for _, src := range s.Sources {
		turn.Sources = append(turn.Sources, model.TurnSource{
			Fingerprint: src.Fingerprint,
			Filename:    src.Filename,
			ChunkIndex:  src.ChunkIndex,
			Distance:    src.Distance,
		})
	}
	return turn
}
