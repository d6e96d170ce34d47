package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// OpenAIGenerator drives an OpenAI-compatible chat endpoint and reframes its
// output as /api/generate chunks, so callers see one stream format.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIGenerator(baseURL, apiKey, model string) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (g *OpenAIGenerator) Model() string {
	return g.model
}

func (g *OpenAIGenerator) request(req GenerateRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = g.model
	}
	return openai.ChatCompletionRequest{
		Model:    model,
		Stream:   stream,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: req.Prompt}},
	}
}

func (g *OpenAIGenerator) Complete(ctx context.Context, req GenerateRequest) (GenerateChunk, error) {
	rsp, err := g.client.CreateChatCompletion(ctx, g.request(req, false))
	if err != nil {
		return GenerateChunk{}, fmt.Errorf("llm request failed: %w", err)
	}
	if len(rsp.Choices) == 0 {
		return GenerateChunk{}, errors.New("empty llm choices")
	}
	return frame(rsp.Choices[0].Message.Content, true), nil
}

func (g *OpenAIGenerator) Stream(ctx context.Context, req GenerateRequest, onChunk func(GenerateChunk) error) error {
	stream, err := g.client.CreateChatCompletionStream(ctx, g.request(req, true))
	if err != nil {
		return fmt.Errorf("llm stream request failed: %w", err)
	}
	defer stream.Close()

	for {
		rsp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return onChunk(frame("", true))
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("scan llm stream failed: %w", err)
		}
		if len(rsp.Choices) == 0 || rsp.Choices[0].Delta.Content == "" {
			continue
		}
		if err := onChunk(frame(rsp.Choices[0].Delta.Content, false)); err != nil {
			return err
		}
	}
}

func (g *OpenAIGenerator) Ping(ctx context.Context) error {
	if _, err := g.client.ListModels(ctx); err != nil {
		return fmt.Errorf("llm unreachable: %w", err)
	}
	return nil
}

func frame(text string, done bool) GenerateChunk {
	chunk := GenerateChunk{Response: text, Done: done}
	chunk.Raw, _ = json.Marshal(chunk)
	return chunk
}
