package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var ErrStreamTruncated = errors.New("generation stream ended without done")

type GenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Images  []string               `json:"images,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// GenerateChunk is one NDJSON line of /api/generate. Raw keeps the line as
// received so it can be forwarded unchanged.
type GenerateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`

	Raw []byte `json:"-"`
}

// OllamaClient talks to a local Ollama server. It sets no client timeout;
// callers bound each call with their context.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

func (c *OllamaClient) Model() string {
	return c.model
}

// Complete returns the whole completion in one non-streaming call.
func (c *OllamaClient) Complete(ctx context.Context, req GenerateRequest) (GenerateChunk, error) {
	req.Stream = false
	resp, err := c.post(ctx, req)
	if err != nil {
		return GenerateChunk{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateChunk{}, fmt.Errorf("read llm response failed: %w", err)
	}
	var chunk GenerateChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return GenerateChunk{}, fmt.Errorf("parse llm json failed: %w", err)
	}
	if chunk.Error != "" {
		return GenerateChunk{}, fmt.Errorf("llm error: %s", chunk.Error)
	}
	chunk.Raw = raw
	return chunk, nil
}

// Stream calls onChunk for every line in order, including the final done
// line. An error from onChunk stops reading and closes the connection.
func (c *OllamaClient) Stream(ctx context.Context, req GenerateRequest, onChunk func(GenerateChunk) error) error {
	req.Stream = true
	resp, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk GenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("parse llm stream line failed: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("llm error: %s", chunk.Error)
		}
		chunk.Raw = append([]byte(nil), line...)

		if err := onChunk(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan llm stream failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrStreamTruncated
}

// Ping checks that the server answers /api/tags.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (c *OllamaClient) post(ctx context.Context, req GenerateRequest) (*http.Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build llm request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}
