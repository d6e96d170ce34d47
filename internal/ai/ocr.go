package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"gopherrag/internal/vision"
)

const ocrPrompt = "Transcribe all text visible in this image exactly as written. " +
	"Keep line breaks and table rows. Output only the transcribed text."

// VisionOCR transcribes images with a vision-capable model served by Ollama.
type VisionOCR struct {
	client  *OllamaClient
	model   string
	maxSide int
}

func NewVisionOCR(client *OllamaClient, model string, maxSide int) *VisionOCR {
	return &VisionOCR{client: client, model: model, maxSide: maxSide}
}

func (o *VisionOCR) Recognize(ctx context.Context, image []byte) (string, error) {
	prepared, err := vision.PrepareForOCR(image, o.maxSide)
	if err != nil {
		return "", err
	}
	chunk, err := o.client.Complete(ctx, GenerateRequest{
		Model:   o.model,
		Prompt:  ocrPrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(prepared)},
		Options: map[string]interface{}{"temperature": 0},
	})
	if err != nil {
		return "", fmt.Errorf("ocr request failed: %w", err)
	}
	return strings.TrimSpace(chunk.Response), nil
}
