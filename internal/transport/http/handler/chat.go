package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gopherrag/internal/app"
	"gopherrag/internal/transport/http/response"
)

type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) []app.ContextEntry
}

type Generator interface {
	Answer(ctx context.Context, req app.ChatRequest) (*app.AnswerResult, error)
	Stream(ctx context.Context, req app.ChatRequest) (*app.Session, <-chan app.Event, error)
}

type ChatHandler struct {
	retriever Retriever
	generator Generator
}

type RetrieveRequest struct {
	Query string `json:"query" binding:"required"`
	TopK  int    `json:"top_k" binding:"gte=0"`
}

type ChatRequest struct {
	Question string `json:"question" binding:"required"`
	Mode     string `json:"mode"`
	TopK     int    `json:"top_k" binding:"gte=0"`
}

type streamLine struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Done     bool   `json:"done"`
}

func NewChatHandler(retriever Retriever, generator Generator) *ChatHandler {
	return &ChatHandler{retriever: retriever, generator: generator}
}

func (h *ChatHandler) Retrieve(c *gin.Context) {
	var req RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	entries := h.retriever.Retrieve(c.Request.Context(), req.Query, req.TopK)
	if entries == nil {
		entries = []app.ContextEntry{}
	}
	response.OK(c, entries)
}

func (h *ChatHandler) Answer(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.generator.Answer(c.Request.Context(), app.ChatRequest{
		Question: req.Question,
		Mode:     req.Mode,
		TopK:     req.TopK,
	})
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput), errors.Is(err, app.ErrUnknownMode):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrGenerationCancelled):
			response.Error(c, http.StatusServiceUnavailable, response.CodeUnavailable, err.Error())
		default:
			response.Error(c, http.StatusBadGateway, response.CodeUnavailable, err.Error())
		}
		return
	}
	response.OK(c, result)
}

// Stream writes the generation as NDJSON, one upstream frame per line. A
// client disconnect cancels the session.
func (h *ChatHandler) Stream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	sess, events, err := h.generator.Stream(c.Request.Context(), app.ChatRequest{
		Question: req.Question,
		Mode:     req.Mode,
		TopK:     req.TopK,
	})
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Session-ID", sess.ID)
	c.Status(http.StatusOK)
	flusher.Flush()

	gone := c.Request.Context().Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(c, ev); err != nil {
				sess.Cancel()
				drain(events)
				return
			}
			flusher.Flush()
		case <-gone:
			sess.Cancel()
			drain(events)
			return
		}
	}
}

func writeEvent(c *gin.Context, ev app.Event) error {
	var line []byte
	switch ev.Type {
	case app.EventFragment, app.EventDone:
		line = bytes.TrimSpace(ev.Raw)
		if len(line) == 0 {
			line, _ = json.Marshal(streamLine{Response: ev.Text, Done: ev.Type == app.EventDone})
		}
	default:
		msg := "generation failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		line, _ = json.Marshal(streamLine{Error: msg})
	}
	if _, err := c.Writer.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func drain(events <-chan app.Event) {
	for range events {
	}
}
