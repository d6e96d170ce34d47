package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gopherrag/internal/ai"
	"gopherrag/internal/app"
	"gopherrag/internal/metadata"
	"gopherrag/internal/model"
	"gopherrag/internal/parser"
	"gopherrag/internal/transport/http/response"
	"gopherrag/internal/vectorstore"
)

type Ingester interface {
	Ingest(ctx context.Context, in app.IngestInput) app.IngestResult
	Delete(ctx context.Context, fingerprint string) (int, error)
	ListDocuments(limit, offset int) ([]model.Document, error)
}

type JobEnqueuer interface {
	PublishJob(ctx context.Context, job model.IngestJob) error
}

type DocumentHandler struct {
	ingester       Ingester
	jobs           JobEnqueuer
	maxUploadBytes int64
	skipDuplicates bool
}

type EnqueueRequest struct {
	Path           string   `json:"path" binding:"required"`
	Strategy       string   `json:"strategy"`
	SkipDuplicates *bool    `json:"skip_duplicates"`
	Tags           []string `json:"tags"`
}

// NewDocumentHandler builds the document endpoints. jobs may be nil, in which
// case async enqueueing answers 503.
func NewDocumentHandler(ingester Ingester, jobs JobEnqueuer, maxUploadMB int, skipDuplicates bool) *DocumentHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	return &DocumentHandler{
		ingester:       ingester,
		jobs:           jobs,
		maxUploadBytes: int64(maxUploadMB) << 20,
		skipDuplicates: skipDuplicates,
	}
}

func (h *DocumentHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}
	if file.Size > h.maxUploadBytes {
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeBadRequest, "file too large")
		return
	}

	skip := h.skipDuplicates
	if raw := c.PostForm("skip_duplicates"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid skip_duplicates")
			return
		}
		skip = parsed
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeBadRequest, "file too large")
		return
	}

	res := h.ingester.Ingest(c.Request.Context(), app.IngestInput{
		Data:           data,
		Filename:       file.Filename,
		Strategy:       c.PostForm("strategy"),
		SkipDuplicates: skip,
		Tags:           metadata.SplitTags(c.PostForm("tags")),
	})
	if res.Status == app.StatusFailed {
		status, code := ingestErrorStatus(res.Err)
		response.ErrorWithData(c, status, code, res.Message, res)
		return
	}
	response.OK(c, res)
}

func (h *DocumentHandler) List(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	docs, err := h.ingester.ListDocuments(limit, offset)
	if err != nil {
		if errors.Is(err, app.ErrRegistryUnavailable) {
			response.Error(c, http.StatusServiceUnavailable, response.CodeUnavailable, err.Error())
			return
		}
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list documents failed")
		return
	}
	response.OK(c, docs)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	fp := strings.TrimSpace(c.Param("fingerprint"))
	removed, err := h.ingester.Delete(c.Request.Context(), fp)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid fingerprint")
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		case errors.Is(err, vectorstore.ErrUnavailable):
			response.Error(c, http.StatusServiceUnavailable, response.CodeUnavailable, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "delete document failed")
		}
		return
	}
	response.OK(c, gin.H{"fingerprint": fp, "chunks_deleted": removed})
}

func (h *DocumentHandler) Enqueue(c *gin.Context) {
	if h.jobs == nil {
		response.Error(c, http.StatusServiceUnavailable, response.CodeUnavailable, "job queue not configured")
		return
	}

	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	if !parser.Supported(req.Path) {
		response.Error(c, http.StatusUnsupportedMediaType, response.CodeUnsupportedFormat, "unsupported format")
		return
	}

	job := model.IngestJob{
		ID:             uuid.NewString(),
		Path:           req.Path,
		Strategy:       req.Strategy,
		SkipDuplicates: h.skipDuplicates,
		Tags:           req.Tags,
		EnqueuedAt:     time.Now(),
	}
	if req.SkipDuplicates != nil {
		job.SkipDuplicates = *req.SkipDuplicates
	}
	if err := h.jobs.PublishJob(c.Request.Context(), job); err != nil {
		response.Error(c, http.StatusServiceUnavailable, response.CodeUnavailable, "enqueue job failed")
		return
	}
	c.JSON(http.StatusAccepted, response.APIResponse{Code: response.CodeOK, Message: "queued", Data: job})
}

func ingestErrorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, parser.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, response.CodeUnsupportedFormat
	case errors.Is(err, app.ErrInvalidInput):
		return http.StatusBadRequest, response.CodeBadRequest
	case errors.Is(err, app.ErrEmptyDocument):
		return http.StatusUnprocessableEntity, response.CodeEmptyDocument
	case errors.Is(err, parser.ErrParseFailure):
		return http.StatusUnprocessableEntity, response.CodeUnprocessable
	case errors.Is(err, ai.ErrEmbeddingUnavailable), errors.Is(err, vectorstore.ErrUnavailable):
		return http.StatusServiceUnavailable, response.CodeUnavailable
	default:
		return http.StatusInternalServerError, response.CodeInternalServer
	}
}
