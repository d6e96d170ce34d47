package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"gopherrag/internal/ai"
	"gopherrag/internal/chunker"
	"gopherrag/internal/metadata"
	"gopherrag/internal/model"
	"gopherrag/internal/parser"
	"gopherrag/internal/pkg/fingerprint"
	"gopherrag/internal/pkg/keylock"
	"gopherrag/internal/vectorstore"
)

type IngestStatus string

const (
	StatusSuccess IngestStatus = "success"
	StatusSkipped IngestStatus = "skipped"
	StatusFailed  IngestStatus = "failed"
)

// IngestResult is the outcome of one Ingest call. Exactly one status is set;
// Err carries the classified cause for failed results.
type IngestResult struct {
	Status        IngestStatus       `json:"status"`
	DocumentHash  string             `json:"document_hash,omitempty"`
	Filename      string             `json:"filename"`
	ChunksIndexed int                `json:"chunks_indexed"`
	TablesFound   int                `json:"tables_found"`
	Reason        string             `json:"reason,omitempty"`
	Message       string             `json:"message"`
	Metadata      *metadata.Metadata `json:"metadata,omitempty"`

	Err error `json:"-"`
}

type IngestInput struct {
	Data           []byte
	Filename       string
	Strategy       string
	SkipDuplicates bool
	Tags           []string
}

type DocumentParser interface {
	Parse(ctx context.Context, data []byte, filename string, strategy parser.Strategy) (*parser.Document, error)
}

type DocumentRegistry interface {
	Upsert(doc *model.Document) error
	GetByFingerprint(fingerprint string) (*model.Document, error)
	List(limit, offset int) ([]model.Document, error)
	AddAlias(fingerprint, filename string) error
	DeleteByFingerprint(fingerprint string) error
}

type ImageTagger interface {
	Tags(data []byte) ([]string, error)
}

type IngestionConfig struct {
	ChunkSize        int
	ChunkOverlap     int
	DefaultStrategy  string
	ParseWorkers     int
	EmbedConcurrency int
}

type IngestionService struct {
	parser   DocumentParser
	hasher   *fingerprint.Hasher
	chunker  *chunker.Chunker
	embedder ai.Embedder
	store    vectorstore.Store
	registry DocumentRegistry
	tagger   ImageTagger

	locks            *keylock.KeyLock
	parseSem         *semaphore.Weighted
	embedConcurrency int
	defaultStrategy  parser.Strategy
}

// NewIngestionService wires the pipeline. registry and tagger may be nil.
func NewIngestionService(
	p DocumentParser,
	hasher *fingerprint.Hasher,
	embedder ai.Embedder,
	store vectorstore.Store,
	registry DocumentRegistry,
	tagger ImageTagger,
	cfg IngestionConfig,
) (*IngestionService, error) {
	ch, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	strategy, err := parser.ParseStrategy(cfg.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	if cfg.ParseWorkers <= 0 {
		cfg.ParseWorkers = 2
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 4
	}
	return &IngestionService{
		parser:           p,
		hasher:           hasher,
		chunker:          ch,
		embedder:         embedder,
		store:            store,
		registry:         registry,
		tagger:           tagger,
		locks:            keylock.New(),
		parseSem:         semaphore.NewWeighted(int64(cfg.ParseWorkers)),
		embedConcurrency: cfg.EmbedConcurrency,
		defaultStrategy:  strategy,
	}, nil
}

// Ingest runs parse, chunk, embed and store for one file. Calls for the same
// content fingerprint run one at a time.
func (s *IngestionService) Ingest(ctx context.Context, in IngestInput) IngestResult {
	filename := filepath.Base(strings.TrimSpace(in.Filename))
	res := IngestResult{Filename: filename}
	if filename == "" || filename == "." {
		return failed(res, fmt.Errorf("%w: filename is required", ErrInvalidInput))
	}
	if !parser.Supported(filename) {
		return failed(res, &parser.ParseError{
			Filename: filename,
			Err:      fmt.Errorf("%w: .%s", parser.ErrUnsupportedFormat, parser.Extension(filename)),
		})
	}
	strategy := s.defaultStrategy
	if strings.TrimSpace(in.Strategy) != "" {
		parsed, err := parser.ParseStrategy(in.Strategy)
		if err != nil {
			return failed(res, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
		strategy = parsed
	}

	fp := s.hasher.Sum(in.Data)
	res.DocumentHash = fp

	unlock, err := s.locks.Lock(ctx, fp)
	if err != nil {
		return failed(res, err)
	}
	defer unlock()

	if in.SkipDuplicates {
		n, err := s.store.Count(ctx, vectorstore.Where{"fingerprint": fp})
		if err != nil {
			return failed(res, err)
		}
		if n > 0 {
			return s.skipped(res, n)
		}
	}

	if err := s.parseSem.Acquire(ctx, 1); err != nil {
		return failed(res, err)
	}
	doc, err := s.parser.Parse(ctx, in.Data, filename, strategy)
	s.parseSem.Release(1)
	if err != nil {
		return failed(res, err)
	}

	md := metadata.Extract(doc, filename, strategy, s.tagsFor(in, filename))
	res.Metadata = &md
	res.TablesFound = md.TablesFound

	chunks := s.chunker.Chunk(doc.Blocks)
	if len(chunks) == 0 {
		res = failed(res, ErrEmptyDocument)
		if md.Degraded {
			res.Message += " (" + md.DegradedReason + ")"
		}
		return res
	}

	vectors, err := s.embedAll(ctx, chunks)
	if err != nil {
		return failed(res, err)
	}

	where := vectorstore.Where{"fingerprint": fp}
	var previous []vectorstore.Record
	if !in.SkipDuplicates {
		previous, err = s.store.Get(ctx, where)
		if err != nil {
			return failed(res, err)
		}
		if err := s.store.Delete(ctx, where); err != nil {
			return failed(res, err)
		}
	}

	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorstore.Record{
			ID:       ChunkID(fp, c.Index),
			Vector:   vectors[i],
			Document: c.Text,
			Metadata: chunkMetadata(fp, md, c),
		}
	}
	if err := s.store.Add(ctx, records); err != nil {
		s.rollback(context.WithoutCancel(ctx), fp, previous)
		return failed(res, err)
	}

	s.register(fp, filename, md, len(chunks))

	res.Status = StatusSuccess
	res.ChunksIndexed = len(chunks)
	res.Message = fmt.Sprintf("indexed %d chunks from %s", len(chunks), filename)
	if md.Degraded {
		res.Message += " (degraded: " + md.DegradedReason + ")"
	}
	log.Printf("ingest %s fingerprint=%s chunks=%d tables=%d strategy=%s", filename, fp, len(chunks), md.TablesFound, md.Strategy)
	return res
}

// rollback drops a partially written chunk set and puts back the set it
// was replacing, if any.
func (s *IngestionService) rollback(ctx context.Context, fp string, previous []vectorstore.Record) {
	if err := s.store.Delete(ctx, vectorstore.Where{"fingerprint": fp}); err != nil {
		log.Printf("ingest cleanup %s failed: %v", fp, err)
		return
	}
	if len(previous) == 0 {
		return
	}
	if err := s.store.Add(ctx, previous); err != nil {
		log.Printf("ingest restore %s (%d chunks) failed: %v", fp, len(previous), err)
		return
	}
	log.Printf("ingest %s failed, restored previous %d chunks", fp, len(previous))
}

// Delete removes every chunk of fingerprint and its registry row.
func (s *IngestionService) Delete(ctx context.Context, fp string) (int, error) {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return 0, ErrInvalidInput
	}
	unlock, err := s.locks.Lock(ctx, fp)
	if err != nil {
		return 0, err
	}
	defer unlock()

	where := vectorstore.Where{"fingerprint": fp}
	n, err := s.store.Count(ctx, where)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrDocumentNotFound
	}
	if err := s.store.Delete(ctx, where); err != nil {
		return 0, err
	}
	if s.registry != nil {
		if err := s.registry.DeleteByFingerprint(fp); err != nil {
			log.Printf("registry delete %s failed: %v", fp, err)
		}
	}
	return n, nil
}

func (s *IngestionService) ListDocuments(limit, offset int) ([]model.Document, error) {
	if s.registry == nil {
		return nil, ErrRegistryUnavailable
	}
	return s.registry.List(limit, offset)
}

func (s *IngestionService) skipped(res IngestResult, existing int) IngestResult {
	res.Status = StatusSkipped
	res.ChunksIndexed = 0
	res.Message = fmt.Sprintf("content already indexed (%d chunks), skipped", existing)
	if s.registry == nil {
		return res
	}
	doc, err := s.registry.GetByFingerprint(res.DocumentHash)
	if err != nil {
		log.Printf("registry lookup %s failed: %v", res.DocumentHash, err)
		return res
	}
	if doc == nil {
		return res
	}
	res.TablesFound = doc.TablesFound
	if doc.Filename != res.Filename {
		if err := s.registry.AddAlias(res.DocumentHash, res.Filename); err != nil {
			log.Printf("registry alias %s failed: %v", res.DocumentHash, err)
		}
		res.Message = fmt.Sprintf("content already indexed as %s, recorded %s as alias", doc.Filename, res.Filename)
	}
	return res
}

func (s *IngestionService) tagsFor(in IngestInput, filename string) []string {
	tags := append([]string(nil), in.Tags...)
	if s.tagger == nil {
		return tags
	}
	switch parser.Extension(filename) {
	case "png", "jpg", "jpeg":
		imageTags, err := s.tagger.Tags(in.Data)
		if err != nil {
			log.Printf("image tagging %s failed: %v", filename, err)
			return tags
		}
		tags = append(tags, imageTags...)
	}
	return tags
}

// embedAll embeds chunks concurrently; vectors[i] belongs to chunks[i].
func (s *IngestionService) embedAll(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.embedConcurrency)
	for i := range chunks {
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, chunks[i].Text)
			if err != nil {
				return fmt.Errorf("embed chunk %d failed: %w", chunks[i].Index, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (s *IngestionService) register(fp, filename string, md metadata.Metadata, chunks int) {
	if s.registry == nil {
		return
	}
	doc := &model.Document{
		Fingerprint:   fp,
		Filename:      filename,
		Title:         md.Title,
		Extension:     md.Extension,
		Strategy:      md.Strategy,
		ChunksIndexed: chunks,
		TablesFound:   md.TablesFound,
		PageCount:     md.PageCount,
		Degraded:      md.Degraded,
		Tags:          strings.Join(md.Tags, ","),
	}
	if err := s.registry.Upsert(doc); err != nil {
		log.Printf("registry upsert %s failed: %v", fp, err)
	}
}

// ChunkID is the vector store id of chunk index of a document.
func ChunkID(fp string, index int) string {
	return fmt.Sprintf("%s:%d", fp, index)
}

func chunkMetadata(fp string, md metadata.Metadata, c chunker.Chunk) map[string]interface{} {
	return map[string]interface{}{
		"fingerprint":     fp,
		"source_filename": md.SourceFilename,
		"title":           md.Title,
		"extension":       md.Extension,
		"strategy":        md.Strategy,
		"tags":            strings.Join(md.Tags, ","),
		"chunk_index":     c.Index,
		"chunk_start":     c.Start,
		"chunk_end":       c.End,
		"has_table":       c.HasTable,
		"doc_has_tables":  md.HasTables,
		"degraded":        md.Degraded,
	}
}

func failed(res IngestResult, err error) IngestResult {
	res.Status = StatusFailed
	res.ChunksIndexed = 0
	res.Err = err
	res.Reason = err.Error()
	if errors.Is(err, ErrEmptyDocument) {
		res.Reason = "empty document"
	}
	res.Message = "ingestion failed: " + res.Reason
	return res
}
