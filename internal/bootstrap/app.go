package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"gopherrag/internal/ai"
	"gopherrag/internal/app"
	"gopherrag/internal/cache"
	"gopherrag/internal/config"
	"gopherrag/internal/model"
	"gopherrag/internal/parser"
	"gopherrag/internal/pkg/fingerprint"
	mysqlClient "gopherrag/internal/platform/mysql"
	rabbitmqClient "gopherrag/internal/platform/rabbitmq"
	redisClient "gopherrag/internal/platform/redis"
	"gopherrag/internal/repository"
	"gopherrag/internal/vectorstore"
	"gopherrag/internal/vision"
	"gopherrag/internal/watcher"
	"gopherrag/internal/worker"
)

// LLM is a generation backend that can also report its own health.
type LLM interface {
	app.Generator
	Model() string
	Ping(ctx context.Context) error
}

// Options selects which long-running consumers New starts. The CLI builds
// the services without them.
type Options struct {
	StartWorker  bool
	StartWatcher bool
}

type App struct {
	Config *config.Config

	Store     vectorstore.Store
	MySQL     *gorm.DB
	Redis     *redis.Client
	MQConn    *amqp.Connection
	Documents *repository.DocumentRepository
	Jobs      *rabbitmqClient.JobPublisher
	LLM       LLM
	Tagger    *vision.Tagger

	Ingestion  *app.IngestionService
	Retrieval  *app.RetrievalService
	Generation *app.GenerationService

	IngestWorker *worker.IngestWorker
	Watcher      *watcher.Watcher

	StartedAt time.Time
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return Build(ctx, cfg, opts)
}

// Build wires every component from cfg. On error, whatever was already
// opened is closed again.
func Build(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	a = &App{Config: cfg, StartedAt: time.Now()}
	defer func() {
		if err != nil {
			if closeErr := a.Close(); closeErr != nil {
				log.Printf("close partial app failed: %v", closeErr)
			}
			a = nil
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return a, err
	}
	if err := a.openPlatform(ctx); err != nil {
		return a, err
	}

	hasher, err := fingerprint.New(cfg.Ingest.FingerprintAlgorithm)
	if err != nil {
		return a, err
	}

	embedder := ai.NewEmbeddingGenerator(newEmbedder(cfg.Embedding), ai.EmbeddingOptions{
		Timeout:           cfg.Embedding.Timeout,
		MaxRetries:        cfg.Embedding.MaxRetries,
		InitialBackoff:    cfg.Embedding.InitialBackoff,
		MaxBackoff:        cfg.Embedding.MaxBackoff,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	})
	var queryEmbedder ai.Embedder = embedder
	if a.Redis != nil {
		queryEmbedder = ai.NewCachingEmbedder(embedder, cache.NewEmbeddingCache(a.Redis, cfg.Redis.EmbeddingTTL), cfg.Embedding.Model)
	}

	a.LLM, err = newLLM(cfg.LLM)
	if err != nil {
		return a, err
	}

	var ocr parser.OCR
	if ollama, ok := a.LLM.(*ai.OllamaClient); ok && cfg.LLM.OCRModel != "" {
		ocr = ai.NewVisionOCR(ollama, cfg.LLM.OCRModel, cfg.LLM.OCRMaxSide)
	}

	var tagger app.ImageTagger
	if cfg.Vision.ModelPath != "" {
		a.Tagger = vision.NewTagger(vision.TaggerConfig{
			ModelPath:  cfg.Vision.ModelPath,
			LabelsPath: cfg.Vision.LabelsPath,
			LibPath:    cfg.Vision.ONNXSharedLibPath,
			TopK:       cfg.Vision.TopK,
			MinScore:   float32(cfg.Vision.MinScore),
		})
		tagger = a.Tagger
	}

	var registry app.DocumentRegistry
	if a.Documents != nil {
		registry = a.Documents
	}

	a.Ingestion, err = app.NewIngestionService(parser.New(ocr), hasher, embedder, a.Store, registry, tagger, app.IngestionConfig{
		ChunkSize:        cfg.Ingest.ChunkSize,
		ChunkOverlap:     cfg.Ingest.ChunkOverlap,
		DefaultStrategy:  cfg.Ingest.DefaultStrategy,
		ParseWorkers:     cfg.Ingest.ParseWorkers,
		EmbedConcurrency: cfg.Ingest.EmbedConcurrency,
	})
	if err != nil {
		return a, fmt.Errorf("create ingestion service failed: %w", err)
	}

	a.Retrieval = app.NewRetrievalService(queryEmbedder, a.Store, cfg.Retrieval.TopK)

	var turns app.TurnPublisher
	if a.MQConn != nil {
		turns = rabbitmqClient.NewTurnPublisher(a.MQConn, cfg.RabbitMQ.TurnQueue)
	}
	a.Generation, err = app.NewGenerationService(a.LLM, a.Retrieval, turns, app.GenerationConfig{
		Model:       cfg.LLM.Model,
		DefaultMode: cfg.Retrieval.DefaultMode,
		TopK:        cfg.Retrieval.TopK,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return a, fmt.Errorf("create generation service failed: %w", err)
	}

	if opts.StartWorker && a.MQConn != nil {
		a.IngestWorker = worker.NewIngestWorker(a.MQConn, a.Ingestion, cfg.RabbitMQ.IngestQueue, cfg.RabbitMQ.Prefetch)
		if err := a.IngestWorker.Start(ctx); err != nil {
			return a, fmt.Errorf("start ingest worker failed: %w", err)
		}
	}

	if opts.StartWatcher && cfg.Ingest.WatchDir != "" {
		a.Watcher = watcher.New(cfg.Ingest.WatchDir, cfg.Ingest.WatchDebounce, a.ingestPath)
		if err := a.Watcher.Start(ctx); err != nil {
			return a, fmt.Errorf("start watcher failed: %w", err)
		}
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.VectorStore.Type {
	case "memory":
		a.Store = vectorstore.NewMemoryStore()
	default:
		store, err := vectorstore.NewChromaStore(ctx, a.Config.VectorStore.URL, a.Config.VectorStore.Collection)
		if err != nil {
			return err
		}
		a.Store = store
	}
	return nil
}

func (a *App) openPlatform(ctx context.Context) error {
	cfg := a.Config
	if cfg.MySQL.Enabled {
		db, err := mysqlClient.New(ctx, cfg.MySQLDSN(), cfg.App.Env == "dev")
		if err != nil {
			return err
		}
		a.MySQL = db
		a.Documents = repository.NewDocumentRepository(db)
		if err := a.Documents.AutoMigrate(); err != nil {
			return err
		}
	}

	if cfg.Redis.Enabled {
		client, err := redisClient.New(ctx, redisClient.Options{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			ClientName: cfg.App.Name,
		})
		if err != nil {
			return err
		}
		a.Redis = client
	}

	if cfg.RabbitMQ.Enabled {
		conn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.App.Name)
		if err != nil {
			return err
		}
		a.MQConn = conn
		a.Jobs = rabbitmqClient.NewJobPublisher(conn, cfg.RabbitMQ.IngestQueue)
	}
	return nil
}

func newEmbedder(cfg config.EmbeddingConfig) ai.Embedder {
	if cfg.Provider == "openai" {
		return ai.NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model)
	}
	return ai.NewOllamaEmbedder(cfg.BaseURL, cfg.Model)
}

func newLLM(cfg config.LLMConfig) (LLM, error) {
	switch cfg.Provider {
	case "ollama":
		return ai.NewOllamaClient(cfg.BaseURL, cfg.Model), nil
	case "openai":
		return ai.NewOpenAIGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// ingestPath hands a settled file to the ingest queue when RabbitMQ is up,
// otherwise runs the pipeline in process.
func (a *App) ingestPath(ctx context.Context, path string) {
	if a.Jobs != nil {
		job := model.IngestJob{
			ID:             uuid.NewString(),
			Path:           path,
			SkipDuplicates: a.Config.Ingest.SkipDuplicates,
			EnqueuedAt:     time.Now(),
		}
		err := a.Jobs.PublishJob(ctx, job)
		if err == nil {
			log.Printf("watcher enqueued %s as job %s", path, job.ID)
			return
		}
		log.Printf("watcher enqueue %s failed, ingesting in process: %v", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("watcher read %s failed: %v", path, err)
		return
	}
	res := a.Ingestion.Ingest(ctx, app.IngestInput{
		Data:           data,
		Filename:       filepath.Base(path),
		SkipDuplicates: a.Config.Ingest.SkipDuplicates,
	})
	log.Printf("watcher ingest %s: status=%s chunks=%d %s", path, res.Status, res.ChunksIndexed, res.Message)
}

func (a *App) Close() error {
	var errs []error
	if a.Watcher != nil {
		errs = append(errs, a.Watcher.Close())
	}
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.Tagger != nil {
		a.Tagger.Close()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		errs = append(errs, a.MQConn.Close())
	}
	if a.MySQL != nil {
		errs = append(errs, mysqlClient.Close(a.MySQL))
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
