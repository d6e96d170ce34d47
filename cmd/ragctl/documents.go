package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gopherrag/internal/app"
	"gopherrag/internal/bootstrap"
	"gopherrag/internal/metadata"
	"gopherrag/internal/model"
)

var (
	ingestStrategy string
	ingestSkip     bool
	ingestTags     string
	ingestJSON     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file...>",
	Short: "Parse, chunk, embed and index files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <fingerprint>",
	Short: "Remove every chunk of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <path>",
	Short: "Queue a server-side file for asynchronous ingestion",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

func init() {
	for _, c := range []*cobra.Command{ingestCmd, enqueueCmd} {
		c.Flags().StringVar(&ingestStrategy, "strategy", "", "parsing strategy: auto, fast, hi_res or ocr_only")
		c.Flags().BoolVar(&ingestSkip, "skip-duplicates", true, "skip content that is already indexed")
		c.Flags().StringVar(&ingestTags, "tags", "", "comma separated tags")
	}
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(ingestCmd, deleteCmd, enqueueCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *bootstrap.App) error {
		var results []app.IngestResult
		failures := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			res := a.Ingestion.Ingest(ctx, app.IngestInput{
				Data:           data,
				Filename:       filepath.Base(path),
				Strategy:       ingestStrategy,
				SkipDuplicates: ingestSkip,
				Tags:           metadata.SplitTags(ingestTags),
			})
			if res.Status == app.StatusFailed {
				failures++
			}
			if !ingestJSON {
				cmd.Printf("%-8s %s  %s\n", res.Status, res.Filename, res.Message)
			}
			results = append(results, res)
		}
		if ingestJSON {
			if err := printJSON(cmd, results); err != nil {
				return err
			}
		}
		if failures > 0 {
			return fmt.Errorf("%d of %d files failed", failures, len(args))
		}
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *bootstrap.App) error {
		n, err := a.Ingestion.Delete(ctx, args[0])
		if err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		cmd.Printf("deleted %d chunks of %s\n", n, args[0])
		return nil
	})
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *bootstrap.App) error {
		if a.Jobs == nil {
			return errors.New("rabbitmq is not enabled")
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		job := model.IngestJob{
			ID:             uuid.NewString(),
			Path:           path,
			Strategy:       ingestStrategy,
			SkipDuplicates: ingestSkip,
			Tags:           metadata.SplitTags(ingestTags),
			EnqueuedAt:     time.Now(),
		}
		if err := a.Jobs.PublishJob(ctx, job); err != nil {
			return fmt.Errorf("enqueue failed: %w", err)
		}
		cmd.Printf("queued %s as job %s\n", path, job.ID)
		return nil
	})
}
