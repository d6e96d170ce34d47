package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"gopherrag/internal/ai"
	"gopherrag/internal/app"
	"gopherrag/internal/model"
	"gopherrag/internal/vectorstore"
)

type Ingester interface {
	Ingest(ctx context.Context, in app.IngestInput) app.IngestResult
}

// IngestWorker consumes IngestJob messages and runs them through the pipeline.
type IngestWorker struct {
	conn      *amqp.Connection
	ingester  Ingester
	queueName string
	prefetch  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, ingester Ingester, queueName string, prefetch int) *IngestWorker {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &IngestWorker{
		conn:      conn,
		ingester:  ingester,
		queueName: queueName,
		prefetch:  prefetch,
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}
	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				switch w.handle(workerCtx, d.Body) {
				case settleAck:
					_ = d.Ack(false)
				case settleRequeue:
					_ = d.Nack(false, true)
				default:
					_ = d.Nack(false, false)
				}
			}
		}
	}()

	return nil
}

type settlement int

const (
	settleAck settlement = iota
	settleReject
	settleRequeue
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleRequeue:
		return "requeue"
	default:
		return "reject"
	}
}

// handle runs one job. Payloads that can never succeed are rejected.
func (w *IngestWorker) handle(ctx context.Context, body []byte) settlement {
	var job model.IngestJob
	if err := json.Unmarshal(body, &job); err != nil {
		log.Printf("worker decode ingest job failed: %v", err)
		return settleReject
	}
	if job.Path == "" {
		log.Printf("worker ingest job %s has no path", job.ID)
		return settleReject
	}

	data, err := os.ReadFile(job.Path)
	if err != nil {
		log.Printf("worker read %s for job %s failed: %v", job.Path, job.ID, err)
		return settleReject
	}

	res := w.ingester.Ingest(ctx, app.IngestInput{
		Data:           data,
		Filename:       filepath.Base(job.Path),
		Strategy:       job.Strategy,
		SkipDuplicates: job.SkipDuplicates,
		Tags:           job.Tags,
	})
	outcome := settle(res)
	log.Printf("worker job %s %s (%s): %s", job.ID, res.Status, outcome, res.Message)
	return outcome
}

// settle acks finished jobs and permanent failures, and requeues jobs that
// failed because the worker stopped or a backing service was down.
func settle(res app.IngestResult) settlement {
	if res.Status != app.StatusFailed {
		return settleAck
	}
	switch {
	case errors.Is(res.Err, context.Canceled),
		errors.Is(res.Err, context.DeadlineExceeded),
		errors.Is(res.Err, ai.ErrEmbeddingUnavailable),
		errors.Is(res.Err, vectorstore.ErrUnavailable):
		return settleRequeue
	}
	return settleAck
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
