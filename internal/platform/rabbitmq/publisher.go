package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"gopherrag/internal/model"
)

// Publisher sends persistent JSON messages to one durable queue.
type Publisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewPublisher(conn *amqp.Connection, queueName string) *Publisher {
	return &Publisher{
		conn:      conn,
		queueName: queueName,
	}
}

func (p *Publisher) publish(ctx context.Context, v interface{}, messageID string) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		p.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue failed: %w", err)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message payload failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    messageID,
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("publish message failed: %w", err)
	}
	return nil
}

// JobPublisher enqueues files for the ingest worker.
type JobPublisher struct {
	*Publisher
}

func NewJobPublisher(conn *amqp.Connection, queueName string) *JobPublisher {
	return &JobPublisher{Publisher: NewPublisher(conn, queueName)}
}

func (p *JobPublisher) PublishJob(ctx context.Context, job model.IngestJob) error {
	return p.publish(ctx, job, job.ID)
}

// TurnPublisher hands finished chat turns to the conversation store.
type TurnPublisher struct {
	*Publisher
}

func NewTurnPublisher(conn *amqp.Connection, queueName string) *TurnPublisher {
	return &TurnPublisher{Publisher: NewPublisher(conn, queueName)}
}

func (p *TurnPublisher) PublishTurn(ctx context.Context, turn model.TurnRecord) error {
	return p.publish(ctx, turn, turn.SessionID)
}
