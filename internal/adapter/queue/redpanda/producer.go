// Package redpanda provides Redpanda/Kafka queue integration.
//
// It handles publishing and consuming work-order dispatch messages with
// exactly-once semantics and supports horizontal scaling of dispatchers.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

const (
	// TopicDispatch is the Kafka topic carrying work-order dispatch messages.
	TopicDispatch = "work-order-dispatch"
)

// Producer wraps a Kafka producer and implements the Enqueue half of
// domain.Queue.
type Producer struct {
	client *kgo.Client
	// transactionChan serializes transactions: franz-go allows only one
	// in-flight transaction per client at a time.
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "work-order-scheduler-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID. This is useful for testing to avoid conflicts between
// multiple producers.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	slog.Info("creating redpanda producer", slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.new_producer: no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create redpanda client", slog.Any("error", err))
		return nil, fmt.Errorf("op=queue.new_producer: %w", err)
	}

	ctx := context.Background()
	partitions := int32(8)
	replicationFactor := int16(1)

	if err := createOptimizedTopicForParallelProcessing(ctx, client, TopicDispatch, partitions, replicationFactor); err != nil {
		slog.Warn("failed to create optimized topic, falling back to standard topic creation",
			slog.String("topic", TopicDispatch), slog.Any("error", err))
		if err := createTopicIfNotExists(ctx, client, TopicDispatch, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", TopicDispatch), slog.Any("error", err))
		}
	}

	slog.Info("redpanda producer created successfully")
	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Enqueue publishes a DispatchPayload for workOrderID with exactly-once
// semantics, implementing domain.Queue.
func (p *Producer) Enqueue(ctx domain.Context, workOrderID string, payload domain.DispatchPayload) (string, error) {
	return p.EnqueueToTopic(ctx, workOrderID, payload, TopicDispatch)
}

// EnqueueToTopic publishes to a specific topic. Tests use this for
// per-test topic isolation.
func (p *Producer) EnqueueToTopic(ctx domain.Context, workOrderID string, payload domain.DispatchPayload, topic string) (string, error) {
	slog.Info("enqueueing dispatch message", slog.String("work_order_id", workOrderID), slog.String("topic", topic))

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return "", fmt.Errorf("op=queue.enqueue.begin_tx: %w", err)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return "", fmt.Errorf("op=queue.enqueue.marshal: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(workOrderID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "work_order_id", Value: []byte(workOrderID)},
			{Key: "request_id", Value: []byte(payload.RequestID)},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())

	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return "", fmt.Errorf("op=queue.enqueue.produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return "", fmt.Errorf("op=queue.enqueue.commit_tx: %w", err)
	}

	observability.EnqueueJob("dispatch")
	slog.Info("redpanda enqueue successful", slog.String("topic", topic), slog.String("work_order_id", workOrderID))
	return workOrderID, nil
}

// Ping verifies connectivity to the broker cluster, for readiness checks.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	if p.transactionChan != nil {
		select {
		case <-p.transactionChan:
		default:
			close(p.transactionChan)
		}
	}
	return nil
}
