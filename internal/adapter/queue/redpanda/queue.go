package redpanda

import (
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// Queue composes a Producer and Consumer into a single domain.Queue: the
// dispatcher process both consumes dispatch messages and re-enqueues them
// on escalation/retry, so it needs both halves behind one port value.
type Queue struct {
	Producer *Producer
	Consumer *Consumer
}

// NewQueue wires an existing Producer and Consumer into a domain.Queue.
func NewQueue(producer *Producer, consumer *Consumer) *Queue {
	return &Queue{Producer: producer, Consumer: consumer}
}

// Enqueue implements domain.Queue by delegating to the Producer half.
func (q *Queue) Enqueue(ctx domain.Context, workOrderID string, payload domain.DispatchPayload) (string, error) {
	return q.Producer.Enqueue(ctx, workOrderID, payload)
}

// Consume implements domain.Queue by delegating to the Consumer half.
func (q *Queue) Consume(ctx domain.Context, group, consumerName string, maxCount int, blockTimeout time.Duration) ([]domain.QueueMessage, error) {
	return q.Consumer.Consume(ctx, group, consumerName, maxCount, blockTimeout)
}

// Ack implements domain.Queue by delegating to the Consumer half.
func (q *Queue) Ack(ctx domain.Context, group, entryID string) error {
	return q.Consumer.Ack(ctx, group, entryID)
}

// ClaimStale implements domain.Queue by delegating to the Consumer half.
func (q *Queue) ClaimStale(ctx domain.Context, group string, idleThreshold time.Duration) ([]domain.QueueMessage, error) {
	return q.Consumer.ClaimStale(ctx, group, idleThreshold)
}

// Close closes both the Producer and Consumer, returning the first error
// encountered.
func (q *Queue) Close() error {
	if err := q.Consumer.Close(); err != nil {
		return err
	}
	return q.Producer.Close()
}
