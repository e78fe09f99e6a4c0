package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// pendingMessage tracks a fetched-but-unacked record so ClaimStale can
// detect work the Dispatcher picked up but never acknowledged (a crashed
// or stuck worker) and redeliver it.
type pendingMessage struct {
	record        *kgo.Record
	deliveryCount int
	deliveredAt   time.Time
}

// Consumer wraps a Kafka consumer group and implements the
// Consume/Ack/ClaimStale half of domain.Queue.
type Consumer struct {
	client *kgo.Client

	groupID string
	topic   string
	brokers []string

	// buffered holds records fetched from Kafka but not yet handed out by
	// Consume, since a single PollFetches call may return more records
	// than the caller's maxCount.
	bufMu    sync.Mutex
	buffered []*kgo.Record

	pendingMu sync.Mutex
	pending   map[string]*pendingMessage

	adaptivePoller *AdaptivePoller
}

// NewConsumer constructs a Consumer bound to the dispatch topic.
func NewConsumer(brokers []string, groupID string) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, TopicDispatch)
}

// NewConsumerWithTopic constructs a Consumer bound to a specific topic.
// Tests use this for per-test topic isolation.
func NewConsumerWithTopic(brokers []string, groupID string, topic string) (*Consumer, error) {
	slog.Info("creating redpanda consumer", slog.Any("brokers", brokers), slog.String("group_id", groupID), slog.String("topic", topic))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.new_consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.new_consumer: missing required group ID")
	}

	ctx := context.Background()
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_consumer.temp_client: %w", err)
	}
	defer tempClient.Close()

	partitions := int32(8)
	replicationFactor := int16(1)
	if err := createOptimizedTopicForParallelProcessing(ctx, tempClient, topic, partitions, replicationFactor); err != nil {
		slog.Warn("failed to create optimized topic, falling back to standard topic creation",
			slog.String("topic", topic), slog.Any("error", err))
		if err := createTopicIfNotExists(ctx, tempClient, topic, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist", slog.String("topic", topic), slog.Any("error", err))
		}
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.RequestTimeoutOverhead(5 * time.Second),
		kgo.RetryTimeout(30 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),
		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.FetchMaxPartitionBytes(2 * 1024 * 1024),
		kgo.FetchMinBytes(1),
		// Offsets are committed explicitly from Ack, never automatically.
		kgo.DisableAutoCommit(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_consumer: %w", err)
	}

	slog.Info("redpanda consumer created successfully", slog.String("group_id", groupID), slog.String("topic", topic))
	return &Consumer{
		client:         client,
		groupID:        groupID,
		topic:          topic,
		brokers:        brokers,
		pending:        make(map[string]*pendingMessage),
		adaptivePoller: NewAdaptivePoller(100 * time.Millisecond),
	}, nil
}

// entryID encodes a record's position so Ack/ClaimStale can address it.
func entryID(r *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

func workOrderIDFromRecord(r *kgo.Record) string {
	for _, h := range r.Headers {
		if h.Key == "work_order_id" {
			return string(h.Value)
		}
	}
	return string(r.Key)
}

// Consume fetches up to maxCount messages, blocking for at most
// blockTimeout if none are immediately available. group must match the
// consumer group this Consumer was constructed with; consumerName is
// recorded for observability only, since franz-go manages group
// membership at the client level.
func (c *Consumer) Consume(ctx domain.Context, group, consumerName string, maxCount int, blockTimeout time.Duration) ([]domain.QueueMessage, error) {
	if group != "" && group != c.groupID {
		return nil, fmt.Errorf("op=queue.consume: group %q does not match consumer group %q", group, c.groupID)
	}

	records := c.drainBuffered(maxCount)
	if len(records) < maxCount {
		fetched, err := c.poll(ctx, blockTimeout)
		if err != nil {
			return nil, err
		}
		records = append(records, fetched...)
		if len(records) > maxCount {
			c.stashBuffered(records[maxCount:])
			records = records[:maxCount]
		}
	}

	out := make([]domain.QueueMessage, 0, len(records))
	now := time.Now()
	c.pendingMu.Lock()
	for _, r := range records {
		id := entryID(r)
		pm, seen := c.pending[id]
		if !seen {
			pm = &pendingMessage{record: r, deliveryCount: 0}
			c.pending[id] = pm
		}
		pm.deliveryCount++
		pm.deliveredAt = now
		out = append(out, domain.QueueMessage{
			EntryID:       id,
			WorkOrderID:   workOrderIDFromRecord(r),
			PayloadJSON:   string(r.Value),
			DeliveryCount: pm.deliveryCount,
		})
	}
	c.pendingMu.Unlock()

	slog.Info("consumed messages", slog.String("group_id", group), slog.String("consumer_name", consumerName), slog.Int("count", len(out)))
	return out, nil
}

// poll fetches one batch of records from Kafka, waiting up to blockTimeout
// for at least one record using the adaptive poller's backoff between
// empty polls.
func (c *Consumer) poll(ctx context.Context, blockTimeout time.Duration) ([]*kgo.Record, error) {
	deadline := time.Now().Add(blockTimeout)
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, blockTimeout)
		fetches := c.client.PollFetches(fetchCtx)
		cancel()

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err != nil {
					slog.Error("fetch error", slog.String("topic", fe.Topic), slog.Int("partition", int(fe.Partition)), slog.Any("error", fe.Err))
				}
			}
			c.adaptivePoller.RecordFailure()
		} else {
			c.adaptivePoller.RecordSuccess()
		}

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) { records = append(records, r) })
		if len(records) > 0 {
			return records, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.adaptivePoller.GetNextInterval()):
		}
	}
}

func (c *Consumer) drainBuffered(maxCount int) []*kgo.Record {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if len(c.buffered) == 0 {
		return nil
	}
	n := maxCount
	if n > len(c.buffered) {
		n = len(c.buffered)
	}
	out := c.buffered[:n]
	c.buffered = c.buffered[n:]
	return out
}

func (c *Consumer) stashBuffered(records []*kgo.Record) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	c.buffered = append(c.buffered, records...)
}

// Ack acknowledges successful processing of entryID: its Kafka offset is
// committed and it is dropped from the pending set.
func (c *Consumer) Ack(ctx domain.Context, group, entryID string) error {
	c.pendingMu.Lock()
	pm, ok := c.pending[entryID]
	if ok {
		delete(c.pending, entryID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return fmt.Errorf("op=queue.ack: unknown entry %q", entryID)
	}

	if err := c.client.CommitRecords(ctx, pm.record); err != nil {
		return fmt.Errorf("op=queue.ack.commit_offset: %w", err)
	}
	return nil
}

// ClaimStale returns messages that were delivered but never acked within
// idleThreshold, incrementing their delivery count so the Dispatcher can
// detect and act on repeated redelivery.
func (c *Consumer) ClaimStale(ctx domain.Context, group string, idleThreshold time.Duration) ([]domain.QueueMessage, error) {
	if group != "" && group != c.groupID {
		return nil, fmt.Errorf("op=queue.claim_stale: group %q does not match consumer group %q", group, c.groupID)
	}

	cutoff := time.Now().Add(-idleThreshold)
	var out []domain.QueueMessage

	c.pendingMu.Lock()
	for id, pm := range c.pending {
		if pm.deliveredAt.After(cutoff) {
			continue
		}
		pm.deliveryCount++
		pm.deliveredAt = time.Now()
		out = append(out, domain.QueueMessage{
			EntryID:       id,
			WorkOrderID:   workOrderIDFromRecord(pm.record),
			PayloadJSON:   string(pm.record.Value),
			DeliveryCount: pm.deliveryCount,
		})
	}
	c.pendingMu.Unlock()

	if len(out) > 0 {
		slog.Info("claimed stale messages", slog.String("group_id", group), slog.Int("count", len(out)), slog.Duration("idle_threshold", idleThreshold))
	}
	return out, nil
}

// Close closes the underlying Kafka client.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
