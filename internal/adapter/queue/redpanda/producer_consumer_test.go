package redpanda

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

func TestProducerConsumer_EnqueueConsumeAck_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a redpanda container")
	}

	broker := getContainerBroker(t)
	topic := fmt.Sprintf("dispatch-test-%d", time.Now().UnixNano())

	producer, err := NewProducerWithTransactionalID([]string{broker}, "producer-test-"+topic)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	consumer, err := NewConsumerWithTopic([]string{broker}, "group-"+topic, topic)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer consumer.Close()

	ctx := context.Background()
	payload := domain.DispatchPayload{WorkOrderID: "wo-1", RequestID: "req-1"}
	if _, err := producer.EnqueueToTopic(ctx, "wo-1", payload, topic); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := consumer.Consume(ctx, "group-"+topic, "consumer-1", 10, 15*time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].WorkOrderID != "wo-1" {
		t.Fatalf("expected work order wo-1, got %s", msgs[0].WorkOrderID)
	}
	if msgs[0].DeliveryCount != 1 {
		t.Fatalf("expected first delivery count 1, got %d", msgs[0].DeliveryCount)
	}

	if err := consumer.Ack(ctx, "group-"+topic, msgs[0].EntryID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if err := consumer.Ack(ctx, "group-"+topic, msgs[0].EntryID); err == nil {
		t.Fatalf("expected error acking an already-acked entry")
	}
}

func TestProducerConsumer_ClaimStale_RedeliversUnacked(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a redpanda container")
	}

	broker := getContainerBroker(t)
	topic := fmt.Sprintf("dispatch-stale-%d", time.Now().UnixNano())

	producer, err := NewProducerWithTransactionalID([]string{broker}, "producer-stale-"+topic)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	consumer, err := NewConsumerWithTopic([]string{broker}, "group-"+topic, topic)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer consumer.Close()

	ctx := context.Background()
	payload := domain.DispatchPayload{WorkOrderID: "wo-2", RequestID: "req-2"}
	if _, err := producer.EnqueueToTopic(ctx, "wo-2", payload, topic); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := consumer.Consume(ctx, "group-"+topic, "consumer-1", 10, 15*time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	stale, err := consumer.ClaimStale(ctx, "group-"+topic, 0)
	if err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale message, got %d", len(stale))
	}
	if stale[0].DeliveryCount != 2 {
		t.Fatalf("expected delivery count 2 after redelivery, got %d", stale[0].DeliveryCount)
	}

	if err := consumer.Ack(ctx, "group-"+topic, stale[0].EntryID); err != nil {
		t.Fatalf("ack after reclaim: %v", err)
	}
}

func TestConsumer_Consume_GroupMismatchErrors(t *testing.T) {
	c := &Consumer{groupID: "expected-group", pending: make(map[string]*pendingMessage)}
	if _, err := c.Consume(context.Background(), "wrong-group", "worker", 1, time.Second); err == nil {
		t.Fatalf("expected error for mismatched group")
	}
}

func TestConsumer_ClaimStale_GroupMismatchErrors(t *testing.T) {
	c := &Consumer{groupID: "expected-group", pending: make(map[string]*pendingMessage)}
	if _, err := c.ClaimStale(context.Background(), "wrong-group", time.Minute); err == nil {
		t.Fatalf("expected error for mismatched group")
	}
}

func TestConsumer_Ack_UnknownEntryErrors(t *testing.T) {
	c := &Consumer{groupID: "g", pending: make(map[string]*pendingMessage)}
	if err := c.Ack(context.Background(), "g", "missing-entry"); err == nil {
		t.Fatalf("expected error acking unknown entry")
	}
}
