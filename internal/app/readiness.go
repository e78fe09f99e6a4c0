// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueuePinger is the minimal interface for a queue broker client capable of
// Ping, implemented by *kgo.Client.
type QueuePinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns three readiness checks: store, qdrant, and queue.
func BuildReadinessChecks(cfg config.Config, pool Pinger, queue QueuePinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	storeCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("store not configured")
		}
		return pool.Ping(ctx)
	}
	qdrantCheck := func(ctx context.Context) error {
		client := &http.Client{Timeout: 2 * time.Second}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, cfg.QdrantURL+"/collections", nil)
		if cfg.QdrantAPIKey != "" {
			req.Header.Set("api-key", cfg.QdrantAPIKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if span := ctx.Value("otel.span"); span != nil {
			// Best-effort: attach status code as attribute if span is present in context
			if s, ok := span.(interface{ SetAttributes(...attribute.KeyValue) }); ok {
				s.SetAttributes(attribute.Int("readiness.qdrant.status_code", resp.StatusCode))
			}
		}
		return fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	queueCheck := func(ctx context.Context) error {
		if queue == nil {
			return fmt.Errorf("queue not configured")
		}
		return queue.Ping(ctx)
	}
	return storeCheck, qdrantCheck, queueCheck
}
