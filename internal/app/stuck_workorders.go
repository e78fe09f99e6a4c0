package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// StuckWorkOrderSweeper blocks work orders that have sat in_progress past
// maxAge — e.g. a dispatcher crashed mid-call and never transitioned the
// work order out of in_progress.
type StuckWorkOrderSweeper struct {
	store    domain.WorkOrderStore
	maxAge   time.Duration
	interval time.Duration
}

// NewStuckWorkOrderSweeper constructs a sweeper. maxAge/interval fall back to
// 10m/1m when non-positive.
func NewStuckWorkOrderSweeper(store domain.WorkOrderStore, maxAge, interval time.Duration) *StuckWorkOrderSweeper {
	if store == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckWorkOrderSweeper{store: store, maxAge: maxAge, interval: interval}
}

// Run sweeps immediately, then on every interval tick, until ctx is cancelled.
func (s *StuckWorkOrderSweeper) Run(ctx domain.Context) {
	if s == nil || s.store == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck work order sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

const sweepLimit = 200

func (s *StuckWorkOrderSweeper) sweepOnce(ctx domain.Context) {
	tracer := otel.Tracer("workorders.sweeper")
	ctx, span := tracer.Start(ctx, "StuckWorkOrderSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	inProgress := domain.StatusInProgress
	span.SetAttributes(attribute.Float64("workorders.max_age_seconds", s.maxAge.Seconds()))

	workOrders, err := s.store.QueryWorkOrders(ctx, domain.WorkOrderFilter{Status: &inProgress}, sweepLimit)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck work order sweep failed to list work orders", slog.Any("error", err))
		return
	}

	blocked := 0
	for _, wo := range workOrders {
		if wo.UpdatedAt.After(cutoff) {
			continue
		}
		reason := fmt.Sprintf("in_progress exceeded maximum age %v; blocked by sweeper", s.maxAge)
		if err := s.store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusBlocked, reason); err != nil {
			slog.Error("stuck work order sweep failed to transition", slog.String("work_order_id", wo.ID), slog.Any("error", err))
			continue
		}
		blocked++
	}

	span.SetAttributes(
		attribute.Int("workorders.total_checked", len(workOrders)),
		attribute.Int("workorders.total_blocked", blocked),
	)
}
