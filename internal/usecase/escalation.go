package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// tierLadder is the escalation order. Admin is a classifier, never a
// dispatch target for escalation.
var tierLadder = []domain.Tier{domain.TierIntern, domain.TierDirector, domain.TierCEO}

func nextTier(current domain.Tier) (domain.Tier, bool) {
	for i, t := range tierLadder {
		if t == current && i+1 < len(tierLadder) {
			return tierLadder[i+1], true
		}
	}
	return "", false
}

// EscalationController decides and applies next_action(wo) for a work
// order that just failed an attempt at its current tier.
type EscalationController struct {
	Store  domain.WorkOrderStore
	Events domain.EventBus
	Queue  domain.Queue
	Config domain.RetryConfig
	// Sleep waits out the backoff delay computed before a retry or
	// escalation requeue. Defaults to time.Sleep; tests override it so
	// they don't block on real backoff waits.
	Sleep func(time.Duration)
}

// NewEscalationController constructs a controller. A zero-value Config
// falls back to domain.DefaultRetryConfig.
func NewEscalationController(store domain.WorkOrderStore, events domain.EventBus, queue domain.Queue, config domain.RetryConfig) *EscalationController {
	if config.MaxRetries == 0 {
		config = domain.DefaultRetryConfig()
	}
	return &EscalationController{Store: store, Events: events, Queue: queue, Config: config, Sleep: time.Sleep}
}

// NextAction computes the decision for a work order's failed attempt.
// retryRecommended comes from the QA verdict (or true for a plain model
// failure with no QA run yet); failureKind classifies the underlying
// error. A permanent failure or a QA verdict that says not to retry is
// always a hard violation: block immediately, regardless of retry budget.
func NextAction(wo domain.WorkOrder, retryRecommended bool, failureKind domain.FailureKind) domain.EscalationDecision {
	if failureKind == domain.FailurePermanent || !retryRecommended {
		return domain.EscalationDecision{
			Action: domain.ActionBlock,
			Reason: "hard violation: retry would not change the outcome",
		}
	}

	if wo.RetryCount < wo.MaxRetries {
		return domain.EscalationDecision{
			Action: domain.ActionRetrySameTier,
			Reason: fmt.Sprintf("retry %d/%d at %s", wo.RetryCount+1, wo.MaxRetries, wo.Owner),
		}
	}

	if next, ok := nextTier(wo.Owner); ok {
		return domain.EscalationDecision{
			Action:   domain.ActionEscalateNextTier,
			NextTier: next,
			Reason:   fmt.Sprintf("retry budget exhausted at %s", wo.Owner),
		}
	}

	return domain.EscalationDecision{
		Action:    domain.ActionNotifyBoard,
		Reason:    fmt.Sprintf("retry budget exhausted at %s with no further tier to escalate to", wo.Owner),
		BoardNote: fmt.Sprintf("work order %s exhausted the ceo tier after %d attempts: %s", wo.ID, wo.RetryCount, wo.LastError),
	}
}

// Apply carries out decision against wo, which must currently be in
// StatusFailed. It transitions status, mutates the owning tier on
// escalation, requeues the work order when further work is possible, and
// always publishes a progress event so subscribers see the outcome.
func (c *EscalationController) Apply(ctx domain.Context, wo domain.WorkOrder, decision domain.EscalationDecision) error {
	switch decision.Action {
	case domain.ActionRetrySameTier:
		if err := c.Store.TransitionStatus(ctx, wo.ID, domain.StatusFailed, domain.StatusInProgress, decision.Reason); err != nil {
			return fmt.Errorf("op=escalation.apply.retry_same_tier: %w", err)
		}
		c.backoff(wo.RetryCount)
		if _, err := c.Queue.Enqueue(ctx, wo.ID, domain.DispatchPayload{WorkOrderID: wo.ID}); err != nil {
			return fmt.Errorf("op=escalation.apply.retry_same_tier.enqueue: %w", err)
		}
		return c.publish(ctx, wo, domain.StatusInProgress, wo.Owner, "retry_same_tier", decision.Reason)

	case domain.ActionEscalateNextTier:
		if err := c.Store.TransitionStatus(ctx, wo.ID, domain.StatusFailed, domain.StatusEscalated, decision.Reason); err != nil {
			return fmt.Errorf("op=escalation.apply.escalate.transition_out: %w", err)
		}
		if err := c.Store.Escalate(ctx, wo.ID, decision.NextTier, decision.Reason); err != nil {
			return fmt.Errorf("op=escalation.apply.escalate.owner: %w", err)
		}
		if err := c.Store.TransitionStatus(ctx, wo.ID, domain.StatusEscalated, domain.StatusInProgress, "requeued at new tier"); err != nil {
			return fmt.Errorf("op=escalation.apply.escalate.transition_in: %w", err)
		}
		c.backoff(wo.RetryCount)
		if _, err := c.Queue.Enqueue(ctx, wo.ID, domain.DispatchPayload{WorkOrderID: wo.ID}); err != nil {
			return fmt.Errorf("op=escalation.apply.escalate.enqueue: %w", err)
		}
		return c.publish(ctx, wo, domain.StatusInProgress, decision.NextTier, "escalate_next_tier", decision.Reason)

	case domain.ActionNotifyBoard:
		if err := c.Store.TransitionStatus(ctx, wo.ID, domain.StatusFailed, domain.StatusBlocked, decision.Reason); err != nil {
			return fmt.Errorf("op=escalation.apply.notify_board: %w", err)
		}
		return c.publish(ctx, wo, domain.StatusBlocked, wo.Owner, "notify_board", decision.BoardNote)

	case domain.ActionBlock:
		if err := c.Store.TransitionStatus(ctx, wo.ID, domain.StatusFailed, domain.StatusBlocked, decision.Reason); err != nil {
			return fmt.Errorf("op=escalation.apply.block: %w", err)
		}
		return c.publish(ctx, wo, domain.StatusBlocked, wo.Owner, "block", decision.Reason)

	default:
		return fmt.Errorf("op=escalation.apply: unrecognized action %q", decision.Action)
	}
}

// backoff waits out the exponential redelivery delay for a requeue at
// attemptCount: base·2^attempt ± jitter, per domain.RetryInfo.
func (c *EscalationController) backoff(attemptCount int) {
	info := &domain.RetryInfo{AttemptCount: attemptCount}
	c.Sleep(info.CalculateNextRetryDelay(c.Config))
}

func (c *EscalationController) publish(ctx domain.Context, wo domain.WorkOrder, status domain.WorkOrderStatus, tier domain.Tier, progress, detail string) error {
	if c.Events == nil {
		return nil
	}
	evt := domain.ProgressEvent{
		WorkOrderID: wo.ID,
		Status:      status,
		Tier:        tier,
		Attempt:     wo.RetryCount,
		Progress:    progress,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	}
	channel := "work-order:" + wo.ID + ":progress"
	if err := c.Events.PublishEvent(ctx, channel, evt); err != nil {
		return fmt.Errorf("op=escalation.publish: %w", err)
	}
	return nil
}
