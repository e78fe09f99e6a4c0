// Package dispatcher runs the long-running worker pool that consumes
// work orders off the Queue, executes them at their owning tier, runs QA,
// drives escalation, and publishes progress events.
package dispatcher

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/qa"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

// ModelClients resolves a tier to the ModelClient that serves it, per the
// tier_model_table mapping loaded at startup.
type ModelClients map[domain.Tier]domain.ModelClient

// blockTimeout bounds how long a single Consume call waits for a message.
const blockTimeout = 5 * time.Second

// Dispatcher wires the Queue, Store, EventBus, QA Runner, and Escalation
// Controller into the 9-step dispatch algorithm.
type Dispatcher struct {
	Queue       domain.Queue
	Store       domain.WorkOrderStore
	Events      domain.EventBus
	Models      ModelClients
	TierModels  config.TierModelTable
	QARunner    *qa.Runner
	QASpecs     map[string]config.QASpec
	Escalation  *usecase.EscalationController
	RetryConfig domain.RetryConfig
	GroupID     string

	// validators runs every model response through refusal detection and
	// quality checks before QA sees it. Built once per tier in New.
	validators map[domain.Tier]*ai.ResponseValidator
}

// New constructs a Dispatcher. retryConfig's zero value falls back to
// domain.DefaultRetryConfig.
func New(queue domain.Queue, store domain.WorkOrderStore, events domain.EventBus, models ModelClients, tierModels config.TierModelTable, qaRunner *qa.Runner, qaSpecs map[string]config.QASpec, escalation *usecase.EscalationController, retryConfig domain.RetryConfig, groupID string) *Dispatcher {
	if retryConfig.MaxRetries == 0 {
		retryConfig = domain.DefaultRetryConfig()
	}
	validators := make(map[domain.Tier]*ai.ResponseValidator, len(models))
	for tier, m := range models {
		if m != nil {
			validators[tier] = ai.NewResponseValidator(m)
		}
	}
	return &Dispatcher{
		Queue:       queue,
		Store:       store,
		Events:      events,
		Models:      models,
		TierModels:  tierModels,
		QARunner:    qaRunner,
		QASpecs:     qaSpecs,
		Escalation:  escalation,
		RetryConfig: retryConfig,
		GroupID:     groupID,
		validators:  validators,
	}
}

// Run starts workers workers, each looping until ctx is cancelled.
func (d *Dispatcher) Run(ctx domain.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		consumerName := fmt.Sprintf("dispatcher-%d", i)
		go func() {
			defer wg.Done()
			d.loop(ctx, consumerName)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) loop(ctx domain.Context, consumerName string) {
	for ctx.Err() == nil {
		msgs, err := d.Queue.Consume(ctx, d.GroupID, consumerName, 1, blockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dispatcher consume failed", slog.String("consumer", consumerName), slog.Any("error", err))
			continue
		}
		for _, msg := range msgs {
			d.handle(ctx, msg)
		}
	}
}

// handle processes one message end to end and always acks it: a permanent
// processing error still results in an ack, since redelivering a message
// the dispatcher already gave up on would only poison the queue further.
func (d *Dispatcher) handle(ctx domain.Context, msg domain.QueueMessage) {
	tracer := otel.Tracer("dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.handle")
	defer span.End()

	if err := d.process(ctx, msg); err != nil {
		slog.Error("dispatch failed", slog.String("work_order_id", msg.WorkOrderID), slog.Any("error", err))
	}
	if err := d.Queue.Ack(ctx, d.GroupID, msg.EntryID); err != nil {
		slog.Error("ack failed", slog.String("work_order_id", msg.WorkOrderID), slog.Any("error", err))
	}
}

// process runs steps 2-9 of the dispatch algorithm for one message.
func (d *Dispatcher) process(ctx domain.Context, msg domain.QueueMessage) error {
	wo, err := d.Store.GetWorkOrder(ctx, msg.WorkOrderID)
	if err != nil {
		return fmt.Errorf("op=dispatcher.process.load: %w", err)
	}

	switch wo.Status {
	case domain.StatusQueued, domain.StatusFailed, domain.StatusEscalated:
	default:
		// Duplicate delivery of a message whose work order already moved
		// past the states the dispatcher acts on.
		return nil
	}

	if err := d.Store.TransitionStatus(ctx, wo.ID, wo.Status, domain.StatusInProgress, "dispatch started"); err != nil {
		return fmt.Errorf("op=dispatcher.process.transition_in_progress: %w", err)
	}
	wo.Status = domain.StatusInProgress

	entry, ok := d.TierModels[wo.Owner]
	if !ok {
		return d.blockWorkOrder(ctx, wo, fmt.Sprintf("no tier_model_table entry for %s", wo.Owner))
	}

	output, metric, failKind, callErr := d.callTier(ctx, wo, entry)
	metric.WorkOrderID = wo.ID
	metric.Role = wo.Owner
	metric.Timestamp = time.Now().UTC()
	if recErr := d.Store.RecordAttempt(ctx, wo.ID, metric, callErr != nil); recErr != nil {
		slog.Error("record attempt failed", slog.String("work_order_id", wo.ID), slog.Any("error", recErr))
	}

	if callErr != nil {
		wo.LastError = callErr.Error()
		wo.RetryCount++
		if failKind == domain.FailurePermanent {
			return d.blockWorkOrder(ctx, wo, callErr.Error())
		}
		return d.failAttempt(ctx, wo, true, domain.FailureTransient)
	}

	verdict, err := d.QARunner.Run(ctx, d.qaSpecFor(wo.QASpecRef), output)
	if err != nil {
		wo.LastError = err.Error()
		return d.blockWorkOrder(ctx, wo, err.Error())
	}

	if verdict.Passed {
		return d.completeWorkOrder(ctx, wo, output)
	}

	wo.LastError = qaFailureDetail(verdict)
	wo.RetryCount++
	return d.failAttempt(ctx, wo, verdict.RetryRecommended, domain.FailureTransient)
}

// callTier runs the equipment shortcut if present, otherwise calls the
// tier's ModelClient with a prompt assembled from the work order's
// compressed context, relevant files, and QA requirements.
func (d *Dispatcher) callTier(ctx domain.Context, wo domain.WorkOrder, entry config.TierModelEntry) (string, domain.AgentMetric, domain.FailureKind, error) {
	metric := domain.AgentMetric{Model: entry.Model, Provider: entry.Provider}

	if wo.EquipmentHint != "" {
		metric.AgentName = "equipment:" + wo.EquipmentHint
		metric.Success = true
		return fmt.Sprintf(`{"equipment_hint":%q,"status":"completed"}`, wo.EquipmentHint), metric, "", nil
	}

	model, ok := d.Models[wo.Owner]
	if !ok || model == nil {
		return "", metric, domain.FailurePermanent, fmt.Errorf("op=dispatcher.call_tier: no model client configured for tier %s", wo.Owner)
	}
	metric.AgentName = string(wo.Owner) + "-" + entry.Model

	system, user := buildPrompt(wo)
	maxTokens := entry.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	start := time.Now()
	out, err := model.ChatJSON(ctx, system, user, maxTokens)
	metric.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		metric.Success = false
		return "", metric, classifyFailure(err, d.RetryConfig), err
	}
	metric.CostUSD = estimateCost(entry, len(user), len(out))

	if v, ok := d.validators[wo.Owner]; ok && v != nil {
		if result, verr := v.ValidateResponse(ctx, out); verr == nil && result != nil && !result.IsValid {
			metric.Success = false
			return "", metric, domain.FailureTransient, fmt.Errorf("op=dispatcher.call_tier.validate: %s", validationSummary(result))
		}
	}

	metric.Success = true
	return out, metric, "", nil
}

// validationSummary condenses a failed ai.ValidationResult into a single
// line suitable for wo.LastError and audit detail.
func validationSummary(result *ai.ValidationResult) string {
	if result.IsRefusal {
		return "model refused the request"
	}
	var kinds []string
	for _, iss := range result.Issues {
		if iss.Severity == "critical" || iss.Severity == "high" {
			kinds = append(kinds, iss.Type)
		}
	}
	if len(kinds) == 0 {
		return "response failed validation"
	}
	return strings.Join(kinds, ", ")
}

func buildPrompt(wo domain.WorkOrder) (system, user string) {
	system = fmt.Sprintf("You are the %s tier of a tiered work-order scheduler. Produce only the requested output.", wo.Owner)

	var b strings.Builder
	b.WriteString(wo.CompressedContext)
	if len(wo.RelevantFiles) > 0 {
		fmt.Fprintf(&b, "\nrelevant_files: %s", strings.Join(wo.RelevantFiles, ", "))
	}
	if wo.QARequirements != "" {
		fmt.Fprintf(&b, "\nqa_requirements: %s", wo.QARequirements)
	}
	return system, b.String()
}

// classifyFailure reuses domain.RetryInfo.ShouldRetry's error-string
// matching against RetryConfig so a ModelClient failure's transient/
// permanent classification follows the exact same rules as tier-local
// retry decisions elsewhere in the system.
func classifyFailure(err error, cfg domain.RetryConfig) domain.FailureKind {
	info := &domain.RetryInfo{}
	if info.ShouldRetry(err, cfg) {
		return domain.FailureTransient
	}
	return domain.FailurePermanent
}

// estimateCost prices a call from the tier's per-mtok rates. Token counts
// are approximated from character length (4 chars/token) since the exact
// count isn't available without a second round-trip to the tokenizer.
func estimateCost(entry config.TierModelEntry, promptChars, completionChars int) float64 {
	promptTokens := float64(promptChars) / 4
	completionTokens := float64(completionChars) / 4
	return (promptTokens/1_000_000)*entry.InputPricePerMTok + (completionTokens/1_000_000)*entry.OutputPricePerMTok
}

func qaFailureDetail(v qa.Verdict) string {
	var failed []string
	for _, s := range v.Sections {
		if !s.Passed {
			failed = append(failed, s.Name+": "+s.Detail)
		}
	}
	return "qa failed: " + strings.Join(failed, "; ")
}

func (d *Dispatcher) qaSpecFor(ref string) config.QASpec {
	if ref == "" {
		return config.QASpec{}
	}
	spec, ok := d.QASpecs[ref]
	if !ok {
		return config.QASpec{}
	}
	return spec
}

// failAttempt transitions wo to failed and delegates to the Escalation
// Controller for the next action (retry_same_tier, escalate_next_tier,
// notify_board, or block).
func (d *Dispatcher) failAttempt(ctx domain.Context, wo domain.WorkOrder, retryRecommended bool, failKind domain.FailureKind) error {
	if err := d.Store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusFailed, wo.LastError); err != nil {
		return fmt.Errorf("op=dispatcher.fail_attempt.transition: %w", err)
	}
	wo.Status = domain.StatusFailed

	decision := usecase.NextAction(wo, retryRecommended, failKind)
	if err := d.Escalation.Apply(ctx, wo, decision); err != nil {
		return fmt.Errorf("op=dispatcher.fail_attempt.apply: %w", err)
	}
	return nil
}

// blockWorkOrder is called for a work order still in_progress (a tier-
// resolution miss, a permanent ModelClient error, or a QA runner error),
// never one already transitioned to failed.
func (d *Dispatcher) blockWorkOrder(ctx domain.Context, wo domain.WorkOrder, reason string) error {
	if err := d.Store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusBlocked, reason); err != nil {
		return fmt.Errorf("op=dispatcher.block: %w", err)
	}
	return d.publish(ctx, wo.ID, domain.StatusBlocked, wo.Owner, wo.RetryCount, "block", reason)
}

func (d *Dispatcher) completeWorkOrder(ctx domain.Context, wo domain.WorkOrder, output string) error {
	if err := d.Store.RecordResult(ctx, wo.ID, output); err != nil {
		return fmt.Errorf("op=dispatcher.complete.record_result: %w", err)
	}
	if err := d.Store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusCompleted, "qa passed"); err != nil {
		return fmt.Errorf("op=dispatcher.complete.transition: %w", err)
	}
	return d.publish(ctx, wo.ID, domain.StatusCompleted, wo.Owner, wo.RetryCount, "completed", "")
}

func (d *Dispatcher) publish(ctx domain.Context, workOrderID string, status domain.WorkOrderStatus, tier domain.Tier, attempt int, progress, detail string) error {
	if d.Events == nil {
		return nil
	}
	evt := domain.ProgressEvent{
		WorkOrderID: workOrderID,
		Status:      status,
		Tier:        tier,
		Attempt:     attempt,
		Progress:    progress,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	}
	channel := "work-order:" + workOrderID + ":progress"
	if err := d.Events.PublishEvent(ctx, channel, evt); err != nil {
		return fmt.Errorf("op=dispatcher.publish: %w", err)
	}
	return nil
}
