// Package domain defines core entities, ports, and domain-specific errors
// for the tiered-agent work-order scheduler.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate limited")
	ErrUpstreamTimeout    = errors.New("upstream timeout")
	ErrUpstreamRateLimit  = errors.New("upstream rate limit")
	ErrSchemaInvalid      = errors.New("schema invalid")
	ErrInternal           = errors.New("internal error")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrQueueUnavailable   = errors.New("queue unavailable")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrCancelled          = errors.New("cancelled")
	ErrQAFailure          = errors.New("qa failure")
)

// Difficulty classifies how hard a work order is, as decided by Admin.
type Difficulty string

// Recognized difficulty values.
const (
	DifficultyTrivial Difficulty = "trivial"
	DifficultyNormal  Difficulty = "normal"
	DifficultyComplex Difficulty = "complex"
	DifficultyUnclear Difficulty = "unclear"
)

// Tier names the owner of a work order. Tiers also double as the escalation
// ladder, except Admin which is classifier-only and never escalated to.
type Tier string

// Recognized tiers.
const (
	TierIntern   Tier = "intern"
	TierDirector Tier = "director"
	TierCEO      Tier = "ceo"
	TierAdmin    Tier = "admin"
)

// WorkOrderStatus captures the lifecycle state of a work order.
type WorkOrderStatus string

// Work order status values. IsAllowedTransition enforces the allowed
// transition table between them.
const (
	StatusQueued     WorkOrderStatus = "queued"
	StatusInProgress WorkOrderStatus = "in_progress"
	StatusCompleted  WorkOrderStatus = "completed"
	StatusFailed     WorkOrderStatus = "failed"
	StatusEscalated  WorkOrderStatus = "escalated"
	StatusCancelled  WorkOrderStatus = "cancelled"
	StatusBlocked    WorkOrderStatus = "blocked"
)

// allowedTransitions enumerates every transition the Store will accept.
// TransitionStatus rejects anything not listed here with ErrConflict.
var allowedTransitions = map[WorkOrderStatus]map[WorkOrderStatus]bool{
	StatusQueued: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusEscalated: true,
		StatusBlocked:   true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusInProgress: true,
		StatusEscalated:  true,
		StatusBlocked:    true,
	},
	StatusEscalated: {
		StatusInProgress: true,
		StatusBlocked:    true,
	},
}

// IsAllowedTransition reports whether moving from `from` to `to` is legal.
func IsAllowedTransition(from, to WorkOrderStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether a status is terminal: no further mutation is
// permitted once a work order reaches it.
func IsTerminal(s WorkOrderStatus) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusBlocked:
		return true
	default:
		return false
	}
}

// WorkOrder is the primary entity: one unit of user-originated work with a
// full lifecycle, from classification through completion or termination.
//
//go:generate mockery --name=WorkOrderStore --with-expecter --filename=workorder_store_mock.go
//go:generate mockery --name=AuditRepository --with-expecter --filename=audit_repository_mock.go
//go:generate mockery --name=MetricRepository --with-expecter --filename=metric_repository_mock.go
//go:generate mockery --name=SessionRepository --with-expecter --filename=session_repository_mock.go
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=ModelClient --with-expecter --filename=modelclient_mock.go
//go:generate mockery --name=EventBus --with-expecter --filename=eventbus_mock.go
type WorkOrder struct {
	// ID is an opaque, globally unique, time-sortable identifier (ULID).
	ID string
	// Intent is a short tag describing the user's goal.
	Intent string
	// Difficulty is the classification Admin assigned.
	Difficulty Difficulty
	// Owner is the tier currently responsible for this work order.
	Owner Tier
	// Status is the current lifecycle state.
	Status WorkOrderStatus
	// CompressedContext is Admin's ≤~1000-token summary of the request.
	CompressedContext string
	// RelevantFiles is an ordered list of path hints.
	RelevantFiles []string
	// QARequirements is free-text success criteria injected into the prompt.
	QARequirements string
	// QASpecRef optionally names a declarative QA spec to validate against.
	QASpecRef string
	// EquipmentHint optionally names a deterministic script that can
	// fulfil this work order instead of a model call.
	EquipmentHint string
	// RetryCount is the number of attempts made at the current tier.
	RetryCount int
	// MaxRetries bounds RetryCount; default 3.
	MaxRetries int
	// EscalationChain is the ordered list of tiers already attempted.
	// Only ever appended to.
	EscalationChain []Tier
	// LastError is the most recent failure reason, if any.
	LastError string
	// ResultOutput is the model (or equipment) output once completed.
	ResultOutput string
	// SessionID correlates this work order with others from the same user.
	SessionID   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	// CostUSD, PromptTokens, CompletionTokens accumulate across attempts
	// and are monotonically non-decreasing.
	CostUSD          float64
	PromptTokens     int64
	CompletionTokens int64
}

// AuditLog is an append-only record of an actor action. Never mutated.
type AuditLog struct {
	ID          string
	WorkOrderID string
	SessionID   string
	Actor       string
	Action      string
	Status      string
	DetailsJSON string
	Timestamp   time.Time
}

// AgentMetric is one record per model (or equipment) invocation.
type AgentMetric struct {
	ID               string
	WorkOrderID      string
	AgentName        string
	Role             Tier
	Model            string
	Provider         string
	Success          bool
	LatencyMS        int64
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	Timestamp        time.Time
}

// Session correlates a stream of work orders from one user.
type Session struct {
	ID             string
	Channel        string
	ExternalUserID string
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// Context is a type alias to stdlib context.Context for convenience across
// layers, matching the rest of the codebase's port signatures.
type Context = context.Context

// Repositories (ports)

// WorkOrderStore is the narrow, transactional API every component uses to
// read and mutate work orders. No component touches storage directly.
type WorkOrderStore interface {
	CreateWorkOrder(ctx Context, w WorkOrder) (string, error)
	GetWorkOrder(ctx Context, id string) (WorkOrder, error)
	TransitionStatus(ctx Context, id string, from, to WorkOrderStatus, reason string) error
	RecordAttempt(ctx Context, id string, m AgentMetric, attemptFailed bool) error
	RecordResult(ctx Context, id string, output string) error
	// Escalate moves a work order to newOwner, resets its retry_count to 0
	// for the new tier, and appends newOwner to escalation_chain. Callers
	// transition status to StatusEscalated before calling this and back to
	// StatusInProgress after, so the owner change itself is never observed
	// mid-transition.
	Escalate(ctx Context, id string, newOwner Tier, reason string) error
	QueryWorkOrders(ctx Context, f WorkOrderFilter, limit int) ([]WorkOrder, error)
	QuerySystemStatus(ctx Context) (SystemStatus, error)
	QueryCost(ctx Context, window time.Duration) (CostReport, error)
}

// WorkOrderFilter narrows QueryWorkOrders results.
type WorkOrderFilter struct {
	Status *WorkOrderStatus
	Owner  *Tier
}

// SystemStatus summarizes work order counts by status.
type SystemStatus struct {
	CountsByStatus map[WorkOrderStatus]int64
}

// CostReport summarizes token/cost usage over a time window.
type CostReport struct {
	TotalCostUSD     float64
	PromptTokens     int64
	CompletionTokens int64
	CountsByStatus   map[WorkOrderStatus]int64
}

// AuditRepository appends and queries AuditLog entries.
type AuditRepository interface {
	Append(ctx Context, e AuditLog) error
	QueryByWorkOrder(ctx Context, workOrderID string) ([]AuditLog, error)
}

// MetricRepository appends and queries AgentMetric entries.
type MetricRepository interface {
	Append(ctx Context, m AgentMetric) error
	QueryByWorkOrder(ctx Context, workOrderID string) ([]AgentMetric, error)
}

// SessionRepository manages Session correlation records.
type SessionRepository interface {
	GetOrCreate(ctx Context, channel, externalUserID string) (Session, error)
	Touch(ctx Context, id string) error
}

// Queue (port)

// Queue is the only cross-process synchronization primitive: an
// append-only stream with consumer groups giving at-least-once delivery,
// plus a separate, non-persisted pub/sub topic space for progress events.
type Queue interface {
	Enqueue(ctx Context, workOrderID string, payload DispatchPayload) (string, error)
	Consume(ctx Context, group, consumerName string, maxCount int, blockTimeout time.Duration) ([]QueueMessage, error)
	Ack(ctx Context, group, entryID string) error
	ClaimStale(ctx Context, group string, idleThreshold time.Duration) ([]QueueMessage, error)
}

// EventBus publishes progress events on a volatile, per-work-order channel.
// Subscribers never persist what they receive; a missed event is
// acceptable because clients recover via WorkOrderStore queries.
type EventBus interface {
	PublishEvent(ctx Context, channel string, evt ProgressEvent) error
	Subscribe(ctx Context, channel string) (<-chan ProgressEvent, func(), error)
}

// ProgressEvent is the payload published on every noteworthy transition.
type ProgressEvent struct {
	WorkOrderID string          `json:"work_order_id"`
	Status      WorkOrderStatus `json:"status"`
	Tier        Tier            `json:"tier"`
	Attempt     int             `json:"attempt"`
	Progress    string          `json:"progress,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// QueueMessage is the volatile envelope delivered by Consume/ClaimStale.
type QueueMessage struct {
	EntryID       string
	WorkOrderID   string
	PayloadJSON   string
	DeliveryCount int
}

// DispatchPayload is the payload enqueued for the Dispatcher to process.
type DispatchPayload struct {
	WorkOrderID string `json:"work_order_id"`
	RequestID   string `json:"request_id,omitempty"`
}

// ModelClient (port)

// ModelClient abstracts the remote (or local) LLM provider used by a tier.
// A single implementation may back several tiers at different model
// names; the Dispatcher resolves which provider/model to call through the
// tier-to-model mapping, not through this interface.
type ModelClient interface {
	// Embed returns embedding vectors for texts.
	Embed(ctx Context, texts []string) ([][]float32, error)
	// ChatJSON returns a JSON-ish completion for the assembled prompt.
	// maxTokens bounds the completion; the caller enforces the per-tier
	// timeout via context.
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// FailureKind classifies a ModelClient failure for dispatcher retry logic.
type FailureKind string

// Recognized failure kinds, the model-facing subset of the error taxonomy.
const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// EquipmentScript is a deterministic script Admin can match against and
// the Dispatcher can run instead of calling a model.
type EquipmentScript struct {
	Name        string
	Description string
	Keywords    []string
	Embedding   []float32
}

// EquipmentIndex (port) matches a message against registered equipment.
type EquipmentIndex interface {
	Match(ctx Context, embedding []float32, threshold float32) (EquipmentScript, bool, error)
	Seed(ctx Context, scripts []EquipmentScript) error
}

// AttachmentExtractor (port) turns an uploaded attachment into text before
// Admin classification runs over it.
type AttachmentExtractor interface {
	ExtractPath(ctx Context, fileName, path string) (string, error)
}
