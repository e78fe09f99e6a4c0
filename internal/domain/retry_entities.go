// Package domain defines retry and escalation entities for resilient,
// tiered work-order processing.
package domain

import (
	"time"
)

// RetryStatus represents the retry state of a work order at its current
// tier.
type RetryStatus string

const (
	// RetryStatusNone indicates no retries have been attempted.
	RetryStatusNone RetryStatus = "none"
	// RetryStatusRetrying indicates the work order is being retried.
	RetryStatusRetrying RetryStatus = "retrying"
	// RetryStatusExhausted indicates the current tier's retry budget is spent.
	RetryStatusExhausted RetryStatus = "exhausted"
	// RetryStatusDLQ indicates the work order has been moved to the DLQ.
	RetryStatusDLQ RetryStatus = "dlq"
)

// RetryConfig defines retry behavior for work order processing.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts per tier.
	MaxRetries int
	// InitialDelay is the initial delay before first retry.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd.
	Jitter bool
	// RetryableErrors defines which errors should trigger retries.
	RetryableErrors []string
	// NonRetryableErrors defines which errors should not trigger retries.
	NonRetryableErrors []string
}

// DefaultRetryConfig returns a sensible default retry configuration:
// base=1s backoff (InitialDelay), cap=60s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limited",
			"upstream timeout",
			"upstream rate limit",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"schema invalid",
			"authentication failed",
			"authorization failed",
		},
	}
}

// RetryInfo tracks retry attempts for a work order at its current tier.
type RetryInfo struct {
	// AttemptCount is the current retry attempt number at this tier.
	AttemptCount int
	// MaxAttempts is the maximum number of retry attempts.
	MaxAttempts int
	// LastAttemptAt is the timestamp of the last retry attempt.
	LastAttemptAt time.Time
	// NextRetryAt is the timestamp when the next retry should occur.
	NextRetryAt time.Time
	// RetryStatus is the current retry status.
	RetryStatus RetryStatus
	// LastError is the error from the last attempt.
	LastError string
	// ErrorHistory is the history of all errors encountered at this tier.
	ErrorHistory []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ShouldRetry determines if a work order should be retried at its current
// tier based on the error and retry config.
func (ri *RetryInfo) ShouldRetry(err error, config RetryConfig) bool {
	if ri.AttemptCount >= config.MaxRetries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}

	errorStr := err.Error()
	for _, retryableErr := range config.RetryableErrors {
		if contains(errorStr, retryableErr) {
			return true
		}
	}
	for _, nonRetryableErr := range config.NonRetryableErrors {
		if contains(errorStr, nonRetryableErr) {
			return false
		}
	}
	// Default to retryable for unknown errors.
	return true
}

// CalculateNextRetryDelay calculates the delay for the next retry attempt:
// base * multiplier^attempt, capped, plus jitter.
func (ri *RetryInfo) CalculateNextRetryDelay(config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * pow(config.Multiplier, float64(ri.AttemptCount)))

	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.Jitter {
		jitter := time.Duration(float64(delay) * 0.1) // 10% jitter
		delay += jitter
	}

	return delay
}

// UpdateRetryAttempt updates the retry info after an attempt.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()

	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
}

// MarkAsExhausted marks the retry info as exhausted for this tier.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the retry info as moved to the board (blocked, DLQ).
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the retry info as currently retrying.
func (ri *RetryInfo) MarkAsRetrying() {
	ri.RetryStatus = RetryStatusRetrying
	ri.UpdatedAt = time.Now()
}

// Reset clears attempt state for a fresh tier after escalation, restoring
// retry_count to 0 for the new tier.
func (ri *RetryInfo) Reset() {
	*ri = RetryInfo{CreatedAt: ri.CreatedAt}
}

// EscalationAction is the decision produced by the Escalation Controller.
type EscalationAction string

// Recognized escalation actions.
const (
	ActionRetrySameTier    EscalationAction = "retry_same_tier"
	ActionEscalateNextTier EscalationAction = "escalate_next_tier"
	ActionNotifyBoard      EscalationAction = "notify_board"
	ActionBlock            EscalationAction = "block"
)

// EscalationDecision is the result of evaluating next_action(wo) for a
// failed attempt.
type EscalationDecision struct {
	Action    EscalationAction
	NextTier  Tier
	Reason    string
	BoardNote string
}

// Helper functions

func contains(s, substr string) bool {
	return len(s) >= len(substr) && s[:len(substr)] == substr
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
