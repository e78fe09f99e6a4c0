// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the application including work order
// creation, querying, resumption and progress streaming.
// The package follows clean architecture principles and provides
// a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Admin       *usecase.AdminService
	Store       domain.WorkOrderStore
	Audit       domain.AuditRepository
	Events      domain.EventBus
	DBCheck     func(ctx context.Context) error
	QdrantCheck func(ctx context.Context) error
	QueueCheck  func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, admin *usecase.AdminService, store domain.WorkOrderStore, audit domain.AuditRepository, events domain.EventBus, dbCheck, qdrantCheck, queueCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Admin: admin, Store: store, Audit: audit, Events: events, DBCheck: dbCheck, QdrantCheck: qdrantCheck, QueueCheck: queueCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// CreateWorkOrderHandler accepts an inbound message, classifies it via
// Admin, and either enqueues a new work order or returns a clarifying
// question.
func (s *Server) CreateWorkOrderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var body struct {
			Channel        string   `json:"channel" validate:"required"`
			ExternalUserID string   `json:"external_user_id" validate:"required"`
			Message        string   `json:"message" validate:"required"`
			History        []string `json:"history"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}

		res, err := s.Admin.Classify(r.Context(), usecase.ClassifyRequest{
			Channel:        body.Channel,
			ExternalUserID: body.ExternalUserID,
			Message:        body.Message,
			History:        body.History,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("classify: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"work_order_id":       res.WorkOrderID,
			"enqueued":            res.Enqueued,
			"clarifying_question": res.ClarifyingQuestion,
		})
	}
}

// ResumeWorkOrderHandler re-classifies a prior "unclear" work order now
// that the caller supplied the clarification it asked for.
func (s *Server) ResumeWorkOrderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var body struct {
			Reply string `json:"reply" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}

		res, err := s.Admin.ResumeWorkOrder(r.Context(), id, body.Reply)
		if err != nil {
			writeError(w, r, fmt.Errorf("resume: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"work_order_id":       res.WorkOrderID,
			"enqueued":            res.Enqueued,
			"clarifying_question": res.ClarifyingQuestion,
		})
	}
}

// GetWorkOrderHandler returns a single work order's current state.
func (s *Server) GetWorkOrderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		validation := ValidateWorkOrderID(id)
		if !validation.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid work order id", domain.ErrInvalidArgument), validation.Errors)
			return
		}
		wo, err := s.Store.GetWorkOrder(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, workOrderEnvelope(wo))
	}
}

// QueryWorkOrdersHandler lists work orders filtered by status/owner.
func (s *Server) QueryWorkOrdersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		status := SanitizeString(q.Get("status"))
		owner := SanitizeString(q.Get("owner"))
		limitStr := SanitizeString(q.Get("limit"))

		if validation := ValidateStatus(status); !validation.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid status filter", domain.ErrInvalidArgument), validation.Errors)
			return
		}

		var filter domain.WorkOrderFilter
		if status != "" {
			st := domain.WorkOrderStatus(status)
			filter.Status = &st
		}
		if owner != "" {
			t := domain.Tier(owner)
			filter.Owner = &t
		}

		limit := 50
		if limitStr != "" {
			n, err := strconv.Atoi(limitStr)
			if err != nil || n < 1 || n > 500 {
				writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 500", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}

		orders, err := s.Store.QueryWorkOrders(r.Context(), filter, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, len(orders))
		for i, wo := range orders {
			out[i] = workOrderEnvelope(wo)
		}
		writeJSON(w, http.StatusOK, map[string]any{"work_orders": out})
	}
}

// QueryMetricsHandler reports system status counts and a cost report over
// a trailing window.
func (s *Server) QueryMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		status, err := s.Store.QuerySystemStatus(ctx)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		window := 24 * time.Hour
		if raw := SanitizeString(r.URL.Query().Get("window")); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				writeError(w, r, fmt.Errorf("%w: window must be a positive duration", domain.ErrInvalidArgument), nil)
				return
			}
			window = d
		}
		cost, err := s.Store.QueryCost(ctx, window)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"counts_by_status": status.CountsByStatus,
			"cost": map[string]any{
				"window_seconds":    window.Seconds(),
				"total_cost_usd":    cost.TotalCostUSD,
				"prompt_tokens":     cost.PromptTokens,
				"completion_tokens": cost.CompletionTokens,
				"counts_by_status":  cost.CountsByStatus,
			},
		})
	}
}

// SubscribeProgressHandler relays ProgressEvents for one work order as a
// chunked, newline-delimited JSON stream until the client disconnects or
// the work order reaches a terminal status.
func (s *Server) SubscribeProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if validation := ValidateWorkOrderID(id); !validation.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid work order id", domain.ErrInvalidArgument), validation.Errors)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("streaming unsupported"), nil)
			return
		}

		ctx := r.Context()
		ch, cancel, err := s.Events.Subscribe(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		enc := json.NewEncoder(w)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, open := <-ch:
				if !open {
					return
				}
				if err := enc.Encode(evt); err != nil {
					return
				}
				flusher.Flush()
				if domain.IsTerminal(evt.Status) {
					return
				}
			}
		}
	}
}

// ReadyzHandler returns a readiness handler that probes the store,
// Qdrant, and the queue.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		for _, c := range []struct {
			name string
			fn   func(context.Context) error
		}{
			{"store", s.DBCheck},
			{"qdrant", s.QdrantCheck},
			{"queue", s.QueueCheck},
		} {
			if c.fn == nil {
				continue
			}
			if err := c.fn(ctx); err != nil {
				checks = append(checks, check{Name: c.name, OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: c.name, OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// OpenAPIServe serves api/openapi.yaml if present (used by the admin UI and clients).
func (s *Server) OpenAPIServe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := os.ReadFile("api/openapi.yaml")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}

// MountAdmin mounts the admin dashboard API using the AdminServer.
func (s *Server) MountAdmin(r chi.Router) {
	adminServer, err := NewAdminServer(s.Cfg, s)
	if err != nil {
		return
	}
	r.Post("/admin/token", adminServer.AdminTokenHandler())
	r.Get("/admin/api/status", adminServer.AdminStatusHandler())
	r.Get("/admin/api/stats", adminServer.AdminStatsHandler())
	r.Get("/admin/api/jobs", adminServer.AdminJobsHandler())
	r.Get("/admin/api/jobs/{id}", adminServer.AdminJobDetailsHandler())
}

// workOrderEnvelope builds the JSON-facing view of a WorkOrder.
func workOrderEnvelope(wo domain.WorkOrder) map[string]any {
	m := map[string]any{
		"id":               wo.ID,
		"intent":           wo.Intent,
		"difficulty":       string(wo.Difficulty),
		"owner":            string(wo.Owner),
		"status":           string(wo.Status),
		"retry_count":      wo.RetryCount,
		"max_retries":      wo.MaxRetries,
		"escalation_chain": wo.EscalationChain,
		"session_id":       wo.SessionID,
		"cost_usd":         wo.CostUSD,
		"created_at":       wo.CreatedAt.Format(time.RFC3339),
		"updated_at":       wo.UpdatedAt.Format(time.RFC3339),
	}
	if wo.LastError != "" {
		m["last_error"] = wo.LastError
	}
	if wo.Status == domain.StatusCompleted {
		m["result"] = wo.ResultOutput
	}
	return m
}

// getSystemStatus returns the admin dashboard summary.
func (s *Server) getSystemStatus(ctx context.Context) map[string]any {
	status, err := s.Store.QuerySystemStatus(ctx)
	if err != nil {
		return map[string]any{
			"error": map[string]any{
				"code":    "STATUS_ERROR",
				"message": "Failed to retrieve system status",
				"details": map[string]any{"error": err.Error()},
			},
		}
	}
	return map[string]any{"counts_by_status": status.CountsByStatus}
}

// getWorkOrders returns a paginated, filtered work order list for the
// admin dashboard.
func (s *Server) getWorkOrders(ctx context.Context, page, limit, status string) map[string]any {
	pageNum := 1
	limitNum := 10
	if p, err := strconv.Atoi(page); err == nil && p > 0 {
		pageNum = p
	}
	if l, err := strconv.Atoi(limit); err == nil && l > 0 && l <= 100 {
		limitNum = l
	}

	var filter domain.WorkOrderFilter
	if status != "" {
		st := domain.WorkOrderStatus(status)
		filter.Status = &st
	}

	orders, err := s.Store.QueryWorkOrders(ctx, filter, pageNum*limitNum)
	if err != nil {
		return map[string]any{
			"error": map[string]any{
				"code":    "QUERY_ERROR",
				"message": "Failed to retrieve work orders",
				"details": map[string]any{"error": err.Error()},
			},
			"work_orders": []map[string]any{},
			"pagination":  map[string]any{"page": pageNum, "limit": limitNum, "total": 0},
		}
	}

	start := (pageNum - 1) * limitNum
	if start > len(orders) {
		start = len(orders)
	}
	end := start + limitNum
	if end > len(orders) {
		end = len(orders)
	}
	paged := orders[start:end]

	list := make([]map[string]any, len(paged))
	for i, wo := range paged {
		list[i] = workOrderEnvelope(wo)
	}

	return map[string]any{
		"work_orders": list,
		"pagination":  map[string]any{"page": pageNum, "limit": limitNum, "total": len(orders)},
	}
}

// getWorkOrderDetails returns one work order's full detail, including its
// audit trail, for the admin dashboard.
func (s *Server) getWorkOrderDetails(ctx context.Context, id string) map[string]any {
	wo, err := s.Store.GetWorkOrder(ctx, id)
	if err != nil {
		return map[string]any{
			"error": map[string]any{
				"code":    "NOT_FOUND",
				"message": "Work order not found",
				"details": map[string]any{"id": id},
			},
		}
	}

	detail := workOrderEnvelope(wo)
	if s.Audit != nil {
		if logs, err := s.Audit.QueryByWorkOrder(ctx, id); err == nil {
			entries := make([]map[string]any, len(logs))
			for i, l := range logs {
				entries[i] = map[string]any{
					"action":    l.Action,
					"status":    l.Status,
					"actor":     l.Actor,
					"timestamp": l.Timestamp.Format(time.RFC3339),
				}
			}
			detail["audit"] = entries
		}
	}
	return detail
}

// validationDetails flattens validator.ValidationErrors into a field->tag map.
func validationDetails(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}
