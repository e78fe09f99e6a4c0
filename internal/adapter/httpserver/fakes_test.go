package httpserver_test

import (
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// fakeStore is a minimal in-memory domain.WorkOrderStore for handler tests.
type fakeStore struct {
	workOrders map[string]domain.WorkOrder
}

func newFakeStore(orders ...domain.WorkOrder) *fakeStore {
	s := &fakeStore{workOrders: map[string]domain.WorkOrder{}}
	for _, o := range orders {
		s.workOrders[o.ID] = o
	}
	return s
}

func (s *fakeStore) CreateWorkOrder(_ domain.Context, w domain.WorkOrder) (string, error) {
	if w.ID == "" {
		w.ID = "wo-generated"
	}
	s.workOrders[w.ID] = w
	return w.ID, nil
}

func (s *fakeStore) GetWorkOrder(_ domain.Context, id string) (domain.WorkOrder, error) {
	w, ok := s.workOrders[id]
	if !ok {
		return domain.WorkOrder{}, domain.ErrNotFound
	}
	return w, nil
}

func (s *fakeStore) TransitionStatus(_ domain.Context, id string, _, to domain.WorkOrderStatus, _ string) error {
	w, ok := s.workOrders[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Status = to
	s.workOrders[id] = w
	return nil
}

func (s *fakeStore) RecordAttempt(_ domain.Context, _ string, _ domain.AgentMetric, _ bool) error {
	return nil
}

func (s *fakeStore) RecordResult(_ domain.Context, id string, output string) error {
	w, ok := s.workOrders[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.ResultOutput = output
	w.Status = domain.StatusCompleted
	s.workOrders[id] = w
	return nil
}

func (s *fakeStore) Escalate(_ domain.Context, id string, newOwner domain.Tier, _ string) error {
	w, ok := s.workOrders[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Owner = newOwner
	w.Status = domain.StatusEscalated
	s.workOrders[id] = w
	return nil
}

func (s *fakeStore) QueryWorkOrders(_ domain.Context, filter domain.WorkOrderFilter, limit int) ([]domain.WorkOrder, error) {
	out := make([]domain.WorkOrder, 0, len(s.workOrders))
	for _, w := range s.workOrders {
		if filter.Status != nil && w.Status != *filter.Status {
			continue
		}
		if filter.Owner != nil && w.Owner != *filter.Owner {
			continue
		}
		out = append(out, w)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) QuerySystemStatus(_ domain.Context) (domain.SystemStatus, error) {
	counts := map[domain.WorkOrderStatus]int64{}
	for _, w := range s.workOrders {
		counts[w.Status]++
	}
	return domain.SystemStatus{CountsByStatus: counts}, nil
}

func (s *fakeStore) QueryCost(_ domain.Context, _ time.Duration) (domain.CostReport, error) {
	var report domain.CostReport
	for _, w := range s.workOrders {
		report.TotalCostUSD += w.CostUSD
		report.PromptTokens += w.PromptTokens
		report.CompletionTokens += w.CompletionTokens
	}
	return report, nil
}

// fakeAudit is a minimal in-memory domain.AuditRepository for handler tests.
type fakeAudit struct {
	entries []domain.AuditLog
}

func (a *fakeAudit) Append(_ domain.Context, e domain.AuditLog) error {
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAudit) QueryByWorkOrder(_ domain.Context, workOrderID string) ([]domain.AuditLog, error) {
	var out []domain.AuditLog
	for _, e := range a.entries {
		if e.WorkOrderID == workOrderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeEventBus is a minimal domain.EventBus for handler tests; Subscribe
// returns a channel that is closed immediately.
type fakeEventBus struct{}

func (fakeEventBus) PublishEvent(domain.Context, string, domain.ProgressEvent) error {
	return nil
}

func (fakeEventBus) Subscribe(_ domain.Context, _ string) (<-chan domain.ProgressEvent, func(), error) {
	ch := make(chan domain.ProgressEvent)
	close(ch)
	return ch, func() {}, nil
}
