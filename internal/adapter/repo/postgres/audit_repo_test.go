package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

func TestAuditRepo_Append_OK(t *testing.T) {
	p := &poolStub{}
	r := postgres.NewAuditRepo(p)
	err := r.Append(context.Background(), domain.AuditLog{
		WorkOrderID: "wo-1", Actor: "dispatcher", Action: "transition_status", Status: "in_progress",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestAuditRepo_Append_GeneratesIDAndTimestamp(t *testing.T) {
	p := &poolStub{}
	r := postgres.NewAuditRepo(p)
	if err := r.Append(context.Background(), domain.AuditLog{WorkOrderID: "wo-1", Actor: "x", Action: "y", Status: "z"}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestAuditRepo_Append_ExecError(t *testing.T) {
	p := &poolStub{execErr: errors.New("insert failed")}
	r := postgres.NewAuditRepo(p)
	err := r.Append(context.Background(), domain.AuditLog{WorkOrderID: "wo-1", Actor: "a", Action: "b", Status: "c"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestAuditRepo_QueryByWorkOrder_OK(t *testing.T) {
	ts := time.Now().UTC()
	rows := &rowsStub{scans: []func(dest ...any) error{
		func(dest ...any) error {
			*(dest[0].(*string)) = "a1"
			*(dest[1].(*string)) = "wo-1"
			*(dest[2].(*string)) = "sess-1"
			*(dest[3].(*string)) = "dispatcher"
			*(dest[4].(*string)) = "transition_status"
			*(dest[5].(*string)) = "completed"
			*(dest[6].(*string)) = ""
			*(dest[7].(*time.Time)) = ts
			return nil
		},
	}}
	p := &poolStub{rows: rows}
	r := postgres.NewAuditRepo(p)
	out, err := r.QueryByWorkOrder(context.Background(), "wo-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 1 || out[0].ID != "a1" || out[0].Action != "transition_status" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestAuditRepo_QueryByWorkOrder_QueryError(t *testing.T) {
	p := &poolStub{queryErr: errors.New("boom")}
	r := postgres.NewAuditRepo(p)
	if _, err := r.QueryByWorkOrder(context.Background(), "wo-1"); err == nil {
		t.Fatalf("expected error")
	}
}
