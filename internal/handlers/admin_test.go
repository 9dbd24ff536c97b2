package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/services"
)

type stubAdminSystemService struct {
	listFn    func(ctx context.Context, filter services.AuditLogFilter) (services.CursorPage[services.AuditLogEntry], error)
	counterFn func(ctx context.Context, cmd services.CounterCommand) (int64, error)
}

func (s *stubAdminSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return services.SystemHealthReport{Status: domain.HealthStatusOK}, nil
}

func (s *stubAdminSystemService) ListAuditLogs(ctx context.Context, filter services.AuditLogFilter) (services.CursorPage[services.AuditLogEntry], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return services.CursorPage[services.AuditLogEntry]{}, nil
}

func (s *stubAdminSystemService) NextCounterValue(ctx context.Context, cmd services.CounterCommand) (int64, error) {
	if s.counterFn != nil {
		return s.counterFn(ctx, cmd)
	}
	return 0, nil
}

var _ services.SystemService = (*stubAdminSystemService)(nil)

func newAdminRouter(svc services.SystemService) http.Handler {
	router := chi.NewRouter()
	router.Route("/admin", NewAdminHandlers(nil, svc).Routes)
	return router
}

func TestAdminHandlersListAuditLogs(t *testing.T) {
	now := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	var captured services.AuditLogFilter
	svc := &stubAdminSystemService{
		listFn: func(ctx context.Context, filter services.AuditLogFilter) (services.CursorPage[services.AuditLogEntry], error) {
			captured = filter
			return services.CursorPage[services.AuditLogEntry]{
				Items: []services.AuditLogEntry{
					{
						ID:        "aud_01",
						Actor:     "clerk-1",
						ActorType: "user",
						Action:    "item.update",
						TargetRef: "items/itm_01",
						CreatedAt: now,
					},
				},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/admin/audit-logs?actor=clerk-1&action=item.update&target_ref=items/itm_01&created_after=2024-06-01T00:00:00Z", nil), "admin-1")
	rr := httptest.NewRecorder()

	newAdminRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Actor != "clerk-1" {
		t.Fatalf("expected actor filter clerk-1, got %s", captured.Actor)
	}
	if captured.Action != "item.update" {
		t.Fatalf("expected action filter, got %s", captured.Action)
	}
	if captured.DateRange.From == nil {
		t.Fatal("expected created_after to populate the date range")
	}

	var payload auditLogListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if len(payload.AuditLogs) != 1 || payload.AuditLogs[0].Action != "item.update" {
		t.Fatalf("unexpected audit logs: %+v", payload.AuditLogs)
	}
	if payload.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token, got %s", payload.NextPageToken)
	}
}

func TestAdminHandlersNextCounterValue(t *testing.T) {
	svc := &stubAdminSystemService{
		counterFn: func(ctx context.Context, cmd services.CounterCommand) (int64, error) {
			if cmd.CounterID != "documents:purchase_order" {
				t.Fatalf("unexpected counter id %s", cmd.CounterID)
			}
			if cmd.Step != 1 {
				t.Fatalf("unexpected step %d", cmd.Step)
			}
			return 42, nil
		},
	}

	body := bytes.NewBufferString(`{"counter_id":"documents:purchase_order","step":1}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/admin/counters:next", body), "admin-1")
	rr := httptest.NewRecorder()

	newAdminRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var payload counterValueResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Value != 42 {
		t.Fatalf("expected value 42, got %d", payload.Value)
	}
}

func TestAdminHandlersNextCounterValue_Exhausted(t *testing.T) {
	svc := &stubAdminSystemService{
		counterFn: func(ctx context.Context, cmd services.CounterCommand) (int64, error) {
			return 0, services.ErrCounterExhausted
		},
	}

	body := bytes.NewBufferString(`{"counter_id":"documents:invoice","step":1}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/admin/counters:next", body), "admin-1")
	rr := httptest.NewRecorder()

	newAdminRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestAdminHandlersUnauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/audit-logs", nil)
	rr := httptest.NewRecorder()

	newAdminRouter(&stubAdminSystemService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
