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

type stubInvoiceService struct {
	createFn   func(ctx context.Context, cmd services.CreateInvoiceCommand) (services.Invoice, error)
	generateFn func(ctx context.Context, cmd services.GenerateInvoiceCommand) (services.Invoice, error)
	markPaidFn func(ctx context.Context, cmd services.MarkInvoicePaidCommand) (services.Invoice, error)
	voidFn     func(ctx context.Context, invoiceID string, actorRef string) (services.Invoice, error)
	getFn      func(ctx context.Context, invoiceID string) (services.Invoice, error)
	listFn     func(ctx context.Context, filter services.InvoiceListFilter) (services.CursorPage[services.Invoice], error)
}

func (s *stubInvoiceService) CreateInvoice(ctx context.Context, cmd services.CreateInvoiceCommand) (services.Invoice, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Invoice{}, nil
}

func (s *stubInvoiceService) GenerateFromSale(ctx context.Context, cmd services.GenerateInvoiceCommand) (services.Invoice, error) {
	if s.generateFn != nil {
		return s.generateFn(ctx, cmd)
	}
	return services.Invoice{}, nil
}

func (s *stubInvoiceService) MarkPaid(ctx context.Context, cmd services.MarkInvoicePaidCommand) (services.Invoice, error) {
	if s.markPaidFn != nil {
		return s.markPaidFn(ctx, cmd)
	}
	return services.Invoice{}, nil
}

func (s *stubInvoiceService) VoidInvoice(ctx context.Context, invoiceID string, actorRef string) (services.Invoice, error) {
	if s.voidFn != nil {
		return s.voidFn(ctx, invoiceID, actorRef)
	}
	return services.Invoice{}, nil
}

func (s *stubInvoiceService) GetInvoice(ctx context.Context, invoiceID string) (services.Invoice, error) {
	if s.getFn != nil {
		return s.getFn(ctx, invoiceID)
	}
	return services.Invoice{}, nil
}

func (s *stubInvoiceService) ListInvoices(ctx context.Context, filter services.InvoiceListFilter) (services.CursorPage[services.Invoice], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return services.CursorPage[services.Invoice]{}, nil
}

var _ services.InvoiceService = (*stubInvoiceService)(nil)

func newInvoiceRouter(svc services.InvoiceService) http.Handler {
	router := chi.NewRouter()
	router.Route("/invoices", NewInvoiceHandlers(nil, svc).Routes)
	return router
}

func TestInvoiceHandlersCreate_Success(t *testing.T) {
	now := time.Date(2024, 6, 6, 9, 0, 0, 0, time.UTC)
	var received services.CreateInvoiceCommand
	svc := &stubInvoiceService{
		createFn: func(ctx context.Context, cmd services.CreateInvoiceCommand) (services.Invoice, error) {
			received = cmd
			return services.Invoice{
				ID:           "inv_01",
				Number:       "I-000019",
				CustomerName: cmd.CustomerName,
				Lines:        cmd.Lines,
				Totals:       domain.OrderTotals{Subtotal: 998, GrandTotal: 998},
				IssuedAt:     now,
				DueAt:        cmd.DueAt,
				Status:       domain.InvoiceStatusDraft,
				CreatedAt:    now,
			}, nil
		},
	}

	body := bytes.NewBufferString(`{"customer_name":"Jordan Blake","customer_email":"jordan@example.com","lines":[{"item_ref":"itm_01","sku":"WID-001","name":"Widget","quantity":2,"unit_price":499}],"due_at":"2024-07-06T00:00:00Z"}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/invoices/", body), "clerk-1")
	rr := httptest.NewRecorder()

	newInvoiceRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.CustomerName != "Jordan Blake" {
		t.Fatalf("expected customer Jordan Blake, got %s", received.CustomerName)
	}
	if len(received.Lines) != 1 || received.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected lines: %+v", received.Lines)
	}
	if !received.DueAt.Equal(time.Date(2024, 7, 6, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected due_at: %v", received.DueAt)
	}

	var payload invoiceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Invoice.Number != "I-000019" {
		t.Fatalf("expected number I-000019, got %s", payload.Invoice.Number)
	}
}

func TestInvoiceHandlersGenerateFromSale(t *testing.T) {
	var received services.GenerateInvoiceCommand
	svc := &stubInvoiceService{
		generateFn: func(ctx context.Context, cmd services.GenerateInvoiceCommand) (services.Invoice, error) {
			received = cmd
			return services.Invoice{ID: "inv_02", SaleRef: cmd.SaleID, Status: domain.InvoiceStatusDraft}, nil
		},
	}

	body := bytes.NewBufferString(`{"sale_id":"sale_01","customer_name":"Jordan Blake"}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/invoices/from-sale", body), "clerk-1")
	rr := httptest.NewRecorder()

	newInvoiceRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.SaleID != "sale_01" {
		t.Fatalf("expected sale sale_01, got %s", received.SaleID)
	}
	if received.ActorRef != "clerk-1" {
		t.Fatalf("expected actor clerk-1, got %s", received.ActorRef)
	}
}

func TestInvoiceHandlersMarkPaid(t *testing.T) {
	var received services.MarkInvoicePaidCommand
	svc := &stubInvoiceService{
		markPaidFn: func(ctx context.Context, cmd services.MarkInvoicePaidCommand) (services.Invoice, error) {
			received = cmd
			return services.Invoice{ID: cmd.InvoiceID, Status: domain.InvoiceStatusPaid}, nil
		},
	}

	body := bytes.NewBufferString(`{"payment_method":"check","payment_ref":"chk-5521","paid_at":"2024-06-20T12:00:00Z"}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/invoices/inv_01:pay", body), "clerk-1")
	rr := httptest.NewRecorder()

	newInvoiceRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.InvoiceID != "inv_01" {
		t.Fatalf("unexpected invoice id %s", received.InvoiceID)
	}
	if received.PaymentMethod != domain.PaymentMethodCheck {
		t.Fatalf("expected CHECK method, got %s", received.PaymentMethod)
	}
	if received.PaidAt == nil || !received.PaidAt.Equal(time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected paid_at: %v", received.PaidAt)
	}
}

func TestInvoiceHandlersVoid_InvalidState(t *testing.T) {
	svc := &stubInvoiceService{
		voidFn: func(ctx context.Context, invoiceID string, actorRef string) (services.Invoice, error) {
			return services.Invoice{}, services.ErrInvoiceInvalidState
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/invoices/inv_01:void", nil), "clerk-1")
	rr := httptest.NewRecorder()

	newInvoiceRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestInvoiceHandlersList_StatusFilter(t *testing.T) {
	var captured services.InvoiceListFilter
	svc := &stubInvoiceService{
		listFn: func(ctx context.Context, filter services.InvoiceListFilter) (services.CursorPage[services.Invoice], error) {
			captured = filter
			return services.CursorPage[services.Invoice]{}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/invoices/?status=overdue", nil), "clerk-1")
	rr := httptest.NewRecorder()

	newInvoiceRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.InvoiceStatusOverdue {
		t.Fatalf("expected OVERDUE filter, got %v", captured.Status)
	}
}
