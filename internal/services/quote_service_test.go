package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

type stubQuoteRepository struct {
	insertFn   func(ctx context.Context, quote domain.Quote) error
	updateFn   func(ctx context.Context, quote domain.Quote) error
	findByIDFn func(ctx context.Context, quoteID string) (domain.Quote, error)
	listFn     func(ctx context.Context, filter repositories.QuoteFilter) (domain.CursorPage[domain.Quote], error)
}

func (s *stubQuoteRepository) Insert(ctx context.Context, quote domain.Quote) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, quote)
	}
	return nil
}

func (s *stubQuoteRepository) Update(ctx context.Context, quote domain.Quote) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, quote)
	}
	return nil
}

func (s *stubQuoteRepository) FindByID(ctx context.Context, quoteID string) (domain.Quote, error) {
	if s.findByIDFn != nil {
		return s.findByIDFn(ctx, quoteID)
	}
	return domain.Quote{}, stubRepositoryError{notFound: true}
}

func (s *stubQuoteRepository) List(ctx context.Context, filter repositories.QuoteFilter) (domain.CursorPage[domain.Quote], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Quote]{}, nil
}

type stubOrderFormService struct {
	createFn    func(ctx context.Context, cmd CreateOrderFormCommand) (OrderFormSession, error)
	createCalls []CreateOrderFormCommand
}

func (s *stubOrderFormService) CreateSession(ctx context.Context, cmd CreateOrderFormCommand) (OrderFormSession, error) {
	s.createCalls = append(s.createCalls, cmd)
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return OrderFormSession{ID: "ofs_TEST", Kind: cmd.Kind, Rows: cmd.SeedRows}, nil
}

func (s *stubOrderFormService) GetSession(context.Context, string) (OrderFormSession, error) {
	return OrderFormSession{}, nil
}

func (s *stubOrderFormService) AddRow(context.Context, MutateRowsCommand) (OrderFormSession, error) {
	return OrderFormSession{}, nil
}

func (s *stubOrderFormService) UpdateRow(context.Context, UpdateFormRowCommand) (OrderFormSession, error) {
	return OrderFormSession{}, nil
}

func (s *stubOrderFormService) RemoveRow(context.Context, RemoveFormRowCommand) (OrderFormSession, error) {
	return OrderFormSession{}, nil
}

func (s *stubOrderFormService) SetAdjustments(context.Context, SetAdjustmentsCommand) (OrderFormSession, error) {
	return OrderFormSession{}, nil
}

func (s *stubOrderFormService) BeginLookup(context.Context, BeginLookupCommand) (LookupResult, error) {
	return LookupResult{}, nil
}

func (s *stubOrderFormService) ApplySelection(context.Context, ApplySelectionCommand) (OrderFormSession, error) {
	return OrderFormSession{}, nil
}

func (s *stubOrderFormService) Validate(context.Context, string) (OrderFormValidation, error) {
	return OrderFormValidation{}, nil
}

func (s *stubOrderFormService) Submit(context.Context, string) (OrderFormSubmission, error) {
	return OrderFormSubmission{}, nil
}

func (s *stubOrderFormService) Discard(context.Context, string, bool) error {
	return nil
}

var quoteTestNow = time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC)

func newQuoteFixture(t *testing.T, repo *stubQuoteRepository) (QuoteService, *stubOrderFormService) {
	t.Helper()
	forms := &stubOrderFormService{}
	svc, err := NewQuoteService(QuoteServiceDeps{
		Quotes:     repo,
		OrderForms: forms,
		Counters:   &stubCounterService{},
		Clock: func() time.Time {
			return quoteTestNow
		},
		IDGenerator:     func() string { return "quo_TEST" },
		TaxRateBasisPts: 1000,
	})
	if err != nil {
		t.Fatalf("NewQuoteService: %v", err)
	}
	return svc, forms
}

func sentQuote() domain.Quote {
	return domain.Quote{
		ID:           "quo_1",
		Number:       "QUO-0001",
		CustomerName: "Jordan Lee",
		Lines: []domain.SaleLine{
			{ItemRef: "item_1", SKU: "WDG-001", Name: "Widget", Quantity: 2, UnitCost: 250, UnitPrice: 500, LineTotal: 1000},
		},
		Totals:    domain.OrderTotals{Subtotal: 1000, GrandTotal: 1100, TaxAmount: 100},
		ExpiresAt: quoteTestNow.AddDate(0, 0, 7),
		Status:    domain.QuoteStatusSent,
	}
}

func TestQuoteServiceCreateQuote(t *testing.T) {
	var inserted domain.Quote
	repo := &stubQuoteRepository{
		insertFn: func(_ context.Context, quote domain.Quote) error {
			inserted = quote
			return nil
		},
	}
	svc, _ := newQuoteFixture(t, repo)

	quote, err := svc.CreateQuote(context.Background(), CreateQuoteCommand{
		CustomerName: "Jordan Lee",
		Lines: []SaleLine{
			{ItemRef: "item_1", SKU: "WDG-001", Quantity: 2, UnitPrice: 500},
		},
		ActorRef: "users/u1",
	})
	if err != nil {
		t.Fatalf("CreateQuote: %v", err)
	}
	if quote.Number != "QUO-0001" {
		t.Fatalf("unexpected number %q", quote.Number)
	}
	if quote.Status != domain.QuoteStatusDraft {
		t.Fatalf("new quote should be draft, got %s", quote.Status)
	}
	if !quote.ExpiresAt.Equal(quoteTestNow.AddDate(0, 0, 14)) {
		t.Fatalf("expected 14-day default expiry, got %v", quote.ExpiresAt)
	}
	if quote.Totals.GrandTotal != 1100 {
		t.Fatalf("unexpected totals: %+v", quote.Totals)
	}
	if inserted.ID != quote.ID {
		t.Fatalf("insert not invoked")
	}
}

func TestQuoteServiceSendQuote(t *testing.T) {
	stored := sentQuote()
	stored.Status = domain.QuoteStatusDraft
	repo := &stubQuoteRepository{
		findByIDFn: func(context.Context, string) (domain.Quote, error) {
			return stored, nil
		},
	}
	svc, _ := newQuoteFixture(t, repo)

	quote, err := svc.SendQuote(context.Background(), "quo_1", "users/u1")
	if err != nil {
		t.Fatalf("SendQuote: %v", err)
	}
	if quote.Status != domain.QuoteStatusSent {
		t.Fatalf("expected SENT, got %s", quote.Status)
	}
}

func TestQuoteServiceAcceptSeedsCheckoutSession(t *testing.T) {
	var updated domain.Quote
	repo := &stubQuoteRepository{
		findByIDFn: func(context.Context, string) (domain.Quote, error) {
			return sentQuote(), nil
		},
		updateFn: func(_ context.Context, quote domain.Quote) error {
			updated = quote
			return nil
		},
	}
	svc, forms := newQuoteFixture(t, repo)

	acceptance, err := svc.AcceptQuote(context.Background(), "quo_1", "users/u1")
	if err != nil {
		t.Fatalf("AcceptQuote: %v", err)
	}
	if acceptance.Quote.Status != domain.QuoteStatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", acceptance.Quote.Status)
	}
	if acceptance.SessionID != "ofs_TEST" {
		t.Fatalf("session id not returned: %q", acceptance.SessionID)
	}
	if len(forms.createCalls) != 1 {
		t.Fatalf("expected one session creation, got %d", len(forms.createCalls))
	}
	cmd := forms.createCalls[0]
	if cmd.Kind != domain.OrderFormKindSale {
		t.Fatalf("session must be a sale form, got %s", cmd.Kind)
	}
	if len(cmd.SeedRows) != 1 || cmd.SeedRows[0].SKU != "WDG-001" || cmd.SeedRows[0].Quantity != 2 {
		t.Fatalf("seed rows must mirror the quote lines: %+v", cmd.SeedRows)
	}
	if updated.Status != domain.QuoteStatusAccepted {
		t.Fatalf("acceptance not persisted: %+v", updated)
	}
}

func TestQuoteServiceAcceptExpiredQuote(t *testing.T) {
	stored := sentQuote()
	stored.ExpiresAt = quoteTestNow.AddDate(0, 0, -1)
	var updated domain.Quote
	repo := &stubQuoteRepository{
		findByIDFn: func(context.Context, string) (domain.Quote, error) {
			return stored, nil
		},
		updateFn: func(_ context.Context, quote domain.Quote) error {
			updated = quote
			return nil
		},
	}
	svc, forms := newQuoteFixture(t, repo)

	_, err := svc.AcceptQuote(context.Background(), "quo_1", "users/u1")
	if !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected ErrQuoteExpired, got %v", err)
	}
	if updated.Status != domain.QuoteStatusExpired {
		t.Fatalf("expiry should be persisted, got %+v", updated)
	}
	if len(forms.createCalls) != 0 {
		t.Fatalf("expired quote must not seed a session")
	}
}

func TestQuoteServiceAcceptRequiresSent(t *testing.T) {
	stored := sentQuote()
	stored.Status = domain.QuoteStatusDraft
	repo := &stubQuoteRepository{
		findByIDFn: func(context.Context, string) (domain.Quote, error) {
			return stored, nil
		},
	}
	svc, _ := newQuoteFixture(t, repo)

	if _, err := svc.AcceptQuote(context.Background(), "quo_1", "users/u1"); !errors.Is(err, ErrQuoteInvalidState) {
		t.Fatalf("expected ErrQuoteInvalidState, got %v", err)
	}
}

func TestQuoteServiceRejectQuote(t *testing.T) {
	repo := &stubQuoteRepository{
		findByIDFn: func(context.Context, string) (domain.Quote, error) {
			return sentQuote(), nil
		},
	}
	svc, _ := newQuoteFixture(t, repo)

	quote, err := svc.RejectQuote(context.Background(), "quo_1", "users/u1")
	if err != nil {
		t.Fatalf("RejectQuote: %v", err)
	}
	if quote.Status != domain.QuoteStatusRejected {
		t.Fatalf("expected REJECTED, got %s", quote.Status)
	}
}

func TestQuoteServiceGetQuoteExpiredProjection(t *testing.T) {
	stored := sentQuote()
	stored.ExpiresAt = quoteTestNow.AddDate(0, 0, -1)
	repo := &stubQuoteRepository{
		findByIDFn: func(context.Context, string) (domain.Quote, error) {
			return stored, nil
		},
	}
	svc, _ := newQuoteFixture(t, repo)

	quote, err := svc.GetQuote(context.Background(), "quo_1")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if quote.Status != domain.QuoteStatusExpired {
		t.Fatalf("past-expiry sent quote should read as EXPIRED, got %s", quote.Status)
	}
}
