package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

var (
	// ErrQuoteInvalidInput indicates the caller supplied invalid quote fields.
	ErrQuoteInvalidInput = errors.New("quote service: invalid input")
	// ErrQuoteNotFound indicates the requested quote does not exist.
	ErrQuoteNotFound = errors.New("quote service: quote not found")
	// ErrQuoteInvalidState indicates the quote status forbids the transition.
	ErrQuoteInvalidState = errors.New("quote service: invalid state")
	// ErrQuoteExpired indicates the quote's validity window has passed.
	ErrQuoteExpired = errors.New("quote service: quote expired")
)

// QuoteServiceDeps bundles constructor inputs for the quote service.
type QuoteServiceDeps struct {
	Quotes          repositories.QuoteRepository
	OrderForms      OrderFormService
	Counters        CounterService
	Events          EventDispatcher
	Audit           AuditLogService
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	TaxRateBasisPts int64
}

type quoteService struct {
	quotes     repositories.QuoteRepository
	orderForms OrderFormService
	counters   CounterService
	events     EventDispatcher
	audit      AuditLogService
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
	sanitize   func(string) string
	taxRate    int64
}

// NewQuoteService constructs the quote service with the supplied dependencies.
func NewQuoteService(deps QuoteServiceDeps) (QuoteService, error) {
	if deps.Quotes == nil {
		return nil, errors.New("quote service: quote repository is required")
	}
	if deps.OrderForms == nil {
		return nil, errors.New("quote service: order form service is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("quote service: counter service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "quo_" + ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	taxRate := deps.TaxRateBasisPts
	if taxRate < 0 {
		taxRate = 0
	}

	policy := bluemonday.StrictPolicy()
	return &quoteService{
		quotes:     deps.Quotes,
		orderForms: deps.OrderForms,
		counters:   deps.Counters,
		events:     deps.Events,
		audit:      deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
		sanitize: func(value string) string {
			return strings.TrimSpace(policy.Sanitize(value))
		},
		taxRate: taxRate,
	}, nil
}

func (s *quoteService) CreateQuote(ctx context.Context, cmd CreateQuoteCommand) (Quote, error) {
	customerName := s.sanitize(cmd.CustomerName)
	if customerName == "" {
		return Quote{}, fmt.Errorf("%w: customer name is required", ErrQuoteInvalidInput)
	}
	customerEmail := strings.TrimSpace(cmd.CustomerEmail)
	if customerEmail != "" {
		if _, err := mail.ParseAddress(customerEmail); err != nil {
			return Quote{}, fmt.Errorf("%w: invalid email %q", ErrQuoteInvalidInput, customerEmail)
		}
	}
	if len(cmd.Lines) == 0 {
		return Quote{}, fmt.Errorf("%w: at least one line is required", ErrQuoteInvalidInput)
	}

	lines := make([]domain.SaleLine, 0, len(cmd.Lines))
	rows := make([]domain.FormRow, 0, len(cmd.Lines))
	for i, line := range cmd.Lines {
		if line.Quantity <= 0 {
			return Quote{}, fmt.Errorf("%w: line %d: quantity must be positive", ErrQuoteInvalidInput, i)
		}
		if line.UnitPrice <= 0 {
			return Quote{}, fmt.Errorf("%w: line %d: unit price must be positive", ErrQuoteInvalidInput, i)
		}
		line.LineTotal = LineTotal(line.Quantity, line.UnitPrice)
		lines = append(lines, line)
		rows = append(rows, domain.FormRow{Quantity: line.Quantity, UnitPrice: line.UnitPrice})
	}

	now := s.clock()
	expiresAt := cmd.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.AddDate(0, 0, 14)
	}
	if expiresAt.Before(now) {
		return Quote{}, fmt.Errorf("%w: expiry is in the past", ErrQuoteInvalidInput)
	}

	number, err := s.counters.NextDocumentNumber(ctx, "QUO")
	if err != nil {
		return Quote{}, fmt.Errorf("quote service: allocate number: %w", err)
	}

	quote := domain.Quote{
		ID:            s.newID(),
		Number:        number,
		CustomerName:  customerName,
		CustomerEmail: customerEmail,
		Lines:         lines,
		Totals:        ComputeTotals(rows, BasisUnitPrice, cmd.DiscountPercent, s.taxRate),
		ExpiresAt:     expiresAt,
		Status:        domain.QuoteStatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.quotes.Insert(ctx, quote); err != nil {
		return Quote{}, err
	}

	s.publishDocumentEvent(ctx, quote, cmd.ActorRef)
	s.recordAudit(ctx, cmd.ActorRef, "quote.create", quote.ID, map[string]any{"number": quote.Number})
	return quote, nil
}

func (s *quoteService) SendQuote(ctx context.Context, quoteID string, actorRef string) (Quote, error) {
	return s.transition(ctx, quoteID, actorRef, "quote.send",
		domain.QuoteStatusSent, domain.QuoteStatusDraft)
}

// AcceptQuote converts the offer into an editable checkout: the quote's lines
// seed a sale order-form session so the cashier can adjust quantities before
// finalising payment.
func (s *quoteService) AcceptQuote(ctx context.Context, quoteID string, actorRef string) (QuoteAcceptance, error) {
	quote, err := s.findQuote(ctx, quoteID)
	if err != nil {
		return QuoteAcceptance{}, err
	}
	if quote.Status != domain.QuoteStatusSent {
		return QuoteAcceptance{}, fmt.Errorf("%w: cannot accept quote in status %s", ErrQuoteInvalidState, quote.Status)
	}
	if s.clock().After(quote.ExpiresAt) {
		return QuoteAcceptance{}, s.markExpired(ctx, quote, actorRef)
	}

	seedRows := make([]domain.FormRow, 0, len(quote.Lines))
	for i, line := range quote.Lines {
		seedRows = append(seedRows, domain.FormRow{
			RowIndex:    i,
			ReferenceID: line.ItemRef,
			SKU:         line.SKU,
			Description: line.Name,
			UnitCost:    line.UnitCost,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
			LineTotal:   line.LineTotal,
		})
	}
	session, err := s.orderForms.CreateSession(ctx, CreateOrderFormCommand{
		Kind:            domain.OrderFormKindSale,
		ActorRef:        actorRef,
		DiscountPercent: quote.Totals.DiscountPercent,
		SeedRows:        seedRows,
	})
	if err != nil {
		return QuoteAcceptance{}, fmt.Errorf("quote service: seed checkout session: %w", err)
	}

	now := s.clock()
	quote.Status = domain.QuoteStatusAccepted
	quote.UpdatedAt = now
	if err := s.quotes.Update(ctx, quote); err != nil {
		return QuoteAcceptance{}, err
	}

	s.publishDocumentEvent(ctx, quote, actorRef)
	s.recordAudit(ctx, actorRef, "quote.accept", quote.ID, map[string]any{
		"number":    quote.Number,
		"sessionId": session.ID,
	})
	return QuoteAcceptance{Quote: quote, SessionID: session.ID}, nil
}

func (s *quoteService) RejectQuote(ctx context.Context, quoteID string, actorRef string) (Quote, error) {
	return s.transition(ctx, quoteID, actorRef, "quote.reject",
		domain.QuoteStatusRejected, domain.QuoteStatusSent)
}

func (s *quoteService) GetQuote(ctx context.Context, quoteID string) (Quote, error) {
	quote, err := s.findQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	return s.withDerivedStatus(quote), nil
}

func (s *quoteService) ListQuotes(ctx context.Context, filter QuoteListFilter) (CursorPage[Quote], error) {
	page, err := s.quotes.List(ctx, repositories.QuoteFilter{
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return CursorPage[Quote]{}, err
	}
	for i := range page.Items {
		page.Items[i] = s.withDerivedStatus(page.Items[i])
	}
	return page, nil
}

// withDerivedStatus surfaces EXPIRED for sent quotes past their validity
// window, as a read-time projection over the stored status.
func (s *quoteService) withDerivedStatus(quote Quote) Quote {
	if quote.Status == domain.QuoteStatusSent && s.clock().After(quote.ExpiresAt) {
		quote.Status = domain.QuoteStatusExpired
	}
	return quote
}

// markExpired persists the expiry discovered during an acceptance attempt and
// reports it to the caller.
func (s *quoteService) markExpired(ctx context.Context, quote Quote, actorRef string) error {
	quote.Status = domain.QuoteStatusExpired
	quote.UpdatedAt = s.clock()
	if err := s.quotes.Update(ctx, quote); err != nil {
		s.logger(ctx, "quote.expire_persist_failed", map[string]any{
			"quoteId": quote.ID,
			"error":   err.Error(),
		})
	}
	s.publishDocumentEvent(ctx, quote, actorRef)
	return fmt.Errorf("%w: %s expired at %s", ErrQuoteExpired, quote.Number, quote.ExpiresAt.Format(time.RFC3339))
}

func (s *quoteService) transition(ctx context.Context, quoteID, actorRef, action string, target domain.QuoteStatus, allowed ...domain.QuoteStatus) (Quote, error) {
	quote, err := s.findQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}

	permitted := false
	for _, status := range allowed {
		if quote.Status == status {
			permitted = true
			break
		}
	}
	if !permitted {
		return Quote{}, fmt.Errorf("%w: cannot move quote from %s to %s", ErrQuoteInvalidState, quote.Status, target)
	}

	quote.Status = target
	quote.UpdatedAt = s.clock()

	if err := s.quotes.Update(ctx, quote); err != nil {
		return Quote{}, err
	}

	s.publishDocumentEvent(ctx, quote, actorRef)
	s.recordAudit(ctx, actorRef, action, quote.ID, map[string]any{"number": quote.Number})
	return quote, nil
}

func (s *quoteService) findQuote(ctx context.Context, quoteID string) (Quote, error) {
	quoteID = strings.TrimSpace(quoteID)
	if quoteID == "" {
		return Quote{}, fmt.Errorf("%w: quote id is required", ErrQuoteInvalidInput)
	}
	quote, err := s.quotes.FindByID(ctx, quoteID)
	if err != nil {
		if isRepoNotFound(err) {
			return Quote{}, ErrQuoteNotFound
		}
		return Quote{}, err
	}
	return quote, nil
}

func (s *quoteService) publishDocumentEvent(ctx context.Context, quote Quote, actorRef string) {
	if s.events == nil {
		return
	}
	err := s.events.PublishDocumentEvent(ctx, DocumentEventMessage{
		Type:       "document.quote." + strings.ToLower(string(quote.Status)),
		DocumentID: quote.ID,
		Number:     quote.Number,
		Kind:       "quote",
		Status:     string(quote.Status),
		ActorRef:   actorRef,
		OccurredAt: s.clock(),
	})
	if err != nil {
		s.logger(ctx, "quote.event_publish_failed", map[string]any{
			"quoteId": quote.ID,
			"error":   err.Error(),
		})
	}
}

func (s *quoteService) recordAudit(ctx context.Context, actor, action, targetRef string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor,
		Action:    action,
		TargetRef: targetRef,
		Metadata:  metadata,
	})
}
