package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/stockroom/api/internal/domain"
)

var (
	// ErrOrderFormInvalidInput indicates the command failed validation before touching session state.
	ErrOrderFormInvalidInput = errors.New("order form service: invalid input")
	// ErrOrderFormNotFound indicates the session does not exist or was already discarded.
	ErrOrderFormNotFound = errors.New("order form service: session not found")
	// ErrOrderFormConflict indicates the caller's expected version is stale.
	ErrOrderFormConflict = errors.New("order form service: version conflict")
	// ErrOrderFormLastRow rejects removing the sole remaining row.
	ErrOrderFormLastRow = errors.New("order form service: cannot remove the last remaining row")
	// ErrOrderFormDirty blocks discarding a session with unsaved changes unless forced.
	ErrOrderFormDirty = errors.New("order form service: session has unsaved changes")
	// ErrOrderFormValidation indicates the submission guard rejected the session.
	ErrOrderFormValidation = errors.New("order form service: validation failed")
	// ErrLookupFailed indicates the search backend failed; row data is left untouched.
	ErrLookupFailed = errors.New("order form service: lookup failed")
)

// OrderFormValidationFailure carries the collected guard violations alongside
// the sentinel for errors.Is matching.
type OrderFormValidationFailure struct {
	Validation OrderFormValidation
}

// Error implements the error interface.
func (e *OrderFormValidationFailure) Error() string {
	return fmt.Sprintf("order form service: validation failed with %d violation(s)", len(e.Validation.Violations))
}

// Unwrap ties the failure to ErrOrderFormValidation.
func (e *OrderFormValidationFailure) Unwrap() error { return ErrOrderFormValidation }

// ItemSearcher is the narrow catalog surface the lookup widget queries.
type ItemSearcher interface {
	SearchItems(ctx context.Context, query string, limit int) ([]LookupCandidate, error)
}

// VendorSearcher is the narrow vendor surface the lookup widget queries.
type VendorSearcher interface {
	SearchVendors(ctx context.Context, query string, limit int) ([]LookupCandidate, error)
}

// OrderFormServiceDeps bundles collaborators required to construct the service.
type OrderFormServiceDeps struct {
	Items           ItemSearcher
	Vendors         VendorSearcher
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	TaxRateBasisPts int64
	LookupDebounce  time.Duration
	LookupTimeout   time.Duration
	SearchLimit     int
}

const (
	defaultLookupDebounce  = 300 * time.Millisecond
	defaultLookupTimeout   = 2 * time.Second
	defaultSearchLimit     = 10
	defaultTaxRateBasisPts = 1000
)

type lookupSlot struct {
	seq    int64
	cancel context.CancelFunc
}

type formSessionState struct {
	session domain.OrderFormSession
	lookups map[int]*lookupSlot
	nextSeq int64
}

type orderFormService struct {
	items   ItemSearcher
	vendors VendorSearcher
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)

	taxRateBasisPts int64
	lookupDebounce  time.Duration
	lookupTimeout   time.Duration
	searchLimit     int

	sanitize func(string) string

	// mu serializes every session mutation so each operation is one discrete
	// state transition; lookups run outside the lock.
	mu       sync.Mutex
	sessions map[string]*formSessionState
}

// NewOrderFormService constructs the session engine for line-item editing.
func NewOrderFormService(deps OrderFormServiceDeps) (OrderFormService, error) {
	if deps.Items == nil {
		return nil, errors.New("order form service: item searcher is required")
	}
	if deps.Vendors == nil {
		return nil, errors.New("order form service: vendor searcher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "ofs_" + ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	taxRate := deps.TaxRateBasisPts
	if taxRate <= 0 {
		taxRate = defaultTaxRateBasisPts
	}
	debounce := deps.LookupDebounce
	if debounce <= 0 {
		debounce = defaultLookupDebounce
	}
	timeout := deps.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	limit := deps.SearchLimit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	policy := bluemonday.StrictPolicy()

	return &orderFormService{
		items:   deps.Items,
		vendors: deps.Vendors,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:           idGen,
		logger:          logger,
		taxRateBasisPts: taxRate,
		lookupDebounce:  debounce,
		lookupTimeout:   timeout,
		searchLimit:     limit,
		sanitize: func(s string) string {
			return strings.TrimSpace(policy.Sanitize(s))
		},
		sessions: make(map[string]*formSessionState),
	}, nil
}

func (s *orderFormService) CreateSession(ctx context.Context, cmd CreateOrderFormCommand) (OrderFormSession, error) {
	kind := cmd.Kind
	switch kind {
	case domain.OrderFormKindPurchaseOrder, domain.OrderFormKindSale, domain.OrderFormKindQuote, domain.OrderFormKindReturn:
	default:
		return OrderFormSession{}, fmt.Errorf("%w: unknown form kind %q", ErrOrderFormInvalidInput, cmd.Kind)
	}

	prefix := strings.TrimSpace(cmd.Prefix)
	if prefix == "" {
		prefix = "items"
	}
	if cmd.DiscountPercent < 0 {
		return OrderFormSession{}, fmt.Errorf("%w: discount percent must not be negative", ErrOrderFormInvalidInput)
	}
	taxRate := s.taxRateBasisPts
	if cmd.TaxRateBasisPts != nil {
		if *cmd.TaxRateBasisPts < 0 {
			return OrderFormSession{}, fmt.Errorf("%w: tax rate must not be negative", ErrOrderFormInvalidInput)
		}
		taxRate = *cmd.TaxRateBasisPts
	}

	now := s.clock()
	rows := make([]domain.FormRow, 0, len(cmd.SeedRows)+1)
	for _, seed := range cmd.SeedRows {
		seed.Description = s.sanitize(seed.Description)
		rows = append(rows, seed)
	}
	if len(rows) == 0 {
		rows = append(rows, emptyRow())
	}
	reindexRows(rows)
	basis := basisFor(kind)
	RecomputeRows(rows, basis)

	session := domain.OrderFormSession{
		ID:              s.newID(),
		Kind:            kind,
		Prefix:          prefix,
		ActorRef:        strings.TrimSpace(cmd.ActorRef),
		Rows:            rows,
		DiscountPercent: cmd.DiscountPercent,
		TaxRateBasisPts: taxRate,
		Totals:          ComputeTotals(rows, basis, cmd.DiscountPercent, taxRate),
		Dirty:           false,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = &formSessionState{
		session: session,
		lookups: make(map[int]*lookupSlot),
	}
	s.mu.Unlock()

	s.logger(ctx, "order_form.session_created", map[string]any{
		"sessionId": session.ID,
		"kind":      string(kind),
		"rows":      len(rows),
	})
	return cloneSession(session), nil
}

func (s *orderFormService) GetSession(_ context.Context, sessionID string) (OrderFormSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.lookupState(sessionID)
	if err != nil {
		return OrderFormSession{}, err
	}
	return cloneSession(state.session), nil
}

func (s *orderFormService) AddRow(ctx context.Context, cmd MutateRowsCommand) (OrderFormSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.lockedSession(cmd.SessionID, cmd.ExpectedVersion)
	if err != nil {
		return OrderFormSession{}, err
	}

	// Cloning from the last row keeps its shape but clears every value field;
	// quantity resets to its default of one.
	row := emptyRow()
	row.RowIndex = len(state.session.Rows)
	state.session.Rows = append(state.session.Rows, row)
	s.touch(state)

	s.logger(ctx, "order_form.row_added", map[string]any{
		"sessionId": state.session.ID,
		"rows":      len(state.session.Rows),
	})
	return cloneSession(state.session), nil
}

func (s *orderFormService) UpdateRow(ctx context.Context, cmd UpdateFormRowCommand) (OrderFormSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.lockedSession(cmd.SessionID, cmd.ExpectedVersion)
	if err != nil {
		return OrderFormSession{}, err
	}
	if cmd.RowIndex < 0 || cmd.RowIndex >= len(state.session.Rows) {
		return OrderFormSession{}, fmt.Errorf("%w: row index %d out of range", ErrOrderFormInvalidInput, cmd.RowIndex)
	}

	row := &state.session.Rows[cmd.RowIndex]
	if cmd.Patch.ReferenceID != nil {
		row.ReferenceID = strings.TrimSpace(*cmd.Patch.ReferenceID)
	}
	if cmd.Patch.SKU != nil {
		row.SKU = strings.TrimSpace(*cmd.Patch.SKU)
	}
	if cmd.Patch.Description != nil {
		row.Description = s.sanitize(*cmd.Patch.Description)
	}
	if cmd.Patch.UnitCost != nil {
		row.UnitCost = ParseAmount(*cmd.Patch.UnitCost)
	}
	if cmd.Patch.UnitPrice != nil {
		row.UnitPrice = ParseAmount(*cmd.Patch.UnitPrice)
	}
	if cmd.Patch.Quantity != nil {
		row.Quantity = ParseQuantity(*cmd.Patch.Quantity)
	}
	s.touch(state)

	return cloneSession(state.session), nil
}

func (s *orderFormService) RemoveRow(ctx context.Context, cmd RemoveFormRowCommand) (OrderFormSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.lockedSession(cmd.SessionID, cmd.ExpectedVersion)
	if err != nil {
		return OrderFormSession{}, err
	}
	if cmd.RowIndex < 0 || cmd.RowIndex >= len(state.session.Rows) {
		return OrderFormSession{}, fmt.Errorf("%w: row index %d out of range", ErrOrderFormInvalidInput, cmd.RowIndex)
	}
	if len(state.session.Rows) == 1 {
		return OrderFormSession{}, ErrOrderFormLastRow
	}

	rows := state.session.Rows
	state.session.Rows = append(rows[:cmd.RowIndex], rows[cmd.RowIndex+1:]...)
	// Indices stay compact after every removal so the formset counter and the
	// numeric field segments never drift apart.
	reindexRows(state.session.Rows)
	s.shiftLookupsLocked(state, cmd.RowIndex)
	s.touch(state)

	s.logger(ctx, "order_form.row_removed", map[string]any{
		"sessionId": state.session.ID,
		"rows":      len(state.session.Rows),
	})
	return cloneSession(state.session), nil
}

func (s *orderFormService) SetAdjustments(_ context.Context, cmd SetAdjustmentsCommand) (OrderFormSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.lockedSession(cmd.SessionID, cmd.ExpectedVersion)
	if err != nil {
		return OrderFormSession{}, err
	}
	if cmd.DiscountPercent != nil {
		if *cmd.DiscountPercent < 0 {
			return OrderFormSession{}, fmt.Errorf("%w: discount percent must not be negative", ErrOrderFormInvalidInput)
		}
		state.session.DiscountPercent = *cmd.DiscountPercent
	}
	if cmd.TaxRateBasisPts != nil {
		if *cmd.TaxRateBasisPts < 0 {
			return OrderFormSession{}, fmt.Errorf("%w: tax rate must not be negative", ErrOrderFormInvalidInput)
		}
		state.session.TaxRateBasisPts = *cmd.TaxRateBasisPts
	}
	s.touch(state)

	return cloneSession(state.session), nil
}

func (s *orderFormService) BeginLookup(ctx context.Context, cmd BeginLookupCommand) (LookupResult, error) {
	query := strings.TrimSpace(cmd.Query)

	s.mu.Lock()
	state, err := s.lookupState(cmd.SessionID)
	if err != nil {
		s.mu.Unlock()
		return LookupResult{}, err
	}
	if cmd.RowIndex < 0 || cmd.RowIndex >= len(state.session.Rows) {
		s.mu.Unlock()
		return LookupResult{}, fmt.Errorf("%w: row index %d out of range", ErrOrderFormInvalidInput, cmd.RowIndex)
	}

	// A new lookup supersedes any in-flight one for the same row: cancel it
	// and claim the next sequence. Only the newest sequence may later apply.
	s.cancelLookupLocked(state, cmd.RowIndex)
	state.nextSeq++
	seq := state.nextSeq
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lookupTimeout)
	state.lookups[cmd.RowIndex] = &lookupSlot{seq: seq, cancel: cancel}
	s.mu.Unlock()

	result := LookupResult{Seq: seq, Debounce: s.lookupDebounce}

	// Empty queries hide the result list immediately and never hit the backend.
	if query == "" {
		cancel()
		return result, nil
	}

	var candidates []LookupCandidate
	var searchErr error
	switch cmd.Target {
	case LookupTargetVendors:
		candidates, searchErr = s.vendors.SearchVendors(lookupCtx, query, s.searchLimit)
	case LookupTargetItems, "":
		candidates, searchErr = s.items.SearchItems(lookupCtx, query, s.searchLimit)
	default:
		cancel()
		return LookupResult{}, fmt.Errorf("%w: unknown lookup target %q", ErrOrderFormInvalidInput, cmd.Target)
	}
	cancel()

	if searchErr != nil {
		// A superseded lookup was cancelled on purpose; that is not an error
		// and must not be logged as one.
		if errors.Is(searchErr, context.Canceled) {
			return result, nil
		}
		s.logger(ctx, "order_form.lookup_failed", map[string]any{
			"sessionId": cmd.SessionID,
			"rowIndex":  cmd.RowIndex,
			"error":     searchErr.Error(),
		})
		return result, fmt.Errorf("%w: %v", ErrLookupFailed, searchErr)
	}

	// Discard the response when a newer lookup claimed the slot while this
	// one was in flight.
	s.mu.Lock()
	slot, ok := state.lookups[cmd.RowIndex]
	stale := !ok || slot.seq != seq
	s.mu.Unlock()
	if stale {
		return result, nil
	}

	result.Candidates = candidates
	return result, nil
}

func (s *orderFormService) ApplySelection(ctx context.Context, cmd ApplySelectionCommand) (OrderFormSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.lockedSession(cmd.SessionID, cmd.ExpectedVersion)
	if err != nil {
		return OrderFormSession{}, err
	}
	if cmd.RowIndex < 0 || cmd.RowIndex >= len(state.session.Rows) {
		return OrderFormSession{}, fmt.Errorf("%w: row index %d out of range", ErrOrderFormInvalidInput, cmd.RowIndex)
	}

	// Selections from superseded lookups are dropped silently; the row keeps
	// whatever the newest lookup (or the user) last wrote.
	slot, ok := state.lookups[cmd.RowIndex]
	if !ok || slot.seq != cmd.Seq {
		return cloneSession(state.session), nil
	}
	delete(state.lookups, cmd.RowIndex)

	row := &state.session.Rows[cmd.RowIndex]
	row.ReferenceID = strings.TrimSpace(cmd.Candidate.ID)
	row.SKU = strings.TrimSpace(cmd.Candidate.Code)
	row.Description = s.sanitize(cmd.Candidate.DisplayName)
	if cmd.Candidate.UnitCost > 0 {
		row.UnitCost = cmd.Candidate.UnitCost
	}
	s.touch(state)

	s.logger(ctx, "order_form.selection_applied", map[string]any{
		"sessionId": state.session.ID,
		"rowIndex":  cmd.RowIndex,
		"reference": row.ReferenceID,
	})
	return cloneSession(state.session), nil
}

func (s *orderFormService) Validate(_ context.Context, sessionID string) (OrderFormValidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.lookupState(sessionID)
	if err != nil {
		return OrderFormValidation{}, err
	}
	return s.runGuardLocked(state), nil
}

func (s *orderFormService) Submit(ctx context.Context, sessionID string) (OrderFormSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.lookupState(sessionID)
	if err != nil {
		return OrderFormSubmission{}, err
	}

	validation := s.runGuardLocked(state)
	if !validation.Valid {
		return OrderFormSubmission{}, &OrderFormValidationFailure{Validation: validation}
	}

	session := state.session
	rows := make([]domain.FormRow, len(session.Rows))
	copy(rows, session.Rows)

	submission := OrderFormSubmission{
		Kind:        session.Kind,
		ActorRef:    session.ActorRef,
		Rows:        rows,
		Totals:      session.Totals,
		FormPayload: session.FormPayload(),
		SubmittedAt: s.clock(),
	}

	// A successful submit clears the dirty flag and discards the session.
	s.dropSessionLocked(state)

	s.logger(ctx, "order_form.submitted", map[string]any{
		"sessionId":  session.ID,
		"kind":       string(session.Kind),
		"rows":       len(rows),
		"grandTotal": session.Totals.GrandTotal,
	})
	return submission, nil
}

func (s *orderFormService) Discard(ctx context.Context, sessionID string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.lookupState(sessionID)
	if err != nil {
		return err
	}
	if state.session.Dirty && !force {
		return ErrOrderFormDirty
	}
	s.dropSessionLocked(state)

	s.logger(ctx, "order_form.discarded", map[string]any{
		"sessionId": sessionID,
		"forced":    force,
	})
	return nil
}

// runGuardLocked drops blank rows, refreshes the counter and totals, and
// collects every rule violation across the remaining rows.
func (s *orderFormService) runGuardLocked(state *formSessionState) OrderFormValidation {
	kept := state.session.Rows[:0]
	dropped := 0
	for _, row := range state.session.Rows {
		if rowIsBlank(row) {
			dropped++
			continue
		}
		kept = append(kept, row)
	}

	violations := make([]domain.RowViolation, 0)
	if len(kept) == 0 {
		// The collection must never go empty: re-seed a single blank row and
		// block the submission.
		kept = append(kept, emptyRow())
		violations = append(violations, domain.RowViolation{
			RowIndex: 0,
			Field:    "item",
			Rule:     "at_least_one_item",
			Message:  "at least one item is required",
		})
	}
	state.session.Rows = kept
	reindexRows(state.session.Rows)
	if dropped > 0 {
		s.refreshTotalsLocked(state)
		state.session.Version++
		state.session.UpdatedAt = s.clock()
	}

	for _, row := range state.session.Rows {
		if len(violations) > 0 && violations[0].Rule == "at_least_one_item" {
			break
		}
		if row.UnitCost <= 0 {
			violations = append(violations, domain.RowViolation{
				RowIndex: row.RowIndex,
				Field:    "unit_cost",
				Rule:     "cost_positive",
				Message:  "unit cost must be greater than zero",
			})
		}
		if row.UnitPrice <= 0 {
			violations = append(violations, domain.RowViolation{
				RowIndex: row.RowIndex,
				Field:    "unit_price",
				Rule:     "price_positive",
				Message:  "unit price must be greater than zero",
			})
		}
		if row.UnitCost > 0 && row.UnitPrice > 0 && row.UnitCost >= row.UnitPrice {
			violations = append(violations, domain.RowViolation{
				RowIndex: row.RowIndex,
				Field:    "unit_cost",
				Rule:     "cost_below_price",
				Message:  "unit cost must be strictly less than unit price",
			})
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].RowIndex < violations[j].RowIndex
	})

	return OrderFormValidation{
		Valid:       len(violations) == 0,
		Violations:  violations,
		RowsDropped: dropped,
	}
}

func (s *orderFormService) lockedSession(sessionID string, expectedVersion int64) (*formSessionState, error) {
	state, err := s.lookupState(sessionID)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && state.session.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, have %d", ErrOrderFormConflict, expectedVersion, state.session.Version)
	}
	return state, nil
}

func (s *orderFormService) lookupState(sessionID string) (*formSessionState, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrOrderFormInvalidInput)
	}
	state, ok := s.sessions[id]
	if !ok {
		return nil, ErrOrderFormNotFound
	}
	return state, nil
}

// touch recomputes derived values, marks the session dirty, and bumps the
// version. Callers hold the mutex.
func (s *orderFormService) touch(state *formSessionState) {
	s.refreshTotalsLocked(state)
	state.session.Dirty = true
	state.session.Version++
	state.session.UpdatedAt = s.clock()
}

func (s *orderFormService) refreshTotalsLocked(state *formSessionState) {
	basis := basisFor(state.session.Kind)
	RecomputeRows(state.session.Rows, basis)
	state.session.Totals = ComputeTotals(state.session.Rows, basis, state.session.DiscountPercent, state.session.TaxRateBasisPts)
}

func (s *orderFormService) cancelLookupLocked(state *formSessionState, rowIndex int) {
	if slot, ok := state.lookups[rowIndex]; ok {
		slot.cancel()
		delete(state.lookups, rowIndex)
	}
}

// shiftLookupsLocked keeps in-flight lookups attached to their rows after a
// removal: the removed row's slot is cancelled and every slot above it moves
// down together with the row it belongs to. Call after the rows slice has
// been compacted.
func (s *orderFormService) shiftLookupsLocked(state *formSessionState, removed int) {
	s.cancelLookupLocked(state, removed)
	for idx := removed + 1; idx <= len(state.session.Rows); idx++ {
		if slot, ok := state.lookups[idx]; ok {
			delete(state.lookups, idx)
			state.lookups[idx-1] = slot
		}
	}
}

func (s *orderFormService) dropSessionLocked(state *formSessionState) {
	for idx, slot := range state.lookups {
		slot.cancel()
		delete(state.lookups, idx)
	}
	delete(s.sessions, state.session.ID)
}

func emptyRow() domain.FormRow {
	return domain.FormRow{Quantity: 1}
}

// rowIsBlank reports whether every user-facing input on the row is empty.
// Quantity alone does not make a row meaningful.
func rowIsBlank(row domain.FormRow) bool {
	return row.ReferenceID == "" &&
		row.SKU == "" &&
		row.Description == "" &&
		row.UnitCost == 0 &&
		row.UnitPrice == 0
}

func reindexRows(rows []domain.FormRow) {
	for i := range rows {
		rows[i].RowIndex = i
	}
}

func cloneSession(session domain.OrderFormSession) domain.OrderFormSession {
	rows := make([]domain.FormRow, len(session.Rows))
	copy(rows, session.Rows)
	session.Rows = rows
	return session
}

// NextHighlight advances the keyboard highlight through n results, wrapping
// circularly at both ends. With no current highlight, Down lands on the
// first result and Up on the last. It returns -1 when the list is empty.
func NextHighlight(current, n, delta int) int {
	if n <= 0 {
		return -1
	}
	if current < 0 {
		if delta >= 0 {
			return 0
		}
		return n - 1
	}
	next := (current + delta) % n
	if next < 0 {
		next += n
	}
	return next
}

// SelectHighlighted picks the highlighted candidate, or the first one when
// nothing is highlighted.
func SelectHighlighted(current int, candidates []LookupCandidate) (LookupCandidate, bool) {
	if len(candidates) == 0 {
		return LookupCandidate{}, false
	}
	if current >= 0 && current < len(candidates) {
		return candidates[current], true
	}
	return candidates[0], true
}
