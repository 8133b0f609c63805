package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/sqlite"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.QueueEvent
}

func (p *recordingPublisher) Publish(event models.QueueEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

func setupService(t *testing.T) (*Service, *testClock, *recordingPublisher) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "dispatch.db"), sqlite.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := &testClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	svc := NewService(st, Options{
		MaxCallAttempts: 20,
		Now:             clock.Now,
		Publisher:       publisher,
	})
	return svc, clock, publisher
}

func issue(t *testing.T, svc *Service, clock *testClock, agencyID string) models.Ticket {
	t.Helper()
	ticket, err := svc.Issue(context.Background(), IssueInput{AgencyID: agencyID, ServiceID: "billing"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(time.Second)
	return ticket
}

func TestDispatchScenario(t *testing.T) {
	ctx := context.Background()
	svc, clock, publisher := setupService(t)

	t1 := issue(t, svc, clock, "agency-a")
	t2 := issue(t, svc, clock, "agency-a")
	t3 := issue(t, svc, clock, "agency-a")
	if t1.TicketNumber != 1 || t2.TicketNumber != 2 || t3.TicketNumber != 3 {
		t.Fatalf("expected numbers 1,2,3 got %d,%d,%d", t1.TicketNumber, t2.TicketNumber, t3.TicketNumber)
	}

	clock.Advance(2 * time.Minute)
	called, err := svc.CallNext(ctx, "agency-a", "c1")
	if err != nil {
		t.Fatalf("call next c1: %v", err)
	}
	if called.TicketID != t1.TicketID || called.Status != models.StatusCalled || !called.HeldBy("c1") {
		t.Fatalf("expected T1 called at c1, got %+v", called)
	}

	second, err := svc.CallNext(ctx, "agency-a", "c2")
	if err != nil {
		t.Fatalf("call next c2: %v", err)
	}
	if second.TicketID != t2.TicketID {
		t.Fatalf("expected T2 for c2, got #%d", second.TicketNumber)
	}

	clock.Advance(30 * time.Second)
	recalled, err := svc.Recall(ctx, t1.TicketID, "c1")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if recalled.Status != models.StatusCalled || recalled.RecallCount != 1 {
		t.Fatalf("unexpected recall result: %+v", recalled)
	}
	if recalled.TicketNumber != t1.TicketNumber || !recalled.CreatedAt.Equal(t1.CreatedAt) {
		t.Fatalf("recall changed ticket identity: %+v", recalled)
	}
	if !recalled.CalledAt.After(*called.CalledAt) {
		t.Fatalf("expected called_at to be refreshed")
	}
	if !recalled.FirstCalledAt.Equal(*called.FirstCalledAt) {
		t.Fatalf("first_called_at must not move on recall")
	}

	completed, err := svc.Complete(ctx, t1.TicketID, "c1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("unexpected completion: %+v", completed)
	}

	third, err := svc.CallNext(ctx, "agency-a", "c1")
	if err != nil {
		t.Fatalf("call next after complete: %v", err)
	}
	if third.TicketID != t3.TicketID {
		t.Fatalf("expected T3, got #%d", third.TicketNumber)
	}

	stats, err := svc.Stats(ctx, "agency-a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.WaitingCount != 0 || stats.ServingCount != 2 || stats.CompletedToday != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.SampleSize != 3 || stats.AverageWaitTime <= 0 {
		t.Fatalf("expected average over three calls, got %+v", stats)
	}

	want := []string{
		store.EventCreated, store.EventCreated, store.EventCreated,
		store.EventCalled, store.EventCalled, store.EventRecalled, store.EventCompleted, store.EventCalled,
	}
	got := publisher.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	svc, _, _ := setupService(t)
	_, err := svc.CallNext(context.Background(), "agency-empty", "c1")
	if !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("expected no ticket, got %v", err)
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("empty queue should be a not found kind")
	}
}

func TestCallNextWhileServing(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	issue(t, svc, clock, "a")
	issue(t, svc, clock, "a")

	if _, err := svc.CallNext(ctx, "a", "c1"); err != nil {
		t.Fatalf("call next: %v", err)
	}
	_, err := svc.CallNext(ctx, "a", "c1")
	if !errors.Is(err, store.ErrCounterBusy) || !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected counter busy, got %v", err)
	}
	waiting, err := svc.ListWaiting(ctx, "a", 0)
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 1 {
		t.Fatalf("refused call must not consume a ticket, waiting=%d", len(waiting))
	}
}

func TestCompleteGuards(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	issue(t, svc, clock, "a")
	issue(t, svc, clock, "a")
	t1, _ := svc.CallNext(ctx, "a", "c1")
	t2, _ := svc.CallNext(ctx, "a", "c2")

	if _, err := svc.Complete(ctx, t2.TicketID, "c1"); !errors.Is(err, store.ErrCounterMismatch) {
		t.Fatalf("expected counter mismatch, got %v", err)
	}
	if _, err := svc.Recall(ctx, t2.TicketID, "c1"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for recall by other counter, got %v", err)
	}

	first, err := svc.Complete(ctx, t1.TicketID, "c1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	clock.Advance(time.Minute)
	_, err = svc.Complete(ctx, t1.TicketID, "c1")
	if !errors.Is(err, store.ErrAlreadyCompleted) || !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected already completed, got %v", err)
	}
	after, err := svc.GetTicket(ctx, t1.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if !after.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("second complete changed completed_at")
	}
	if _, err := svc.Recall(ctx, t1.TicketID, "c1"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state for recall after completion, got %v", err)
	}
	if _, err := svc.Complete(ctx, "missing", "c1"); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ticket not found, got %v", err)
	}
}

func TestFIFOAcrossCalls(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	var issued []models.Ticket
	for i := 0; i < 5; i++ {
		issued = append(issued, issue(t, svc, clock, "a"))
	}
	issue(t, svc, clock, "other-agency")

	for i := range issued {
		counter := fmt.Sprintf("c%d", i)
		ticket, err := svc.CallNext(ctx, "a", counter)
		if err != nil {
			t.Fatalf("call next %d: %v", i, err)
		}
		if ticket.TicketID != issued[i].TicketID {
			t.Fatalf("call %d served #%d, want #%d", i, ticket.TicketNumber, issued[i].TicketNumber)
		}
	}
	if _, err := svc.CallNext(ctx, "a", "c-extra"); !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("other agency tickets must not be served, got %v", err)
	}
}

func TestConcurrentCallNextClaimsDistinctTickets(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	const counters = 8
	for i := 0; i < counters+2; i++ {
		issue(t, svc, clock, "a")
	}

	var wg sync.WaitGroup
	results := make(chan models.Ticket, counters)
	errs := make(chan error, counters)
	for i := 0; i < counters; i++ {
		wg.Add(1)
		go func(counter string) {
			defer wg.Done()
			ticket, err := svc.CallNext(ctx, "a", counter)
			if err != nil {
				errs <- err
				return
			}
			results <- ticket
		}(fmt.Sprintf("counter-%d", i))
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("call next error: %v", err)
	}
	seen := make(map[string]bool)
	for ticket := range results {
		if seen[ticket.TicketID] {
			t.Fatalf("ticket %s handed to two counters", ticket.TicketID)
		}
		seen[ticket.TicketID] = true
	}
	if len(seen) != counters {
		t.Fatalf("expected %d claims, got %d", counters, len(seen))
	}
	waiting, err := svc.ListWaiting(ctx, "a", 0)
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("expected 2 still waiting, got %d", len(waiting))
	}
}

func TestConcurrentIssueNumbersAreUnique(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupService(t)
	const kiosks = 12

	var wg sync.WaitGroup
	numbers := make(chan int64, kiosks)
	for i := 0; i < kiosks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := svc.Issue(ctx, IssueInput{AgencyID: "a", ServiceID: "s"})
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			numbers <- ticket.TicketNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for n := range numbers {
		if seen[n] {
			t.Fatalf("duplicate ticket number %d", n)
		}
		seen[n] = true
	}
	for n := int64(1); n <= kiosks; n++ {
		if !seen[n] {
			t.Fatalf("missing ticket number %d", n)
		}
	}
}

func TestNumberingRestartsEachDay(t *testing.T) {
	svc, clock, _ := setupService(t)
	issue(t, svc, clock, "a")
	second := issue(t, svc, clock, "a")
	if second.TicketNumber != 2 {
		t.Fatalf("expected #2, got #%d", second.TicketNumber)
	}
	clock.Advance(24 * time.Hour)
	next := issue(t, svc, clock, "a")
	if next.TicketNumber != 1 || next.IssueDate == second.IssueDate {
		t.Fatalf("expected numbering to restart on a new day, got #%d on %s", next.TicketNumber, next.IssueDate)
	}
}

func TestIssueValidation(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	cases := []IssueInput{
		{AgencyID: "", ServiceID: "s"},
		{AgencyID: "a", ServiceID: "   "},
		{AgencyID: "a", ServiceID: "s", ClientName: strings.Repeat("é", maxClientNameRunes+1)},
	}
	for _, input := range cases {
		if _, err := svc.Issue(ctx, input); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("Issue(%+v) expected validation error, got %v", input, err)
		}
	}
}

func TestStatsEmptyAgency(t *testing.T) {
	svc, _, _ := setupService(t)
	stats, err := svc.Stats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.WaitingCount != 0 || stats.AverageWaitTime != 0 || stats.SampleSize != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestClosedCounterCannotCall(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	issue(t, svc, clock, "a")

	if _, err := svc.CloseCounter(ctx, CounterInput{CounterID: "c1", AgencyID: "a", Name: "Counter 1"}); err != nil {
		t.Fatalf("close counter: %v", err)
	}
	if _, err := svc.CallNext(ctx, "a", "c1"); !errors.Is(err, store.ErrCounterClosed) {
		t.Fatalf("expected counter closed, got %v", err)
	}
	counter, err := svc.OpenCounter(ctx, CounterInput{CounterID: "c1", AgencyID: "a"})
	if err != nil {
		t.Fatalf("open counter: %v", err)
	}
	if !counter.IsOpen || counter.Name != "Counter 1" {
		t.Fatalf("unexpected counter: %+v", counter)
	}
	if _, err := svc.CallNext(ctx, "a", "c1"); err != nil {
		t.Fatalf("call next after reopening: %v", err)
	}
	if _, err := svc.OpenCounter(ctx, CounterInput{CounterID: "c1", AgencyID: "b"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for foreign agency, got %v", err)
	}
}

func TestTransferAndAbandon(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	issue(t, svc, clock, "a")
	issue(t, svc, clock, "a")
	t1, _ := svc.CallNext(ctx, "a", "c1")
	t2, _ := svc.CallNext(ctx, "a", "c2")

	if _, err := svc.Transfer(ctx, t1.TicketID, "c1", "c2"); !errors.Is(err, store.ErrCounterBusy) {
		t.Fatalf("expected busy target, got %v", err)
	}
	abandoned, err := svc.Abandon(ctx, t2.TicketID, "c2")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if abandoned.Status != models.StatusAbandoned || abandoned.AbandonedAt == nil {
		t.Fatalf("unexpected abandon result: %+v", abandoned)
	}

	moved, err := svc.Transfer(ctx, t1.TicketID, "c1", "c2")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !moved.HeldBy("c2") || moved.Status != models.StatusCalled {
		t.Fatalf("unexpected transfer result: %+v", moved)
	}
	if _, err := svc.Complete(ctx, t1.TicketID, "c1"); !errors.Is(err, store.ErrCounterMismatch) {
		t.Fatalf("previous counter should lose the ticket, got %v", err)
	}
	if _, err := svc.Complete(ctx, t1.TicketID, "c2"); err != nil {
		t.Fatalf("complete at new counter: %v", err)
	}

	history, err := svc.TicketEvents(ctx, t1.TicketID)
	if err != nil {
		t.Fatalf("ticket events: %v", err)
	}
	if !history.Verified || len(history.Events) != 4 {
		t.Fatalf("expected 4 verified events, got %d verified=%v", len(history.Events), history.Verified)
	}
	replayed, err := store.ReplayTicket(history.Events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != models.StatusCompleted {
		t.Fatalf("replayed status %q", replayed.Status)
	}
}

func TestAbandonWaitingTicketIsInvalidState(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	waiting := issue(t, svc, clock, "a")

	_, err := svc.Abandon(ctx, waiting.TicketID, "c1")
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if errors.Is(err, store.ErrConflict) {
		t.Fatalf("abandoning a waiting ticket must not be retryable")
	}
	after, err := svc.GetTicket(ctx, waiting.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if after.Status != models.StatusWaiting {
		t.Fatalf("expected ticket to stay waiting, got %q", after.Status)
	}
}

func TestTransferFinishedTicketIsInvalidState(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	issue(t, svc, clock, "a")
	called, err := svc.CallNext(ctx, "a", "c1")
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := svc.Complete(ctx, called.TicketID, "c1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.CloseCounter(ctx, CounterInput{CounterID: "c2", AgencyID: "a"}); err != nil {
		t.Fatalf("close counter: %v", err)
	}

	if _, err := svc.Transfer(ctx, called.TicketID, "c1", "c2"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state for finished ticket, got %v", err)
	}
}

func TestListCalledOrderAndCap(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	for i := 0; i < 3; i++ {
		issue(t, svc, clock, "a")
	}
	var called []models.Ticket
	for i := 0; i < 3; i++ {
		ticket, err := svc.CallNext(ctx, "a", fmt.Sprintf("c%d", i))
		if err != nil {
			t.Fatalf("call next: %v", err)
		}
		called = append(called, ticket)
		clock.Advance(time.Second)
	}
	list, err := svc.ListCalled(ctx, "a", 2)
	if err != nil {
		t.Fatalf("list called: %v", err)
	}
	if len(list) != 2 || list[0].TicketID != called[2].TicketID || list[1].TicketID != called[1].TicketID {
		t.Fatalf("expected most recent calls first, got %+v", list)
	}
}

func TestListWaitingPositions(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := setupService(t)
	for i := 0; i < 3; i++ {
		issue(t, svc, clock, "a")
	}
	list, err := svc.ListWaiting(ctx, "a", 0)
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	for i, ticket := range list {
		if ticket.Position != i+1 || ticket.TicketNumber != int64(i+1) {
			t.Fatalf("unexpected position %d for #%d at index %d", ticket.Position, ticket.TicketNumber, i)
		}
	}
	if _, err := svc.ListWaiting(ctx, "", 0); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type conflictStore struct {
	store.TicketStore
	mu        sync.Mutex
	claims    int
	conflicts int
	final     error
}

func (s *conflictStore) GetCounter(ctx context.Context, counterID string) (models.Counter, bool, error) {
	return models.Counter{}, false, nil
}

func (s *conflictStore) ClaimNext(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claims <= s.conflicts {
		return models.Ticket{}, store.ErrConflict
	}
	if s.final != nil {
		return models.Ticket{}, s.final
	}
	counter := input.CounterID
	return models.Ticket{TicketID: "t-1", AgencyID: input.AgencyID, Status: models.StatusCalled, CounterID: &counter}, nil
}

func TestCallNextRetriesConflicts(t *testing.T) {
	st := &conflictStore{conflicts: 2}
	svc := NewService(st, Options{MaxCallAttempts: 3})
	ticket, err := svc.CallNext(context.Background(), "a", "c1")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if ticket.TicketID != "t-1" || st.claims != 3 {
		t.Fatalf("unexpected result %+v after %d claims", ticket, st.claims)
	}
}

func TestCallNextSurfacesPersistentConflict(t *testing.T) {
	st := &conflictStore{conflicts: 10}
	svc := NewService(st, Options{MaxCallAttempts: 3})
	_, err := svc.CallNext(context.Background(), "a", "c1")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if st.claims != 3 {
		t.Fatalf("expected 3 attempts, got %d", st.claims)
	}
}

func TestCallNextDoesNotRetryEmptyQueue(t *testing.T) {
	st := &conflictStore{final: store.ErrNoTicket}
	svc := NewService(st, Options{MaxCallAttempts: 3})
	_, err := svc.CallNext(context.Background(), "a", "c1")
	if !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("expected no ticket, got %v", err)
	}
	if st.claims != 1 {
		t.Fatalf("empty queue must not be retried, got %d claims", st.claims)
	}
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":                 nil,
		"validation":         store.Invalid("agency_id", "is required"),
		"not_found":          store.ErrNoTicket,
		"invalid_transition": store.ErrCounterBusy,
		"conflict":           store.ErrConflict,
		"storage":            store.Storage("claim next", errors.New("boom")),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v)=%q, want %q", err, got, want)
		}
	}
}
