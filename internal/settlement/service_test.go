package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/errs"
	"github.com/nitra-1/PG-sub002/internal/events"
	"github.com/nitra-1/PG-sub002/internal/principal"
)

var (
	opsActor     = principal.Principal{ActorID: "ops_1", Role: principal.RoleOpsAdmin, Tenant: "t1"}
	financeActor = principal.Principal{ActorID: "fa_1", Role: principal.RoleFinanceAdmin, Tenant: "t1"}
)

// capturingPublisher records published events in order.
type capturingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

type serviceFixture struct {
	svc       *Service
	store     *MemStore
	publisher *capturingPublisher
	now       time.Time
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:     NewMemStore(),
		publisher: &capturingPublisher{},
		now:       time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.publisher, DefaultConfig(), zap.NewNop())
	f.svc.WithClock(func() time.Time { return f.now })
	return f
}

func (f *serviceFixture) create(t *testing.T) *Settlement {
	t.Helper()
	st, err := f.svc.Create(context.Background(), opsActor, CreateParams{
		Tenant:      "t1",
		Merchant:    "m_77",
		GrossAmount: 100_000,
		Fees:        3_500,
		Currency:    "INR",
	})
	require.NoError(t, err)
	return st
}

func TestHappyPathToSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.create(t)
	assert.Equal(t, StatusCreated, st.Status)
	assert.EqualValues(t, 96_500, st.NetAmount)

	_, err := f.svc.ReserveFunds(ctx, opsActor, "t1", st.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkSent(ctx, opsActor, "t1", st.ID)
	require.NoError(t, err)
	_, err = f.svc.ConfirmBank(ctx, financeActor, "t1", st.ID, "UTR123")
	require.NoError(t, err)
	final, err := f.svc.Settle(ctx, financeActor, "t1", st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, final.Status)
	assert.Equal(t, "UTR123", final.UTR)

	history, err := f.svc.History(ctx, "t1", st.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, StatusCreated, history[0].FromStatus)
	assert.Equal(t, StatusSettled, history[3].ToStatus)
}

func TestInvalidJumpRejected(t *testing.T) {
	f := newFixture(t)
	st := f.create(t)

	_, err := f.svc.Settle(context.Background(), financeActor, "t1", st.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CategoryState, errs.Classify(err).Category)
}

func TestSettledIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.create(t)
	_, err := f.svc.ReserveFunds(ctx, opsActor, "t1", st.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkSent(ctx, opsActor, "t1", st.ID)
	require.NoError(t, err)
	_, err = f.svc.ConfirmBank(ctx, financeActor, "t1", st.ID, "UTR1")
	require.NoError(t, err)
	_, err = f.svc.Settle(ctx, financeActor, "t1", st.ID)
	require.NoError(t, err)

	_, err = f.svc.Fail(ctx, financeActor, "t1", st.ID, "bank_reject")
	require.Error(t, err, "SETTLED admits no further transitions")
}

func TestCreateValidatesAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, opsActor, CreateParams{Tenant: "t1", Merchant: "m", GrossAmount: 0})
	assert.Error(t, err)

	_, err = f.svc.Create(ctx, opsActor, CreateParams{Tenant: "t1", Merchant: "m", GrossAmount: 100, Fees: 100})
	assert.Error(t, err, "fees consuming the whole gross leave nothing to pay out")
}

func TestConfirmBankRequiresUTR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.create(t)
	_, err := f.svc.ReserveFunds(ctx, opsActor, "t1", st.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkSent(ctx, opsActor, "t1", st.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmBank(ctx, financeActor, "t1", st.ID, "")
	require.Error(t, err)
	assert.Equal(t, errs.CategoryValidation, errs.Classify(err).Category)
}

func TestDuplicateUTRRejectedPerTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	advance := func(st *Settlement) {
		_, err := f.svc.ReserveFunds(ctx, opsActor, "t1", st.ID)
		require.NoError(t, err)
		_, err = f.svc.MarkSent(ctx, opsActor, "t1", st.ID)
		require.NoError(t, err)
	}

	first := f.create(t)
	advance(first)
	_, err := f.svc.ConfirmBank(ctx, financeActor, "t1", first.ID, "UTR9")
	require.NoError(t, err)

	second := f.create(t)
	advance(second)
	_, err = f.svc.ConfirmBank(ctx, financeActor, "t1", second.ID, "UTR9")
	require.Error(t, err)
	classified := errs.Classify(err)
	assert.Equal(t, "duplicate_utr", classified.Code)
	assert.Equal(t, "UTR9", classified.Entity)
}

func TestConcurrentSameUTRConfirmsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	advance := func(st *Settlement) {
		_, err := f.svc.ReserveFunds(ctx, opsActor, "t1", st.ID)
		require.NoError(t, err)
		_, err = f.svc.MarkSent(ctx, opsActor, "t1", st.ID)
		require.NoError(t, err)
	}
	first := f.create(t)
	advance(first)
	second := f.create(t)
	advance(second)

	errors := make(chan error, 2)
	for _, id := range []string{first.ID, second.ID} {
		go func(id string) {
			_, err := f.svc.ConfirmBank(ctx, financeActor, "t1", id, "UTR77")
			errors <- err
		}(id)
	}

	succeeded := 0
	for i := 0; i < 2; i++ {
		if err := <-errors; err == nil {
			succeeded++
		} else {
			assert.Equal(t, "duplicate_utr", errs.Classify(err).Code)
		}
	}
	assert.Equal(t, 1, succeeded, "the UTR lands on exactly one settlement")

	carriers := 0
	for _, id := range []string{first.ID, second.ID} {
		st, err := f.svc.Get(ctx, "t1", id)
		require.NoError(t, err)
		if st.UTR == "UTR77" {
			carriers++
		}
	}
	assert.Equal(t, 1, carriers)
}

func TestPastSendPointRequiresFinanceAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.create(t)
	_, err := f.svc.ReserveFunds(ctx, opsActor, "t1", st.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkSent(ctx, opsActor, "t1", st.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmBank(ctx, opsActor, "t1", st.ID, "UTR5")
	require.Error(t, err)
	assert.Equal(t, "insufficient_override_privileges", errs.Classify(err).Code)

	_, err = f.svc.ConfirmBank(ctx, financeActor, "t1", st.ID, "UTR5")
	require.NoError(t, err)
}

func TestRetryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.create(t)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Fail(ctx, opsActor, "t1", st.ID, "bank_timeout")
		require.NoError(t, err)
		_, err = f.svc.Retry(ctx, opsActor, "t1", st.ID, true)
		require.NoError(t, err)
	}

	_, err := f.svc.Fail(ctx, opsActor, "t1", st.ID, "bank_timeout")
	require.NoError(t, err)
	_, err = f.svc.Retry(ctx, opsActor, "t1", st.ID, true)
	require.Error(t, err)
	assert.Equal(t, "settlement_retry_exhausted", errs.Classify(err).Code)

	got, err := f.svc.Get(ctx, "t1", st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status, "an exhausted settlement stays FAILED")
	assert.Equal(t, 3, got.RetryCount)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	f := newFixture(t)
	st := f.create(t)

	_, err := f.svc.Retry(context.Background(), opsActor, "t1", st.ID, true)
	require.Error(t, err)
	assert.Equal(t, errs.CategoryState, errs.Classify(err).Category)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.MaxRetries = 10
	f.svc = NewService(f.store, f.publisher, cfg, zap.NewNop())
	f.svc.WithClock(func() time.Time { return f.now })
	ctx := context.Background()
	st := f.create(t)

	expect := []time.Duration{
		30 * time.Minute,
		60 * time.Minute,
		120 * time.Minute,
	}
	for i, want := range expect {
		_, err := f.svc.Fail(ctx, opsActor, "t1", st.ID, "bank_timeout")
		require.NoError(t, err)
		got, err := f.svc.Get(ctx, "t1", st.ID)
		require.NoError(t, err)
		require.NotNil(t, got.NextRetryAt)
		assert.Equal(t, f.now.Add(want), *got.NextRetryAt, "retry %d", i)

		_, err = f.svc.Retry(ctx, opsActor, "t1", st.ID, true)
		require.NoError(t, err)
	}

	// The cap applies once doubling would exceed the ceiling.
	for i := 0; i < 4; i++ {
		_, err := f.svc.Fail(ctx, opsActor, "t1", st.ID, "bank_timeout")
		require.NoError(t, err)
		_, err = f.svc.Retry(ctx, opsActor, "t1", st.ID, true)
		require.NoError(t, err)
	}
	_, err := f.svc.Fail(ctx, opsActor, "t1", st.ID, "bank_timeout")
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, "t1", st.ID)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(24*time.Hour), *got.NextRetryAt)
}

func TestRetryWindowEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.create(t)

	_, err := f.svc.Fail(ctx, opsActor, "t1", st.ID, "bank_timeout")
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, opsActor, "t1", st.ID, false)
	require.Error(t, err, "retry before the window opens is rejected")

	f.now = f.now.Add(31 * time.Minute)
	_, err = f.svc.Retry(ctx, opsActor, "t1", st.ID, false)
	require.NoError(t, err)
}

func TestRetryClearsFailureState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.create(t)

	_, err := f.svc.Fail(ctx, opsActor, "t1", st.ID, "bank_timeout")
	require.NoError(t, err)
	retried, err := f.svc.Retry(ctx, opsActor, "t1", st.ID, true)
	require.NoError(t, err)

	assert.Equal(t, StatusFundsReserved, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Empty(t, retried.FailureCode)
	assert.Nil(t, retried.NextRetryAt)
}

func TestSettlementPostingPublishedOnceAtCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.create(t)

	published := f.publisher.published()
	require.Len(t, published, 1, "the posting event goes out when the settlement is created")
	assert.Equal(t, st.ID, published[0].SourceRef)
	assert.EqualValues(t, 96_500, published[0].Settlement.NetAmount)

	// Reserve, failure and retry touch only the machine.
	_, err := f.svc.ReserveFunds(ctx, opsActor, "t1", st.ID)
	require.NoError(t, err)
	_, err = f.svc.Fail(ctx, opsActor, "t1", st.ID, "bank_timeout")
	require.NoError(t, err)
	_, err = f.svc.Retry(ctx, opsActor, "t1", st.ID, true)
	require.NoError(t, err)
	assert.Len(t, f.publisher.published(), 1)
}

func TestDispatchBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t)
	b := f.create(t)
	// Already past CREATED: rejected from the batch.
	c := f.create(t)
	_, err := f.svc.ReserveFunds(ctx, opsActor, "t1", c.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkSent(ctx, opsActor, "t1", c.ID)
	require.NoError(t, err)

	batch, failures := f.svc.DispatchBatch(ctx, opsActor, "t1", []string{a.ID, b.ID, c.ID})
	assert.Len(t, failures, 1)
	assert.Equal(t, 2, batch.Count)
	assert.EqualValues(t, 193_000, batch.TotalAmount)
	assert.Equal(t, "INR", batch.Currency)

	got, err := f.svc.Get(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSentToBank, got.Status)
	assert.Equal(t, batch.ID, got.BatchID)
}

func TestRetryDueSweepsOpenWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	due := f.create(t)
	_, err := f.svc.Fail(ctx, opsActor, "t1", due.ID, "bank_timeout")
	require.NoError(t, err)

	f.now = f.now.Add(20 * time.Minute)
	notYet := f.create(t)
	_, err = f.svc.Fail(ctx, opsActor, "t1", notYet.ID, "bank_timeout")
	require.NoError(t, err)

	// 31 minutes past the first failure, 11 past the second.
	f.now = f.now.Add(11 * time.Minute)
	retried, err := f.svc.RetryDue(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	got, err := f.svc.Get(ctx, "t1", due.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFundsReserved, got.Status)
	got, err = f.svc.Get(ctx, "t1", notYet.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestConcurrentTransitionHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.create(t)

	const workers = 8
	errors := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := f.svc.ReserveFunds(ctx, opsActor, "t1", st.ID)
			errors <- err
		}()
	}

	succeeded := 0
	for i := 0; i < workers; i++ {
		if err := <-errors; err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent transition wins")

	history, err := f.svc.History(ctx, "t1", st.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
