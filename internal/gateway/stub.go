package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

// StubAdapter is a scriptable in-process gateway used by tests and load
// rigs. Outcomes are deterministic: the adapter replays its script in order
// and then succeeds forever. Charges are idempotent on the envelope key.
type StubAdapter struct {
	name    string
	latency time.Duration

	mu      sync.Mutex
	script  []error
	cursor  int
	charges map[string]Result // idempotency key -> prior result
	calls   int
}

// NewStubAdapter builds a stub gateway with a fixed simulated latency.
func NewStubAdapter(name string, latency time.Duration) *StubAdapter {
	return &StubAdapter{
		name:    name,
		latency: latency,
		charges: make(map[string]Result),
	}
}

// Name implements Adapter.
func (s *StubAdapter) Name() string { return s.name }

// Fail enqueues scripted failures returned by the next Charge calls.
func (s *StubAdapter) Fail(failures ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, failures...)
}

// Calls reports how many Charge invocations reached the adapter.
func (s *StubAdapter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Charge implements Adapter.
func (s *StubAdapter) Charge(ctx context.Context, env Envelope) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, errs.ErrCancelled(ctx.Err())
	case <-time.After(s.latency):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if prior, ok := s.charges[env.Tenant+"/"+env.IdempotencyKey]; ok {
		return prior, nil
	}

	if s.cursor < len(s.script) {
		err := s.script[s.cursor]
		s.cursor++
		if err != nil {
			return Result{}, errs.Classify(err).WithGateway(s.name)
		}
	}

	res := Result{
		ExternalTxnID: s.name + "_" + uuid.NewString(),
		Status:        "captured",
		ResponseTime:  s.latency,
	}
	s.charges[env.Tenant+"/"+env.IdempotencyKey] = res
	return res, nil
}
