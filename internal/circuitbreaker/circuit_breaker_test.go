package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var errGateway = errors.New("gateway down")

func newTestBreaker(config Config) *CircuitBreaker {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(config, logger)
}

func fail(context.Context) error    { return errGateway }
func succeed(context.Context) error { return nil }

func TestOpensAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker(Config{Name: "gateway", MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errGateway) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("got %v, want ErrCircuitBreakerOpen", err)
	}
	if called {
		t.Error("open breaker still called through")
	}
}

func TestHalfOpenRecovers(t *testing.T) {
	cb := newTestBreaker(Config{Name: "gateway", MaxFailures: 1, Timeout: time.Second})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	now = now.Add(2 * time.Second)
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(Config{Name: "gateway", MaxFailures: 1, Timeout: time.Second})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	cb.Execute(ctx, fail)
	now = now.Add(2 * time.Second)
	cb.Execute(ctx, fail)

	if cb.State() != StateOpen {
		t.Errorf("state = %s, want open", cb.State())
	}
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	errRejected := errors.New("rejected")
	cb := newTestBreaker(Config{
		Name:        "gateway",
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   func(err error) bool { return !errors.Is(err, errRejected) },
	})

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return errRejected })
		if !errors.Is(err, errRejected) {
			t.Fatalf("got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCancelledCallerDoesNotTrip(t *testing.T) {
	cb := newTestBreaker(Config{Name: "gateway", MaxFailures: 1, Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 1)

	cb := newTestBreaker(Config{
		Name:        "gateway",
		MaxFailures: 1,
		Timeout:     time.Minute,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
			done <- struct{}{}
		},
	})
	cb.Execute(context.Background(), fail)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestMetricsStayConsistentUnderConcurrency(t *testing.T) {
	cb := newTestBreaker(Config{Name: "gateway", MaxFailures: 1000, Timeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				cb.Execute(context.Background(), fail)
			} else {
				cb.Execute(context.Background(), succeed)
			}
		}(i)
	}
	wg.Wait()

	m := cb.Metrics()
	total := m["total_requests"].(int64)
	if total != m["total_failures"].(int64)+m["total_successes"].(int64) {
		t.Errorf("inconsistent metrics: %v", m)
	}
	if total != 50 {
		t.Errorf("total_requests = %d, want 50", total)
	}
}
