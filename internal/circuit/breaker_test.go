package circuit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/framecache/framecache/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(config Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBreaker("memory:gpu", config)
	b.now = clock.Now
	return b, clock
}

var errQuery = fmt.Errorf("driver timeout")

func fail(context.Context) error    { return errQuery }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"Closed state", StateClosed, "CLOSED"},
		{"Open state", StateOpen, "OPEN"},
		{"Half-open state", StateHalfOpen, "HALF_OPEN"},
		{"Unknown state", State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test", Config{})
	defaults := DefaultConfig()

	if b.Name() != "test" {
		t.Errorf("Name() = %q, want %q", b.Name(), "test")
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want %v", b.State(), StateClosed)
	}
	if b.config.FailureThreshold != defaults.FailureThreshold {
		t.Errorf("FailureThreshold = %d, want %d", b.config.FailureThreshold, defaults.FailureThreshold)
	}
	if b.config.OpenTimeout != defaults.OpenTimeout {
		t.Errorf("OpenTimeout = %v, want %v", b.config.OpenTimeout, defaults.OpenTimeout)
	}
	if b.config.HalfOpenRequests != 1 {
		t.Errorf("HalfOpenRequests = %d, want 1", b.config.HalfOpenRequests)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{FailureThreshold: 3, OpenTimeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed) // resets the streak
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v after interrupted streak, want CLOSED", b.State())
	}

	if err := b.Execute(ctx, fail); err != errQuery {
		t.Fatalf("Execute() = %v, want the call's own error", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}
}

func TestBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Minute})
	ctx := context.Background()
	_ = b.Execute(ctx, fail)

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("open breaker called through")
	}
	if !errors.Is(err, errors.ErrCircuitOpen) {
		t.Errorf("Execute() = %v, want CIRCUIT_OPEN", err)
	}
	if errors.Is(err, errors.ErrMemoryQuery) {
		t.Error("rejection must not look like a failed query")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Minute, HalfOpenRequests: 1})
	ctx := context.Background()
	_ = b.Execute(ctx, fail)

	clock.Advance(59 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("state = %v before timeout, want OPEN", b.State())
	}

	clock.Advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v after timeout, want HALF_OPEN", b.State())
	}

	// A failed probe re-opens for a full timeout.
	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v after failed probe, want OPEN", b.State())
	}

	clock.Advance(time.Minute)
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe Execute() = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after successful probe, want CLOSED", b.State())
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Second, HalfOpenRequests: 1})
	ctx := context.Background()
	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Execute(ctx, succeed); errors.GetCode(err) != errors.ErrCodeCircuitOpen {
		t.Errorf("second probe = %v, want CIRCUIT_OPEN", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first probe = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	t.Parallel()

	var transitions []string
	b, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = b.Execute(ctx, succeed)

	want := []string{
		"memory:gpu:CLOSED->OPEN",
		"memory:gpu:OPEN->HALF_OPEN",
		"memory:gpu:HALF_OPEN->CLOSED",
	}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestBreaker_Counts(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{FailureThreshold: 10})
	ctx := context.Background()
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	c := b.Counts()
	if c.Requests != 3 || c.TotalFailures != 2 || c.ConsecutiveFailures != 2 || c.ConsecutiveSuccesses != 0 {
		t.Errorf("Counts() = %+v", c)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	_ = b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v, want CLOSED", b.State())
	}
	if b.Counts().Requests != 0 {
		t.Errorf("counts not cleared: %+v", b.Counts())
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	b := NewBreaker("concurrent", Config{FailureThreshold: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if (i+j)%2 == 0 {
					_ = b.Execute(ctx, succeed)
				} else {
					_ = b.Execute(ctx, fail)
				}
				_ = b.State()
			}
		}(i)
	}
	wg.Wait()

	if b.Counts().Requests != 800 {
		t.Errorf("Requests = %d, want 800", b.Counts().Requests)
	}
}
