package circuit

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blockfs/blockfs/pkg/errors"
)

var errRefused = stderr.New("connection refused")

func fail(context.Context) error    { return errRefused }
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

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	b := New(3, Config{})

	if b.Peer() != 3 {
		t.Errorf("Peer() = %d, want 3", b.Peer())
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want %v", b.State(), StateClosed)
	}
	if b.config.FailureThreshold != 5 {
		t.Errorf("default FailureThreshold = %d, want 5", b.config.FailureThreshold)
	}
	if b.config.MaxProbes != 1 {
		t.Errorf("default MaxProbes = %d, want 1", b.config.MaxProbes)
	}
	if b.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", b.config.Timeout)
	}
	if b.config.IsFailure == nil {
		t.Error("default IsFailure should not be nil")
	}
}

func TestDefaultIsFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"absent block", errors.NewError(errors.ErrCodeBlockNotFound, "absent"), false},
		{"caller cancelled", fmt.Errorf("read: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"transport failure", errors.NewError(errors.ErrCodeTransportFailure, "refused"), true},
		{"plain error", errRefused, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultIsFailure(tt.err); got != tt.want {
				t.Errorf("DefaultIsFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBreaker_Do(t *testing.T) {
	t.Parallel()

	b := New(1, Config{FailureThreshold: 3})
	ctx := context.Background()

	if err := b.Do(ctx, succeed); err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if err := b.Do(ctx, fail); err != errRefused {
		t.Errorf("Do() error = %v, want %v", err, errRefused)
	}

	counts := b.Counts()
	if counts.Requests != 2 || counts.TotalSuccesses != 1 || counts.TotalFailures != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := New(1, Config{FailureThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, succeed) // resets the run
	_ = b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after interrupted run", b.State())
	}

	_ = b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if err != ErrOpenState {
		t.Errorf("Do() error = %v, want %v", err, ErrOpenState)
	}
	if called {
		t.Error("function should not run while the circuit is open")
	}
}

func TestBreaker_NotFoundDoesNotTrip(t *testing.T) {
	t.Parallel()

	b := New(1, Config{FailureThreshold: 1})
	absent := errors.NewError(errors.ErrCodeBlockNotFound, "absent")
	for i := 0; i < 5; i++ {
		_ = b.Do(context.Background(), func(context.Context) error { return absent })
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string

	b := New(7, Config{
		FailureThreshold: 1,
		Timeout:          50 * time.Millisecond,
		OnStateChange: func(peer uint64, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, fmt.Sprintf("%d:%s->%s", peer, from, to))
		},
	})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	time.Sleep(100 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want half-open", b.State())
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"7:CLOSED->OPEN", "7:OPEN->HALF_OPEN", "7:HALF_OPEN->CLOSED"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New(1, Config{FailureThreshold: 1, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	time.Sleep(100 * time.Millisecond)
	_ = b.Do(ctx, fail)

	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()

	b := New(1, Config{FailureThreshold: 1, MaxProbes: 1, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	time.Sleep(100 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Do(ctx, succeed)
	close(release)

	if err != ErrTooManyProbes {
		t.Errorf("second probe error = %v, want %v", err, ErrTooManyProbes)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := New(1, Config{FailureThreshold: 1, Timeout: time.Minute})
	_ = b.Do(context.Background(), fail)
	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("state after reset = %v, want closed", b.State())
	}
	if b.Counts().Requests != 0 {
		t.Error("counts should be cleared by reset")
	}
}

func TestSet(t *testing.T) {
	t.Parallel()

	s := NewSet(Config{FailureThreshold: 1, Timeout: time.Minute})

	if s.For(2) != s.For(2) {
		t.Error("For should return the same breaker for a peer")
	}
	if s.For(1) == s.For(2) {
		t.Error("peers must not share breakers")
	}

	if err := s.HealthCheck(); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}

	_ = s.For(2).Do(context.Background(), fail)

	stats := s.Stats()
	if len(stats) != 2 || stats[0].Peer != 1 || stats[1].Peer != 2 {
		t.Fatalf("unexpected stats order: %+v", stats)
	}
	if stats[1].State != StateOpen {
		t.Errorf("peer 2 state = %v, want open", stats[1].State)
	}
	if err := s.HealthCheck(); err == nil {
		t.Error("HealthCheck() should report the open peer")
	}

	s.ResetAll()
	if err := s.HealthCheck(); err != nil {
		t.Errorf("HealthCheck() after ResetAll = %v", err)
	}
}

func TestSet_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewSet(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(peer uint64) {
			defer wg.Done()
			_ = s.For(peer%5).Do(context.Background(), succeed)
		}(uint64(i))
	}
	wg.Wait()

	if got := len(s.Stats()); got != 5 {
		t.Errorf("breakers = %d, want 5", got)
	}
}
