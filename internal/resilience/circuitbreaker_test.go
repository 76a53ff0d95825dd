package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("CircuitState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func testBreaker(threshold, trialCap int, recovery time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker("backend-1", BreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenTrialCap: trialCap,
	})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAtExactThreshold(t *testing.T) {
	b, _ := testBreaker(3, 2, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("State() = %v before threshold, want closed", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("State() = %v after threshold failures, want open", b.State())
	}

	err := b.Admit()
	if gwerrors.CodeOf(err) != gwerrors.CodeCircuitOpen {
		t.Errorf("Admit() error = %v, want circuit_open", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(3, 2, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed after interleaved success", b.State())
	}
}

func TestBreaker_LazyHalfOpenTransition(t *testing.T) {
	b, now := testBreaker(1, 2, time.Minute)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}

	// Before the recovery timeout the circuit still reports open.
	*now = now.Add(59 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("State() = %v before timeout, want open", b.State())
	}

	*now = now.Add(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %v after timeout, want half-open", b.State())
	}
}

func TestBreaker_HalfOpenClosesAfterTrialSuccesses(t *testing.T) {
	b, now := testBreaker(1, 3, time.Minute)

	b.RecordFailure()
	*now = now.Add(time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Admit(); err != nil {
			t.Fatalf("Admit() trial %d = %v, want nil", i, err)
		}
		b.RecordSuccess()
	}

	if b.State() != StateClosed {
		t.Errorf("State() = %v after trial successes, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(1, 3, time.Minute)

	b.RecordFailure()
	*now = now.Add(time.Minute)

	if err := b.Admit(); err != nil {
		t.Fatalf("Admit() = %v, want nil in half-open", err)
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Errorf("State() = %v after half-open failure, want open", b.State())
	}
}

func TestBreaker_HalfOpenTrialCap(t *testing.T) {
	b, now := testBreaker(1, 2, time.Minute)

	b.RecordFailure()
	*now = now.Add(time.Minute)

	if err := b.Admit(); err != nil {
		t.Fatalf("first trial Admit() = %v", err)
	}
	if err := b.Admit(); err != nil {
		t.Fatalf("second trial Admit() = %v", err)
	}

	err := b.Admit()
	if gwerrors.CodeOf(err) != gwerrors.CodeTrialExhausted {
		t.Errorf("Admit() beyond cap = %v, want half_open_trial_exhausted", err)
	}

	// Recording an outcome frees a trial slot.
	b.RecordSuccess()
	if err := b.Admit(); err != nil {
		t.Errorf("Admit() after recorded outcome = %v, want nil", err)
	}
}

func TestBreaker_Call(t *testing.T) {
	b, _ := testBreaker(2, 2, time.Minute)

	boom := errors.New("boom")
	op := func(context.Context) error { return boom }

	for i := 0; i < 2; i++ {
		if err := b.Call(context.Background(), op); !errors.Is(err, boom) {
			t.Fatalf("Call() = %v, want boom", err)
		}
	}

	// Circuit is now open; op must not run.
	ran := false
	err := b.Call(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	if gwerrors.CodeOf(err) != gwerrors.CodeCircuitOpen {
		t.Errorf("Call() on open circuit = %v, want circuit_open", err)
	}
	if ran {
		t.Error("operation ran while circuit was open")
	}
}

func TestBreaker_ConcurrentRecording(t *testing.T) {
	b, _ := testBreaker(1000, 3, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if n%2 == 0 {
					b.RecordSuccess()
				} else {
					b.RecordFailure()
				}
				_ = b.State()
			}
		}(i)
	}
	wg.Wait()

	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
}

func TestBreakerSet_PerBackendIsolation(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenTrialCap: 1})

	set.Get("a").RecordFailure()

	if set.State("a") != StateOpen {
		t.Errorf("State(a) = %v, want open", set.State("a"))
	}
	if set.State("b") != StateClosed {
		t.Errorf("State(b) = %v, want closed", set.State("b"))
	}

	states := set.States()
	if len(states) != 1 {
		t.Errorf("States() has %d entries, want 1", len(states))
	}
}
