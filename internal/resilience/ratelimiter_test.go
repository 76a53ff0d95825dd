package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/observability"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

func testStore() (*MemoryBucketStore, *time.Time) {
	s := NewMemoryBucketStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMemoryBucketStore_ExactCapacity(t *testing.T) {
	s, _ := testStore()
	lim := Limit{RequestsPerMinute: 5}

	for i := 0; i < 5; i++ {
		res, err := s.Take(context.Background(), "c:b", lim, 0)
		if err != nil {
			t.Fatalf("Take() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("Take() %d not allowed, want allowed", i)
		}
	}

	res, err := s.Take(context.Background(), "c:b", lim, 0)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if res.Allowed {
		t.Error("request beyond capacity was allowed")
	}
	if res.Exceeded != LimitRequests {
		t.Errorf("Exceeded = %v, want requests", res.Exceeded)
	}
}

func TestMemoryBucketStore_RefillAfterPeriod(t *testing.T) {
	s, now := testStore()
	lim := Limit{RequestsPerMinute: 3}

	for i := 0; i < 3; i++ {
		res, _ := s.Take(context.Background(), "c:b", lim, 0)
		if !res.Allowed {
			t.Fatalf("initial Take() %d denied", i)
		}
	}
	if res, _ := s.Take(context.Background(), "c:b", lim, 0); res.Allowed {
		t.Fatal("over-capacity Take() allowed")
	}

	// One third of the period refills one token.
	*now = now.Add(20 * time.Second)
	if res, _ := s.Take(context.Background(), "c:b", lim, 0); !res.Allowed {
		t.Error("Take() after partial refill denied, want allowed")
	}
	if res, _ := s.Take(context.Background(), "c:b", lim, 0); res.Allowed {
		t.Error("second Take() after partial refill allowed, want denied")
	}
}

func TestMemoryBucketStore_AllOrNothing(t *testing.T) {
	s, _ := testStore()
	lim := Limit{RequestsPerMinute: 10, UnitsPerMinute: 100}

	// Unit bucket cannot cover; request bucket must be left untouched.
	res, err := s.Take(context.Background(), "c:b", lim, 500)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("Take() allowed despite unit shortfall")
	}
	if res.Exceeded != LimitUnits {
		t.Errorf("Exceeded = %v, want units", res.Exceeded)
	}
	if res.RequestsRemaining != 10 {
		t.Errorf("RequestsRemaining = %v, want 10 (no deduction)", res.RequestsRemaining)
	}

	// A coverable request still has the full request budget available.
	for i := 0; i < 10; i++ {
		res, _ = s.Take(context.Background(), "c:b", lim, 10)
		if !res.Allowed {
			t.Fatalf("Take() %d denied, want allowed", i)
		}
	}
}

func TestMemoryBucketStore_KeyIsolation(t *testing.T) {
	s, _ := testStore()
	lim := Limit{RequestsPerMinute: 1}

	if res, _ := s.Take(context.Background(), "alice:b1", lim, 0); !res.Allowed {
		t.Fatal("first caller denied")
	}
	if res, _ := s.Take(context.Background(), "bob:b1", lim, 0); !res.Allowed {
		t.Error("second caller denied, buckets must be per key")
	}
}

func TestLimiter_DistinguishesLimitKinds(t *testing.T) {
	s, _ := testStore()
	l := NewLimiter(s, observability.NewNopLogger())

	lim := Limit{RequestsPerMinute: 1, UnitsPerMinute: 1000}

	if err := l.Check(context.Background(), "alice", "b1", 10, lim); err != nil {
		t.Fatalf("first Check() = %v", err)
	}

	err := l.Check(context.Background(), "alice", "b1", 10, lim)
	if gwerrors.CodeOf(err) != gwerrors.CodeRequestRateExceeded {
		t.Errorf("Check() = %v, want request_rate_exceeded", err)
	}

	err = l.Check(context.Background(), "bob", "b1", 5000, lim)
	if gwerrors.CodeOf(err) != gwerrors.CodeUnitRateExceeded {
		t.Errorf("Check() = %v, want unit_rate_exceeded", err)
	}
}

func TestLimiter_NoLimitsConfigured(t *testing.T) {
	l := NewLimiter(NewMemoryBucketStore(), observability.NewNopLogger())
	if err := l.Check(context.Background(), "alice", "b1", 10, Limit{}); err != nil {
		t.Errorf("Check() with no limits = %v, want nil", err)
	}
}

type failingStore struct{}

func (failingStore) Take(context.Context, string, Limit, int64) (TakeResult, error) {
	return TakeResult{}, errors.New("store down")
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	l := NewLimiter(failingStore{}, observability.NewNopLogger())
	lim := Limit{RequestsPerMinute: 1}

	for i := 0; i < 10; i++ {
		if err := l.Check(context.Background(), "alice", "b1", 1, lim); err != nil {
			t.Fatalf("Check() with failing store = %v, want fail-open nil", err)
		}
	}
}
