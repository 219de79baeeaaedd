package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sweeney/floodgate/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

var errBoom = errors.New("boom")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New[struct{}]("test-open", Settings{Failures: 2, OpenFor: time.Hour})
	fail := func() (struct{}, error) { return struct{}{}, errBoom }

	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state: got %v, want open", cb.State())
	}
	if _, err := cb.Execute(fail); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("open breaker: got %v, want ErrOpenState", err)
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	cb := New[int]("test-reset", Settings{Failures: 2, OpenFor: time.Hour})
	_, _ = cb.Execute(func() (int, error) { return 0, errBoom })
	_, _ = cb.Execute(func() (int, error) { return 1, nil })
	_, _ = cb.Execute(func() (int, error) { return 0, errBoom })
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state: got %v, want closed", cb.State())
	}
}

func TestSetIsPerKey(t *testing.T) {
	s := NewSet[struct{}]("gate", Settings{Failures: 1, OpenFor: time.Hour})
	a := s.Get("10.1.0.1")
	if s.Get("10.1.0.1") != a {
		t.Fatal("Get should return the same breaker for a key")
	}
	_, _ = a.Execute(func() (struct{}, error) { return struct{}{}, errBoom })

	states := s.States()
	if states["10.1.0.1"] != "open" {
		t.Errorf("a: got %q", states["10.1.0.1"])
	}
	if s.Get("10.1.0.2").State() != gobreaker.StateClosed {
		t.Error("independent key should start closed")
	}
}

func TestCancellationIsNotAFailure(t *testing.T) {
	cb := New[struct{}]("test-cancel", Settings{Failures: 2, OpenFor: time.Hour})
	cancelled := func() (struct{}, error) {
		return struct{}{}, fmt.Errorf("settle: %w", context.Canceled)
	}
	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(cancelled); !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state: got %v, want closed", cb.State())
	}

	// Deadlines still count against the equipment
	timedOut := func() (struct{}, error) { return struct{}{}, context.DeadlineExceeded }
	_, _ = cb.Execute(timedOut)
	_, _ = cb.Execute(timedOut)
	if cb.State() != gobreaker.StateOpen {
		t.Errorf("state after timeouts: got %v, want open", cb.State())
	}
}
