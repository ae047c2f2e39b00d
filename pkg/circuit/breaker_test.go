package circuit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func failing() error { return fmt.Errorf("backend down") }
func working() error { return nil }

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := New(&Config{
		MaxFailures:     3,
		SuccessRequired: 1,
		Timeout:         time.Minute,
		ResetTimeout:    time.Minute,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, failing); err == nil {
			t.Fatal("expected failure")
		}
	}

	if cb.CurrentState() != StateOpen {
		t.Errorf("state = %v, want open", cb.CurrentState())
	}

	// Further calls are rejected without invoking the function
	called := false
	_ = cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	if called {
		t.Error("open breaker must not invoke the function")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := New(&Config{
		MaxFailures:     1,
		SuccessRequired: 2,
		Timeout:         time.Millisecond,
		ResetTimeout:    time.Minute,
	})

	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.CurrentState())
	}

	time.Sleep(5 * time.Millisecond)

	// First probe moves to half-open, two successes close it
	if err := cb.Execute(ctx, working); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.CurrentState() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.CurrentState())
	}
	if err := cb.Execute(ctx, working); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed", cb.CurrentState())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(&Config{
		MaxFailures:     1,
		SuccessRequired: 2,
		Timeout:         time.Millisecond,
		ResetTimeout:    time.Minute,
	})

	ctx := context.Background()
	_ = cb.Execute(ctx, failing)
	time.Sleep(5 * time.Millisecond)

	_ = cb.Execute(ctx, failing)
	if cb.CurrentState() != StateOpen {
		t.Errorf("state = %v, want open after half-open failure", cb.CurrentState())
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := New(nil)

	got, err := ExecuteWithResult(context.Background(), cb, func() (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
}

func TestReset(t *testing.T) {
	cb := New(&Config{
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         time.Minute,
		ResetTimeout:    time.Minute,
	})

	_ = cb.Execute(context.Background(), failing)
	if cb.CurrentState() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed after reset", cb.CurrentState())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
