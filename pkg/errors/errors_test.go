package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "without cause",
			err:  New(ErrorTypeTransport, "connect", "connection refused"),
			want: "transport operation 'connect' failed: connection refused",
		},
		{
			name: "with cause",
			err:  Wrap(fmt.Errorf("EOF"), ErrorTypeTransport, "read", "pool closed connection"),
			want: "transport operation 'read' failed: pool closed connection (caused by: EOF)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryabilityByType(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeTransport, true},
		{ErrorTypeHandshake, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypeProtocol, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "message")
			if got := err.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestWrapPreservesRetryability(t *testing.T) {
	inner := New(ErrorTypeTransport, "read", "idle timeout")
	outer := Wrap(inner, ErrorTypeInternal, "session", "session aborted")

	if !outer.IsRetryable() {
		t.Error("wrapping a retryable error should stay retryable")
	}

	var se *ServiceError
	if !errors.As(outer, &se) {
		t.Fatal("expected ServiceError via errors.As")
	}
	if !errors.Is(outer, inner) {
		t.Error("expected unwrap chain to reach inner error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ErrorTypeTransport, "op", "msg") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestIsRetryableByPattern(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), true},
		{"reset", fmt.Errorf("read: connection reset by peer"), true},
		{"timeout", fmt.Errorf("i/o timeout"), true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"plain error", fmt.Errorf("bad value"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeHandshake, "subscribe", "unexpected reply shape")

	if !IsType(err, ErrorTypeHandshake) {
		t.Error("expected handshake type")
	}
	if IsType(err, ErrorTypeTransport) {
		t.Error("did not expect transport type")
	}
	if IsType(fmt.Errorf("plain"), ErrorTypeHandshake) {
		t.Error("plain error should not match any type")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "insert", "duplicate").
		WithContext("job_id", "ab12").
		WithContext("attempt", 3)

	ctx := GetContext(err)
	if ctx["job_id"] != "ab12" {
		t.Errorf("job_id context = %v, want ab12", ctx["job_id"])
	}
	if ctx["attempt"] != 3 {
		t.Errorf("attempt context = %v, want 3", ctx["attempt"])
	}
	if GetContext(fmt.Errorf("plain")) != nil {
		t.Error("plain error has no context")
	}
}
