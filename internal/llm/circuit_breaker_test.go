package llm

import (
	"context"
	"errors"
	"testing"
)

func TestBreakerPassesThroughSuccess(t *testing.T) {
	b := NewBreaker("test")

	result, err := b.Execute(context.Background(), func() (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected result passthrough, got %v", result)
	}
	if b.State() != "closed" {
		t.Errorf("expected closed breaker, got %q", b.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("test")
	boom := errors.New("provider failure")

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(context.Background(), func() (interface{}, error) {
			return nil, boom
		}); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected provider error, got %v", i+1, err)
		}
	}

	if b.State() != "open" {
		t.Fatalf("expected open breaker after 3 failures, got %q", b.State())
	}

	_, err := b.Execute(context.Background(), func() (interface{}, error) {
		t.Error("function should not run while the circuit is open")
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerHonorsCanceledContext(t *testing.T) {
	b := NewBreaker("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, func() (interface{}, error) {
		t.Error("function should not run with a canceled context")
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
