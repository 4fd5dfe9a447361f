package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApplyWithRetryStaysOnFailingMessage(t *testing.T) {
	calls := 0
	err := applyWithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("read model unavailable")
		}
		return nil
	}, 5, func(time.Duration) {})
	if err != nil {
		t.Fatalf("apply should recover within the attempt budget: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts against the same message, got %d", calls)
	}
}

func TestApplyWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	var slept []time.Duration
	wantErr := errors.New("poison payload")
	err := applyWithRetry(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	}, 4, func(d time.Duration) { slept = append(slept, d) })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the apply error back, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", calls)
	}
	if len(slept) != 3 {
		t.Fatalf("expected a backoff between attempts only, got %d sleeps", len(slept))
	}
	for i := 1; i < len(slept); i++ {
		if slept[i] <= slept[i-1] {
			t.Fatalf("backoff must grow: %v", slept)
		}
	}
}

func TestApplyWithRetryStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := applyWithRetry(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("apply failed")
	}, 10, func(time.Duration) {})
	if err == nil {
		t.Fatal("canceled retry must surface the apply error")
	}
	if calls != 1 {
		t.Fatalf("expected no further attempts after cancel, got %d", calls)
	}
}

func TestProjectionRetryDelayIsCapped(t *testing.T) {
	if d := projectionRetryDelay(1); d != 250*time.Millisecond {
		t.Fatalf("first delay = %v", d)
	}
	if d := projectionRetryDelay(100); d != 10*time.Second {
		t.Fatalf("delay must cap at 10s, got %v", d)
	}
}
