package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/lucaromagnoli/dataservice/dsconfig"
)

func TestGateCapsConcurrency(t *testing.T) {
	gate := NewGate(2)
	ctx := context.Background()

	if err := gate.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := gate.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		_ = gate.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third Acquire should block while 2 slots are held")
	case <-time.After(50 * time.Millisecond):
	}

	gate.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third Acquire should unblock after a Release")
	}
}

func TestGateAcquireRespectsContext(t *testing.T) {
	gate := NewGate(1)
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := gate.Acquire(ctx); err == nil {
		t.Error("Acquire should fail once ctx deadline passes")
	}
}

func TestLimiterDisabledIsNoOp(t *testing.T) {
	l := NewLimiter(dsconfig.LimiterConfig{MaxRate: 0})
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("disabled limiter should not throttle")
	}
}

func TestDelayConstant(t *testing.T) {
	cfg := dsconfig.DelayConfig{Amount: 20 * time.Millisecond, Type: dsconfig.DelayConstant}
	start := time.Now()
	if err := Delay(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Delay should block roughly Amount")
	}
}

func TestDelayZeroIsNoOp(t *testing.T) {
	start := time.Now()
	if err := Delay(context.Background(), dsconfig.DelayConfig{}); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 5*time.Millisecond {
		t.Error("zero delay should return immediately")
	}
}

func TestDelayRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := Delay(ctx, dsconfig.DelayConfig{Amount: time.Second, Type: dsconfig.DelayConstant})
	if err == nil {
		t.Error("Delay should return an error when ctx is cancelled first")
	}
}
