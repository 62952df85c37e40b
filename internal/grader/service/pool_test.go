package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"hive/pkg/errors"
)

func TestPoolAdmitsUpToCapacity(t *testing.T) {
	t.Parallel()
	p := NewPool(1, 1, 30*time.Millisecond, nil)
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := p.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := p.Acquire(ctx); !errors.Is(err, errors.GradingQueueFull) {
		t.Fatalf("expected GradingQueueFull, got %v", err)
	}
	p.Release()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	p.Release()
	p.Release()
}

func TestPoolRunsJobsAndFreesSlots(t *testing.T) {
	t.Parallel()
	p := NewPool(2, 0, time.Second, nil)
	var ran atomic.Int32
	for i := 0; i < 6; i++ {
		if err := p.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if err := p.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ran.Load() != 6 {
		t.Fatalf("expected 6 jobs, got %d", ran.Load())
	}
}

func TestPoolShutdownStopsAdmission(t *testing.T) {
	t.Parallel()
	p := NewPool(1, 0, time.Second, nil)
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := p.Submit(func() {}); !errors.Is(err, errors.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable on submit, got %v", err)
	}
	if err := p.Acquire(context.Background()); !errors.Is(err, errors.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable on acquire, got %v", err)
	}
}

func TestPoolShutdownHonoursDeadline(t *testing.T) {
	t.Parallel()
	p := NewPool(1, 0, time.Second, nil)
	release := make(chan struct{})
	_ = p.Acquire(context.Background())
	_ = p.Submit(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); err == nil {
		t.Fatalf("expected deadline error while a job is running")
	}
}
