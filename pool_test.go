package guard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/oarkflow/guard/logger"
)

func TestWorkerPoolPropagatesAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ml := logger.NewMemoryLogger()
	p := NewWorkerPool(context.Background(), 1, 4, ml)
	d := &Decision{Username: "kim", Feature: FeatureDraft, Action: ActionRead}
	ctx, dc := WithDecisionContext(context.Background())
	dc.Set(d)

	res, err := p.Go(ctx, func(ctx context.Context) error {
		got, ok := CurrentDecision(ctx)
		if !ok || got != d {
			return errors.New("decision not propagated")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := <-res; err != nil {
		t.Fatalf("task: %v", err)
	}

	// a raw task that leaves its decision behind
	res, _ = p.Submit(context.Background(), func(ctx context.Context) error {
		slot, _ := DecisionContextFrom(ctx)
		slot.Set(d)
		return nil
	})
	<-res
	res, _ = p.Submit(context.Background(), func(ctx context.Context) error {
		if _, ok := CurrentDecision(ctx); ok {
			return errors.New("leaked decision visible to next task")
		}
		return nil
	})
	if err := <-res; err != nil {
		t.Fatalf("task: %v", err)
	}
	if !ml.Contains("error", "decision left in worker slot") {
		t.Fatalf("expected leak to be logged, got %+v", ml.Entries())
	}

	res, _ = p.Submit(context.Background(), func(context.Context) error { panic("boom") })
	if err := <-res; err == nil || !strings.Contains(err.Error(), "task panic: boom") {
		t.Fatalf("expected panic error, got %v", err)
	}

	p.Stop()
	p.Stop()
	if _, err := p.Submit(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}

func TestWorkerPoolSubmitHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewWorkerPool(context.Background(), 1, 0, nil)
	defer p.Stop()
	release := make(chan struct{})
	started := make(chan struct{})
	res, err := p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Submit(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled with a busy worker and no queue, got %v", err)
	}
	close(release)
	if err := <-res; err != nil {
		t.Fatalf("task: %v", err)
	}
}
