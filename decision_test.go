package guard

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/oarkflow/guard/logger"
)

func testDecision(user string) *Decision {
	return NewDecision(user, "BR01", "AUDIT", FeatureOrganization, ActionRead, ScopeOrg, "", nil)
}

func TestRunWithRestoresPreviousState(t *testing.T) {
	x := testDecision("x")
	d := testDecision("d")
	for _, prior := range []*Decision{nil, x} {
		for _, mode := range []string{"ok", "error", "panic"} {
			dc := NewDecisionContext()
			if prior != nil {
				dc.Set(prior)
			}
			func() {
				defer func() { _ = recover() }()
				_ = dc.RunWith(d, func() error {
					if cur, _ := dc.Current(); cur != d {
						t.Fatalf("decision not installed inside body")
					}
					switch mode {
					case "error":
						return errBoom
					case "panic":
						panic("body failed")
					}
					return nil
				})
			}()
			cur, ok := dc.Current()
			if cur != prior || ok != (prior != nil) {
				t.Fatalf("prior=%v mode=%s: expected %v restored, got %v", prior != nil, mode, prior, cur)
			}
		}
	}
}

func TestRunWithDecisionCreatesSlot(t *testing.T) {
	d := testDecision("d")
	ctx := context.Background()
	if _, ok := CurrentDecision(ctx); ok {
		t.Fatalf("bare context must carry no decision")
	}
	err := RunWithDecision(ctx, d, func(ctx context.Context) error {
		if cur, ok := CurrentDecision(ctx); !ok || cur != d {
			t.Fatalf("decision not visible in body")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWrapTaskPropagatesAcrossGoroutines(t *testing.T) {
	d := testDecision("d")
	ctx, slot := WithDecisionContext(context.Background())
	slot.Set(d)

	for _, fail := range []bool{false, true} {
		task := WrapTask(ctx, func(ctx context.Context) error {
			if cur, ok := CurrentDecision(ctx); !ok || cur != d {
				t.Errorf("captured decision not visible on worker")
			}
			if fail {
				panic("task failed")
			}
			return nil
		})

		workerCtx, workerSlot := WithDecisionContext(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() { _ = recover() }()
			_ = task(workerCtx)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("task did not finish")
		}
		if _, ok := workerSlot.Current(); ok {
			t.Fatalf("fail=%v: worker slot must be cleared after the task", fail)
		}
	}
	if cur, _ := slot.Current(); cur != d {
		t.Fatalf("submitter slot must be untouched")
	}
}

func TestWrapTaskCapturesAtWrapTime(t *testing.T) {
	first, second := testDecision("first"), testDecision("second")
	ctx, slot := WithDecisionContext(context.Background())
	slot.Set(first)
	task := WrapTask(ctx, func(ctx context.Context) error {
		if cur, _ := CurrentDecision(ctx); cur != first {
			t.Errorf("expected decision captured at wrap time")
		}
		return nil
	})
	slot.Set(second)
	if err := task(context.Background()); err != nil {
		t.Fatalf("task: %v", err)
	}
}

func TestWorkerPool(t *testing.T) {
	d := testDecision("d")
	ml := logger.NewMemoryLogger()
	pool := NewWorkerPool(context.Background(), 2, 4, ml)
	defer pool.Stop()

	ctx, slot := WithDecisionContext(context.Background())
	slot.Set(d)

	res, err := pool.Go(ctx, func(ctx context.Context) error {
		if cur, ok := CurrentDecision(ctx); !ok || cur != d {
			t.Errorf("wrapped task must see the submitter's decision")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := <-res; err != nil {
		t.Fatalf("task: %v", err)
	}

	res, err = pool.Submit(ctx, func(ctx context.Context) error {
		if _, ok := CurrentDecision(ctx); ok {
			t.Errorf("unwrapped task must not see a decision")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-res

	res, _ = pool.Submit(ctx, func(ctx context.Context) error { panic("kaboom") })
	if err := <-res; err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected panic converted to error, got %v", err)
	}

	// a task that leaks a decision into the worker slot gets it cleared
	res, _ = pool.Submit(ctx, func(ctx context.Context) error {
		dc, _ := DecisionContextFrom(ctx)
		dc.Set(d)
		return nil
	})
	<-res
	if !ml.Contains("error", "decision left in worker slot") {
		t.Fatalf("expected leaked decision to be logged")
	}

	pool.Stop()
	if _, err := pool.Submit(ctx, func(context.Context) error { return nil }); err != ErrPoolStopped {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}

func TestDecisionMaskRulesAreCopied(t *testing.T) {
	rules := map[string]FieldMaskRule{"phone": {Tag: "phone", MaskTemplate: "***"}}
	d := NewDecision("u", "A", "G", FeatureEmployee, ActionRead, ScopeOwn, "", rules)
	rules["email"] = FieldMaskRule{Tag: "email"}
	if tags := d.MaskTags(); len(tags) != 1 || tags[0] != "phone" {
		t.Fatalf("decision must not share the caller's map, got %v", tags)
	}
	if !strings.Contains(d.String(), "u@A[G] EMPLOYEE/READ scope=OWN") {
		t.Fatalf("unexpected String %q", d.String())
	}
}
