package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var current, max int64

	for i := 0; i < 10; i++ {
		p.Submit(func() error {
			n := atomic.AddInt64(&current, 1)
			for {
				m := atomic.LoadInt64(&max)
				if n <= m || atomic.CompareAndSwapInt64(&max, m, n) {
					break
				}
			}
			atomic.AddInt64(&current, -1)
			return nil
		})
	}
	if errs := p.Wait(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if max > 2 {
		t.Fatalf("observed concurrency %d exceeds pool size 2", max)
	}
}

func TestPoolCollectsErrorsWithoutAborting(t *testing.T) {
	p := New(4)
	var ran int64
	for i := 0; i < 5; i++ {
		i := i
		p.Submit(func() error {
			atomic.AddInt64(&ran, 1)
			if i%2 == 0 {
				return errors.New("boom")
			}
			return nil
		})
	}
	errs := p.Wait()
	if ran != 5 {
		t.Fatalf("expected all 5 jobs to run, got %d", ran)
	}
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
}

func TestRunInlineOrSubmitThreshold(t *testing.T) {
	p := New(2)
	var inline, pooled int64

	p.RunInlineOrSubmit(SmallFileThreshold, func() error {
		atomic.AddInt64(&inline, 1)
		return nil
	})
	p.RunInlineOrSubmit(SmallFileThreshold+1, func() error {
		atomic.AddInt64(&pooled, 1)
		return nil
	})
	p.Wait()

	if inline != 1 {
		t.Fatalf("expected inline job to run synchronously, ran=%d", inline)
	}
	if pooled != 1 {
		t.Fatalf("expected pooled job to run, ran=%d", pooled)
	}
}
