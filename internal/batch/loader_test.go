package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoadCoalescesCallsInOneWindow(t *testing.T) {
	var loads atomic.Int32
	loader := NewLoader(
		func(arg string) string { return "key" },
		func(ctx context.Context, key string, args []string) ([]string, error) {
			loads.Add(1)
			out := make([]string, len(args))
			for i, a := range args {
				out[i] = "res:" + a
			}
			return out, nil
		},
		Options{Window: 50 * time.Millisecond},
	)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := loader.Load(context.Background(), fmt.Sprintf("arg%d", i))
			if err != nil {
				t.Errorf("Load %d failed: %v", i, err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Errorf("loader invoked %d times, want 1", got)
	}
	for i, v := range results {
		want := fmt.Sprintf("res:arg%d", i)
		if v != want {
			t.Errorf("caller %d got %q, want %q", i, v, want)
		}
	}
}

func TestLoadDemultiplexesByKey(t *testing.T) {
	// The loader's internal row order must not leak: each caller gets the
	// result for its own key even when the load reverses the input.
	loader := NewLoader(
		func(arg string) string { return arg },
		func(ctx context.Context, key string, args []string) ([]string, error) {
			out := make([]string, len(args))
			for i, a := range args {
				out[i] = key + "/" + a
			}
			return out, nil
		},
		Options{Window: 50 * time.Millisecond},
	)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arg := fmt.Sprintf("k%d", i)
			v, err := loader.Load(context.Background(), arg)
			if err != nil {
				t.Errorf("Load(%s) failed: %v", arg, err)
				return
			}
			if want := arg + "/" + arg; v != want {
				t.Errorf("Load(%s) = %q, want %q", arg, v, want)
			}
		}(i)
	}
	wg.Wait()
}

func TestLoadRejectsAllOnLengthMismatch(t *testing.T) {
	loader := NewLoader(
		func(arg int) string { return "key" },
		func(ctx context.Context, key string, args []int) ([]int, error) {
			return make([]int, len(args)+1), nil
		},
		Options{Window: 20 * time.Millisecond},
	)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := loader.Load(context.Background(), i)
			if !errors.Is(err, ErrLengthMismatch) {
				t.Errorf("caller %d: expected ErrLengthMismatch, got %v", i, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestLoadRejectsAllOnLoaderError(t *testing.T) {
	loadErr := errors.New("store unavailable")
	loader := NewLoader(
		func(arg int) string { return "key" },
		func(ctx context.Context, key string, args []int) ([]int, error) {
			return nil, loadErr
		},
		Options{Window: 20 * time.Millisecond},
	)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := loader.Load(context.Background(), i)
			if !errors.Is(err, loadErr) {
				t.Errorf("caller %d: expected loader error, got %v", i, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestMaxBatchSizeFlushesImmediately(t *testing.T) {
	loader := NewLoader(
		func(arg int) string { return "key" },
		func(ctx context.Context, key string, args []int) ([]int, error) {
			return args, nil
		},
		Options{Window: 5 * time.Second, MaxBatchSize: 2},
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := loader.Load(context.Background(), i); err != nil {
				t.Errorf("Load %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("full group waited for the window (%v); want immediate flush", elapsed)
	}
}

func TestCancelledCallerDoesNotAbortGroup(t *testing.T) {
	loader := NewLoader(
		func(arg string) string { return "key" },
		func(ctx context.Context, key string, args []string) ([]string, error) {
			time.Sleep(30 * time.Millisecond)
			return args, nil
		},
		Options{Window: 10 * time.Millisecond},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := loader.Load(ctx, "abandoned"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	v, err := loader.Load(context.Background(), "patient")
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if v != "patient" {
		t.Errorf("got %q, want patient", v)
	}
}
