// Package batch coalesces many small lookups issued close together into
// single bulk calls. Calls arriving within one collection window are
// grouped by a caller-supplied key and flushed together, amortizing the
// fixed per-query overhead of the store.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLengthMismatch is returned to every pending caller in a group when
// the load function breaks its contract by returning a result list whose
// length differs from the argument list.
var ErrLengthMismatch = errors.New("batch: loader returned mismatched result count")

const defaultWindow = time.Millisecond

// LoadFunc loads results for every argument accumulated under one key.
// The returned slice must have the same length and order as args.
type LoadFunc[K comparable, A, R any] func(ctx context.Context, key K, args []A) ([]R, error)

// Options configures a Loader.
type Options struct {
	// Window is how long the loader collects calls before flushing all
	// accumulated groups at once. Zero means one millisecond.
	Window time.Duration
	// MaxBatchSize, when positive, flushes a group immediately and
	// independently once it accumulates this many arguments.
	MaxBatchSize int
}

// Loader accumulates calls per key and flushes each group with one load
// call. Per-key result order matches per-key call order. Safe for
// concurrent use.
type Loader[K comparable, A, R any] struct {
	keyFn    func(A) K
	load     LoadFunc[K, A, R]
	window   time.Duration
	maxBatch int

	mu        sync.Mutex
	groups    map[K]*group[A, R]
	scheduled bool
}

type outcome[R any] struct {
	value R
	err   error
}

type group[A, R any] struct {
	args    []A
	waiters []chan outcome[R]
}

// NewLoader builds a loader that batches calls sharing keyFn(arg).
func NewLoader[K comparable, A, R any](keyFn func(A) K, load LoadFunc[K, A, R], opts Options) *Loader[K, A, R] {
	window := opts.Window
	if window <= 0 {
		window = defaultWindow
	}
	return &Loader[K, A, R]{
		keyFn:    keyFn,
		load:     load,
		window:   window,
		maxBatch: opts.MaxBatchSize,
		groups:   make(map[K]*group[A, R]),
	}
}

// Load enqueues arg and blocks until its result arrives. A caller that
// stops waiting (context cancelled) does not abort the flush for the rest
// of its group.
func (l *Loader[K, A, R]) Load(ctx context.Context, arg A) (R, error) {
	key := l.keyFn(arg)
	ch := make(chan outcome[R], 1)

	l.mu.Lock()
	g, ok := l.groups[key]
	if !ok {
		g = &group[A, R]{}
		l.groups[key] = g
	}
	g.args = append(g.args, arg)
	g.waiters = append(g.waiters, ch)

	if l.maxBatch > 0 && len(g.args) >= l.maxBatch {
		delete(l.groups, key)
		go l.flushGroup(key, g)
	} else if !l.scheduled {
		l.scheduled = true
		time.AfterFunc(l.window, l.flushAll)
	}
	l.mu.Unlock()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// flushAll flushes every accumulated group exactly once.
func (l *Loader[K, A, R]) flushAll() {
	l.mu.Lock()
	groups := l.groups
	l.groups = make(map[K]*group[A, R])
	l.scheduled = false
	l.mu.Unlock()

	for key, g := range groups {
		go l.flushGroup(key, g)
	}
}

func (l *Loader[K, A, R]) flushGroup(key K, g *group[A, R]) {
	results, err := l.load(context.Background(), key, g.args)
	if err == nil && len(results) != len(g.args) {
		err = ErrLengthMismatch
	}
	if err != nil {
		for _, ch := range g.waiters {
			var zero R
			ch <- outcome[R]{value: zero, err: err}
		}
		return
	}
	for i, ch := range g.waiters {
		ch <- outcome[R]{value: results[i]}
	}
}
