package executor

import (
	"context"
	"sync"
)

// Batch tracks the entries of one Submit call.
type Batch struct {
	mu      sync.Mutex
	results []Result
	pending int
	done    chan struct{}
}

func newBatch(n int) *Batch {
	b := &Batch{results: make([]Result, 0, n), pending: n, done: make(chan struct{})}
	if n == 0 {
		close(b.done)
	}
	return b
}

func (b *Batch) finish(r Result) {
	b.mu.Lock()
	b.results = append(b.results, r)
	b.pending--
	last := b.pending == 0
	b.mu.Unlock()
	if last {
		close(b.done)
	}
}

// Done is closed once every entry has a result.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until every entry has a result or ctx ends.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns results in completion order.
func (b *Batch) Results() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Result(nil), b.results...)
}
