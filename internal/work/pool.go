// Package work provides a small bounded worker pool for the CPU-bound
// operations that must never block the Admission Gateway's request
// goroutines: Argon2id password hashing and symbol-master index
// rebuilds. Submissions beyond the configured concurrency block until a
// slot frees, which back-pressures callers rather than letting an
// unbounded number of hashing goroutines compete for CPU.
package work

import (
	"context"
	"runtime"

	"github.com/aristath/sentinel/internal/apperr"
)

// Pool bounds concurrent execution of blocking CPU-bound work to a fixed
// number of slots.
type Pool struct {
	sem chan struct{}
}

// New builds a Pool with concurrency slots. A non-positive concurrency
// defaults to runtime.NumCPU().
func New(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool{sem: make(chan struct{}, concurrency)}
}

// Submit runs fn once a slot is free, returning its result. It returns
// ctx.Err() without running fn if ctx is cancelled before a slot frees.
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	defer func() { <-p.sem }()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		// fn keeps running to completion in the background (Argon2 and
		// index rebuilds are not designed to be interrupted mid-flight)
		// but the caller is freed to treat this as a timeout.
		return zero, apperr.Wrap(apperr.Internal, "blocking work cancelled", ctx.Err())
	}
}

// Len reports the number of slots currently occupied.
func (p *Pool) Len() int {
	return len(p.sem)
}

// Cap reports the pool's total concurrency.
func (p *Pool) Cap() int {
	return cap(p.sem)
}
