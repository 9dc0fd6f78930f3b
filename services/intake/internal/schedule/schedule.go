// Package schedule runs a function on a fixed interval with idempotent
// Start/Stop and no overlapping runs.
package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type Loop struct {
	interval time.Duration
	fn       func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

func NewLoop(interval time.Duration, fn func(ctx context.Context)) *Loop {
	return &Loop{interval: interval, fn: fn}
}

// Start launches the ticker goroutine. Calling Start on a started loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.RunOnce(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-progress run to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce invokes fn unless a run is already in progress. It reports
// whether fn ran.
func (l *Loop) RunOnce(ctx context.Context) bool {
	if !l.running.CompareAndSwap(false, true) {
		return false
	}
	defer l.running.Store(false)
	l.fn(ctx)
	return true
}
