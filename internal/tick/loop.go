package tick

import (
	"context"
	"sync"
	"time"
)

// StepFunc runs one periodic pass. now is the wall time of the tick that fired it.
type StepFunc func(ctx context.Context, now time.Time)

// Loop drives a StepFunc on a fixed interval and records how long each pass took.
type Loop struct {
	interval time.Duration
	stepFunc StepFunc
	monitor  *Monitor

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop configures a loop that fires every interval. Non-positive intervals fall back
// to one second.
func NewLoop(interval time.Duration, step StepFunc, monitor *Monitor) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if step == nil {
		step = func(context.Context, time.Time) {}
	}
	return &Loop{interval: interval, stepFunc: step, monitor: monitor}
}

// Start begins ticking until the context is cancelled or Stop is invoked. Calling Start
// on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	done := make(chan struct{})
	l.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				//1.- Run one pass per tick; a slow pass drops the ticks it overran instead of bursting.
				started := time.Now()
				l.stepFunc(ctx, now)
				l.monitor.Observe(time.Since(started))
			}
		}
	}()
}

// Run starts the loop and blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.Start(ctx)
	<-ctx.Done()
	l.Stop()
	return nil
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Interval exposes the configured period for testing.
func (l *Loop) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}
