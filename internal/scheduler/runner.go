package scheduler

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/kiranshivaraju/conveyor/internal/leader"
	"github.com/kiranshivaraju/conveyor/internal/metrics"
)

// Loop is one periodically invoked pass over the job store.
type Loop interface {
	Name() string
	RunCycle(ctx context.Context) error
}

// Runner invokes a Loop on a fixed interval while this instance is leader.
type Runner struct {
	loop     Loop
	interval time.Duration
	leader   leader.Controller
	clock    clock.WithTicker
	metrics  *metrics.Metrics
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithRunnerClock(c clock.WithTicker) RunnerOption {
	return func(r *Runner) {
		r.clock = c
	}
}

func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

func NewRunner(loop Loop, interval time.Duration, ctrl leader.Controller, opts ...RunnerOption) *Runner {
	r := &Runner{
		loop:     loop,
		interval: interval,
		leader:   ctrl,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run runs a cycle immediately and then once per interval until ctx is
// cancelled. Cycle errors are logged, never returned.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("loop started", "loop", r.loop.Name(), "interval", r.interval.String())
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("loop stopped", "loop", r.loop.Name())
			return nil
		case <-ticker.C():
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	name := r.loop.Name()
	leading := r.leader.ValidateToken(r.leader.GetToken())
	r.metrics.SetLeader(leading)
	if !leading {
		slog.Debug("not leader, skipping cycle", "loop", name)
		return
	}

	start := r.clock.Now()
	err := r.loop.RunCycle(ctx)
	r.metrics.ObserveCycle(name, r.clock.Since(start), err)
	if err != nil && ctx.Err() == nil {
		slog.Error("cycle finished with errors", "loop", name, "error", err)
	}
}
