// Package scheduler runs the control loops that drive jobs through their
// lifecycle: promotion and submission, recovery of stuck attempts, and
// deletion. Every loop is a stateless pass over the store; running several
// replicas side by side is safe because every state change is a conditional
// update.
//
// The scheduler binary only runs the loops and the backend callback API.
// Jobs enter through a host that embeds this package: it builds a
// lifecycle.Machine over the same store, submits with Submitter, and calls
// Machine.RequestCancel and Machine.MarkForDeletion on behalf of its users.
// With the in-memory store the host must also run the loops in its own
// process, since nothing else can see the jobs.
package scheduler

import (
	"time"

	"github.com/kiranshivaraju/conveyor/internal/config"
	"github.com/kiranshivaraju/conveyor/internal/leader"
	"github.com/kiranshivaraju/conveyor/internal/metrics"
)

// Settings holds the tunables shared by the loops.
type Settings struct {
	BatchSize      int
	BackendTimeout time.Duration

	MaxStartTime     time.Duration
	MaxCancelTime    time.Duration
	MaxStartRetries  int
	MaxCancelRetries int

	// JobRetention flags terminal jobs for deletion once they have been
	// finished this long. 0 leaves flagging to callers.
	JobRetention time.Duration
}

// SettingsFromConfig maps the service configuration onto loop settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		BatchSize:        cfg.Scheduler.BatchSize,
		BackendTimeout:   cfg.Backend.Timeout,
		MaxStartTime:     cfg.Scheduler.MaxStartTime,
		MaxCancelTime:    cfg.Scheduler.MaxCancelTime,
		MaxStartRetries:  cfg.Scheduler.MaxStartRetries,
		MaxCancelRetries: cfg.Scheduler.MaxCancelRetries,
		JobRetention:     cfg.Scheduler.JobRetention,
	}
}

func (s Settings) withDefaults() Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.BackendTimeout <= 0 {
		s.BackendTimeout = 10 * time.Second
	}
	if s.MaxStartTime <= 0 {
		s.MaxStartTime = 30 * time.Second
	}
	if s.MaxCancelTime <= 0 {
		s.MaxCancelTime = 30 * time.Second
	}
	return s
}

type options struct {
	metrics *metrics.Metrics
	leader  leader.Controller
}

// Option configures a loop.
type Option func(*options)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLeader makes a loop re-check leadership before each side effect that
// must not run on two replicas at once.
func WithLeader(c leader.Controller) Option {
	return func(o *options) {
		o.leader = c
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
