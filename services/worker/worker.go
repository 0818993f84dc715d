// Package worker consumes the task queues and runs the periodic
// maintenance jobs: recovery of stopped tasks and log retention.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"trionyx/pkg/applog"
	"trionyx/pkg/bus"
	"trionyx/pkg/tasks"
)

const (
	defaultDurable     = "trionyx-worker"
	defaultRecoverSpec = "@every 15m"
	defaultCleanupSpec = "@daily"
)

// Subscriber delivers broker messages. *bus.Bus implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, ackWait time.Duration, fn bus.Handler) (io.Closer, error)
}

// Options tune a Worker.
type Options struct {
	// Queues to consume. Empty means every queue a registered task uses.
	Queues []string
	// Durable prefixes the consumer names; the queue is appended.
	Durable     string
	RecoverSpec string
	CleanupSpec string
	// LogRetention is the age in days after which log buckets are
	// removed. Zero disables the cleanup job.
	LogRetention int
}

// Worker runs tasks delivered by the broker.
type Worker struct {
	sub     Subscriber
	runtime *tasks.Runtime
	logs    *applog.Store
	logger  zerolog.Logger
	opts    Options

	mu      sync.Mutex
	cron    *cron.Cron
	closers []io.Closer
}

// New returns a worker. logs may be nil when log retention is not wanted.
func New(sub Subscriber, runtime *tasks.Runtime, logs *applog.Store, logger zerolog.Logger, opts Options) (*Worker, error) {
	if sub == nil {
		return nil, errors.New("worker: subscriber is required")
	}
	if runtime == nil {
		return nil, errors.New("worker: task runtime is required")
	}
	if len(opts.Queues) == 0 {
		opts.Queues = runtime.Tasks().Queues()
	}
	if opts.Durable == "" {
		opts.Durable = defaultDurable
	}
	if opts.RecoverSpec == "" {
		opts.RecoverSpec = defaultRecoverSpec
	}
	if opts.CleanupSpec == "" {
		opts.CleanupSpec = defaultCleanupSpec
	}
	return &Worker{
		sub:     sub,
		runtime: runtime,
		logs:    logs,
		logger:  logger.With().Str("component", "worker").Logger(),
		opts:    opts,
	}, nil
}

// Queues returns the consumed queues.
func (w *Worker) Queues() []string { return w.opts.Queues }

// Start recovers tasks left running by a previous process, subscribes to
// every queue and starts the schedules. Consumers stop when ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return errors.New("worker: already started")
	}

	if _, err := w.runtime.Recover(ctx); err != nil {
		return err
	}

	ackWait := w.runtime.WallLimit() + tasks.LockGrace
	for _, queue := range w.opts.Queues {
		subject := w.runtime.Subject(queue)
		closer, err := w.sub.Subscribe(ctx, subject, w.opts.Durable+"-"+queue, ackWait, w.handle)
		if err != nil {
			w.closeLocked()
			return fmt.Errorf("worker: subscribe %s: %w", subject, err)
		}
		w.closers = append(w.closers, closer)
		w.logger.Info().Str("queue", queue).Str("subject", subject).Msg("consuming")
	}

	c := cron.New()
	if _, err := w.runtime.Schedule(ctx, c, w.opts.RecoverSpec); err != nil {
		w.closeLocked()
		return fmt.Errorf("worker: recover schedule %q: %w", w.opts.RecoverSpec, err)
	}
	if w.logs != nil && w.opts.LogRetention > 0 {
		_, err := c.AddFunc(w.opts.CleanupSpec, func() {
			if _, err := w.Cleanup(ctx); err != nil {
				w.logger.Error().Err(err).Msg("log cleanup")
			}
		})
		if err != nil {
			w.closeLocked()
			return fmt.Errorf("worker: cleanup schedule %q: %w", w.opts.CleanupSpec, err)
		}
	}
	c.Start()
	w.cron = c
	return nil
}

func (w *Worker) handle(ctx context.Context, msg bus.Msg) error {
	err := w.runtime.Handle(ctx, msg)
	var delay *bus.DelayError
	if err != nil && !errors.As(err, &delay) {
		w.logger.Error().Err(err).Str("subject", msg.Subject).Msg("task delivery failed")
	}
	return err
}

// Cleanup removes log buckets older than the retention window.
func (w *Worker) Cleanup(ctx context.Context) (int64, error) {
	if w.logs == nil || w.opts.LogRetention <= 0 {
		return 0, nil
	}
	n, err := w.logs.Cleanup(ctx, w.opts.LogRetention)
	if err != nil {
		return 0, fmt.Errorf("worker: log cleanup: %w", err)
	}
	if n > 0 {
		w.logger.Info().Int64("count", n).Int("days", w.opts.LogRetention).Msg("removed old log entries")
	}
	return n, nil
}

// Stop drains the consumers and waits for running scheduled jobs until
// ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.closeLocked()
	if w.cron != nil {
		select {
		case <-w.cron.Stop().Done():
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
		w.cron = nil
	}
	return err
}

func (w *Worker) closeLocked() error {
	var errs []error
	for _, c := range w.closers {
		errs = append(errs, c.Close())
	}
	w.closers = nil
	return errors.Join(errs...)
}
