// Package jobs runs submitted work on a fixed pool of workers and reports every outcome
// as a completion event.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	idspkg "github.com/drblury/reelflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
)

// CancelledDuringShutdown is the error message reported for jobs that never ran or were
// interrupted by Stop.
const CancelledDuringShutdown = "job cancelled during shutdown"

var errCancelledDuringShutdown = errors.New(CancelledDuringShutdown)

const (
	DefaultWorkers       = 10
	DefaultShutdownGrace = 60 * time.Second
)

// Work is one unit of job execution.
type Work func(ctx context.Context) error

// Config sizes a Runner.
type Config struct {
	Workers int
	// QueueSize bounds pending jobs. Defaults to Workers*10.
	QueueSize int
	// KeyAffinity pins each non-empty key to one worker so same-key jobs run in submission order.
	KeyAffinity   bool
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 10
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// JobRecord identifies a submitted job.
type JobRecord struct {
	JobID       string    `json:"jobId"`
	Key         string    `json:"key,omitempty"`
	EventName   string    `json:"eventName"`
	SubmittedAt time.Time `json:"submittedAt"`
}

type job struct {
	record JobRecord
	work   Work
	ctx    context.Context
}

// Stats is a point-in-time view of the runner.
type Stats struct {
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   int64  `json:"in_flight"`
	Submitted  uint64 `json:"submitted"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Cancelled  uint64 `json:"cancelled"`
}

// Runner is a fixed pool of workers fed by bounded queues.
type Runner struct {
	cfg      Config
	logger   loggingpkg.ServiceLogger
	notifier Notifier
	hooks    Hooks

	queues []chan job
	rr     atomic.Uint64

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopping chan struct{}
	stopOnce sync.Once
	stopErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight  atomic.Int64
	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// Option customises a Runner.
type Option func(*Runner)

// WithNotifier sets where completion events go. The default discards them.
func WithNotifier(n Notifier) Option {
	return func(r *Runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithHooks adds lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(r *Runner) {
		r.hooks = r.hooks.Merge(h)
	}
}

// NewRunner creates a runner. Call Start before submitting.
func NewRunner(cfg Config, logger loggingpkg.ServiceLogger, opts ...Option) *Runner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	r := &Runner{
		cfg:      cfg,
		logger:   logger.With(loggingpkg.LogFields{"component": "job_runner"}),
		notifier: NopNotifier{},
		stopping: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if cfg.KeyAffinity {
		perWorker := max(cfg.QueueSize/cfg.Workers, 1)
		r.queues = make([]chan job, cfg.Workers)
		for i := range r.queues {
			r.queues[i] = make(chan job, perWorker)
		}
	} else {
		r.queues = []chan job{make(chan job, cfg.QueueSize)}
	}
	return r
}

// Start spawns the workers. Starting a started runner is a no-op.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return errspkg.ErrRunnerStopped
	}
	if r.started {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	for i := 0; i < r.cfg.Workers; i++ {
		queue := r.queues[0]
		if r.cfg.KeyAffinity {
			queue = r.queues[i]
		}
		r.wg.Add(1)
		go r.worker(i, queue)
	}
	r.started = true
	r.logger.Info("Job runner started", loggingpkg.LogFields{
		"workers":      r.cfg.Workers,
		"queue_size":   r.cfg.QueueSize,
		"key_affinity": r.cfg.KeyAffinity,
	})
	return nil
}

// Submit enqueues work and returns without waiting for it to run. It blocks only while the
// queue is full, until ctx is done.
func (r *Runner) Submit(ctx context.Context, key, eventName string, work Work) (JobRecord, error) {
	if work == nil {
		return JobRecord{}, errspkg.ErrHandlerRequired
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return JobRecord{}, errspkg.ErrRunnerStopped
	}
	if !r.started {
		return JobRecord{}, errspkg.ErrRunnerNotStarted
	}

	j := job{
		record: JobRecord{
			JobID:       idspkg.CreateULID(),
			Key:         key,
			EventName:   eventName,
			SubmittedAt: time.Now(),
		},
		work: work,
		ctx:  ctx,
	}

	select {
	case r.queueFor(key) <- j:
		r.submitted.Add(1)
		r.logger.Debug("Job submitted", loggingpkg.LogFields{
			"job_id":     j.record.JobID,
			"event_name": eventName,
			"key":        key,
		})
		return j.record, nil
	case <-r.stopping:
		return JobRecord{}, errspkg.ErrRunnerStopped
	case <-ctx.Done():
		return JobRecord{}, ctx.Err()
	}
}

func (r *Runner) queueFor(key string) chan job {
	if len(r.queues) == 1 {
		return r.queues[0]
	}
	var idx uint64
	if key == "" {
		idx = r.rr.Add(1) % uint64(len(r.queues))
	} else {
		idx = xxhash.Sum64String(key) % uint64(len(r.queues))
	}
	return r.queues[idx]
}

func (r *Runner) worker(id int, queue chan job) {
	defer r.wg.Done()
	for {
		select {
		case j := <-queue:
			r.execute(id, j)
		case <-r.stopping:
			for {
				select {
				case j := <-queue:
					r.execute(id, j)
				default:
					return
				}
			}
		}
	}
}

func (r *Runner) execute(workerID int, j job) {
	if r.ctx.Err() != nil {
		r.report(j, errCancelledDuringShutdown, true)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(j.ctx))
	stop := context.AfterFunc(r.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	jc := JobContext{
		JobID:     j.record.JobID,
		Key:       j.record.Key,
		EventName: j.record.EventName,
		Worker:    workerID,
		Context:   ctx,
		StartedAt: time.Now(),
	}
	r.inFlight.Add(1)
	if r.hooks.OnJobStart != nil {
		r.hooks.OnJobStart(jc)
	}

	err := runSafely(ctx, j.work)

	jc.Duration = time.Since(jc.StartedAt)
	r.inFlight.Add(-1)

	interrupted := err != nil && r.ctx.Err() != nil
	if err != nil {
		if r.hooks.OnJobError != nil {
			r.hooks.OnJobError(jc, err)
		}
	} else if r.hooks.OnJobDone != nil {
		r.hooks.OnJobDone(jc)
	}

	if interrupted {
		err = errCancelledDuringShutdown
	}
	r.report(j, err, interrupted)
}

func runSafely(ctx context.Context, work Work) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return work(ctx)
}

func (r *Runner) report(j job, err error, cancelled bool) {
	switch {
	case cancelled:
		r.cancelled.Add(1)
	case err != nil:
		r.failed.Add(1)
	default:
		r.succeeded.Add(1)
	}

	event := NewCompletionEvent(j.record, err, time.Now())
	if nerr := r.notifier.Notify(context.WithoutCancel(j.ctx), event); nerr != nil {
		r.logger.Warn("Failed to send job completion notification", loggingpkg.LogFields{
			"job_id": j.record.JobID,
			"error":  nerr.Error(),
		})
	}
}

// Stop stops intake, waits up to the shutdown grace (bounded by ctx) for queued and
// in-flight jobs, then cancels whatever is left. Jobs cancelled this way are reported as
// failed completions. Calling Stop again returns the first result.
func (r *Runner) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.stopErr = r.stop(ctx)
	})
	return r.stopErr
}

func (r *Runner) stop(ctx context.Context) error {
	close(r.stopping)

	r.mu.Lock()
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}

	cancelledBefore := r.cancelled.Load()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(r.cfg.ShutdownGrace)
	defer grace.Stop()

	var err error
	select {
	case <-done:
	case <-grace.C:
		r.logger.Warn("Shutdown grace period elapsed, cancelling remaining jobs", loggingpkg.LogFields{
			"grace": r.cfg.ShutdownGrace.String(),
		})
		r.cancel()
		err = r.waitOrAbandon(ctx, done)
	case <-ctx.Done():
		r.cancel()
		err = r.waitOrAbandon(ctx, done)
	}
	r.cancel()
	r.cancelLeftovers()

	r.logger.Info("Job runner stopped", loggingpkg.LogFields{
		"cancelled_jobs": r.cancelled.Load() - cancelledBefore,
		"succeeded":      r.succeeded.Load(),
		"failed":         r.failed.Load(),
	})
	return err
}

// cancelLeftovers reports jobs that were enqueued after their worker had already drained
// its queue and returned. Submit can win its select against the closed stopping channel.
func (r *Runner) cancelLeftovers() {
	for _, queue := range r.queues {
		for drained := false; !drained; {
			select {
			case j := <-queue:
				r.report(j, errCancelledDuringShutdown, true)
			default:
				drained = true
			}
		}
	}
}

// waitOrAbandon waits for workers after cancellation. Workers whose work ignores
// cancellation are abandoned once ctx ends.
func (r *Runner) waitOrAbandon(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		select {
		case <-done:
			return nil
		default:
			return ctx.Err()
		}
	}
}

// Stats returns counters and the current queue depth.
func (r *Runner) Stats() Stats {
	return Stats{
		Workers:    r.cfg.Workers,
		QueueDepth: r.QueueDepth(),
		InFlight:   r.inFlight.Load(),
		Submitted:  r.submitted.Load(),
		Succeeded:  r.succeeded.Load(),
		Failed:     r.failed.Load(),
		Cancelled:  r.cancelled.Load(),
	}
}

// QueueDepth returns the number of jobs waiting for a worker.
func (r *Runner) QueueDepth() int {
	depth := 0
	for _, q := range r.queues {
		depth += len(q)
	}
	return depth
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}
