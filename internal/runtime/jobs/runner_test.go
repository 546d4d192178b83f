package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []CompletionEvent
	ch     chan CompletionEvent
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan CompletionEvent, 256)}
}

func (n *recordingNotifier) Notify(_ context.Context, event CompletionEvent) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	n.ch <- event
	return nil
}

func (n *recordingNotifier) next(t *testing.T) CompletionEvent {
	t.Helper()
	select {
	case event := <-n.ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion event")
		return CompletionEvent{}
	}
}

func startRunner(t *testing.T, cfg Config, opts ...Option) *Runner {
	t.Helper()
	r := NewRunner(cfg, nil, opts...)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func TestSubmitBeforeStart(t *testing.T) {
	r := NewRunner(Config{}, nil)
	_, err := r.Submit(context.Background(), "k", "postReel", func(context.Context) error { return nil })
	if !errors.Is(err, errspkg.ErrRunnerNotStarted) {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestSubmitReportsCompletions(t *testing.T) {
	notifier := newRecordingNotifier()
	r := startRunner(t, Config{Workers: 2}, WithNotifier(notifier))

	record, err := r.Submit(context.Background(), "k1", "postReel", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if record.JobID == "" || record.EventName != "postReel" || record.Key != "k1" {
		t.Fatalf("record = %+v", record)
	}
	success := notifier.next(t)
	if !success.Success || success.ErrorMessage != nil || success.JobID != record.JobID {
		t.Fatalf("success event = %+v", success)
	}

	if _, err := r.Submit(context.Background(), "k1", "postReel", func(context.Context) error {
		return errors.New("storage offline")
	}); err != nil {
		t.Fatal(err)
	}
	failure := notifier.next(t)
	if failure.Success || failure.ErrorMessage == nil || *failure.ErrorMessage != "storage offline" {
		t.Fatalf("failure event = %+v", failure)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	notifier := newRecordingNotifier()
	r := startRunner(t, Config{Workers: 1}, WithNotifier(notifier))

	_, _ = r.Submit(context.Background(), "", "postReel", func(context.Context) error { panic("boom") })
	panicked := notifier.next(t)
	if panicked.Success || panicked.ErrorMessage == nil {
		t.Fatalf("panic event = %+v", panicked)
	}

	_, _ = r.Submit(context.Background(), "", "postReel", func(context.Context) error { return nil })
	if next := notifier.next(t); !next.Success {
		t.Fatalf("worker should survive a panic, got %+v", next)
	}
	if stats := r.Stats(); stats.Failed != 1 || stats.Succeeded != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStopDrainsQueuedJobs(t *testing.T) {
	notifier := newRecordingNotifier()
	r := NewRunner(Config{Workers: 1, QueueSize: 10, ShutdownGrace: 2 * time.Second}, nil, WithNotifier(notifier))
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := r.Submit(context.Background(), "", "postReel", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stats := r.Stats()
	if stats.Succeeded != 5 || stats.Cancelled != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := r.Submit(context.Background(), "", "postReel", func(context.Context) error { return nil }); !errors.Is(err, errspkg.ErrRunnerStopped) {
		t.Fatalf("Submit after Stop error = %v", err)
	}
	if err := r.Start(); !errors.Is(err, errspkg.ErrRunnerStopped) {
		t.Fatalf("Start after Stop error = %v", err)
	}
}

func TestStopCancelsAfterGrace(t *testing.T) {
	notifier := newRecordingNotifier()
	r := NewRunner(Config{Workers: 1, QueueSize: 4, ShutdownGrace: 50 * time.Millisecond}, nil, WithNotifier(notifier))
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	_, _ = r.Submit(context.Background(), "", "postReel", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	_, _ = r.Submit(context.Background(), "", "postReel", func(context.Context) error {
		t.Error("queued job must not run after cancellation")
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		event := notifier.next(t)
		if event.Success || event.ErrorMessage == nil || *event.ErrorMessage != CancelledDuringShutdown {
			t.Fatalf("event %d = %+v", i, event)
		}
	}
	if stats := r.Stats(); stats.Cancelled != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestKeyAffinityPreservesOrder(t *testing.T) {
	r := startRunner(t, Config{Workers: 4, QueueSize: 200, KeyAffinity: true})

	var mu sync.Mutex
	seen := map[string][]int{}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("user-%d", i%3)
		seq := i
		wg.Add(1)
		if _, err := r.Submit(context.Background(), key, "postReel", func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			seen[key] = append(seen[key], seq)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	for key, order := range seen {
		for i := 1; i < len(order); i++ {
			if order[i] < order[i-1] {
				t.Fatalf("key %s ran out of order: %v", key, order)
			}
		}
	}
}

func TestSubmitBackpressure(t *testing.T) {
	r := startRunner(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	running := make(chan struct{})
	_, _ = r.Submit(context.Background(), "", "block", func(context.Context) error {
		close(running)
		<-release
		return nil
	})
	<-running
	if _, err := r.Submit(context.Background(), "", "fill", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Submit(ctx, "", "overflow", func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit() on full queue error = %v", err)
	}
	close(release)
}

func TestStopBeforeStart(t *testing.T) {
	r := NewRunner(Config{}, nil)
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := NewRunner(Config{}, nil).Config()
	if cfg.Workers != DefaultWorkers || cfg.QueueSize != 100 || cfg.ShutdownGrace != DefaultShutdownGrace {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestStopCancelsJobsLeftBehindByWorkers(t *testing.T) {
	notifier := newRecordingNotifier()
	r := NewRunner(Config{Workers: 1, QueueSize: 4}, nil, WithNotifier(notifier))

	// A started runner whose worker already drained and exited: the job below was
	// enqueued by a Submit that won its select after stopping was closed.
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.started = true
	r.queues[0] <- job{
		record: JobRecord{JobID: "late", Key: "k", EventName: "postReel", SubmittedAt: time.Now()},
		work:   func(context.Context) error { t.Error("late job must not run"); return nil },
		ctx:    context.Background(),
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	event := notifier.next(t)
	if event.JobID != "late" || event.Success {
		t.Fatalf("unexpected completion %+v", event)
	}
	if event.ErrorMessage == nil || *event.ErrorMessage != CancelledDuringShutdown {
		t.Fatalf("ErrorMessage = %v", event.ErrorMessage)
	}
	if got := r.Stats().Cancelled; got != 1 {
		t.Fatalf("Cancelled = %d, want 1", got)
	}
	if depth := r.QueueDepth(); depth != 0 {
		t.Fatalf("QueueDepth = %d, want 0", depth)
	}
}
