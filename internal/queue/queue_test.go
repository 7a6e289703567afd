package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/migrate"
	"opsline/internal/runner"
	"opsline/internal/store"
)

type fakeRunner struct {
	fn func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error)
}

func (f fakeRunner) Run(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
	return f.fn(ctx, missionID, prompt, attempt)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.Store{DB: conn, Events: events.Writer{DB: conn}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.AdmissionPerSecond = 1000
	cfg.MissionTimeout = 5 * time.Second
	cfg.ShutdownGrace = time.Second
	return cfg
}

func newTestQueue(t *testing.T, cfg Config, r MissionRunner) *Queue {
	t.Helper()
	q := New(cfg, r, newTestStore(t), events.NewBus(), zap.NewNop().Sugar(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestBoundedConcurrency(t *testing.T) {
	var current, peak int64
	release := make(chan struct{})
	r := fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&current, -1)
		return runner.Completed, nil
	}}

	cfg := testConfig()
	cfg.MaxConcurrency = 2
	q := newTestQueue(t, cfg, r)

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(string(rune('a'+i)), "p"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 2 })
	s := q.GetStatus()
	if s.WaitingCount+s.DelayedCount != 3 {
		t.Fatalf("waiting+delayed = %d, want 3", s.WaitingCount+s.DelayedCount)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return q.GetStatus().CompletedCount == 5 })
	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Fatalf("peak active = %d, want <= 2", p)
	}
}

func TestDuplicateJob(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	r := fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		<-release
		return runner.Completed, nil
	}}
	q := newTestQueue(t, testConfig(), r)

	if _, err := q.Enqueue("m1", "p"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue("m1", "p"); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("second enqueue = %v, want ErrDuplicateJob", err)
	}

	once.Do(func() { close(release) })
	waitFor(t, time.Second, func() bool { return q.GetStatus().CompletedCount == 1 })

	// Settled jobs free the mission for re-enqueueing.
	if _, err := q.Enqueue("m1", "p"); err != nil {
		t.Fatalf("re-enqueue after settle: %v", err)
	}
}

func TestRetryExhaustionFailsMission(t *testing.T) {
	var attempts int64
	r := fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		atomic.AddInt64(&attempts, 1)
		return runner.FailedTransient, nil
	}}

	st := newTestStore(t)
	cfg := testConfig()
	cfg.MaxAttempts = 3
	q := New(cfg, r, st, events.NewBus(), zap.NewNop().Sugar(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})

	m, err := st.Create(context.Background(), "p", "tester")
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	jobID, err := q.Enqueue(m.ID, "p")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return q.GetStatus().FailedCount == 1 })
	if n := atomic.LoadInt64(&attempts); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}

	details, err := q.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if details.State != StateFailed || details.AttemptsMade != 3 {
		t.Fatalf("job = %s/%d, want FAILED/3", details.State, details.AttemptsMade)
	}

	got, err := st.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("mission status = %s, want failed", got.Status)
	}
}

func TestFatalShortCircuitsRetries(t *testing.T) {
	var attempts int64
	r := fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		atomic.AddInt64(&attempts, 1)
		return runner.FailedFatal, nil
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 5
	q := newTestQueue(t, cfg, r)

	jobID, err := q.Enqueue("m1", "p")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.GetStatus().FailedCount == 1 })

	time.Sleep(30 * time.Millisecond)
	if n := atomic.LoadInt64(&attempts); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
	details, _ := q.GetJob(jobID)
	if details.State != StateFailed || details.AttemptsMade != 1 {
		t.Fatalf("job = %s/%d, want FAILED/1", details.State, details.AttemptsMade)
	}
}

func TestRunnerPanicRetriedAsTransient(t *testing.T) {
	var attempts int64
	r := fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			panic("boom")
		}
		return runner.Completed, nil
	}}
	q := newTestQueue(t, testConfig(), r)

	if _, err := q.Enqueue("m1", "p"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return q.GetStatus().CompletedCount == 1 })
	if n := atomic.LoadInt64(&attempts); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}
}

func TestMissionTimeoutRetriedAsTransient(t *testing.T) {
	var attempts int64
	r := fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			// Overrun the wall-clock budget; the queue's deadline fires.
			<-ctx.Done()
			return runner.FailedTransient, ctx.Err()
		}
		return runner.Completed, nil
	}}
	cfg := testConfig()
	cfg.MissionTimeout = 20 * time.Millisecond
	q := newTestQueue(t, cfg, r)

	jobID, err := q.Enqueue("m1", "p")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return q.GetStatus().CompletedCount == 1 })
	if n := atomic.LoadInt64(&attempts); n != 2 {
		t.Fatalf("attempts = %d, want 2 (timeout retried, not failed)", n)
	}
	details, err := q.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if details.State != StateCompleted || details.AttemptsMade != 2 {
		t.Fatalf("job = %s/%d, want COMPLETED/2", details.State, details.AttemptsMade)
	}
	if details.LastError == "" {
		t.Fatal("timeout error not recorded")
	}
}

func TestWaitingPosition(t *testing.T) {
	release := make(chan struct{})
	r := fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		<-release
		return runner.Completed, nil
	}}
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	q := newTestQueue(t, cfg, r)
	defer close(release)

	if _, err := q.Enqueue("m1", "p"); err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 1 })

	var last string
	for _, id := range []string{"m2", "m3", "m4"} {
		jobID, err := q.Enqueue(id, "p")
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		last = jobID
	}

	details, err := q.GetJob(last)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if details.State != StateWaiting {
		t.Fatalf("state = %s, want WAITING", details.State)
	}
	if details.Position == nil || *details.Position != 3 {
		t.Fatalf("position = %v, want 3", details.Position)
	}
}

func TestGetJobNotFound(t *testing.T) {
	q := newTestQueue(t, testConfig(), fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		return runner.Completed, nil
	}})
	if _, err := q.GetJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	q := New(testConfig(), fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		return runner.Completed, nil
	}}, newTestStore(t), events.NewBus(), zap.NewNop().Sugar(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := q.Enqueue("m1", "p"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("enqueue after shutdown = %v, want ErrShuttingDown", err)
	}
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestShutdownStopsActiveJobBetweenStages(t *testing.T) {
	started := make(chan struct{})
	r := fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		close(started)
		// Behave like the real runner at a stage boundary.
		select {
		case <-runner.StopSignal(ctx):
			return runner.FailedTransient, nil
		case <-ctx.Done():
			return runner.FailedTransient, ctx.Err()
		}
	}}
	q := New(testConfig(), r, newTestStore(t), events.NewBus(), zap.NewNop().Sugar(), nil)

	jobID, err := q.Enqueue("m1", "p")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	details, err := q.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if details.State != StateDelayed || details.AttemptsMade != 1 {
		t.Fatalf("job = %s/%d, want DELAYED/1 (abandoned, not failed)", details.State, details.AttemptsMade)
	}
}

func TestJobSettleNotification(t *testing.T) {
	bus := events.NewBus()
	q := New(testConfig(), fakeRunner{fn: func(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error) {
		return runner.Completed, nil
	}}, newTestStore(t), bus, zap.NewNop().Sugar(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	if _, err := q.Enqueue("m1", "p"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case n := <-ch:
		if n.Kind != events.KindJobSettled || n.MissionID != "m1" {
			t.Fatalf("notification = %+v", n)
		}
		if n.Payload["state"] != StateCompleted {
			t.Fatalf("state = %v", n.Payload["state"])
		}
	case <-time.After(time.Second):
		t.Fatal("no settle notification")
	}
}
