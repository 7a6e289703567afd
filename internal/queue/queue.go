package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/runner"
	"opsline/internal/store"
)

var (
	ErrDuplicateJob = errors.New("mission already has an unsettled job")
	ErrNotFound     = errors.New("job not found")
	ErrShuttingDown = errors.New("queue is shutting down")
)

// Job states.
const (
	StateWaiting   = "WAITING"
	StateActive    = "ACTIVE"
	StateDelayed   = "DELAYED"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
)

// ActorQueue identifies queue-driven mutations in the event log.
const ActorQueue = "system:queue"

// Config controls scheduling, retry and admission behavior.
type Config struct {
	MaxConcurrency     int
	MaxAttempts        int
	BackoffBase        time.Duration
	AdmissionPerSecond float64
	MissionTimeout     time.Duration
	ShutdownGrace      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     3,
		MaxAttempts:        3,
		BackoffBase:        2 * time.Second,
		AdmissionPerSecond: 10,
		MissionTimeout:     300 * time.Second,
		ShutdownGrace:      10 * time.Second,
	}
}

// MissionRunner is what the queue invokes on a worker slot.
type MissionRunner interface {
	Run(ctx context.Context, missionID, prompt string, attempt int) (runner.Outcome, error)
}

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for backoff scheduling, so tests can drive
// retries without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock is the wall-clock Clock.
var SystemClock Clock = systemClock{}

type job struct {
	id           string
	missionID    string
	prompt       string
	state        string
	attemptsMade int
	enqueuedAt   time.Time
	startedAt    time.Time
	settledAt    time.Time
	resumeAt     time.Time
	lastError    string
	retryTimer   Timer
}

// JobDetails is the introspection view of one job.
type JobDetails struct {
	JobID        string     `json:"job_id"`
	MissionID    string     `json:"mission_id"`
	State        string     `json:"state" enum:"WAITING,ACTIVE,DELAYED,COMPLETED,FAILED"`
	AttemptsMade int        `json:"attempts_made"`
	Position     *int       `json:"position,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	ResumeAt     *time.Time `json:"resume_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Status is a point-in-time snapshot of queue occupancy.
type Status struct {
	WaitingCount   int `json:"waiting_count"`
	ActiveCount    int `json:"active_count"`
	DelayedCount   int `json:"delayed_count"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
	MaxConcurrency int `json:"max_concurrency"`
}

// Queue schedules mission executions with bounded parallelism and
// exponential-backoff retries. Jobs are in-memory only; DELAYED jobs
// are abandoned at shutdown.
type Queue struct {
	cfg     Config
	runner  MissionRunner
	store   store.Store
	bus     *events.Bus
	log     *zap.SugaredLogger
	clock   Clock
	limiter *rate.Limiter

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	jobs      map[string]*job
	byMission map[string]string
	waiting   []string
	active    int
	down      bool

	wake    chan struct{}
	drain   chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
}

// New builds a queue and starts its dispatcher.
func New(cfg Config, r MissionRunner, st store.Store, bus *events.Bus, log *zap.SugaredLogger, clock Clock) *Queue {
	if clock == nil {
		clock = SystemClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:       cfg,
		runner:    r,
		store:     st,
		bus:       bus,
		log:       log,
		clock:     clock,
		limiter:   rate.NewLimiter(rate.Limit(cfg.AdmissionPerSecond), 1),
		baseCtx:   ctx,
		cancel:    cancel,
		jobs:      map[string]*job{},
		byMission: map[string]string{},
		wake:      make(chan struct{}, 1),
		drain:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Enqueue admits one execution job for a mission. A mission may have at
// most one unsettled job at a time.
func (q *Queue) Enqueue(missionID, prompt string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down {
		return "", ErrShuttingDown
	}
	if existing, ok := q.byMission[missionID]; ok {
		return "", errors.WithDetailf(ErrDuplicateJob, "mission %s has job %s in state %s",
			missionID, existing, q.jobs[existing].state)
	}
	j := &job{
		id:         uuid.NewString(),
		missionID:  missionID,
		prompt:     prompt,
		state:      StateWaiting,
		enqueuedAt: q.clock.Now(),
	}
	q.jobs[j.id] = j
	q.byMission[missionID] = j.id
	q.waiting = append(q.waiting, j.id)
	q.signal()
	q.log.Debugw("job enqueued", "job_id", j.id, "mission_id", missionID)
	return j.id, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch is the scheduling loop: whenever a worker slot and the
// admission budget allow, it starts the oldest waiting job.
func (q *Queue) dispatch() {
	defer close(q.stopped)
	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-q.wake:
		}
		q.fill()
	}
}

func (q *Queue) fill() {
	for {
		q.mu.Lock()
		if q.down || q.active >= q.cfg.MaxConcurrency || len(q.waiting) == 0 {
			q.mu.Unlock()
			return
		}
		res := q.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			q.mu.Unlock()
			q.clock.AfterFunc(delay, q.signal)
			return
		}
		id := q.waiting[0]
		q.waiting = q.waiting[1:]
		j := q.jobs[id]
		j.state = StateActive
		j.startedAt = q.clock.Now()
		q.active++
		attempt := j.attemptsMade + 1
		missionID, prompt := j.missionID, j.prompt
		q.mu.Unlock()

		q.wg.Add(1)
		go q.execute(id, missionID, prompt, attempt)
	}
}

func (q *Queue) execute(jobID, missionID, prompt string, attempt int) {
	defer q.wg.Done()
	ctx, cancel := context.WithTimeout(q.baseCtx, q.cfg.MissionTimeout)
	defer cancel()
	ctx = runner.WithStopSignal(ctx, q.drain)

	outcome, err := q.invoke(ctx, missionID, prompt, attempt)
	if err != nil {
		// Unexpected runner errors keep retry semantics uniform.
		q.log.Errorw("runner error", "job_id", jobID, "mission_id", missionID, "error", err)
		outcome = runner.FailedTransient
	}
	q.settle(jobID, outcome, err)
}

func (q *Queue) invoke(ctx context.Context, missionID, prompt string, attempt int) (outcome runner.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = runner.FailedTransient
			err = errors.Newf("runner panic: %v", r)
		}
	}()
	return q.runner.Run(ctx, missionID, prompt, attempt)
}

func (q *Queue) settle(jobID string, outcome runner.Outcome, runErr error) {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.active--
	j.attemptsMade++
	if runErr != nil {
		j.lastError = runErr.Error()
	}

	var settledState string
	switch outcome {
	case runner.Completed, runner.AwaitingApproval:
		settledState = StateCompleted
	case runner.FailedFatal:
		settledState = StateFailed
	default:
		if j.attemptsMade < q.cfg.MaxAttempts {
			delay := q.backoff(j.attemptsMade)
			j.state = StateDelayed
			j.resumeAt = q.clock.Now().Add(delay)
			if !q.down {
				id := j.id
				j.retryTimer = q.clock.AfterFunc(delay, func() { q.readmit(id) })
			}
			q.log.Infow("job delayed for retry",
				"job_id", j.id, "mission_id", j.missionID, "attempts", j.attemptsMade, "delay", delay)
			q.mu.Unlock()
			q.signal()
			return
		}
		settledState = StateFailed
	}

	j.state = settledState
	j.settledAt = q.clock.Now()
	delete(q.byMission, j.missionID)
	missionID := j.missionID
	attempts := j.attemptsMade
	q.mu.Unlock()
	q.signal()

	if settledState == StateFailed && outcome == runner.FailedTransient {
		q.forceMissionFailed(missionID)
	}
	if q.bus != nil {
		q.bus.Publish(missionID, events.KindJobSettled, map[string]any{
			"job_id":   jobID,
			"state":    settledState,
			"attempts": attempts,
		})
	}
	q.log.Infow("job settled", "job_id", jobID, "mission_id", missionID, "state", settledState, "attempts", attempts)
}

// backoff returns the delay before retry attemptsMade+1: base, 2*base,
// 4*base and so on.
func (q *Queue) backoff(attemptsMade int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attemptsMade; i++ {
		d *= 2
	}
	return d
}

func (q *Queue) readmit(jobID string) {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok || j.state != StateDelayed || q.down {
		q.mu.Unlock()
		return
	}
	j.state = StateWaiting
	j.resumeAt = time.Time{}
	q.waiting = append(q.waiting, jobID)
	q.mu.Unlock()
	q.signal()
}

// forceMissionFailed moves the mission to failed after retries are
// exhausted, unless the runner already settled it.
func (q *Queue) forceMissionFailed(missionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.store.SetStatus(ctx, missionID, domain.StatusFailed, ActorQueue)
	if err != nil && !errors.Is(err, store.ErrIllegalTransition) {
		q.log.Errorw("force mission failed", "mission_id", missionID, "error", err)
	}
}

// GetStatus returns a snapshot of queue occupancy.
func (q *Queue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Status{MaxConcurrency: q.cfg.MaxConcurrency}
	for _, j := range q.jobs {
		switch j.state {
		case StateWaiting:
			s.WaitingCount++
		case StateActive:
			s.ActiveCount++
		case StateDelayed:
			s.DelayedCount++
		case StateCompleted:
			s.CompletedCount++
		case StateFailed:
			s.FailedCount++
		}
	}
	return s
}

// GetJob returns job details. Waiting jobs carry their 1-based FIFO
// position; delayed jobs are scheduled by time, not position.
func (q *Queue) GetJob(jobID string) (JobDetails, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return JobDetails{}, errors.WithDetailf(ErrNotFound, "job %s", jobID)
	}
	d := JobDetails{
		JobID:        j.id,
		MissionID:    j.missionID,
		State:        j.state,
		AttemptsMade: j.attemptsMade,
		EnqueuedAt:   j.enqueuedAt,
		LastError:    j.lastError,
	}
	if j.state == StateDelayed && !j.resumeAt.IsZero() {
		t := j.resumeAt
		d.ResumeAt = &t
	}
	if j.state == StateWaiting {
		for i, id := range q.waiting {
			if id == jobID {
				pos := i + 1
				d.Position = &pos
				break
			}
		}
	}
	return d, nil
}

// Shutdown stops admissions and signals active invocations to stop at
// their next stage boundary. Jobs that settle within the grace period
// drain normally; anything still running after it is cancelled hard.
// Delayed jobs are abandoned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.down {
		q.mu.Unlock()
		return nil
	}
	q.down = true
	close(q.drain)
	for _, j := range q.jobs {
		if j.state == StateDelayed && j.retryTimer != nil {
			j.retryTimer.Stop()
		}
	}
	abandoned := 0
	for _, j := range q.jobs {
		if j.state == StateDelayed {
			abandoned++
		}
	}
	q.mu.Unlock()

	settled := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(settled)
	}()

	grace := time.NewTimer(q.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-settled:
	case <-grace.C:
		q.log.Warnw("shutdown grace expired, cancelling active jobs")
		q.cancel()
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}

	q.cancel()
	<-q.stopped
	if abandoned > 0 {
		q.log.Warnw("abandoning delayed jobs at shutdown", "count", abandoned)
	}
	return nil
}
