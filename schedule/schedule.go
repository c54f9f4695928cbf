package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultTick = time.Second

var ErrInvalidJob = errors.New("schedule: invalid job")

// TaskFunc is one step of a job. Returned errors are logged and do not stop
// the remaining tasks.
type TaskFunc func(ctx context.Context) error

type Scheduler struct {
	jobs   []*Job
	mu     sync.RWMutex
	tick   time.Duration
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		jobs:   make([]*Job, 0),
		tick:   DefaultTick,
		logger: logger,
	}
}

// WithTick sets how often due jobs are looked for.
func (scheduler *Scheduler) WithTick(tick time.Duration) *Scheduler {
	scheduler.tick = tick
	return scheduler
}

func (scheduler *Scheduler) AddJob(job *Job) error {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	if err := scheduler.validateJob(job); err != nil {
		return err
	}

	scheduler.jobs = append(scheduler.jobs, job)
	return nil
}

func (scheduler *Scheduler) validateJob(job *Job) error {
	if job.interval <= 0 {
		return fmt.Errorf("%w: interval must be greater than 0", ErrInvalidJob)
	}
	if len(job.tasks) == 0 {
		return fmt.Errorf("%w: at least one task is required", ErrInvalidJob)
	}
	if job.nextExecuteAt.IsZero() {
		job.nextExecuteAt = time.Now().Add(job.interval)
	}
	return nil
}

type Job struct {
	tasks             []TaskFunc
	interval          time.Duration
	nextExecuteAt     time.Time
	previousExecuteAt time.Time
	name              string
	timeout           time.Duration
	running           atomic.Bool
	mu                sync.RWMutex
}

func NewJob() *Job {
	return &Job{
		tasks: make([]TaskFunc, 0),
	}
}

func (job *Job) WithTasks(tasks ...TaskFunc) *Job {
	job.tasks = tasks
	return job
}

func (job *Job) WithInterval(interval time.Duration) *Job {
	job.interval = interval
	return job
}

func (job *Job) WithExecuteAt(executeAt time.Time) *Job {
	job.nextExecuteAt = executeAt
	return job
}

func (job *Job) WithName(name string) *Job {
	job.name = name
	return job
}

// WithTimeout bounds every task of the job, zero means no limit.
func (job *Job) WithTimeout(timeout time.Duration) *Job {
	job.timeout = timeout
	return job
}

// SetInterval changes the interval of a job that may already be scheduled.
// It applies from the next execution on.
func (job *Job) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	job.interval = interval
}

// PreviousExecuteAt reports when the job last started, zero if never.
func (job *Job) PreviousExecuteAt() time.Time {
	job.mu.RLock()
	defer job.mu.RUnlock()
	return job.previousExecuteAt
}

// Run checks for due jobs every tick until ctx is done. A job still running
// from an earlier tick is not started again.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(scheduler.tick)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ticker.C:
			{
				scheduler.mu.RLock()
				jobs := make([]*Job, len(scheduler.jobs))
				copy(jobs, scheduler.jobs)
				scheduler.mu.RUnlock()

				now := time.Now()
				for _, job := range jobs {
					if !job.shouldExecute(now) || !job.running.CompareAndSwap(false, true) {
						continue
					}

					job.updateNextExecution(now)
					wg.Add(1)
					go func() {
						defer wg.Done()
						defer job.running.Store(false)
						scheduler.executeJob(ctx, job)
					}()
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (job *Job) shouldExecute(now time.Time) bool {
	job.mu.RLock()
	defer job.mu.RUnlock()
	return !job.nextExecuteAt.After(now)
}

func (job *Job) updateNextExecution(now time.Time) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.previousExecuteAt = now
	job.nextExecuteAt = now.Add(job.interval)
}

func (scheduler *Scheduler) executeJob(ctx context.Context, job *Job) {
	for i, task := range job.tasks {
		if err := scheduler.executeTask(ctx, task, job.timeout); err != nil {
			scheduler.logger.Error("scheduled task failed", "job", job.name, "task", i, "error", err)
		}
	}
}

func (scheduler *Scheduler) executeTask(ctx context.Context, task TaskFunc, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()

	return task(ctx)
}
