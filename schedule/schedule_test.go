package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobValidation(t *testing.T) {
	scheduler := NewScheduler(nil)

	noop := func(ctx context.Context) error { return nil }

	if err := scheduler.AddJob(NewJob().WithTasks(noop)); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob without interval, got %v", err)
	}
	if err := scheduler.AddJob(NewJob().WithInterval(time.Second)); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob without tasks, got %v", err)
	}
	if err := scheduler.AddJob(NewJob().WithInterval(time.Second).WithTasks(noop)); err != nil {
		t.Errorf("AddJob failed: %v", err)
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	scheduler := NewScheduler(nil).WithTick(5 * time.Millisecond)

	var runs atomic.Int32
	job := NewJob().
		WithName("count").
		WithInterval(5 * time.Millisecond).
		WithExecuteAt(time.Now()).
		WithTasks(
			func(ctx context.Context) error { return errors.New("first task fails") },
			func(ctx context.Context) error { runs.Add(1); return nil },
		)
	if err := scheduler.AddJob(job); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := scheduler.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected Run to stop with the context, got %v", err)
	}

	if runs.Load() < 2 {
		t.Errorf("expected the job to run repeatedly, ran %d times", runs.Load())
	}
	if job.PreviousExecuteAt().IsZero() {
		t.Error("expected PreviousExecuteAt to be set")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	scheduler := NewScheduler(nil).WithTick(2 * time.Millisecond)

	var active, overlaps atomic.Int32
	job := NewJob().
		WithInterval(time.Millisecond).
		WithExecuteAt(time.Now()).
		WithTasks(func(ctx context.Context) error {
			if active.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		})
	if err := scheduler.AddJob(job); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	scheduler.Run(ctx)

	if overlaps.Load() != 0 {
		t.Errorf("job overlapped itself %d times", overlaps.Load())
	}
}

func TestTaskPanicIsRecovered(t *testing.T) {
	scheduler := NewScheduler(nil)

	err := scheduler.executeTask(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}, 0)
	if err == nil {
		t.Error("expected panic to surface as an error")
	}
}

func TestTaskTimeout(t *testing.T) {
	scheduler := NewScheduler(nil)

	err := scheduler.executeTask(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestJobTimeoutBoundsTasks(t *testing.T) {
	scheduler := NewScheduler(nil)

	var got error
	job := NewJob().
		WithInterval(time.Second).
		WithTimeout(10 * time.Millisecond).
		WithTasks(func(ctx context.Context) error {
			<-ctx.Done()
			got = ctx.Err()
			return got
		})

	scheduler.executeJob(context.Background(), job)

	if !errors.Is(got, context.DeadlineExceeded) {
		t.Errorf("expected the job timeout to cancel the task, got %v", got)
	}
}
