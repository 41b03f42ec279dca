package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTasksRunAndReportOutcome(t *testing.T) {
	p := NewWorkerPool(Config{Name: "test", MaxWorkers: 3, Logger: zap.NewNop()})
	defer p.Stop(time.Second)

	var (
		wg     sync.WaitGroup
		ran    atomic.Int32
		failed atomic.Int32
	)
	boom := errors.New("boom")
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		err := p.SubmitWithContext(context.Background(), Task{
			ID: "t",
			Fn: func(ctx context.Context) error {
				ran.Add(1)
				if i%5 == 0 {
					return boom
				}
				return nil
			},
			Done: func(err error) {
				if errors.Is(err, boom) {
					failed.Add(1)
				}
				wg.Done()
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, int32(2), failed.Load())
	stats := p.Stats()
	assert.Equal(t, uint64(10), stats.TotalTasks)
	assert.Equal(t, uint64(8), stats.CompletedTasks)
	assert.Equal(t, uint64(2), stats.FailedTasks)
}

func TestPanicIsRecovered(t *testing.T) {
	p := NewWorkerPool(Config{Name: "panic", MaxWorkers: 1})
	defer p.Stop(time.Second)

	done := make(chan error, 1)
	require.NoError(t, p.Submit(Task{
		ID:   "panics",
		Fn:   func(context.Context) error { panic("bad") },
		Done: func(err error) { done <- err },
	}))

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "task panicked")
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	const attempts = 200
	p := NewWorkerPool(Config{Name: "stopped", MaxWorkers: 1})
	require.NoError(t, p.Stop(time.Second))

	var done atomic.Int32
	task := Task{
		Fn:   func(context.Context) error { return nil },
		Done: func(error) { done.Add(1) },
	}
	for i := 0; i < attempts; i++ {
		assert.ErrorIs(t, p.Submit(task), ErrStopped)
		assert.ErrorIs(t, p.SubmitWithContext(context.Background(), task), ErrStopped)
	}
	assert.Equal(t, uint64(2*attempts), p.Stats().RejectedTasks)
	assert.Equal(t, uint64(0), p.Stats().TotalTasks)
	assert.Equal(t, int32(0), done.Load())
}

func TestStopRacingSubmittersCompletesEveryAcceptedTask(t *testing.T) {
	for round := 0; round < 20; round++ {
		p := NewWorkerPool(Config{Name: "race", MaxWorkers: 2, QueueSize: 4})

		var (
			submitters sync.WaitGroup
			accepted   atomic.Int32
			finished   atomic.Int32
		)
		for i := 0; i < 16; i++ {
			submitters.Add(1)
			go func() {
				defer submitters.Done()
				for j := 0; j < 20; j++ {
					err := p.SubmitWithContext(context.Background(), Task{
						Fn:   func(context.Context) error { return nil },
						Done: func(error) { finished.Add(1) },
					})
					if err == nil {
						accepted.Add(1)
					} else if !errors.Is(err, ErrStopped) {
						t.Errorf("unexpected submit error: %v", err)
					}
				}
			}()
		}

		time.Sleep(time.Millisecond)
		require.NoError(t, p.Stop(5*time.Second))
		submitters.Wait()

		assert.Equal(t, accepted.Load(), finished.Load(), "round %d", round)
		assert.Equal(t, 0, p.Stats().QueuedTasks, "round %d", round)
	}
}

func TestSubmitWithCanceledContext(t *testing.T) {
	p := NewWorkerPool(Config{Name: "full", MaxWorkers: 1, QueueSize: 1})
	defer p.Stop(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(Task{Fn: func(context.Context) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitWithContext(ctx, Task{Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}
