package poll

import (
	"context"
	"sync"

	"github.com/foxxorcat/tlsstream/internal/handle"
)

// Spawner schedules a poll-style task to run independently of its caller.
// The task is polled until it returns something other than ErrPending.
// done, when non-nil, receives that result exactly once; if the spawner
// gives up on the task first, done receives the reason instead and the
// task is never polled again.
type Spawner interface {
	Spawn(task Func, done func(err error))
}

type goSpawner struct{}

func (goSpawner) Spawn(task Func, done func(err error)) {
	go func() {
		err := Block(context.Background(), task)
		if done != nil {
			done(err)
		}
	}()
}

// Go runs every task on its own goroutine.
var Go Spawner = goSpawner{}

// Executor is a Spawner that keeps track of the tasks it is running, so a
// process can drain them, or abandon them, before exiting.
type Executor struct {
	ctx    context.Context
	tasks  *handle.Table[context.CancelFunc]
	wg     sync.WaitGroup
	onDone func(err error)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithContext bounds every task the executor runs by ctx.
func WithContext(ctx context.Context) ExecutorOption {
	return func(e *Executor) {
		e.ctx = ctx
	}
}

// OnTaskDone registers a callback receiving each task's final result.
func OnTaskDone(f func(err error)) ExecutorOption {
	return func(e *Executor) {
		e.onDone = f
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		ctx: context.Background(),
		tasks: handle.NewTable(func(cancel context.CancelFunc) {
			cancel()
		}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Spawn implements Spawner.
func (e *Executor) Spawn(task Func, done func(err error)) {
	ctx, cancel := context.WithCancel(e.ctx)
	h := e.tasks.Add(cancel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := Block(ctx, task)
		e.tasks.Remove(h)
		cancel()
		if done != nil {
			done(err)
		}
		if e.onDone != nil {
			e.onDone(err)
		}
	}()
}

// Len reports how many spawned tasks are still running.
func (e *Executor) Len() int {
	return e.tasks.Len()
}

// Wait blocks until every spawned task finished or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close abandons every running task and waits for their done callbacks,
// which see context.Canceled.
func (e *Executor) Close() {
	e.tasks.Close()
	e.wg.Wait()
}
