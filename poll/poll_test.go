package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAtomicWakerWakeTakesRegistration(t *testing.T) {
	var a AtomicWaker
	var hits atomic.Int32
	a.Register(WakerFunc(func() { hits.Add(1) }))

	a.Wake()
	a.Wake()
	require.Equal(t, int32(1), hits.Load())

	// 空槽位唤醒是无害的
	var empty AtomicWaker
	empty.Wake()
}

func TestAtomicWakerRegisterReplaces(t *testing.T) {
	var a AtomicWaker
	var first, second atomic.Int32
	a.Register(WakerFunc(func() { first.Add(1) }))
	a.Register(WakerFunc(func() { second.Add(1) }))
	a.Wake()

	require.Equal(t, int32(0), first.Load())
	require.Equal(t, int32(1), second.Load())
}

func TestChannelPollableReset(t *testing.T) {
	p := NewPollable()
	ready := p.Reset()
	select {
	case <-ready:
		t.Fatal("fresh pollable is already woken")
	default:
	}

	p.Wake()
	p.Wake()
	<-ready

	// Reset 之后是一个新的未关闭 channel
	next := p.Reset()
	require.NotEqual(t, ready, next)
	select {
	case <-next:
		t.Fatal("reset pollable is still woken")
	default:
	}
	require.Equal(t, next, p.Reset())
}

func TestBlockRepollsAfterWake(t *testing.T) {
	var waker AtomicWaker
	var polls atomic.Int32

	go func() {
		time.Sleep(10 * time.Millisecond)
		waker.Wake()
	}()

	err := Block(context.Background(), func(cx *Context) error {
		if polls.Add(1) == 1 {
			waker.Register(cx.Waker())
			return ErrPending
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), polls.Load())
}

func TestBlockWakeDuringPollIsNotLost(t *testing.T) {
	calls := 0
	err := Block(context.Background(), func(cx *Context) error {
		calls++
		if calls == 1 {
			cx.Waker().Wake()
			return ErrPending
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestBlockHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Block(ctx, func(*Context) error { return ErrPending })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlockValueReturnsResult(t *testing.T) {
	boom := errors.New("boom")
	v, err := BlockValue(context.Background(), func(*Context) (int, error) { return 7, boom })
	require.Equal(t, 7, v)
	require.ErrorIs(t, err, boom)
}

func TestNoopContext(t *testing.T) {
	cx := NoopContext()
	require.NotNil(t, cx.Waker())
	cx.Waker().Wake()
	require.NotNil(t, NewContext(nil).Waker())
}

func TestExecutorTracksTasks(t *testing.T) {
	var waker AtomicWaker
	var results atomic.Int32
	release := make(chan struct{})
	e := NewExecutor(OnTaskDone(func(err error) {
		if err == nil {
			results.Add(1)
		}
	}))

	e.Spawn(func(cx *Context) error {
		waker.Register(cx.Waker())
		select {
		case <-release:
			return nil
		default:
			return ErrPending
		}
	}, nil)
	require.Eventually(t, func() bool { return e.Len() == 1 }, time.Second, time.Millisecond)

	close(release)
	waker.Wake()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	require.Equal(t, 0, e.Len())
	require.Equal(t, int32(1), results.Load())
}

func TestExecutorWaitTimesOut(t *testing.T) {
	taskCtx, stop := context.WithCancel(context.Background())
	defer stop()
	e := NewExecutor(WithContext(taskCtx))
	e.Spawn(func(*Context) error { return ErrPending }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
	require.Equal(t, 1, e.Len())

	stop()
	require.NoError(t, e.Wait(context.Background()))
	require.Zero(t, e.Len())
}

func TestExecutorCloseAbandonsTasks(t *testing.T) {
	var total atomic.Int32
	e := NewExecutor(OnTaskDone(func(error) { total.Add(1) }))

	results := make(chan error, 2)
	for range 2 {
		e.Spawn(func(*Context) error { return ErrPending }, func(err error) { results <- err })
	}
	require.Equal(t, 2, e.Len())

	e.Close()
	require.Zero(t, e.Len())
	require.ErrorIs(t, <-results, context.Canceled)
	require.ErrorIs(t, <-results, context.Canceled)
	require.Equal(t, int32(2), total.Load())
}

func TestGoSpawnerRuns(t *testing.T) {
	boom := errors.New("boom")
	done := make(chan error, 1)
	Go.Spawn(func(*Context) error { return boom }, func(err error) { done <- err })
	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}
