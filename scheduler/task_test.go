package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-market/logger"
)

// TestEvery_RunsUntilStopped verifies the loop ticks and stops firing after Stop returns.
func TestEvery_RunsUntilStopped(t *testing.T) {
	var calls atomic.Int64

	task := Every(context.Background(), "tick", 5*time.Millisecond, logger.NewNop(), func(context.Context) {
		calls.Add(1)
	})

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	task.Stop()
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, calls.Load())

	select {
	case <-task.Done():
	default:
		t.Fatal("task goroutine still running after Stop")
	}
}

// TestTask_StopIsIdempotent verifies repeated and concurrent Stop calls all return.
func TestTask_StopIsIdempotent(t *testing.T) {
	task := Every(context.Background(), "noop", time.Hour, nil, func(context.Context) {})

	done := make(chan struct{})
	go func() {
		task.Stop()
		close(done)
	}()

	task.Stop()
	task.Stop()
	<-done
}

// TestEvery_ParentCancelStopsTask verifies cancelling the parent context ends the loop.
func TestEvery_ParentCancelStopsTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := Every(ctx, "child", time.Millisecond, nil, func(context.Context) {})

	cancel()

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not exit on parent cancel")
	}
	task.Stop()
}

// TestEvery_PanicDoesNotKillLoop verifies a panicking tick is recovered and the next tick still runs.
func TestEvery_PanicDoesNotKillLoop(t *testing.T) {
	var calls atomic.Int64

	task := Every(context.Background(), "flaky", 2*time.Millisecond, logger.NewNop(), func(context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})
	defer task.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
}

// TestGroup_StopAll verifies a group stops every task it owns.
func TestGroup_StopAll(t *testing.T) {
	var g Group

	a := g.Go(Every(context.Background(), "a", time.Millisecond, nil, func(context.Context) {}))
	b := g.Go(Every(context.Background(), "b", time.Millisecond, nil, func(context.Context) {}))
	require.Equal(t, 2, g.Len())

	g.StopAll()
	require.Equal(t, 0, g.Len())

	for _, task := range []*Task{a, b} {
		select {
		case <-task.Done():
		default:
			t.Fatalf("task %s still running", task.Name())
		}
	}

	g.StopAll()
}
