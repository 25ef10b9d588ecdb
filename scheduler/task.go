package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
)

// Task is a periodic loop bound to its own context. Stop cancels the loop and
// returns only once the goroutine has exited.
type Task struct {
	name     string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	logger   types.Logger
}

// Every starts fn on a ticker until ctx is done or Stop is called. A panic in
// fn is logged and the loop keeps going.
func Every(ctx context.Context, name string, interval time.Duration, logger types.Logger, fn func(ctx context.Context)) *Task {
	taskCtx, cancel := context.WithCancel(ctx)

	t := &Task{
		name:     name,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logger,
	}

	go t.run(taskCtx, fn)

	return t
}

func (t *Task) run(ctx context.Context, fn func(ctx context.Context)) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.invoke(ctx, fn)
		}
	}
}

func (t *Task) invoke(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil && t.logger != nil {
			t.logger.Error("Scheduled task panicked", zap.String("task", t.name), zap.Any("panic", r))
		}
	}()

	fn(ctx)
}

func (t *Task) Name() string { return t.name }

// Done is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Stop is safe to call any number of times and from any goroutine.
func (t *Task) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}

// Group owns a set of tasks so a component can stop all of them at teardown.
type Group struct {
	mu    sync.Mutex
	tasks []*Task
}

func (g *Group) Go(t *Task) *Task {
	g.mu.Lock()
	g.tasks = append(g.tasks, t)
	g.mu.Unlock()
	return t
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// StopAll stops every task in reverse start order.
func (g *Group) StopAll() {
	g.mu.Lock()
	tasks := g.tasks
	g.tasks = nil
	g.mu.Unlock()

	for i := len(tasks) - 1; i >= 0; i-- {
		tasks[i].Stop()
	}
}
