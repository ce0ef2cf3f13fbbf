package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coldriver/messagepusher/internal/queue"
)

func newTestPool(t *testing.T, workers int, retryDelay time.Duration) *queue.Pool {
	t.Helper()
	p := queue.New(queue.Config{Workers: workers, RetryDelay: retryDelay})
	t.Cleanup(func() {
		_ = p.Stop()
	})
	return p
}

func waitForStatus(t *testing.T, p *queue.Pool, id string, want queue.Status) *queue.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := p.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := p.Get(id)
	t.Fatalf("task %s never reached %s (last: %s, error %q)", id, want, task.Status, task.Error)
	return nil
}

func TestPool_RegisterHandlerOncePerType(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	noop := func(context.Context, *queue.Task) error { return nil }

	if err := p.RegisterHandler(queue.TypeSendMessage, noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := p.RegisterHandler(queue.TypeSendMessage, noop)
	if !errors.Is(err, queue.ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
}

func TestPool_SubmitRequiresHandler(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	_, err := p.Submit(&queue.Task{Type: queue.TypeUrlFetch})
	if !errors.Is(err, queue.ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestPool_PriorityOrdering(t *testing.T) {
	p := newTestPool(t, 1, time.Second)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	handler := func(_ context.Context, task *queue.Task) error {
		mu.Lock()
		order = append(order, task.Data["label"])
		mu.Unlock()
		wg.Done()
		return nil
	}
	if err := p.RegisterHandler(queue.TypeCustom, handler); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Admit everything before the workers exist so the pop order is
	// decided purely by priority.
	labels := []struct {
		label    string
		priority queue.Priority
	}{
		{"low", queue.PriorityLow},
		{"normal", queue.PriorityNormal},
		{"high", queue.PriorityHigh},
		{"normal-2", queue.PriorityNormal},
	}
	for _, l := range labels {
		wg.Add(1)
		_, err := p.Submit(&queue.Task{
			Type:     queue.TypeCustom,
			Priority: l.priority,
			Data:     map[string]string{"label": l.label},
		})
		if err != nil {
			t.Fatalf("submit %s: %v", l.label, err)
		}
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "normal", "normal-2", "low"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("execution order %v, want %v", order, want)
	}
}

func TestPool_CancelOnlyWhilePending(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	release := make(chan struct{})
	started := make(chan string, 1)
	handler := func(_ context.Context, task *queue.Task) error {
		started <- task.ID
		<-release
		return nil
	}
	if err := p.RegisterHandler(queue.TypeCustom, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	runningID, err := p.Submit(&queue.Task{Type: queue.TypeCustom})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	pendingID, err := p.Submit(&queue.Task{Type: queue.TypeCustom})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := p.Cancel(pendingID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if err := p.Cancel(runningID); !errors.Is(err, queue.ErrNotCancellable) {
		t.Fatalf("cancel processing: expected ErrNotCancellable, got %v", err)
	}
	close(release)

	waitForStatus(t, p, runningID, queue.StatusCompleted)
	task, err := p.Get(pendingID)
	if err != nil {
		t.Fatalf("get cancelled: %v", err)
	}
	if task.Status != queue.StatusCancelled {
		t.Fatalf("cancelled task status = %s", task.Status)
	}
}

func TestPool_RetryExhaustsBudget(t *testing.T) {
	p := newTestPool(t, 2, 20*time.Millisecond)

	var mu sync.Mutex
	calls := 0
	handler := func(context.Context, *queue.Task) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("downstream 503")
	}
	if err := p.RegisterHandler(queue.TypeSendMessage, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := p.Submit(&queue.Task{Type: queue.TypeSendMessage, MaxRetries: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := waitForStatus(t, p, id, queue.StatusFailed)
	if task.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", task.RetryCount)
	}
	if task.Error == "" {
		t.Fatal("terminal task should keep its last error")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("handler ran %d times, want 3 (initial + 2 retries)", calls)
	}
}

func TestPool_HandlerPanicBecomesFailure(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	handler := func(context.Context, *queue.Task) error {
		panic("boom")
	}
	if err := p.RegisterHandler(queue.TypeCustom, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := p.Submit(&queue.Task{Type: queue.TypeCustom, MaxRetries: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Budget of 1 retry: panic twice, then terminal failure. The worker
	// must survive both.
	task := waitForStatus(t, p, id, queue.StatusFailed)
	if task.Error == "" || task.RetryCount != 1 {
		t.Fatalf("unexpected terminal task: %+v", task)
	}

	// Pool still works afterwards.
	ok := make(chan struct{})
	if err := p.RegisterHandler(queue.TypeSendMessage, func(context.Context, *queue.Task) error {
		close(ok)
		return nil
	}); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if _, err := p.Submit(&queue.Task{Type: queue.TypeSendMessage}); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up work after a panic")
	}
}

func TestPool_CallbackRunsOnCompletion(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	if err := p.RegisterHandler(queue.TypeCustom, func(_ context.Context, task *queue.Task) error {
		task.Result = "done"
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := make(chan *queue.Task, 1)
	_, err := p.Submit(&queue.Task{
		Type:     queue.TypeCustom,
		Callback: func(task *queue.Task) { got <- task },
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case task := <-got:
		if task.Status != queue.StatusCompleted || task.Result != "done" {
			t.Fatalf("callback saw %+v", task)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestPool_PurgeCompleted(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	if err := p.RegisterHandler(queue.TypeCustom, func(context.Context, *queue.Task) error { return nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := p.Submit(&queue.Task{Type: queue.TypeCustom})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, p, id, queue.StatusCompleted)

	if n := p.PurgeCompleted(time.Hour); n != 0 {
		t.Fatalf("fresh task purged: %d", n)
	}
	if n := p.PurgeCompleted(-time.Second); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := p.Get(id); !errors.Is(err, queue.ErrTaskNotFound) {
		t.Fatalf("purged task still visible: %v", err)
	}
}

func TestPool_StopExitsAfterInFlightTask(t *testing.T) {
	p := queue.New(queue.Config{Workers: 1})

	var mu sync.Mutex
	handled := 0
	started := make(chan struct{}, 1)
	handler := func(context.Context, *queue.Task) error {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}
	if err := p.RegisterHandler(queue.TypeCustom, handler); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := p.Submit(&queue.Task{Type: queue.TypeCustom}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	// The worker must finish the in-flight task and exit without
	// draining the other four.
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if handled != 1 {
		t.Fatalf("worker handled %d tasks after stop, want only the in-flight one", handled)
	}
	depth, byStatus := p.Stats()
	if depth != 4 || byStatus[queue.StatusPending] != 4 {
		t.Fatalf("depth=%d pending=%d, want the backlog untouched", depth, byStatus[queue.StatusPending])
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := queue.New(queue.Config{Workers: 1})
	if err := p.RegisterHandler(queue.TypeCustom, func(context.Context, *queue.Task) error { return nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := p.Submit(&queue.Task{Type: queue.TypeCustom}); !errors.Is(err, queue.ErrQueueStopped) {
		t.Fatalf("expected ErrQueueStopped, got %v", err)
	}
}
