package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeSendMessage       Type = "SendMessage"
	TypeAIProcess         Type = "AIProcess"
	TypeUrlFetch          Type = "UrlFetch"
	TypeSystemMaintenance Type = "SystemMaintenance"
	TypeCustom            Type = "Custom"
)

// Priority orders dispatch: numerically lower pops first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCancelled  Status = "cancelled"
)

var (
	ErrTaskNotFound     = errors.New("queue: task not found")
	ErrNotCancellable   = errors.New("queue: task is not pending")
	ErrNotRetryable     = errors.New("queue: task is not retryable")
	ErrDuplicateHandler = errors.New("queue: handler already registered for type")
	ErrNoHandler        = errors.New("queue: no handler registered for type")
	ErrQueueStopped     = errors.New("queue: stopped")
)

// Task is one unit of asynchronous work. Data is an opaque string mapping
// interpreted by the handler for the task's type.
type Task struct {
	ID          string
	Type        Type
	Data        map[string]string
	Priority    Priority
	Status      Status
	Error       string
	Result      string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	RetryCount  int
	MaxRetries  int

	// Callback runs after the task completes. Errors and panics in the
	// callback are logged and swallowed.
	Callback func(*Task)

	seq uint64
}

// clone returns a snapshot safe to hand outside the queue's lock.
func (t *Task) clone() *Task {
	cp := *t
	if t.Data != nil {
		cp.Data = make(map[string]string, len(t.Data))
		for k, v := range t.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// taskHeap orders by (priority, admission sequence). The sequence counter
// also covers re-admitted retries, which go to the back of their band.
type taskHeap []*heapEntry

type heapEntry struct {
	taskID   string
	priority Priority
	seq      uint64
}

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*heapEntry))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

var _ heap.Interface = (*taskHeap)(nil)
