// Package queue runs worker jobs — one goroutine per dispatched task —
// under a bounded concurrency cap, enforcing the at-most-one-job-per-
// task-id invariant.
package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Job is the unit of work the queue spawns: a task id and a function
// that performs the work, returning an error on failure.
type Job struct {
	TaskID string
	Run    func(ctx context.Context) error
}

// Result reports how a spawned job finished.
type Result struct {
	TaskID string
	Err    error
}

// Queue bounds concurrent job execution with a weighted semaphore and
// refuses to spawn a second job for a task id that already has one
// in flight.
type Queue struct {
	sem      *semaphore.Weighted
	capacity int64

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	results chan Result
	wg      sync.WaitGroup
}

// New creates a Queue that runs at most capacity jobs concurrently.
func New(capacity int64) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
		active:   make(map[string]context.CancelFunc),
		results:  make(chan Result, 256),
	}
}

// ErrAlreadyRunning is returned by Spawn when a job for the same task
// id is still in flight.
var ErrAlreadyRunning = fmt.Errorf("job already running for this task id")

// Spawn starts job in a new goroutine if a concurrency slot is free
// and no job is already running for job.TaskID. It never blocks: if
// the queue is at capacity it returns (false, nil) immediately so the
// dispatch loop can move on rather than stall on a full pool.
// Completion is reported on CollectCompleted. ctx governs the job's
// lifetime — cancelling it (directly or via Cancel) interrupts the
// running job.
func (q *Queue) Spawn(ctx context.Context, job Job) (bool, error) {
	q.mu.Lock()
	if _, exists := q.active[job.TaskID]; exists {
		q.mu.Unlock()
		return false, fmt.Errorf("spawn %s: %w", job.TaskID, ErrAlreadyRunning)
	}
	if !q.sem.TryAcquire(1) {
		q.mu.Unlock()
		return false, nil
	}
	jobCtx, cancel := context.WithCancel(ctx)
	q.active[job.TaskID] = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.sem.Release(1)
		defer cancel()

		err := job.Run(jobCtx)

		q.mu.Lock()
		delete(q.active, job.TaskID)
		q.mu.Unlock()

		q.results <- Result{TaskID: job.TaskID, Err: err}
	}()
	return true, nil
}

// CollectCompleted drains every result currently buffered without
// blocking. Call this once per dispatch-loop iteration.
func (q *Queue) CollectCompleted() []Result {
	var out []Result
	for {
		select {
		case r := <-q.results:
			out = append(out, r)
		default:
			return out
		}
	}
}

// WaitForAny blocks until at least one result is available or ctx is
// done, returning the results collected at that point.
func (q *Queue) WaitForAny(ctx context.Context) []Result {
	select {
	case r := <-q.results:
		out := []Result{r}
		out = append(out, q.CollectCompleted()...)
		return out
	case <-ctx.Done():
		return nil
	}
}

// Cancel interrupts the job running for taskID, if any.
func (q *Queue) Cancel(taskID string) {
	q.mu.Lock()
	cancel, ok := q.active[taskID]
	q.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll interrupts every job currently in flight.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(q.active))
	for _, c := range q.active {
		cancels = append(cancels, c)
	}
	q.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// IsActive reports whether a job for taskID is currently running.
func (q *Queue) IsActive(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[taskID]
	return ok
}

// ActiveCount returns the number of jobs currently in flight.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// AvailableSlots returns how many more jobs can be spawned right now
// without blocking.
func (q *Queue) AvailableSlots() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	slots := q.capacity - int64(len(q.active))
	if slots < 0 {
		return 0
	}
	return slots
}

// HasWork reports whether any job is currently in flight. The dispatch
// loop does not call it: it checks ActiveCount, and when nothing new is
// dispatched it sleeps one fixed poll interval rather than waiting on a
// completion.
func (q *Queue) HasWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active) > 0
}

// Drain waits for every spawned job to finish (used on shutdown, after
// CancelAll).
func (q *Queue) Drain() {
	q.wg.Wait()
}
