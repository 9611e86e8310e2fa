// Package queue schedules sync work through a priority job queue with
// retry, backoff, per-job timeouts and worker heartbeat tracking.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradesync-core/internal/events"
)

// ErrJobTimeout marks a job that exceeded its wall-clock allowance.
var ErrJobTimeout = errors.New("job timeout")

// ErrUnknownJobType marks a job with no registered handler.
var ErrUnknownJobType = errors.New("unknown job type")

// Handler executes one job. A nil error completes the job; any error
// triggers the retry policy.
type Handler func(ctx context.Context, job *Job) error

// jobHeap orders pending jobs by score, highest first.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	now := time.Now()
	return h[i].Score(now) > h[j].Score(now)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Workers    int `json:"workers"`
}

// inflightEntry tracks one running job. reassigned marks a job whose
// worker went offline: its context is cancelled and, instead of being
// treated as user-cancelled, the job goes back on the heap.
type inflightEntry struct {
	job        *Job
	cancel     context.CancelFunc
	reassigned bool
}

// JobQueue dispatches pending jobs to available workers on a poll loop.
type JobQueue struct {
	mu          sync.Mutex
	pending     jobHeap
	inflight    map[string]*inflightEntry
	store       *RecordStore
	workers     *WorkerRegistry
	bus         *events.Bus
	handlers    map[string]Handler
	pollEvery   time.Duration
	backoffBase time.Duration // retry delay unit; 2^attempts of these
	completed   int
	failed      int
	cancelled   int
	done        chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
}

func New(store *RecordStore, workers *WorkerRegistry, bus *events.Bus) *JobQueue {
	return &JobQueue{
		pending:     jobHeap{},
		inflight:    make(map[string]*inflightEntry),
		store:       store,
		workers:     workers,
		bus:         bus,
		handlers:    make(map[string]Handler),
		pollEvery:   time.Second,
		backoffBase: time.Second,
		done:        make(chan struct{}),
	}
}

// RegisterHandler binds a job type to its executor. Must be called
// before Start.
func (q *JobQueue) RegisterHandler(jobType string, h Handler) {
	q.mu.Lock()
	q.handlers[jobType] = h
	q.mu.Unlock()
}

// Enqueue puts a job on the pending heap and records its detail.
func (q *JobQueue) Enqueue(job *Job) {
	q.mu.Lock()
	job.Status = JobPending
	heap.Push(&q.pending, job)
	q.saveJob(job)
	q.mu.Unlock()
}

// saveJob snapshots the job into the record store. The store only ever
// holds copies, so readers never share memory with the job the run
// goroutine is mutating.
func (q *JobQueue) saveJob(job *Job) {
	snapshot := *job
	q.store.Set(jobKeyPrefix+job.ID, &snapshot, JobRecordTTL)
}

// GetJob returns a point-in-time snapshot of a job's detail record.
func (q *JobQueue) GetJob(id string) (*Job, bool) {
	v, ok := q.store.Get(jobKeyPrefix + id)
	if !ok {
		return nil, false
	}
	job, ok := v.(*Job)
	if !ok {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

// Cancel removes a pending job from the heap, or signals a processing
// job's context. Terminal jobs are left alone.
func (q *JobQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.pending {
		if job.ID == id {
			heap.Remove(&q.pending, i)
			job.Status = JobCancelled
			q.cancelled++
			q.saveJob(job)
			return true
		}
	}
	if entry, ok := q.inflight[id]; ok {
		entry.cancel()
		return true
	}
	return false
}

// Start runs the poll loop until Stop or ctx cancellation.
func (q *JobQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go q.loop(ctx)
	})
}

// Stop halts dispatch and waits for in-flight jobs to settle.
func (q *JobQueue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}

func (q *JobQueue) loop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-cleanup.C:
			q.store.Cleanup()
		case <-ticker.C:
			q.reapStranded()
			q.dispatch(ctx)
		}
	}
}

// dispatch drains ready jobs onto available workers.
func (q *JobQueue) dispatch(ctx context.Context) {
	for {
		workerID, ok := q.workers.Acquire()
		if !ok {
			return
		}
		job := q.popReady()
		if job == nil {
			q.workers.Release(workerID)
			return
		}
		q.run(ctx, job, workerID)
	}
}

// reapStranded frees jobs held by workers that stopped heartbeating:
// their contexts are cancelled and the jobs go back on the pending heap
// for another worker, per the reassignment rule.
func (q *JobQueue) reapStranded() {
	q.mu.Lock()
	var stranded []*inflightEntry
	for _, entry := range q.inflight {
		if !entry.reassigned && q.workers.Offline(entry.job.WorkerID) {
			entry.reassigned = true
			stranded = append(stranded, entry)
		}
	}
	q.mu.Unlock()

	for _, entry := range stranded {
		log.Printf("[JobQueue] worker %s offline, reassigning job %s",
			entry.job.WorkerID, entry.job.ID)
		entry.cancel()
	}
}

// popReady pops the highest-score job whose backoff window has passed,
// re-pushing any that are still waiting out their delay.
func (q *JobQueue) popReady() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var parked []*Job
	var picked *Job
	for q.pending.Len() > 0 {
		job := heap.Pop(&q.pending).(*Job)
		if job.RunAfter.After(now) {
			parked = append(parked, job)
			continue
		}
		picked = job
		break
	}
	for _, job := range parked {
		heap.Push(&q.pending, job)
	}
	return picked
}

func (q *JobQueue) run(ctx context.Context, job *Job, workerID string) {
	now := time.Now()

	// Jobs past their wall-clock allowance fail before execution; the
	// retry policy still applies.
	if job.Timeout > 0 && now.Sub(job.CreatedAt) > job.Timeout {
		q.workers.Release(workerID)
		q.settleFailure(job, fmt.Errorf("%w: queued %v", ErrJobTimeout, now.Sub(job.CreatedAt)))
		return
	}

	q.mu.Lock()
	handler, ok := q.handlers[job.Type]
	q.mu.Unlock()
	if !ok {
		q.workers.Release(workerID)
		q.fail(job, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
		return
	}

	job.Status = JobProcessing
	job.Attempts++
	job.WorkerID = workerID
	job.StartedAt = &now

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	entry := &inflightEntry{job: job, cancel: cancel}
	q.mu.Lock()
	q.inflight[job.ID] = entry
	q.saveJob(job)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			cancel()
			q.mu.Lock()
			delete(q.inflight, job.ID)
			q.mu.Unlock()
			q.workers.Release(workerID)
		}()

		err := handler(jobCtx, job)
		switch {
		case err == nil:
			q.complete(job)
		case jobCtx.Err() == context.Canceled:
			q.mu.Lock()
			reassigned := entry.reassigned
			q.mu.Unlock()
			if reassigned {
				q.Requeue(job)
			} else {
				q.cancelProcessing(job)
			}
		case jobCtx.Err() == context.DeadlineExceeded:
			q.settleFailure(job, ErrJobTimeout)
		default:
			q.settleFailure(job, err)
		}
	}()
}

func (q *JobQueue) complete(job *Job) {
	now := time.Now()
	job.Status = JobCompleted
	job.CompletedAt = &now
	job.Error = ""

	q.mu.Lock()
	q.saveJob(job)
	q.completed++
	q.mu.Unlock()

	q.bus.Publish(events.EventJobCompleted, events.JobOutcome{
		JobID: job.ID, Type: job.Type, Attempts: job.Attempts,
	})
}

// settleFailure applies the retry policy: reschedule with exponential
// backoff while attempts remain, otherwise fail permanently.
func (q *JobQueue) settleFailure(job *Job, err error) {
	if job.Attempts >= job.MaxAttempts {
		q.fail(job, err)
		return
	}
	delay := time.Duration(1<<job.Attempts) * q.backoffBase
	job.Status = JobRetrying
	job.Error = err.Error()
	job.RunAfter = time.Now().Add(delay)
	log.Printf("[JobQueue] job %s attempt %d/%d failed, retry in %v: %v",
		job.ID, job.Attempts, job.MaxAttempts, delay, err)

	q.mu.Lock()
	job.Status = JobPending
	heap.Push(&q.pending, job)
	q.saveJob(job)
	q.mu.Unlock()
}

func (q *JobQueue) fail(job *Job, err error) {
	now := time.Now()
	job.Status = JobFailed
	job.Error = err.Error()
	job.CompletedAt = &now

	q.mu.Lock()
	q.saveJob(job)
	q.failed++
	q.mu.Unlock()

	log.Printf("[JobQueue] job %s failed permanently after %d attempts: %v", job.ID, job.Attempts, err)
	q.bus.Publish(events.EventJobFailed, events.JobOutcome{
		JobID: job.ID, Type: job.Type, Attempts: job.Attempts, Error: job.Error,
	})
}

func (q *JobQueue) cancelProcessing(job *Job) {
	now := time.Now()
	job.Status = JobCancelled
	job.CompletedAt = &now

	q.mu.Lock()
	q.saveJob(job)
	q.cancelled++
	q.mu.Unlock()
}

// Requeue returns an in-flight job of an offline worker to the pending
// heap without consuming an attempt.
func (q *JobQueue) Requeue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = JobPending
	job.WorkerID = ""
	job.StartedAt = nil
	heap.Push(&q.pending, job)
	q.saveJob(job)
}

// Snapshot returns current queue statistics.
func (q *JobQueue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    q.pending.Len(),
		Processing: len(q.inflight),
		Completed:  q.completed,
		Failed:     q.failed,
		Cancelled:  q.cancelled,
		Workers:    len(q.workers.States()),
	}
}
