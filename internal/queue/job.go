package queue

import (
	"time"

	"github.com/google/uuid"
)

// Job lifecycle states.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobRetrying   = "retrying"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Job types dispatched by the queue.
const (
	TypeSync      = "sync"
	TypeDataFetch = "data_fetch"
	TypeCleanup   = "cleanup"
	TypeBacktest  = "backtest"
)

// Job is one unit of schedulable work.
type Job struct {
	ID          string
	Type        string
	Priority    int
	Payload     SyncPayload
	Status      string
	Attempts    int
	MaxAttempts int
	Timeout     time.Duration
	CreatedAt   time.Time
	RunAfter    time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	WorkerID    string
	Error       string
}

// SyncPayload identifies what a sync job should fetch.
type SyncPayload struct {
	UserID       string
	ConnectionID string
	Symbol       string
	Since        time.Time
	Until        time.Time
}

// Priority bounds. Values outside the band are clamped so a rogue
// priority cannot jump the score bands.
const (
	MinPriority = 1
	MaxPriority = 10
)

// NewJob builds a pending job with defaults applied.
func NewJob(jobType string, priority int, payload SyncPayload) *Job {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Priority:    priority,
		Payload:     payload,
		Status:      JobPending,
		MaxAttempts: 3,
		Timeout:     10 * time.Minute,
		CreatedAt:   time.Now(),
	}
}

// Score ranks a pending job: higher priority wins, and waiting jobs
// gain one point per minute so low priorities cannot starve forever.
func (j *Job) Score(now time.Time) float64 {
	ageMinutes := now.Sub(j.CreatedAt).Minutes()
	return float64(j.Priority)*1_000_000 + ageMinutes
}

// Terminal reports whether the job can no longer transition.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobCancelled
}
