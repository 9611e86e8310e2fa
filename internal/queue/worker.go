package queue

import (
	"sync"
	"time"
)

// Worker states.
const (
	WorkerIdle    = "idle"
	WorkerBusy    = "busy"
	WorkerOffline = "offline"
)

// WorkerState is the heartbeat record kept under worker:{id}.
type WorkerState struct {
	ID            string
	Status        string
	MaxJobs       int
	ActiveJobs    int
	LastHeartbeat time.Time
}

// WorkerRegistry tracks workers through their heartbeat records. A
// worker missing heartbeats beyond the grace period (3x the heartbeat
// interval) is treated as offline and excluded from dispatch; its
// in-flight jobs become eligible for reassignment.
type WorkerRegistry struct {
	mu       sync.Mutex
	store    *RecordStore
	interval time.Duration
}

func NewWorkerRegistry(store *RecordStore, heartbeatInterval time.Duration) *WorkerRegistry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	return &WorkerRegistry{store: store, interval: heartbeatInterval}
}

func (r *WorkerRegistry) grace() time.Duration { return 3 * r.interval }

// Register adds a worker in the idle state.
func (r *WorkerRegistry) Register(id string, maxJobs int) {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.Set(workerKeyPrefix+id, &WorkerState{
		ID:            id,
		Status:        WorkerIdle,
		MaxJobs:       maxJobs,
		LastHeartbeat: time.Now(),
	}, 0)
}

// Heartbeat refreshes a worker's liveness stamp.
func (r *WorkerRegistry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.get(id); w != nil {
		w.LastHeartbeat = time.Now()
		if w.Status == WorkerOffline {
			w.Status = WorkerIdle
		}
	}
}

// Acquire reserves a slot on an available worker and returns its id.
func (r *WorkerRegistry) Acquire() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, key := range r.store.Keys(workerKeyPrefix) {
		w := r.lookup(key)
		if w == nil {
			continue
		}
		if now.Sub(w.LastHeartbeat) > r.grace() {
			w.Status = WorkerOffline
			continue
		}
		if w.Status == WorkerOffline || w.ActiveJobs >= w.MaxJobs {
			continue
		}
		w.ActiveJobs++
		if w.ActiveJobs >= w.MaxJobs {
			w.Status = WorkerBusy
		}
		return w.ID, true
	}
	return "", false
}

// Release returns a slot after a job finishes.
func (r *WorkerRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.get(id); w != nil {
		if w.ActiveJobs > 0 {
			w.ActiveJobs--
		}
		if w.Status == WorkerBusy && w.ActiveJobs < w.MaxJobs {
			w.Status = WorkerIdle
		}
	}
}

// SetOffline marks a worker as deliberately out of rotation, e.g. on
// shutdown. A later Heartbeat revives it.
func (r *WorkerRegistry) SetOffline(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.get(id); w != nil {
		w.Status = WorkerOffline
	}
}

// Offline reports whether a worker is out of rotation: either marked
// offline or past its heartbeat grace window.
func (r *WorkerRegistry) Offline(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.get(id)
	if w == nil {
		return true
	}
	return w.Status == WorkerOffline || time.Since(w.LastHeartbeat) > r.grace()
}

// States snapshots all worker records.
func (r *WorkerRegistry) States() []WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []WorkerState
	for _, key := range r.store.Keys(workerKeyPrefix) {
		if w := r.lookup(key); w != nil {
			out = append(out, *w)
		}
	}
	return out
}

func (r *WorkerRegistry) get(id string) *WorkerState {
	return r.lookup(workerKeyPrefix + id)
}

func (r *WorkerRegistry) lookup(key string) *WorkerState {
	v, ok := r.store.Get(key)
	if !ok {
		return nil
	}
	w, _ := v.(*WorkerState)
	return w
}
