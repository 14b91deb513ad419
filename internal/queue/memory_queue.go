package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	job      *Job
	readyAt  time.Time
	deadline time.Time // zero unless claimed
}

// MemoryQueue is an in-process Queue with the same delivery semantics as
// RedisQueue. It backs local runs without Redis and the service tests.
type MemoryQueue struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	order    []string
	dead     map[string][]*Job
	dedupe   map[string]time.Time
	progress map[string]json.RawMessage
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries:  make(map[string]*memEntry),
		dead:     make(map[string][]*Job),
		dedupe:   make(map[string]time.Time),
		progress: make(map[string]json.RawMessage),
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(_ context.Context, name string, payload interface{}, opts Options) (*Job, error) {
	opts = normalize(opts)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	if opts.DedupeKey != "" && opts.DedupeWindow > 0 {
		if until, ok := q.dedupe[opts.DedupeKey]; ok && now.Before(until) {
			return nil, ErrDuplicateJob
		}
		q.dedupe[opts.DedupeKey] = now.Add(opts.DedupeWindow)
	}

	job := &Job{
		ID:          opts.JobID,
		Queue:       name,
		Payload:     data,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  now.UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	q.entries[job.ID] = &memEntry{job: job, readyAt: now.Add(opts.Delay)}
	q.order = append(q.order, job.ID)
	return copyJob(job), nil
}

func (q *MemoryQueue) Claim(_ context.Context, name string, visibility time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	var candidates []string
	for _, id := range q.order {
		e := q.entries[id]
		if e == nil || e.job.Queue != name {
			continue
		}
		claimed := !e.deadline.IsZero()
		if (claimed && !now.Before(e.deadline)) || (!claimed && !now.Before(e.readyAt)) {
			candidates = append(candidates, id)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return q.entries[candidates[i]].readyAt.Before(q.entries[candidates[j]].readyAt)
	})

	for _, id := range candidates {
		e := q.entries[id]
		e.job.Attempt++
		if e.job.Attempt > e.job.MaxAttempts {
			e.job.Attempt = e.job.MaxAttempts
			if e.job.LastError == "" {
				e.job.LastError = "visibility timeout exceeded"
			}
			q.buryLocked(e.job)
			continue
		}
		e.deadline = now.Add(visibility)
		return copyJob(e.job), nil
	}
	return nil, nil
}

func (q *MemoryQueue) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(job.ID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, job *Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[job.ID]
	if !ok {
		return false, ErrJobNotFound
	}
	if cause != nil {
		e.job.LastError = cause.Error()
		job.LastError = e.job.LastError
	}
	if IsPermanent(cause) || e.job.FinalAttempt() {
		q.buryLocked(e.job)
		return false, nil
	}
	e.deadline = time.Time{}
	e.readyAt = q.now().Add(e.job.Backoff.Next(e.job.Attempt))
	return true, nil
}

func (q *MemoryQueue) buryLocked(job *Job) {
	q.removeLocked(job.ID)
	q.dead[job.Queue] = append(q.dead[job.Queue], copyJob(job))
}

func (q *MemoryQueue) removeLocked(id string) {
	delete(q.entries, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *MemoryQueue) UpdateProgress(_ context.Context, jobID string, progress interface{}) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.progress[jobID] = data
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Progress(_ context.Context, jobID string) (json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.progress[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return p, nil
}

func (q *MemoryQueue) Dead(_ context.Context, name string) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.dead[name]))
	for _, j := range q.dead[name] {
		out = append(out, copyJob(j))
	}
	return out, nil
}

// Pending returns the jobs not yet acked or buried, in enqueue order
func (q *MemoryQueue) Pending(name string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, id := range q.order {
		if e := q.entries[id]; e != nil && e.job.Queue == name {
			out = append(out, copyJob(e.job))
		}
	}
	return out
}

func copyJob(j *Job) *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}

var _ Queue = (*MemoryQueue)(nil)
