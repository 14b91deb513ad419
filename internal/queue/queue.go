package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Queue names
const (
	OrderSync         = "order-sync"
	WebhookProcessing = "webhook-processing"
)

var (
	// ErrDuplicateJob is returned when a job with the same dedupe key was
	// enqueued inside its dedupe window.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")
)

// Backoff describes the delay before a failed job is retried
type Backoff struct {
	Type  string        `json:"type"` // exponential or fixed
	Delay time.Duration `json:"delay"`
}

// Next returns the delay after the given (1-based) attempt failed
func (b Backoff) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type == "fixed" || attempt < 1 {
		return b.Delay
	}
	return time.Duration(float64(b.Delay) * math.Pow(2, float64(attempt-1)))
}

// Options control delivery of a single job
type Options struct {
	JobID        string
	Attempts     int
	Backoff      Backoff
	Delay        time.Duration
	DedupeKey    string
	DedupeWindow time.Duration
}

// Job is a unit of work. Attempt counts claims, so it is 1 while the first
// attempt runs.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// FinalAttempt reports whether a failure now would exhaust the job
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Decode unmarshals the payload
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// Queue is a durable at-least-once job queue
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload interface{}, opts Options) (*Job, error)
	// Claim returns the next ready job, or nil when the queue is empty. The job
	// becomes visible again if not acked or failed within visibility.
	Claim(ctx context.Context, queue string, visibility time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Nack schedules a retry with backoff, or moves the job to the dead list
	// when attempts are exhausted or cause is Permanent. It reports whether
	// the job will run again.
	Nack(ctx context.Context, job *Job, cause error) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, progress interface{}) error
	Progress(ctx context.Context, jobID string) (json.RawMessage, error)
	Dead(ctx context.Context, queue string) ([]*Job, error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func normalize(opts Options) Options {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = "exponential"
	}
	return opts
}
